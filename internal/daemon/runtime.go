package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/agent"
	"github.com/msageha/phasegate/internal/classify"
	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/metrics"
	"github.com/msageha/phasegate/internal/notify"
	"github.com/msageha/phasegate/internal/orchestrator"
	"github.com/msageha/phasegate/internal/plan"
	"github.com/msageha/phasegate/internal/store"
	"github.com/msageha/phasegate/internal/tracing"
)

const busBufferSize = 256

// Runtime is an orchestrator wired to the configured store, executors,
// notifiers and telemetry. The daemon and the foreground run command both
// build one.
type Runtime struct {
	Dir    string
	Config *config.Config
	Plan   *plan.Plan

	Logger       *logging.Logger
	Repo         *store.Repo
	Registry     *prometheus.Registry
	Tracer       *tracing.Provider
	Bus          *events.Bus
	Audit        *events.AuditLogger
	NATS         *nats.Conn
	Orchestrator *orchestrator.Orchestrator

	kv store.KV
}

// RuntimeOptions overrides parts of the wiring; zero values use the
// configuration.
type RuntimeOptions struct {
	Logger   *logging.Logger
	KV       store.KV
	Executor *agent.Router
	RunID    string
}

// NewRuntime builds the runtime for the workspace at dir (the .phasegate
// directory). cfg paths must already be resolved against dir.
func NewRuntime(dir string, cfg *config.Config, p *plan.Plan, opts RuntimeOptions) (rt *Runtime, err error) {
	rt = &Runtime{Dir: dir, Config: cfg, Plan: p}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
			rt = nil
		}
	}()

	rt.Logger = opts.Logger
	if rt.Logger == nil {
		if rt.Logger, err = logging.New(cfg.Logging); err != nil {
			return rt, fmt.Errorf("create logger: %w", err)
		}
	}

	rt.kv = opts.KV
	if rt.kv == nil {
		if rt.kv, err = store.Open(cfg.Store, rt.Logger.Named("store")); err != nil {
			return rt, fmt.Errorf("open store: %w", err)
		}
	}
	rt.Repo = store.NewRepo(rt.kv)

	classifier, err := classify.Load(cfg.Classifier.RulesFile)
	if err != nil {
		return rt, fmt.Errorf("load classifier rules: %w", err)
	}

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(rt.Registry)

	if rt.Tracer, err = tracing.Init(cfg.Tracing, Version); err != nil {
		return rt, fmt.Errorf("init tracing: %w", err)
	}

	rt.Bus = events.NewBus(busBufferSize)
	if cfg.Audit.Path != "" {
		if rt.Audit, err = events.NewAuditLogger(cfg.Audit.Path, int64(cfg.Audit.MaxSizeMB)<<20); err != nil {
			return rt, fmt.Errorf("open audit log: %w", err)
		}
		rt.Audit.EnableChecksum(true)
	}

	if cfg.NATS.Enabled {
		rt.NATS, err = nats.Connect(cfg.NATS.URL,
			nats.Name("phasegate"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, derr error) {
				if derr != nil {
					rt.Logger.Warn(context.Background(), "nats disconnected", zap.Error(derr))
				}
			}),
		)
		if err != nil {
			return rt, fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
		}
	}

	projectDir := filepath.Dir(dir)
	router := opts.Executor
	if router == nil {
		router = defaultRouter(projectDir, rt.Logger)
	}

	runID := opts.RunID
	o := orchestrator.New(rt.Repo, p, classifier, router, orchestrator.Options{
		RunID:           runID,
		MaxPhaseRetries: cfg.Phase.MaxPhaseRetries,
		MaxConcurrency:  cfg.Dispatch.MaxConcurrency,
		BackoffBase:     cfg.Dispatch.BackoffBase,
		BackoffMax:      cfg.Dispatch.BackoffMax,
		DefaultTimeout:  cfg.Dispatch.DefaultTimeout,
	})
	o.SetLogger(rt.Logger.Named("orchestrator"))
	o.SetMetrics(m)
	o.SetTracer(rt.Tracer)
	o.SetEventBus(rt.Bus)
	if rt.Audit != nil {
		o.SetAuditLogger(rt.Audit)
	}
	o.SetNotifier(rt.notifier())
	o.RegisterUndoer(agent.ShellCollaborator, agent.ShellUndoer{Dir: projectDir})
	rt.Orchestrator = o
	return rt, nil
}

func defaultRouter(projectDir string, logger *logging.Logger) *agent.Router {
	shell := agent.NewShell(projectDir)
	shell.SetLogger(logger.Named("shell"))
	r := agent.NewRouter()
	r.Register("noop", agent.Noop{})
	r.Register(agent.ShellCollaborator, shell)
	return r
}

func (rt *Runtime) notifier() notify.Notifier {
	var chain notify.Multi
	if rt.Config.Notify.Log {
		chain = append(chain, notify.NewLog(rt.Logger.Named("notify")))
	}
	if rt.Config.Notify.Desktop {
		chain = append(chain, notify.NewDesktop())
	}
	if rt.NATS != nil && rt.Config.Notify.NATSSubject != "" {
		chain = append(chain, notify.NewNATS(rt.NATS, rt.Config.Notify.NATSSubject))
	}
	if len(chain) == 0 {
		return nil
	}
	return notify.NewRateLimited(chain, rt.Config.Notify.RateLimitPerMinute)
}

// Close releases everything NewRuntime opened, in reverse order.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Orchestrator != nil {
		rt.Orchestrator.Close()
	}
	if rt.NATS != nil {
		if err := rt.NATS.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain nats: %w", err))
		}
	}
	if rt.Audit != nil {
		if err := rt.Audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
	}
	if rt.Bus != nil {
		rt.Bus.Close()
	}
	if rt.Tracer != nil {
		if err := rt.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	if rt.kv != nil {
		if err := rt.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if rt.Logger != nil {
		_ = rt.Logger.Sync()
	}
	return errors.Join(errs...)
}
