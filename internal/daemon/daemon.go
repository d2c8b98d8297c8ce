// Package daemon runs the orchestrator as a long-lived process: it owns the
// workspace lock, serves control commands over a Unix socket, feeds events
// from the inbox and NATS, and steps the run on a ticker.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/ingest"
	"github.com/msageha/phasegate/internal/lock"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/orchestrator"
	"github.com/msageha/phasegate/internal/uds"
)

// Version is stamped at build time.
var Version = "dev"

// Daemon is the main phasegate daemon process.
type Daemon struct {
	dir    string
	rt     *Runtime
	orch   *orchestrator.Orchestrator
	logger *logging.Logger

	fileLock   *lock.FileLock
	server     *uds.Server
	inbox      *ingest.Inbox
	natsSource *ingest.NATSSource
	metricsSrv *http.Server
	ticker     *time.Ticker
	wake       chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}

	forceExit atomic.Bool
}

// New creates a daemon around rt. The daemon takes ownership of rt and
// closes it on shutdown.
func New(rt *Runtime) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	interval := rt.Config.Daemon.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	d := &Daemon{
		dir:      rt.Dir,
		rt:       rt,
		orch:     rt.Orchestrator,
		logger:   rt.Logger.Named("daemon"),
		fileLock: lock.NewFileLock(filepath.Join(rt.Dir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(rt.Dir, uds.DefaultSocketName)),
		ticker:   time.NewTicker(interval),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
	d.server.SetLogger(rt.Logger.Named("uds"))
	d.inbox = ingest.NewInbox(filepath.Join(rt.Dir, "inbox"), d.ingest)
	d.inbox.SetLogger(rt.Logger.Named("inbox"))
	if rt.NATS != nil {
		d.natsSource = ingest.NewNATSSource(rt.NATS, rt.Config.NATS.EventsSubject, d.ingest)
		d.natsSource.SetLogger(rt.Logger.Named("nats"))
	}
	return d
}

// SocketPath is where the control server listens.
func (d *Daemon) SocketPath() string {
	return filepath.Join(d.dir, uds.DefaultSocketName)
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start acquires the workspace lock, resumes the run and starts every
// background loop. It returns once the daemon is serving.
func (d *Daemon) Start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Info(d.ctx, "daemon starting", zap.Int("pid", os.Getpid()), zap.String("version", Version))

	rs, err := d.orch.Start(d.ctx)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("start run: %w", err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Info(d.ctx, "UDS server listening", zap.String("socket", d.SocketPath()))

	if d.natsSource != nil {
		if err := d.natsSource.Start(d.ctx); err != nil {
			d.server.Stop()
			d.cleanup()
			return fmt.Errorf("start nats source: %w", err)
		}
	}

	if addr := d.rt.Config.Daemon.MetricsAddr; addr != "" {
		d.startMetricsServer(addr)
	}

	d.wg.Add(2)
	go d.inboxLoop()
	go d.stepLoop()

	d.logger.Info(d.ctx, "daemon ready",
		zap.String("run_id", rs.RunID),
		zap.String("status", string(rs.Status)))
	d.Wake()
	return nil
}

func (d *Daemon) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.rt.Registry, promhttp.HandlerOpts{}))
	d.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Info(d.ctx, "metrics endpoint listening", zap.String("addr", addr))
		if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error(d.ctx, "metrics server stopped", zap.Error(err))
		}
	}()
}

// ingest is the handler shared by the inbox and the NATS source.
func (d *Daemon) ingest(ctx context.Context, ev model.Event) error {
	res, err := d.orch.Ingest(ctx, ev)
	if err != nil {
		return err
	}
	if !res.Duplicate {
		d.Wake()
	}
	return nil
}

// Wake asks the step loop to step now rather than at the next tick.
func (d *Daemon) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// inboxLoop watches the inbox directory until shutdown.
func (d *Daemon) inboxLoop() {
	defer d.wg.Done()
	if err := d.inbox.Run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error(d.ctx, "inbox watcher stopped", zap.Error(err))
	}
}

// stepLoop steps the run on every tick and on every wake-up.
func (d *Daemon) stepLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.step()
		case <-d.wake:
			d.step()
		}
	}
}

func (d *Daemon) step() {
	status, err := d.orch.Run(d.ctx)
	if err != nil {
		if d.ctx.Err() != nil {
			return
		}
		d.logger.Error(d.ctx, "step failed", zap.Error(err))
		return
	}
	d.logger.Debug(d.ctx, "step settled", zap.String("status", string(status)))
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info(d.ctx, "received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	case <-d.stopped:
		return
	}

	// Second signal → force exit
	go func() {
		<-sigCh
		d.logger.Warn(d.ctx, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once). An
// in-flight phase is cancelled and rolled back before the loops exit.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info(d.ctx, "shutdown started")

		// 1. Cancel context (stops accepting new work)
		d.cancel()

		// 2. Stop producers
		d.ticker.Stop()
		if d.natsSource != nil {
			if err := d.natsSource.Stop(); err != nil {
				d.logger.Warn(d.ctx, "drain nats subscription", zap.Error(err))
			}
		}
		_ = d.server.Stop()

		timeout := d.rt.Config.Daemon.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if d.metricsSrv != nil {
			_ = d.metricsSrv.Shutdown(sctx)
		}

		// 3. Drain in-flight with timeout
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.logger.Info(sctx, "all goroutines drained")
		case <-sctx.Done():
			d.logger.Warn(sctx, "shutdown timeout, some operations may be incomplete", zap.Duration("timeout", timeout))
		}

		// 4. Cleanup
		if err := d.rt.Close(sctx); err != nil {
			d.logger.Warn(sctx, "close runtime", zap.Error(err))
		}
		d.cleanup()
		d.logger.Info(sctx, "daemon stopped")
		close(d.stopped)
	})
}

// Stopped is closed once Shutdown has finished.
func (d *Daemon) Stopped() <-chan struct{} {
	return d.stopped
}

// cleanup releases the socket file and the workspace lock.
func (d *Daemon) cleanup() {
	_ = os.Remove(d.SocketPath())
	if err := d.fileLock.Unlock(); err != nil {
		d.logger.Warn(d.ctx, "release daemon lock", zap.Error(err))
	}
}
