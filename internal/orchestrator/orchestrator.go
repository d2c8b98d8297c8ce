// Package orchestrator drives a run: it ingests and routes events, applies
// resolved decisions, dispatches runnable phases, gates them and rolls back
// failed attempts.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/classify"
	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/dispatch"
	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/lock"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/metrics"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/notify"
	"github.com/msageha/phasegate/internal/phase"
	"github.com/msageha/phasegate/internal/plan"
	"github.com/msageha/phasegate/internal/rollback"
	"github.com/msageha/phasegate/internal/store"
	"github.com/msageha/phasegate/internal/tracing"
)

const notifyTimeout = 30 * time.Second

// StepResult tells the caller whether to keep stepping.
type StepResult string

const (
	// StepProgressed means state moved; step again.
	StepProgressed StepResult = "progressed"
	// StepBlocked means a pending Critical decision holds the run.
	StepBlocked StepResult = "blocked"
	// StepIdle means there is nothing to do until something external changes.
	StepIdle StepResult = "idle"
	// StepFinished means the run reached a terminal status.
	StepFinished StepResult = "finished"
)

type Options struct {
	// RunID resumes or creates this run. Empty resumes the current run of
	// the store, or creates a new one when there is none or it is terminal.
	RunID           string
	MaxPhaseRetries int
	MaxConcurrency  int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	DefaultTimeout  time.Duration
}

type Orchestrator struct {
	repo       *store.Repo
	plan       *plan.Plan
	classifier *classify.Classifier
	exec       dispatch.Executor
	opts       Options

	machine    *phase.Machine
	queue      *decision.Queue
	dispatcher *dispatch.Dispatcher
	ledger     *rollback.Ledger
	rollback   *rollback.Controller

	notifier notify.Notifier
	bus      *events.Bus
	audit    *events.AuditLogger
	metrics  *metrics.Metrics
	tracer   *tracing.Provider
	logger   *logging.Logger
	now      func() time.Time

	started    atomic.Bool
	stepMu     sync.Mutex
	eventLocks *lock.MutexMap

	abortMu        sync.Mutex
	aborted        bool
	abortReason    string
	cancelDispatch context.CancelFunc

	notifyWG sync.WaitGroup
}

func New(repo *store.Repo, p *plan.Plan, classifier *classify.Classifier, exec dispatch.Executor, opts Options) *Orchestrator {
	o := &Orchestrator{
		repo:       repo,
		plan:       p,
		classifier: classifier,
		exec:       exec,
		opts:       opts,
		machine:    phase.NewMachine(p, repo, opts.MaxPhaseRetries),
		queue:      decision.NewQueue(repo),
		dispatcher: dispatch.New(),
		ledger:     rollback.NewLedger(repo),
		logger:     logging.NewNop(),
		eventLocks: lock.NewMutexMap(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	o.rollback = rollback.NewController(repo, o.ledger)
	o.rollback.SetRestorer(o.machine)
	return o
}

func (o *Orchestrator) SetNotifier(n notify.Notifier)              { o.notifier = n }
func (o *Orchestrator) SetAuditLogger(a *events.AuditLogger)       { o.audit = a }
func (o *Orchestrator) SetTracer(t *tracing.Provider)              { o.tracer = t; o.dispatcher.SetTracer(t) }
func (o *Orchestrator) RegisterUndoer(c string, u rollback.Undoer) { o.rollback.Register(c, u) }

func (o *Orchestrator) SetEventBus(bus *events.Bus) {
	o.bus = bus
	o.machine.SetEventBus(bus)
	o.queue.SetEventBus(bus)
	o.rollback.SetEventBus(bus)
}

func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
	o.machine.SetMetrics(m)
	o.queue.SetMetrics(m)
	o.dispatcher.SetMetrics(m)
	o.rollback.SetMetrics(m)
}

func (o *Orchestrator) SetLogger(l *logging.Logger) {
	o.logger = l
	o.machine.SetLogger(l.Named("phase"))
	o.queue.SetLogger(l.Named("decision"))
	o.dispatcher.SetLogger(l.Named("dispatch"))
	o.ledger.SetLogger(l.Named("ledger"))
	o.rollback.SetLogger(l.Named("rollback"))
}

func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
	o.machine.SetClock(now)
	o.queue.SetClock(now)
}

func (o *Orchestrator) Queue() *decision.Queue  { return o.queue }
func (o *Orchestrator) Machine() *phase.Machine { return o.machine }
func (o *Orchestrator) Plan() *plan.Plan        { return o.plan }

// RunID returns the id of the started run, "" before Start.
func (o *Orchestrator) RunID() string {
	if !o.started.Load() {
		return ""
	}
	return o.machine.Snapshot().RunID
}

// Snapshot returns a copy of the run state, nil before Start.
func (o *Orchestrator) Snapshot() *model.RunState {
	if !o.started.Load() {
		return nil
	}
	return o.machine.Snapshot()
}

// Start creates or resumes the run. Phases interrupted mid-dispatch by a
// previous process are failed and rolled back to the latest checkpoint.
func (o *Orchestrator) Start(ctx context.Context) (*model.RunState, error) {
	o.stepMu.Lock()
	defer o.stepMu.Unlock()

	runID, err := o.resolveRunID(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := o.machine.Begin(ctx, runID); err != nil {
		return nil, err
	}
	if err := o.repo.SetCurrentRun(ctx, runID); err != nil {
		return nil, fmt.Errorf("record current run: %w", err)
	}
	o.started.Store(true)
	ctx = logging.WithRunID(ctx, runID)

	interrupted, err := o.machine.FailInterrupted(ctx)
	if err != nil {
		return nil, err
	}
	if len(interrupted) > 0 {
		o.logger.Warn(ctx, "recovering interrupted phases", zap.Strings("phases", interrupted))
		if _, err := o.recoverFailed(ctx, interrupted[0], "interrupted"); err != nil {
			return nil, err
		}
	}
	rs := o.machine.Snapshot()
	o.logger.Info(ctx, "run started",
		zap.String("plan", o.plan.Name),
		zap.String("status", string(rs.Status)),
		zap.Int64("last_checkpoint", rs.LastCheckpoint))
	return rs, nil
}

func (o *Orchestrator) resolveRunID(ctx context.Context) (string, error) {
	if o.opts.RunID != "" {
		return o.opts.RunID, nil
	}
	current, err := o.repo.CurrentRun(ctx)
	if err != nil {
		return "", err
	}
	if current != "" {
		rs, err := o.repo.GetRun(ctx, current)
		if err == nil && !model.IsRunTerminal(rs.Status) && rs.PlanName == o.plan.Name {
			return current, nil
		}
	}
	return model.GenerateID(model.IDTypeRun)
}

// Run steps until the run finishes, blocks on a decision or has nothing
// left to do, and returns the run status at that point.
func (o *Orchestrator) Run(ctx context.Context) (model.RunStatus, error) {
	if !o.started.Load() {
		if _, err := o.Start(ctx); err != nil {
			return "", err
		}
	}
	for {
		res, err := o.Step(ctx)
		if err != nil {
			return o.machine.Snapshot().Status, err
		}
		switch res {
		case StepProgressed:
			continue
		default:
			return o.machine.Snapshot().Status, nil
		}
	}
}

// Abort stops the run. An in-flight dispatch is cancelled and the phase is
// rolled back before the run is marked aborted; with no step in flight the
// run is marked aborted immediately.
func (o *Orchestrator) Abort(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "aborted by operator"
	}
	o.abortMu.Lock()
	o.aborted = true
	o.abortReason = reason
	cancel := o.cancelDispatch
	o.abortMu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.logger.Warn(ctx, "abort requested", zap.String("reason", reason))

	if !o.started.Load() {
		return nil
	}
	if o.stepMu.TryLock() {
		defer o.stepMu.Unlock()
		if model.IsRunTerminal(o.machine.Snapshot().Status) {
			return nil
		}
		return o.finish(ctx, model.RunStatusAborted, reason)
	}
	return nil
}

func (o *Orchestrator) abortRequested() (bool, string) {
	o.abortMu.Lock()
	defer o.abortMu.Unlock()
	return o.aborted, o.abortReason
}

func (o *Orchestrator) setDispatchCancel(cancel context.CancelFunc) {
	o.abortMu.Lock()
	o.cancelDispatch = cancel
	o.abortMu.Unlock()
}

// Close waits for in-flight notifications.
func (o *Orchestrator) Close() {
	o.notifyWG.Wait()
}

func (o *Orchestrator) finish(ctx context.Context, status model.RunStatus, reason string) error {
	if err := o.machine.SetRunStatus(ctx, status, reason); err != nil {
		return err
	}
	runID := o.machine.Snapshot().RunID
	o.bus.Publish(events.EventRunFinished, map[string]any{
		"run_id": runID,
		"status": string(status),
		"reason": reason,
	})
	o.writeAudit(ctx, events.AuditEntry{
		EventType: string(events.EventRunFinished),
		RunID:     runID,
		Message:   reason,
		Details:   map[string]any{"status": string(status)},
	})
	o.logger.Info(ctx, "run finished", zap.String("status", string(status)), zap.String("reason", reason))
	return nil
}

func (o *Orchestrator) writeAudit(ctx context.Context, entry events.AuditEntry) {
	if o.audit == nil {
		return
	}
	if entry.RunID == "" && o.started.Load() {
		entry.RunID = o.machine.Snapshot().RunID
	}
	if err := o.audit.Write(entry); err != nil {
		o.logger.Warn(ctx, "audit write failed", zap.String("event_type", entry.EventType), zap.Error(err))
	}
}

// auditError records err with its kind; nil is ignored.
func (o *Orchestrator) auditError(ctx context.Context, eventType, phaseID string, err error) {
	if err == nil {
		return
	}
	o.writeAudit(ctx, events.AuditEntry{
		EventType: eventType,
		PhaseID:   phaseID,
		ErrorKind: model.KindOf(err),
		Message:   err.Error(),
	})
}
