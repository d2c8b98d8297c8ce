// Package phase sequences the phases of a plan and commits a checkpoint
// after each one passes its gate.
package phase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/gate"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/metrics"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/plan"
	"github.com/msageha/phasegate/internal/store"
)

const maxSaveRetries = 5

// Machine owns the run state of one run. It is safe for concurrent readers;
// transitions are expected from a single control loop.
type Machine struct {
	plan       *plan.Plan
	repo       *store.Repo
	maxRetries int

	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time

	mu  sync.RWMutex
	run *model.RunState
}

func NewMachine(p *plan.Plan, repo *store.Repo, maxPhaseRetries int) *Machine {
	return &Machine{
		plan:       p,
		repo:       repo,
		maxRetries: maxPhaseRetries,
		logger:     logging.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Machine) SetEventBus(bus *events.Bus)    { m.bus = bus }
func (m *Machine) SetMetrics(mt *metrics.Metrics) { m.metrics = mt }
func (m *Machine) SetLogger(l *logging.Logger)    { m.logger = l }
func (m *Machine) SetClock(now func() time.Time)  { m.now = now }

func (m *Machine) Plan() *plan.Plan { return m.plan }

// Begin creates run runID with every phase Pending and writes the genesis
// checkpoint, or resumes it from the store. On resume a checkpoint newer
// than the run state (crash between the two writes) is adopted.
func (m *Machine) Begin(ctx context.Context, runID string) (*model.RunState, error) {
	rs, err := m.repo.GetRun(ctx, runID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		rs, err = m.create(ctx, runID)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if rs.PlanName != m.plan.Name {
			return nil, &model.ConfigurationError{Reason: fmt.Sprintf("run %s belongs to plan %q, not %q", runID, rs.PlanName, m.plan.Name)}
		}
		if err := m.reconcile(ctx, rs); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.run = rs
	m.mu.Unlock()
	return m.Snapshot(), nil
}

func (m *Machine) create(ctx context.Context, runID string) (*model.RunState, error) {
	now := m.now()
	rs := &model.RunState{
		RunID:            runID,
		PlanName:         m.plan.Name,
		Status:           model.RunStatusRunning,
		Phases:           make(map[string]model.PhaseRecord, len(m.plan.Phases)),
		AppliedDecisions: map[string]bool{},
		PhaseSignals:     map[string][]string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, ph := range m.plan.Phases {
		rs.Phases[ph.ID] = model.PhaseRecord{Status: model.PhaseStatusPending}
	}

	genesis := &model.Checkpoint{
		RunID:         runID,
		Sequence:      0,
		PhaseStatuses: rs.PhaseStatusMap(),
		CreatedAt:     now,
	}
	if err := m.snapshotQueues(ctx, genesis); err != nil {
		return nil, err
	}
	if err := m.repo.AppendCheckpoint(ctx, genesis); err != nil && !errors.Is(err, model.ErrOutOfOrderCheckpoint) {
		return nil, fmt.Errorf("write genesis checkpoint: %w", err)
	}
	if err := m.repo.SaveRun(ctx, rs); err != nil {
		return nil, fmt.Errorf("create run state: %w", err)
	}
	m.logger.Info(ctx, "run created", zap.String("run_id", runID), zap.String("plan", m.plan.Name))
	return rs, nil
}

func (m *Machine) reconcile(ctx context.Context, rs *model.RunState) error {
	latest, err := m.repo.LatestCheckpoint(ctx, rs.RunID)
	if err != nil {
		return fmt.Errorf("load latest checkpoint: %w", err)
	}
	// A checkpoint from before a rollback is not a missed commit.
	if latest.Sequence <= rs.LastCheckpoint || latest.Parent != rs.LastCheckpoint {
		return nil
	}
	m.logger.Warn(ctx, "run state behind latest checkpoint, adopting checkpoint",
		zap.String("run_id", rs.RunID),
		zap.Int64("run_checkpoint", rs.LastCheckpoint),
		zap.Int64("latest_checkpoint", latest.Sequence))
	for id, st := range latest.PhaseStatuses {
		rec := rs.Phases[id]
		rec.Status = st
		rs.Phases[id] = rec
	}
	rs.LastCheckpoint = latest.Sequence
	rs.UpdatedAt = m.now()
	return m.repo.SaveRun(ctx, rs)
}

// Reload replaces the in-memory run state with the stored one.
func (m *Machine) Reload(ctx context.Context) error {
	m.mu.RLock()
	runID := m.run.RunID
	m.mu.RUnlock()
	rs, err := m.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.run = rs
	m.mu.Unlock()
	return nil
}

// Snapshot returns a deep copy of the run state.
func (m *Machine) Snapshot() *model.RunState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneRun(m.run)
}

func cloneRun(rs *model.RunState) *model.RunState {
	if rs == nil {
		return nil
	}
	out := *rs
	out.Phases = make(map[string]model.PhaseRecord, len(rs.Phases))
	for k, v := range rs.Phases {
		out.Phases[k] = v
	}
	out.AppliedDecisions = make(map[string]bool, len(rs.AppliedDecisions))
	for k, v := range rs.AppliedDecisions {
		out.AppliedDecisions[k] = v
	}
	out.PhaseSignals = make(map[string][]string, len(rs.PhaseSignals))
	for k, v := range rs.PhaseSignals {
		out.PhaseSignals[k] = append([]string(nil), v...)
	}
	return &out
}

// Update applies fn to the run state and persists it with CAS. On a
// conflict the stored state is reloaded and fn applied again.
func (m *Machine) Update(ctx context.Context, fn func(rs *model.RunState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		next := cloneRun(m.run)
		if err := fn(next); err != nil {
			return err
		}
		next.UpdatedAt = m.now()
		err := m.repo.SaveRun(ctx, next)
		if err == nil {
			m.run = next
			return nil
		}
		if !errors.Is(err, model.ErrVersionConflict) {
			return err
		}
		fresh, gerr := m.repo.GetRun(ctx, m.run.RunID)
		if gerr != nil {
			return gerr
		}
		m.run = fresh
	}
	return fmt.Errorf("%w: run %s kept changing", model.ErrVersionConflict, m.run.RunID)
}

func (m *Machine) Status(phaseID string) model.PhaseStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.run.Phases[phaseID].Status
}

func (m *Machine) prerequisitesCommitted(rs *model.RunState, ph model.Phase) bool {
	for _, pre := range ph.Prerequisites {
		if rs.Phases[pre].Status != model.PhaseStatusCommitted {
			return false
		}
	}
	return true
}

func (m *Machine) canRetry(rec model.PhaseRecord) bool {
	return rec.Attempts <= m.maxRetries+rec.RetryGrants
}

// CanRetry reports whether phaseID has attempts left.
func (m *Machine) CanRetry(phaseID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.canRetry(m.run.Phases[phaseID])
}

// Runnable returns the first phase in plan order that can start: Pending,
// or rolled back with attempts left, and every prerequisite Committed.
func (m *Machine) Runnable() (model.Phase, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ph := range m.plan.Phases {
		rec := m.run.Phases[ph.ID]
		switch rec.Status {
		case model.PhaseStatusPending:
		case model.PhaseStatusRolledBack:
			if !m.canRetry(rec) {
				continue
			}
		default:
			continue
		}
		if m.prerequisitesCommitted(m.run, ph) {
			p, _ := m.plan.Phase(ph.ID)
			return p, true
		}
	}
	return model.Phase{}, false
}

// Start moves phaseID to Running and returns a fresh copy of its items,
// all Queued.
func (m *Machine) Start(ctx context.Context, phaseID string) (model.Phase, error) {
	ph, ok := m.plan.Phase(phaseID)
	if !ok {
		return model.Phase{}, fmt.Errorf("%w: phase %s", model.ErrNotFound, phaseID)
	}
	var from model.PhaseStatus
	err := m.Update(ctx, func(rs *model.RunState) error {
		if !m.prerequisitesCommitted(rs, ph) {
			return fmt.Errorf("%w: phase %s requires %v", model.ErrPrerequisitesNotMet, phaseID, ph.Prerequisites)
		}
		rec := rs.Phases[phaseID]
		if rec.Attempts > 0 && !m.canRetry(rec) {
			return fmt.Errorf("%w: phase %s has no attempts left", model.ErrInvalidTransition, phaseID)
		}
		if err := model.ValidatePhaseTransition(rec.Status, model.PhaseStatusRunning); err != nil {
			return err
		}
		from = rec.Status
		rec.Status = model.PhaseStatusRunning
		rec.Attempts++
		rs.Phases[phaseID] = rec
		ph.Attempts = rec.Attempts
		return nil
	})
	if err != nil {
		return model.Phase{}, err
	}
	ph.Status = model.PhaseStatusRunning
	for i := range ph.Items {
		ph.Items[i].Status = model.WorkItemQueued
		ph.Items[i].RetriesUsed = 0
	}
	m.transitioned(ctx, phaseID, from, model.PhaseStatusRunning, ph.Attempts)
	return ph, nil
}

// Gate moves a Running phase through Gated to Committed or Failed. Every
// result must be terminal. On commit the next checkpoint is written before
// the run state; on failure a *model.GateFailure is returned.
func (m *Machine) Gate(ctx context.Context, phaseID string, results []gate.ItemResult) (*model.Checkpoint, error) {
	ph, ok := m.plan.Phase(phaseID)
	if !ok {
		return nil, fmt.Errorf("%w: phase %s", model.ErrNotFound, phaseID)
	}
	for _, r := range results {
		if !model.IsWorkItemTerminal(r.Status) {
			return nil, fmt.Errorf("%w: phase %s item %s is %s", model.ErrInvalidTransition, phaseID, r.ID, r.Status)
		}
	}
	pred, err := gate.FromSpec(ph.Gate)
	if err != nil {
		return nil, err
	}

	if err := m.setPhaseStatus(ctx, phaseID, model.PhaseStatusGated); err != nil {
		return nil, err
	}
	verdict := pred.Evaluate(results)
	attempt := m.Snapshot().Phases[phaseID].Attempts

	if !verdict.Passed {
		if err := m.setPhaseStatus(ctx, phaseID, model.PhaseStatusFailed); err != nil {
			return nil, err
		}
		m.logger.Warn(ctx, "phase gate failed",
			zap.String("phase_id", phaseID),
			zap.Int("attempt", attempt),
			zap.String("gate", pred.String()),
			zap.String("reason", verdict.Reason),
			zap.Strings("failed_items", verdict.Failed))
		return nil, &model.GateFailure{PhaseID: phaseID, Attempt: attempt, Reason: verdict.Reason, Failed: verdict.Failed}
	}

	cp, err := m.commit(ctx, phaseID)
	if err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "phase committed",
		zap.String("phase_id", phaseID),
		zap.Int("attempt", attempt),
		zap.Int64("checkpoint", cp.Sequence),
		zap.String("reason", verdict.Reason))
	return cp, nil
}

func (m *Machine) commit(ctx context.Context, phaseID string) (*model.Checkpoint, error) {
	snap := m.Snapshot()
	statuses := snap.PhaseStatusMap()
	statuses[phaseID] = model.PhaseStatusCommitted

	latest, err := m.repo.LatestCheckpoint(ctx, snap.RunID)
	if err != nil {
		return nil, err
	}
	cp := &model.Checkpoint{
		RunID:          snap.RunID,
		Sequence:       latest.Sequence + 1,
		Parent:         snap.LastCheckpoint,
		CurrentPhaseID: phaseID,
		PhaseStatuses:  statuses,
		CreatedAt:      m.now(),
	}
	if err := m.snapshotQueues(ctx, cp); err != nil {
		return nil, err
	}

	if err := m.repo.AppendCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("commit phase %s: %w", phaseID, err)
	}
	if err := m.Update(ctx, func(rs *model.RunState) error {
		rec := rs.Phases[phaseID]
		if err := model.ValidatePhaseTransition(rec.Status, model.PhaseStatusCommitted); err != nil {
			return err
		}
		rec.Status = model.PhaseStatusCommitted
		rs.Phases[phaseID] = rec
		rs.LastCheckpoint = cp.Sequence
		return nil
	}); err != nil {
		return nil, err
	}
	m.transitioned(ctx, phaseID, model.PhaseStatusGated, model.PhaseStatusCommitted, 0)
	m.bus.Publish(events.EventCheckpointCommitted, map[string]any{
		"run_id":   cp.RunID,
		"sequence": cp.Sequence,
		"phase_id": phaseID,
	})
	return cp, nil
}

// snapshotQueues fills the decision, event and side effect markers of cp.
func (m *Machine) snapshotQueues(ctx context.Context, cp *model.Checkpoint) error {
	decisions, err := m.repo.ListDecisions(ctx)
	if err != nil {
		return err
	}
	evs, err := m.repo.ListEvents(ctx)
	if err != nil {
		return err
	}
	effects, err := m.repo.ListSideEffects(ctx, cp.RunID)
	if err != nil {
		return err
	}
	cp.Decisions = make(map[string]model.DecisionStatus, len(decisions))
	for _, d := range decisions {
		cp.Decisions[d.ID] = d.Status
	}
	for _, ev := range evs {
		if ev.Processed {
			cp.ProcessedEvents = append(cp.ProcessedEvents, ev.ID)
		}
	}
	sort.Strings(cp.ProcessedEvents)
	if n := len(effects); n > 0 {
		cp.SideEffectCursor = effects[n-1].Seq
	}
	return nil
}

func (m *Machine) setPhaseStatus(ctx context.Context, phaseID string, to model.PhaseStatus) error {
	var from model.PhaseStatus
	err := m.Update(ctx, func(rs *model.RunState) error {
		rec := rs.Phases[phaseID]
		if err := model.ValidatePhaseTransition(rec.Status, to); err != nil {
			return err
		}
		from = rec.Status
		rec.Status = to
		rs.Phases[phaseID] = rec
		return nil
	})
	if err != nil {
		return err
	}
	m.transitioned(ctx, phaseID, from, to, 0)
	return nil
}

// FailInterrupted fails phases left Running or Gated by a process that
// stopped mid-dispatch, so they can be rolled back and retried. It returns
// the affected phase ids in plan order.
func (m *Machine) FailInterrupted(ctx context.Context) ([]string, error) {
	var failed []string
	for _, ph := range m.plan.Phases {
		switch m.Status(ph.ID) {
		case model.PhaseStatusRunning:
			if err := m.setPhaseStatus(ctx, ph.ID, model.PhaseStatusGated); err != nil {
				return failed, err
			}
			fallthrough
		case model.PhaseStatusGated:
			if err := m.setPhaseStatus(ctx, ph.ID, model.PhaseStatusFailed); err != nil {
				return failed, err
			}
			failed = append(failed, ph.ID)
		}
	}
	return failed, nil
}

// Interrupt fails a Running phase whose dispatch was cut short by a
// shutdown and gives back the attempt Start consumed, so the rerun after a
// restart counts as the same attempt.
func (m *Machine) Interrupt(ctx context.Context, phaseID string) error {
	if err := m.setPhaseStatus(ctx, phaseID, model.PhaseStatusGated); err != nil {
		return err
	}
	if err := m.setPhaseStatus(ctx, phaseID, model.PhaseStatusFailed); err != nil {
		return err
	}
	return m.Update(ctx, func(rs *model.RunState) error {
		rec := rs.Phases[phaseID]
		if rec.Attempts > 0 {
			rec.Attempts--
		}
		rs.Phases[phaseID] = rec
		return nil
	})
}

// MarkRolledBack records that the failed phase's effects were reverted.
func (m *Machine) MarkRolledBack(ctx context.Context, phaseID string) error {
	return m.setPhaseStatus(ctx, phaseID, model.PhaseStatusRolledBack)
}

// GrantRetry allows one more attempt of phaseID beyond the configured
// budget.
func (m *Machine) GrantRetry(ctx context.Context, phaseID string) error {
	return m.Update(ctx, func(rs *model.RunState) error {
		rec, ok := rs.Phases[phaseID]
		if !ok {
			return fmt.Errorf("%w: phase %s", model.ErrNotFound, phaseID)
		}
		rec.RetryGrants++
		rs.Phases[phaseID] = rec
		return nil
	})
}

// Restore rewinds phase statuses to cp and makes cp the run's base
// checkpoint. Failed phases become RolledBack and keep their attempt
// counters so phase retries stay bounded; phases that return to Pending
// start over.
func (m *Machine) Restore(ctx context.Context, cp *model.Checkpoint) error {
	type change struct {
		id       string
		from, to model.PhaseStatus
	}
	var changes []change
	err := m.Update(ctx, func(rs *model.RunState) error {
		changes = changes[:0]
		for _, ph := range m.plan.Phases {
			rec := rs.Phases[ph.ID]
			target, ok := cp.PhaseStatuses[ph.ID]
			if !ok {
				target = model.PhaseStatusPending
			}
			if rec.Status == model.PhaseStatusFailed {
				target = model.PhaseStatusRolledBack
			}
			if rec.Status == target {
				continue
			}
			changes = append(changes, change{ph.ID, rec.Status, target})
			if target == model.PhaseStatusPending {
				rec.Attempts = 0
				rec.RetryGrants = 0
			}
			rec.Status = target
			rs.Phases[ph.ID] = rec
		}
		if rs.Status == model.RunStatusSucceeded {
			rs.Status = model.RunStatusRunning
		}
		rs.LastCheckpoint = cp.Sequence
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range changes {
		m.transitioned(ctx, c.id, c.from, c.to, 0)
	}
	return nil
}

// Outcome derives the run-level status: succeeded when every phase is
// Committed, failed when some phase failed with no attempts left, running
// otherwise.
func (m *Machine) Outcome() model.RunStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := true
	for _, ph := range m.plan.Phases {
		rec := m.run.Phases[ph.ID]
		switch rec.Status {
		case model.PhaseStatusCommitted:
			continue
		case model.PhaseStatusFailed, model.PhaseStatusRolledBack:
			if !m.canRetry(rec) {
				return model.RunStatusFailed
			}
		}
		all = false
	}
	if all {
		return model.RunStatusSucceeded
	}
	return model.RunStatusRunning
}

// SetRunStatus records the run-level status and an optional reason.
func (m *Machine) SetRunStatus(ctx context.Context, status model.RunStatus, reason string) error {
	return m.Update(ctx, func(rs *model.RunState) error {
		rs.Status = status
		rs.Reason = reason
		return nil
	})
}

func (m *Machine) transitioned(ctx context.Context, phaseID string, from, to model.PhaseStatus, attempt int) {
	m.metrics.PhaseTransition(string(to))
	m.bus.Publish(events.EventPhaseTransition, map[string]any{
		"run_id":   m.Snapshot().RunID,
		"phase_id": phaseID,
		"from":     string(from),
		"to":       string(to),
	})
	fields := []zap.Field{zap.String("phase_id", phaseID), zap.String("from", string(from)), zap.String("to", string(to))}
	if attempt > 0 {
		fields = append(fields, zap.Int("attempt", attempt))
	}
	m.logger.Debug(ctx, "phase transition", fields...)
}
