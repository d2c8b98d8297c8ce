package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/dispatch"
	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/gate"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/rollback"
	"github.com/msageha/phasegate/internal/tracing"
)

var errNotStarted = errors.New("orchestrator: run not started")

// Step performs one unit of progress: route pending events, apply resolved
// decisions, then run the next runnable phase to its gate. It returns
// StepBlocked without doing work while a Critical decision is pending.
func (o *Orchestrator) Step(ctx context.Context) (res StepResult, err error) {
	if !o.started.Load() {
		return "", errNotStarted
	}
	o.stepMu.Lock()
	defer o.stepMu.Unlock()

	rs := o.machine.Snapshot()
	ctx = logging.WithRunID(ctx, rs.RunID)
	if model.IsRunTerminal(rs.Status) {
		return StepFinished, nil
	}
	ctx, span := o.tracer.Start(ctx, "phasegate.step", attribute.String("run_id", rs.RunID))
	defer func() {
		span.SetAttributes(attribute.String("result", string(res)))
		tracing.End(span, err)
	}()

	if _, err := o.drainEvents(ctx); err != nil {
		return "", fmt.Errorf("drain events: %w", err)
	}
	finished, err := o.applyDecisions(ctx)
	if err != nil {
		return "", fmt.Errorf("apply decisions: %w", err)
	}
	if finished {
		return StepFinished, nil
	}
	if aborted, reason := o.abortRequested(); aborted {
		return StepFinished, o.finish(ctx, model.RunStatusAborted, reason)
	}

	blocking, err := o.queue.BlockingCritical(ctx)
	if err != nil {
		return "", err
	}
	if len(blocking) > 0 {
		return StepBlocked, o.block(ctx, blocking[0].ID)
	}
	if o.machine.Snapshot().Status == model.RunStatusBlocked {
		if err := o.machine.SetRunStatus(ctx, model.RunStatusRunning, ""); err != nil {
			return "", err
		}
	}

	ph, ok := o.machine.Runnable()
	if !ok {
		switch out := o.machine.Outcome(); out {
		case model.RunStatusSucceeded:
			return StepFinished, o.finish(ctx, out, "all phases committed")
		case model.RunStatusFailed:
			return StepFinished, o.finish(ctx, out, "a phase failed with no attempts left")
		}
		return StepIdle, nil
	}
	return o.runPhase(ctx, ph)
}

func (o *Orchestrator) block(ctx context.Context, decisionID string) error {
	rs := o.machine.Snapshot()
	if rs.Status == model.RunStatusBlocked {
		return nil
	}
	o.logger.Info(ctx, "run blocked on decision", zap.String("decision_id", decisionID))
	return o.machine.SetRunStatus(ctx, model.RunStatusBlocked, "waiting on decision "+decisionID)
}

func (o *Orchestrator) runPhase(ctx context.Context, ph model.Phase) (res StepResult, err error) {
	started, err := o.machine.Start(ctx, ph.ID)
	if err != nil {
		return "", err
	}
	runID := o.machine.Snapshot().RunID
	ctx = logging.WithPhaseID(ctx, ph.ID)
	ctx, span := o.tracer.Start(ctx, "phasegate.phase",
		attribute.String("phase_id", ph.ID),
		attribute.Int("attempt", started.Attempts))
	defer func() { tracing.End(span, err) }()

	if err := o.rollback.Rearm(ctx, runID); err != nil {
		return "", err
	}
	pred, err := gate.FromSpec(started.Gate)
	if err != nil {
		return "", err
	}
	items, err := o.phaseItems(ctx, started)
	if err != nil {
		return "", err
	}

	dctx, cancel := context.WithCancel(ctx)
	o.setDispatchCancel(cancel)
	defer func() {
		o.setDispatchCancel(nil)
		cancel()
	}()
	if aborted, _ := o.abortRequested(); aborted {
		cancel()
	}

	report, err := o.dispatcher.Dispatch(dctx, items, o.exec, dispatch.Options{
		RunID:          runID,
		MaxConcurrency: o.opts.MaxConcurrency,
		BackoffBase:    o.opts.BackoffBase,
		BackoffMax:     o.opts.BackoffMax,
		DefaultTimeout: o.opts.DefaultTimeout,
		FailFast:       pred.Unrecoverable,
		OnOutcome:      o.outcomeHook(ctx, runID, started.Attempts),
	})

	// The phase must settle even when the caller is shutting down.
	sctx := context.WithoutCancel(ctx)
	if err != nil {
		o.auditError(sctx, "dispatch", ph.ID, err)
		var cfgErr *model.ConfigurationError
		if errors.As(err, &cfgErr) {
			if _, ferr := o.machine.FailInterrupted(sctx); ferr != nil {
				return "", errors.Join(err, ferr)
			}
			if ferr := o.finish(sctx, model.RunStatusFailed, err.Error()); ferr != nil {
				return "", errors.Join(err, ferr)
			}
			return StepFinished, err
		}
		return "", err
	}

	if err := o.recordSideEffects(sctx, report); err != nil {
		return "", err
	}
	if aborted, _ := o.abortRequested(); report.Cancelled && ctx.Err() != nil && !aborted {
		return o.interrupted(sctx, ph.ID, ctx.Err())
	}

	cp, err := o.machine.Gate(sctx, ph.ID, report.Results())
	var gf *model.GateFailure
	switch {
	case err == nil:
		o.writeAudit(sctx, events.AuditEntry{
			EventType: string(events.EventCheckpointCommitted),
			PhaseID:   ph.ID,
			Attempt:   started.Attempts,
			Details:   map[string]any{"checkpoint": cp.Sequence},
		})
		if o.machine.Outcome() == model.RunStatusSucceeded {
			return StepFinished, o.finish(sctx, model.RunStatusSucceeded, "all phases committed")
		}
		return StepProgressed, nil
	case errors.As(err, &gf):
		o.writeAudit(sctx, events.AuditEntry{
			EventType: "phase_failed",
			PhaseID:   ph.ID,
			Attempt:   started.Attempts,
			ErrorKind: model.KindGateFailure,
			Message:   gf.Error(),
			Details:   map[string]any{"failed_items": gf.Failed, "failed_fast": report.FailedFast},
		})
		res, err := o.recoverFailed(sctx, ph.ID, gf.Reason)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		return res, err
	default:
		return "", err
	}
}

// phaseItems returns the items of ph with the phase's signals merged into
// each input under "signals".
func (o *Orchestrator) phaseItems(ctx context.Context, ph model.Phase) ([]model.WorkItem, error) {
	signals, err := o.signalsFor(ctx, ph.ID)
	if err != nil {
		return nil, err
	}
	if len(signals) == 0 {
		return ph.Items, nil
	}
	items := make([]model.WorkItem, len(ph.Items))
	for i, it := range ph.Items {
		input := maps.Clone(it.Input)
		if input == nil {
			input = map[string]any{}
		}
		input["signals"] = signals
		it.Input = input
		items[i] = it
	}
	return items, nil
}

func (o *Orchestrator) recordSideEffects(ctx context.Context, report *dispatch.Report) error {
	for _, se := range report.SideEffects() {
		se := se
		if err := o.ledger.Record(ctx, &se); err != nil {
			o.auditError(ctx, "side_effect", se.PhaseID, err)
			return fmt.Errorf("record side effect of %s: %w", se.WorkItemID, err)
		}
	}
	return nil
}

// rewind rolls the run back to the checkpoint it stands on after phaseID
// failed. A partial rollback is escalated; res is then StepBlocked and
// result is nil.
func (o *Orchestrator) rewind(ctx context.Context, phaseID string) (result *rollback.Result, res StepResult, err error) {
	rs := o.machine.Snapshot()
	rctx, span := o.tracer.Start(ctx, "phasegate.rollback",
		attribute.String("phase_id", phaseID),
		attribute.Int64("checkpoint", rs.LastCheckpoint))
	result, err = o.rollback.Rollback(rctx, rs.RunID, rs.LastCheckpoint)
	tracing.End(span, err)

	var partial *model.PartialRollbackError
	if errors.As(err, &partial) {
		o.auditError(ctx, "rollback", phaseID, err)
		res, err = o.escalatePartial(ctx, phaseID, "", partial)
		return nil, res, err
	}
	if err != nil {
		return nil, "", err
	}
	if result.AlreadyApplied {
		cp, err := o.repo.GetCheckpoint(ctx, rs.RunID, rs.LastCheckpoint)
		if err != nil {
			return nil, "", err
		}
		if err := o.machine.Restore(ctx, cp); err != nil {
			return nil, "", err
		}
	}
	return result, StepProgressed, nil
}

// recoverFailed rolls the run back to its base checkpoint after phaseID
// failed, then either leaves the phase for a retry or escalates.
func (o *Orchestrator) recoverFailed(ctx context.Context, phaseID, reason string) (StepResult, error) {
	result, res, err := o.rewind(ctx, phaseID)
	if result == nil {
		return res, err
	}

	if aborted, why := o.abortRequested(); aborted {
		return StepFinished, o.finish(ctx, model.RunStatusAborted, why)
	}
	if o.machine.CanRetry(phaseID) {
		o.logger.Info(ctx, "phase rolled back, retrying",
			zap.String("phase_id", phaseID),
			zap.String("reason", reason),
			zap.Int("undone", len(result.Undone)))
		return StepProgressed, nil
	}
	return o.escalateExhausted(ctx, phaseID, reason)
}

// interrupted rewinds a phase whose dispatch was cancelled by the caller
// rather than by Abort. The attempt is not counted and nothing is escalated;
// the phase runs again on the next step. cause is returned to the caller.
func (o *Orchestrator) interrupted(ctx context.Context, phaseID string, cause error) (StepResult, error) {
	o.logger.Warn(ctx, "phase interrupted, rolling back without counting the attempt",
		zap.String("phase_id", phaseID),
		zap.Error(cause))
	if err := o.machine.Interrupt(ctx, phaseID); err != nil {
		return "", errors.Join(cause, err)
	}
	o.writeAudit(ctx, events.AuditEntry{
		EventType: "phase_interrupted",
		PhaseID:   phaseID,
		ErrorKind: model.KindCancelled,
		Message:   cause.Error(),
	})
	if _, res, err := o.rewind(ctx, phaseID); err != nil || res == StepBlocked {
		return res, errors.Join(cause, err)
	}
	return StepIdle, cause
}

func (o *Orchestrator) escalateExhausted(ctx context.Context, phaseID, reason string) (StepResult, error) {
	rs := o.machine.Snapshot()
	attempts := rs.Phases[phaseID].Attempts
	item := &model.DecisionItem{
		ID:      fmt.Sprintf("dec_%s.%s.%d", rs.RunID, phaseID, attempts),
		RunID:   rs.RunID,
		PhaseID: phaseID,
		Urgency: model.UrgencyCritical,
		Context: fmt.Sprintf("phase %s failed after %d attempt(s): %s", phaseID, attempts, reason),
		Options: []model.DecisionOption{
			{ID: "retry", Label: "Grant one more attempt", Effect: model.EffectRetryPhase},
			{ID: "abort", Label: "Abort the run", Effect: model.EffectAbortRun},
			{ID: "accept", Label: "Accept the failure", Effect: model.EffectAcknowledge},
		},
	}
	if err := o.queue.Enqueue(ctx, item); err != nil && !errors.Is(err, model.ErrDuplicateID) {
		return "", err
	}
	o.notifyAsync(ctx, alertEvent(item, "phase_failure", o.now()))
	return StepBlocked, o.block(ctx, item.ID)
}

// escalatePartial asks an operator to resolve side effects a rollback could
// not undo. supersedes names the decision this one replaces, if any.
func (o *Orchestrator) escalatePartial(ctx context.Context, phaseID, supersedes string, partial *model.PartialRollbackError) (StepResult, error) {
	lines := make([]string, 0, len(partial.Unresolved))
	for _, se := range partial.Unresolved {
		lines = append(lines, fmt.Sprintf("%s (%s/%s): %s", se.ID, se.Collaborator, se.Kind, partial.Causes[se.ID]))
	}
	seq := partial.Checkpoint
	item := &model.DecisionItem{
		RunID:      partial.RunID,
		PhaseID:    phaseID,
		Urgency:    model.UrgencyCritical,
		Checkpoint: &seq,
		Context: fmt.Sprintf("rollback to checkpoint %d left %d side effect(s) unresolved: %s",
			seq, len(partial.Unresolved), strings.Join(lines, "; ")),
		Options: []model.DecisionOption{
			{ID: "retry_rollback", Label: "Retry the rollback", Effect: model.EffectRollback},
			{ID: "reconciled", Label: "Side effects were reconciled by hand", Effect: model.EffectMarkReconciled},
			{ID: "abort", Label: "Abort the run", Effect: model.EffectAbortRun},
		},
	}
	var err error
	if supersedes != "" {
		err = o.queue.Amend(ctx, supersedes, item)
	} else {
		err = o.queue.Enqueue(ctx, item)
	}
	if err != nil {
		return "", err
	}
	o.notifyAsync(ctx, alertEvent(item, "partial_rollback", o.now()))
	return StepBlocked, o.block(ctx, item.ID)
}
