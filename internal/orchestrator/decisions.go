package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/rollback"
)

// applyDecisions carries out the effect of every resolved decision of this
// run that has not been applied yet, in resolution order. It reports true
// when an effect finished the run.
func (o *Orchestrator) applyDecisions(ctx context.Context) (bool, error) {
	resolved, err := o.queue.List(ctx, decision.Filter{Status: model.DecisionResolved})
	if err != nil {
		return false, err
	}
	sort.SliceStable(resolved, func(i, j int) bool {
		return resolved[i].Resolution.ResolvedAt.Before(resolved[j].Resolution.ResolvedAt)
	})
	rs := o.machine.Snapshot()
	for i := range resolved {
		d := &resolved[i]
		if rs.AppliedDecisions[d.ID] || (d.RunID != "" && d.RunID != rs.RunID) {
			continue
		}
		if err := o.markApplied(ctx, d.ID); err != nil {
			return false, err
		}
		finished, err := o.applyDecision(ctx, d)
		o.writeAudit(ctx, events.AuditEntry{
			EventType: "decision_applied",
			PhaseID:   d.PhaseID,
			ErrorKind: model.KindOf(err),
			Message:   d.ID,
			Details: map[string]any{
				"effect":   string(d.ChosenEffect()),
				"option":   d.Resolution.OptionID,
				"resolver": d.Resolver,
			},
		})
		if err != nil {
			return false, fmt.Errorf("decision %s: %w", d.ID, err)
		}
		if finished {
			return true, nil
		}
	}
	return false, nil
}

// markApplied is recorded before the effect runs, so a crash mid-effect
// does not apply it twice.
func (o *Orchestrator) markApplied(ctx context.Context, id string) error {
	return o.machine.Update(ctx, func(rs *model.RunState) error {
		if rs.AppliedDecisions == nil {
			rs.AppliedDecisions = map[string]bool{}
		}
		rs.AppliedDecisions[id] = true
		return nil
	})
}

func (o *Orchestrator) applyDecision(ctx context.Context, d *model.DecisionItem) (bool, error) {
	effect := d.ChosenEffect()
	o.logger.Info(ctx, "applying decision",
		zap.String("decision_id", d.ID),
		zap.String("effect", string(effect)),
		zap.String("resolver", d.Resolver))

	rs := o.machine.Snapshot()
	target := rs.LastCheckpoint
	if d.Checkpoint != nil {
		target = *d.Checkpoint
	}

	switch effect {
	case model.EffectRetryPhase:
		if _, ok := o.plan.Phase(d.PhaseID); !ok {
			return false, nil
		}
		if rs.Phases[d.PhaseID].Status == model.PhaseStatusCommitted {
			return false, nil
		}
		return false, o.machine.GrantRetry(ctx, d.PhaseID)

	case model.EffectAbortRun:
		return true, o.finish(ctx, model.RunStatusAborted, "aborted by decision "+d.ID)

	case model.EffectRollback:
		_, err := o.rollback.Rollback(ctx, rs.RunID, target)
		var partial *model.PartialRollbackError
		if errors.As(err, &partial) {
			o.auditError(ctx, "rollback", d.PhaseID, err)
			_, err = o.escalatePartial(ctx, d.PhaseID, d.ID, partial)
		}
		return false, err

	case model.EffectMarkReconciled:
		_, err := o.rollback.MarkReconciled(ctx, rs.RunID, target, d.Resolver)
		return false, err
	}
	return false, nil
}

// Rollback restores the run to checkpoint toSeq on operator request. A
// partial rollback is escalated as a Critical decision and returned.
func (o *Orchestrator) Rollback(ctx context.Context, toSeq int64) (*rollback.Result, error) {
	if !o.started.Load() {
		return nil, errNotStarted
	}
	o.stepMu.Lock()
	defer o.stepMu.Unlock()

	rs := o.machine.Snapshot()
	ctx = logging.WithRunID(ctx, rs.RunID)
	res, err := o.rollback.Rollback(ctx, rs.RunID, toSeq)
	var partial *model.PartialRollbackError
	if errors.As(err, &partial) {
		o.auditError(ctx, "rollback", "", err)
		if _, eerr := o.escalatePartial(ctx, "", "", partial); eerr != nil {
			return res, errors.Join(err, eerr)
		}
		return res, err
	}
	if err != nil {
		return res, err
	}
	if rs.Status == model.RunStatusSucceeded || rs.Status == model.RunStatusFailed {
		if err := o.machine.SetRunStatus(ctx, model.RunStatusRunning, fmt.Sprintf("rolled back to checkpoint %d", toSeq)); err != nil {
			return res, err
		}
	}
	o.writeAudit(ctx, events.AuditEntry{
		EventType: string(events.EventRollbackCompleted),
		Details: map[string]any{
			"checkpoint":      toSeq,
			"undone":          len(res.Undone),
			"already_applied": res.AlreadyApplied,
		},
	})
	return res, nil
}

// outcomeHook publishes every attempt and routes needs_decision outputs to
// the decision queue.
func (o *Orchestrator) outcomeHook(ctx context.Context, runID string, phaseAttempt int) func(model.Outcome) {
	return func(out model.Outcome) {
		data := map[string]any{
			"run_id":       runID,
			"phase_id":     out.PhaseID,
			"work_item_id": out.WorkItemID,
			"attempt":      out.Attempt,
			"succeeded":    out.Succeeded(),
		}
		if out.Error != nil {
			data["error_kind"] = string(out.Error.Kind)
			o.writeAudit(ctx, events.AuditEntry{
				EventType:  string(events.EventItemOutcome),
				RunID:      runID,
				PhaseID:    out.PhaseID,
				WorkItemID: out.WorkItemID,
				Attempt:    out.Attempt,
				ErrorKind:  out.Error.Kind,
				Message:    out.Error.Message,
			})
		}
		o.bus.Publish(events.EventItemOutcome, data)

		if nd, ok := out.Result["needs_decision"]; ok && nd != nil && nd != false {
			o.escalateOutcome(ctx, runID, phaseAttempt, out, nd)
		}
	}
}

func (o *Orchestrator) escalateOutcome(ctx context.Context, runID string, phaseAttempt int, out model.Outcome, nd any) {
	item := decisionFromOutput(nd)
	item.ID = fmt.Sprintf("dec_%s.%s.%s.%d.%d", runID, out.PhaseID, out.WorkItemID, phaseAttempt, out.Attempt)
	item.RunID = runID
	item.PhaseID = out.PhaseID
	item.LinkedWorkItemID = out.WorkItemID
	if item.Context == "" {
		item.Context = fmt.Sprintf("work item %s needs a decision", out.WorkItemID)
	}

	got, merged, err := o.queue.EnqueueOrMerge(ctx, item)
	if errors.Is(err, model.ErrDuplicateID) {
		return
	}
	if err != nil {
		o.logger.Error(ctx, "escalate work item outcome",
			zap.String("work_item_id", out.WorkItemID),
			zap.Error(err))
		return
	}
	if !merged && got.Urgency == model.UrgencyCritical {
		o.notifyAsync(ctx, alertEvent(got, "work_item", o.now()))
	}
}

// decisionFromOutput accepts a bare string (the context) or an object with
// context, urgency and options.
func decisionFromOutput(nd any) *model.DecisionItem {
	item := &model.DecisionItem{Urgency: model.UrgencyHigh}
	switch v := nd.(type) {
	case string:
		item.Context = v
	case map[string]any:
		for _, k := range []string{"context", "summary", "message"} {
			if s, ok := v[k].(string); ok && s != "" {
				item.Context = s
				break
			}
		}
		if s, ok := v["urgency"].(string); ok {
			if u, err := model.ParseUrgency(s); err == nil {
				item.Urgency = u
			}
		}
		if opts, ok := v["options"].([]any); ok {
			for _, raw := range opts {
				m, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				id, _ := m["id"].(string)
				if id == "" {
					continue
				}
				label, _ := m["label"].(string)
				effect, _ := m["effect"].(string)
				item.Options = append(item.Options, model.DecisionOption{ID: id, Label: label, Effect: model.DecisionEffect(effect)})
			}
		}
	}
	return item
}

// alertEvent turns a Critical decision into an event for the notifier.
func alertEvent(d *model.DecisionItem, category string, now time.Time) model.Event {
	return model.Event{
		ID:        d.ID,
		Source:    "phasegate",
		Timestamp: now,
		Urgency:   model.UrgencyCritical,
		Category:  category,
		Payload: map[string]any{
			"message":  d.Context,
			"phase_id": d.PhaseID,
		},
	}
}
