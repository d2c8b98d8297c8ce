package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/classify"
	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/notify"
)

// IngestResult describes how one event was handled.
type IngestResult struct {
	EventID    string
	Duplicate  bool
	Urgency    model.Urgency
	Category   string
	Route      classify.Route
	RuleID     string
	DecisionID string
	PhaseID    string
}

var defaultDecisionOptions = []model.DecisionOption{
	{ID: "acknowledge", Label: "Acknowledge", Effect: model.EffectAcknowledge},
	{ID: "abort", Label: "Abort the run", Effect: model.EffectAbortRun},
}

// Ingest records ev, classifies it and routes it. An event id seen before
// is ignored and reported as a duplicate.
func (o *Orchestrator) Ingest(ctx context.Context, ev model.Event) (*IngestResult, error) {
	if ev.ID == "" {
		return nil, &model.ConfigurationError{Reason: "event id is required"}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now()
	}
	ev.Processed = false
	ev.Urgency = ""
	ev.Category = ""

	if err := o.repo.AppendEvent(ctx, &ev); err != nil {
		if errors.Is(err, model.ErrDuplicateID) {
			o.logger.Debug(ctx, "duplicate event ignored", zap.String("event_id", ev.ID))
			return &IngestResult{EventID: ev.ID, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	o.bus.Publish(events.EventEventIngested, map[string]any{
		"event_id": ev.ID,
		"source":   ev.Source,
	})
	return o.processEvent(ctx, ev.ID)
}

// drainEvents routes every stored event that is not yet processed,
// including events whose marker a rollback cleared.
func (o *Orchestrator) drainEvents(ctx context.Context) (int, error) {
	evs, err := o.repo.ListEvents(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range evs {
		if ev.Processed {
			continue
		}
		if _, err := o.processEvent(ctx, ev.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (o *Orchestrator) processEvent(ctx context.Context, eventID string) (*IngestResult, error) {
	var res *IngestResult
	err := o.eventLocks.With(eventID, func() error {
		ev, err := o.repo.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		cls := o.classifier.Classify(*ev)
		res = &IngestResult{
			EventID:  ev.ID,
			Urgency:  cls.Urgency,
			Category: cls.Category,
			Route:    cls.Route,
			RuleID:   cls.RuleID,
		}
		if ev.Processed {
			return nil
		}
		ev.Urgency = cls.Urgency
		ev.Category = cls.Category
		o.metrics.EventClassified(string(cls.Urgency), cls.Category)

		fresh := false
		switch cls.Route {
		case classify.RouteDecision:
			res.DecisionID, fresh, err = o.routeToDecision(ctx, ev, cls)
		case classify.RoutePhase:
			if !o.started.Load() {
				// left unprocessed; the first step after Start routes it
				res.PhaseID = cls.PhaseID
				return nil
			}
			res.PhaseID, fresh, err = o.routeToPhase(ctx, ev, cls)
		default:
			fresh = true
		}
		if err != nil {
			return err
		}
		if fresh && cls.Urgency == model.UrgencyCritical {
			o.notifyAsync(ctx, *ev)
		}

		ev.Processed = true
		if err := o.repo.UpdateEvent(ctx, ev); err != nil {
			return fmt.Errorf("mark event %s processed: %w", ev.ID, err)
		}
		o.logger.Debug(ctx, "event routed",
			zap.String("event_id", ev.ID),
			zap.String("urgency", string(cls.Urgency)),
			zap.String("category", cls.Category),
			zap.String("route", string(cls.Route)),
			zap.String("rule_id", cls.RuleID))
		return nil
	})
	return res, err
}

// routeToDecision enqueues the decision derived from ev. The id is a
// function of the event id, so a replayed event finds its existing item and
// fresh is false.
func (o *Orchestrator) routeToDecision(ctx context.Context, ev *model.Event, cls classify.Classification) (string, bool, error) {
	id := model.DecisionIDForEvent(ev.ID)
	options := cls.Options
	if len(options) == 0 {
		options = defaultDecisionOptions
	}
	item := &model.DecisionItem{
		ID:            id,
		RunID:         o.RunID(),
		LinkedEventID: ev.ID,
		PhaseID:       cls.PhaseID,
		Urgency:       cls.Urgency,
		Context:       fmt.Sprintf("%s event: %s", cls.Category, notify.Message(*ev)),
		Options:       options,
		CreatedAt:     ev.Timestamp,
	}
	err := o.queue.Enqueue(ctx, item)
	if errors.Is(err, model.ErrDuplicateID) {
		return id, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// routeToPhase records ev as a signal of its target phase. Unknown phases
// are logged and the event is left unrouted.
func (o *Orchestrator) routeToPhase(ctx context.Context, ev *model.Event, cls classify.Classification) (string, bool, error) {
	if _, ok := o.plan.Phase(cls.PhaseID); !ok {
		o.logger.Warn(ctx, "event routed to unknown phase",
			zap.String("event_id", ev.ID),
			zap.String("phase_id", cls.PhaseID),
			zap.String("rule_id", cls.RuleID))
		return "", true, nil
	}
	fresh := false
	err := o.machine.Update(ctx, func(rs *model.RunState) error {
		fresh = false
		if rs.PhaseSignals == nil {
			rs.PhaseSignals = map[string][]string{}
		}
		if slices.Contains(rs.PhaseSignals[cls.PhaseID], ev.ID) {
			return nil
		}
		rs.PhaseSignals[cls.PhaseID] = append(rs.PhaseSignals[cls.PhaseID], ev.ID)
		fresh = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return cls.PhaseID, fresh, nil
}

// notifyAsync calls the notifier off the control path; failures are only
// logged.
func (o *Orchestrator) notifyAsync(ctx context.Context, ev model.Event) {
	if o.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	o.notifyWG.Add(1)
	go func() {
		defer o.notifyWG.Done()
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		err := o.notifier.Notify(nctx, ev)
		switch {
		case err == nil:
			o.metrics.Notification("sent")
		case errors.Is(err, notify.ErrRateLimited):
			o.metrics.Notification("rate_limited")
			o.logger.Warn(ctx, "notification dropped by rate limit", zap.String("event_id", ev.ID))
		default:
			o.metrics.Notification("error")
			o.logger.Error(ctx, "notification failed", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}()
}

// signalsFor loads the events recorded as signals of phaseID.
func (o *Orchestrator) signalsFor(ctx context.Context, phaseID string) ([]map[string]any, error) {
	ids := o.machine.Snapshot().PhaseSignals[phaseID]
	if len(ids) == 0 {
		return nil, nil
	}
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		ev, err := o.repo.GetEvent(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"id":        ev.ID,
			"source":    ev.Source,
			"timestamp": ev.Timestamp,
			"urgency":   string(ev.Urgency),
			"category":  ev.Category,
			"payload":   ev.Payload,
		})
	}
	return out, nil
}
