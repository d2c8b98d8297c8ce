// Package decision implements the durable queue of items that need a human
// (or higher-authority) decision. The queue records resolutions; it never
// acts on them.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/metrics"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/store"
)

const maxCASRetries = 5

// Filter selects items for List. Zero values match everything.
type Filter struct {
	MinUrgency model.Urgency
	Status     model.DecisionStatus
	PhaseID    string
}

func (f Filter) match(d *model.DecisionItem) bool {
	if f.MinUrgency != "" && !d.Urgency.AtLeast(f.MinUrgency) {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.PhaseID != "" && d.PhaseID != f.PhaseID {
		return false
	}
	return true
}

// Queue is safe for concurrent use by multiple processes sharing a store;
// every write is a compare-and-swap on the item version.
type Queue struct {
	repo    *store.Repo
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time
}

func NewQueue(repo *store.Repo) *Queue {
	return &Queue{
		repo:   repo,
		logger: logging.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) SetEventBus(bus *events.Bus)   { q.bus = bus }
func (q *Queue) SetMetrics(m *metrics.Metrics) { q.metrics = m }
func (q *Queue) SetLogger(l *logging.Logger)   { q.logger = l }
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Enqueue inserts item as Pending. Any existing item with the same id,
// resolved or not, yields ErrDuplicateID: resolved items are history.
func (q *Queue) Enqueue(ctx context.Context, item *model.DecisionItem) error {
	if item.ID == "" {
		id, err := model.GenerateID(model.IDTypeDecision)
		if err != nil {
			return err
		}
		item.ID = id
	}
	if !item.Urgency.Valid() {
		item.Urgency = model.UrgencyNormal
	}
	item.Status = model.DecisionPending
	item.Resolution = nil
	item.Resolver = ""
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now()
	}
	if err := q.repo.CreateDecision(ctx, item); err != nil {
		return err
	}

	q.metrics.DecisionEnqueued(string(item.Urgency))
	q.bus.Publish(events.EventDecisionEnqueued, map[string]any{
		"decision_id": item.ID,
		"urgency":     string(item.Urgency),
		"phase_id":    item.PhaseID,
		"work_item":   item.LinkedWorkItemID,
	})
	q.logger.Info(ctx, "decision enqueued",
		zap.String("decision_id", item.ID),
		zap.String("urgency", string(item.Urgency)),
		zap.String("linked_event_id", item.LinkedEventID),
		zap.String("linked_work_item_id", item.LinkedWorkItemID))
	return nil
}

// EnqueueOrMerge enqueues item unless it is Critical and linked to a work
// item that already has a pending Critical entry; then item's context is
// appended to that entry as a note and the existing entry is returned.
func (q *Queue) EnqueueOrMerge(ctx context.Context, item *model.DecisionItem) (*model.DecisionItem, bool, error) {
	if item.Urgency != model.UrgencyCritical || item.LinkedWorkItemID == "" {
		return item, false, q.Enqueue(ctx, item)
	}
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		existing, err := q.pendingCriticalFor(ctx, item.LinkedWorkItemID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return item, false, q.Enqueue(ctx, item)
		}
		existing.Notes = append(existing.Notes, mergeNote(item))
		err = q.repo.UpdateDecision(ctx, existing)
		if errors.Is(err, model.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		q.logger.Info(ctx, "decision merged into pending critical item",
			zap.String("decision_id", existing.ID),
			zap.String("linked_work_item_id", item.LinkedWorkItemID))
		return existing, true, nil
	}
	return nil, false, fmt.Errorf("%w: merge into pending decision for %s", model.ErrVersionConflict, item.LinkedWorkItemID)
}

func mergeNote(item *model.DecisionItem) string {
	if item.LinkedEventID != "" {
		return fmt.Sprintf("[%s] %s", item.LinkedEventID, item.Context)
	}
	return item.Context
}

func (q *Queue) pendingCriticalFor(ctx context.Context, workItemID string) (*model.DecisionItem, error) {
	all, err := q.repo.ListDecisions(ctx)
	if err != nil {
		return nil, err
	}
	var found *model.DecisionItem
	for i := range all {
		d := &all[i]
		if d.Status != model.DecisionPending || d.Urgency != model.UrgencyCritical || d.LinkedWorkItemID != workItemID {
			continue
		}
		if found == nil || d.CreatedAt.Before(found.CreatedAt) {
			found = d
		}
	}
	return found, nil
}

// List returns a snapshot ordered by urgency desc, creation time asc, id asc.
func (q *Queue) List(ctx context.Context, f Filter) ([]model.DecisionItem, error) {
	all, err := q.repo.ListDecisions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.DecisionItem, 0, len(all))
	for i := range all {
		if f.match(&all[i]) {
			out = append(out, all[i])
		}
	}
	Sort(out)
	return out, nil
}

func Sort(items []model.DecisionItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Urgency.Rank() != b.Urgency.Rank() {
			return a.Urgency.Rank() > b.Urgency.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (q *Queue) Get(ctx context.Context, id string) (*model.DecisionItem, error) {
	return q.repo.GetDecision(ctx, id)
}

// Resolve marks id Resolved with optionID. A concurrent resolver losing the
// compare-and-swap gets ErrAlreadyResolved.
func (q *Queue) Resolve(ctx context.Context, id, optionID, resolver string) (*model.DecisionItem, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		d, err := q.repo.GetDecision(ctx, id)
		if err != nil {
			return nil, err
		}
		if d.Status != model.DecisionPending {
			return nil, fmt.Errorf("%w: %s", model.ErrAlreadyResolved, id)
		}
		if len(d.Options) > 0 {
			if _, ok := d.Option(optionID); !ok {
				return nil, fmt.Errorf("%w: %q is not an option of %s", model.ErrUnknownOption, optionID, id)
			}
		}

		d.Status = model.DecisionResolved
		d.Resolution = &model.Resolution{OptionID: optionID, ResolvedAt: q.now()}
		d.Resolver = resolver
		err = q.repo.UpdateDecision(ctx, d)
		if errors.Is(err, model.ErrVersionConflict) {
			// re-read: either resolved concurrently or a note was merged
			continue
		}
		if err != nil {
			return nil, err
		}

		q.metrics.DecisionResolved(string(d.Urgency))
		q.bus.Publish(events.EventDecisionResolved, map[string]any{
			"decision_id": d.ID,
			"option_id":   optionID,
			"resolver":    resolver,
		})
		q.logger.Info(ctx, "decision resolved",
			zap.String("decision_id", d.ID),
			zap.String("option_id", optionID),
			zap.String("resolver", resolver))
		return d, nil
	}
	return nil, fmt.Errorf("%w: resolve %s", model.ErrVersionConflict, id)
}

// Amend records a correction to supersedesID as a new pending item. The
// original stays untouched.
func (q *Queue) Amend(ctx context.Context, supersedesID string, item *model.DecisionItem) error {
	orig, err := q.repo.GetDecision(ctx, supersedesID)
	if err != nil {
		return err
	}
	item.Supersedes = orig.ID
	if item.LinkedEventID == "" {
		item.LinkedEventID = orig.LinkedEventID
	}
	if item.LinkedWorkItemID == "" {
		item.LinkedWorkItemID = orig.LinkedWorkItemID
	}
	if item.PhaseID == "" {
		item.PhaseID = orig.PhaseID
	}
	if item.Urgency == "" {
		item.Urgency = orig.Urgency
	}
	if len(item.Options) == 0 {
		item.Options = append([]model.DecisionOption(nil), orig.Options...)
	}
	return q.Enqueue(ctx, item)
}

// BlockingCritical returns pending Critical items, oldest first.
func (q *Queue) BlockingCritical(ctx context.Context) ([]model.DecisionItem, error) {
	return q.List(ctx, Filter{MinUrgency: model.UrgencyCritical, Status: model.DecisionPending})
}
