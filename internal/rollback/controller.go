// Package rollback reverts a run to a committed checkpoint, undoing the
// external side effects recorded after it.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/metrics"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/store"
)

// Undoer reverts one side effect of its collaborator.
type Undoer interface {
	Undo(ctx context.Context, se model.SideEffect) error
}

type UndoFunc func(ctx context.Context, se model.SideEffect) error

func (f UndoFunc) Undo(ctx context.Context, se model.SideEffect) error { return f(ctx, se) }

// Restorer rewinds orchestrator run state to a checkpoint.
type Restorer interface {
	Restore(ctx context.Context, cp *model.Checkpoint) error
}

type Result struct {
	RunID          string
	Checkpoint     int64
	AlreadyApplied bool
	Undone         []model.SideEffect
	// ReplayEvents are events whose processed marker was cleared.
	ReplayEvents []string
}

type Controller struct {
	repo     *store.Repo
	ledger   *Ledger
	restorer Restorer

	mu      sync.RWMutex
	undoers map[string]Undoer

	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time
}

func NewController(repo *store.Repo, ledger *Ledger) *Controller {
	return &Controller{
		repo:    repo,
		ledger:  ledger,
		undoers: make(map[string]Undoer),
		logger:  logging.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *Controller) SetRestorer(r Restorer)        { c.restorer = r }
func (c *Controller) SetEventBus(bus *events.Bus)   { c.bus = bus }
func (c *Controller) SetMetrics(m *metrics.Metrics) { c.metrics = m }
func (c *Controller) SetLogger(l *logging.Logger)   { c.logger = l }

// Register declares the undo operation of a collaborator.
func (c *Controller) Register(collaborator string, u Undoer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.undoers[collaborator] = u
}

func (c *Controller) undoer(collaborator string) (Undoer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.undoers[collaborator]
	return u, ok
}

// Rollback restores run runID to checkpoint toSeq. A second call against
// the same checkpoint is a no-op reported via Result.AlreadyApplied. If any
// side effect cannot be undone the result lists what was undone and the
// error is a *model.PartialRollbackError; the marker is then left unset so
// a later call retries only the remaining effects.
func (c *Controller) Rollback(ctx context.Context, runID string, toSeq int64) (*Result, error) {
	ctx = logging.WithRunID(ctx, runID)
	cp, err := c.repo.GetCheckpoint(ctx, runID, toSeq)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %d: %w", toSeq, err)
	}
	res := &Result{RunID: runID, Checkpoint: toSeq}
	if cp.RollbackApplied {
		res.AlreadyApplied = true
		c.metrics.Rollback("already_applied")
		c.logger.Info(ctx, "rollback already applied", zap.Int64("checkpoint", toSeq))
		return res, nil
	}

	outstanding, err := c.ledger.Outstanding(ctx, runID, toSeq)
	if err != nil {
		return nil, err
	}
	var unresolved []model.SideEffect
	causes := make(map[string]string)
	for i := range outstanding {
		se := outstanding[i]
		u, ok := c.undoer(se.Collaborator)
		if !ok {
			unresolved = append(unresolved, se)
			causes[se.ID] = fmt.Sprintf("no undo registered for collaborator %q", se.Collaborator)
			continue
		}
		if err := u.Undo(ctx, se); err != nil {
			unresolved = append(unresolved, se)
			causes[se.ID] = err.Error()
			c.logger.Error(ctx, "undo failed",
				zap.String("side_effect_id", se.ID),
				zap.String("collaborator", se.Collaborator),
				zap.String("kind", se.Kind),
				zap.String("work_item_id", se.WorkItemID),
				zap.Error(err))
			continue
		}
		if err := c.ledger.markUndone(ctx, &se); err != nil {
			unresolved = append(unresolved, se)
			causes[se.ID] = fmt.Sprintf("undone but not recorded: %v", err)
			continue
		}
		res.Undone = append(res.Undone, se)
	}

	if c.restorer != nil {
		if err := c.restorer.Restore(ctx, cp); err != nil {
			return res, fmt.Errorf("restore run state: %w", err)
		}
	}
	replay, err := c.clearProcessed(ctx, cp)
	if err != nil {
		return res, err
	}
	res.ReplayEvents = replay

	if len(unresolved) > 0 {
		c.metrics.Rollback("partial")
		c.logger.Error(ctx, "partial rollback",
			zap.Int64("checkpoint", toSeq),
			zap.Int("undone", len(res.Undone)),
			zap.Int("unresolved", len(unresolved)))
		return res, &model.PartialRollbackError{RunID: runID, Checkpoint: toSeq, Unresolved: unresolved, Causes: causes}
	}

	if err := c.setMarker(ctx, cp); err != nil {
		return res, err
	}
	c.metrics.Rollback("applied")
	c.bus.Publish(events.EventRollbackCompleted, map[string]any{
		"run_id":     runID,
		"checkpoint": toSeq,
		"undone":     len(res.Undone),
	})
	c.logger.Info(ctx, "rollback applied",
		zap.Int64("checkpoint", toSeq),
		zap.Int("undone", len(res.Undone)),
		zap.Int("replay_events", len(replay)))
	return res, nil
}

func (c *Controller) setMarker(ctx context.Context, cp *model.Checkpoint) error {
	for attempt := 0; attempt < 3; attempt++ {
		now := c.now()
		cp.RollbackApplied = true
		cp.RollbackAppliedAt = &now
		err := c.repo.UpdateCheckpoint(ctx, cp)
		if err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrVersionConflict) {
			return err
		}
		fresh, gerr := c.repo.GetCheckpoint(ctx, cp.RunID, cp.Sequence)
		if gerr != nil {
			return gerr
		}
		if fresh.RollbackApplied {
			return nil
		}
		*cp = *fresh
	}
	return fmt.Errorf("%w: rollback marker of checkpoint %d", model.ErrVersionConflict, cp.Sequence)
}

// clearProcessed resets processed markers of events handled after cp so
// they replay through the classifier.
func (c *Controller) clearProcessed(ctx context.Context, cp *model.Checkpoint) ([]string, error) {
	keep := make(map[string]bool, len(cp.ProcessedEvents))
	for _, id := range cp.ProcessedEvents {
		keep[id] = true
	}
	evs, err := c.repo.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	var replay []string
	for i := range evs {
		ev := evs[i]
		if !ev.Processed || keep[ev.ID] {
			continue
		}
		ev.Processed = false
		if err := c.repo.UpdateEvent(ctx, &ev); err != nil && !errors.Is(err, model.ErrVersionConflict) {
			return replay, fmt.Errorf("clear processed marker of %s: %w", ev.ID, err)
		}
		replay = append(replay, ev.ID)
	}
	sort.Strings(replay)
	return replay, nil
}

// Rearm clears rollback markers of runID so that a later failure rolls
// back again. Called when the run moves forward after a rollback.
func (c *Controller) Rearm(ctx context.Context, runID string) error {
	cps, err := c.repo.ListCheckpoints(ctx, runID)
	if err != nil {
		return err
	}
	for i := range cps {
		cp := cps[i]
		if !cp.RollbackApplied {
			continue
		}
		cp.RollbackApplied = false
		cp.RollbackAppliedAt = nil
		if err := c.repo.UpdateCheckpoint(ctx, &cp); err != nil && !errors.Is(err, model.ErrVersionConflict) {
			return err
		}
	}
	return nil
}

// MarkReconciled records that an operator fixed every outstanding side
// effect after checkpoint toSeq by hand. The effects are marked undone
// without calling their undoers and the rollback marker is set.
func (c *Controller) MarkReconciled(ctx context.Context, runID string, toSeq int64, operator string) ([]model.SideEffect, error) {
	cp, err := c.repo.GetCheckpoint(ctx, runID, toSeq)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %d: %w", toSeq, err)
	}
	outstanding, err := c.ledger.Outstanding(ctx, runID, toSeq)
	if err != nil {
		return nil, err
	}
	for i := range outstanding {
		if err := c.ledger.markUndone(ctx, &outstanding[i]); err != nil {
			return outstanding[:i], err
		}
	}
	if err := c.setMarker(ctx, cp); err != nil {
		return outstanding, err
	}
	c.metrics.Rollback("reconciled")
	c.logger.Warn(ctx, "side effects marked reconciled",
		zap.String("run_id", runID),
		zap.Int64("checkpoint", toSeq),
		zap.Int("count", len(outstanding)),
		zap.String("operator", operator))
	return outstanding, nil
}
