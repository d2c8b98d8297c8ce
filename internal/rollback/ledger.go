package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/store"
)

// Ledger is the append-only record of external mutations performed by
// work items.
type Ledger struct {
	repo   *store.Repo
	logger *logging.Logger
	now    func() time.Time
}

func NewLedger(repo *store.Repo) *Ledger {
	return &Ledger{repo: repo, logger: logging.NewNop(), now: func() time.Time { return time.Now().UTC() }}
}

func (l *Ledger) SetLogger(log *logging.Logger) { l.logger = log }

// Record appends se, tagged with the checkpoint the run currently stands on.
// After a rollback that is the restored checkpoint, not the newest stored
// one.
func (l *Ledger) Record(ctx context.Context, se *model.SideEffect) error {
	if se.RunID == "" {
		return errors.New("side effect without run id")
	}
	if se.Collaborator == "" {
		return fmt.Errorf("side effect %s/%s without collaborator", se.WorkItemID, se.Kind)
	}
	rs, err := l.repo.GetRun(ctx, se.RunID)
	if err != nil {
		return fmt.Errorf("tag side effect: %w", err)
	}
	if se.ID == "" {
		id, err := model.GenerateID(model.IDTypeSideEffect)
		if err != nil {
			return err
		}
		se.ID = id
	}
	se.AfterCheckpoint = rs.LastCheckpoint
	se.RecordedAt = l.now()
	se.Undone = false
	se.UndoneAt = nil
	if err := l.repo.AppendSideEffect(ctx, se); err != nil {
		return err
	}
	l.logger.Info(ctx, "side effect recorded",
		zap.String("side_effect_id", se.ID),
		zap.Int64("seq", se.Seq),
		zap.String("collaborator", se.Collaborator),
		zap.String("kind", se.Kind),
		zap.String("work_item_id", se.WorkItemID),
		zap.Int64("after_checkpoint", se.AfterCheckpoint))
	return nil
}

// Outstanding returns side effects recorded at or after checkpoint seq that
// have not been undone, newest first.
func (l *Ledger) Outstanding(ctx context.Context, runID string, seq int64) ([]model.SideEffect, error) {
	all, err := l.repo.ListSideEffects(ctx, runID)
	if err != nil {
		return nil, err
	}
	var out []model.SideEffect
	for i := len(all) - 1; i >= 0; i-- {
		if se := all[i]; !se.Undone && se.AfterCheckpoint >= seq {
			out = append(out, se)
		}
	}
	return out, nil
}

// markUndone flips se to undone. Losing a race to another rollback that
// already undid it is not an error.
func (l *Ledger) markUndone(ctx context.Context, se *model.SideEffect) error {
	now := l.now()
	se.Undone = true
	se.UndoneAt = &now
	err := l.repo.UpdateSideEffect(ctx, se)
	if !errors.Is(err, model.ErrVersionConflict) {
		return err
	}
	all, lerr := l.repo.ListSideEffects(ctx, se.RunID)
	if lerr != nil {
		return lerr
	}
	for _, cur := range all {
		if cur.Seq == se.Seq && cur.Undone {
			return nil
		}
	}
	return err
}
