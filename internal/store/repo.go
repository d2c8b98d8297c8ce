package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/msageha/phasegate/internal/model"
)

const currentRunKey = "current_run"

// Repo stores the orchestrator's records as JSON documents over a KV.
type Repo struct {
	kv KV
}

func NewRepo(kv KV) *Repo {
	return &Repo{kv: kv}
}

func (r *Repo) KV() KV { return r.kv }

func seqKey(runID string, seq int64) string {
	return fmt.Sprintf("%s/%010d", runID, seq)
}

func getJSON(ctx context.Context, kv KV, bucket, key string, out any) (int64, error) {
	rec, err := kv.Get(ctx, bucket, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(rec.Value, out); err != nil {
		return 0, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return rec.Version, nil
}

func putJSON(ctx context.Context, kv KV, bucket, key string, v any, expected int64) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return kv.Put(ctx, bucket, key, data, expected)
}

func listJSON[T any](ctx context.Context, kv KV, bucket, prefix string, setVersion func(*T, int64)) ([]T, error) {
	recs, err := kv.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", bucket, rec.Key, err)
		}
		setVersion(&v, rec.Version)
		out = append(out, v)
	}
	return out, nil
}

// --- checkpoints ---

// AppendCheckpoint persists cp. Sequences are strictly ordered per run:
// the first checkpoint is 0 and each following one is latest+1.
func (r *Repo) AppendCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	latest, err := r.LatestCheckpoint(ctx, cp.RunID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		if cp.Sequence != 0 {
			return fmt.Errorf("%w: run %s has no checkpoint, got sequence %d", model.ErrOutOfOrderCheckpoint, cp.RunID, cp.Sequence)
		}
	case err != nil:
		return err
	case cp.Sequence != latest.Sequence+1:
		return fmt.Errorf("%w: run %s latest is %d, got %d", model.ErrOutOfOrderCheckpoint, cp.RunID, latest.Sequence, cp.Sequence)
	}

	v, err := putJSON(ctx, r.kv, BucketCheckpoints, seqKey(cp.RunID, cp.Sequence), cp, 0)
	if errors.Is(err, model.ErrVersionConflict) {
		return fmt.Errorf("%w: checkpoint %d of run %s written concurrently", model.ErrOutOfOrderCheckpoint, cp.Sequence, cp.RunID)
	}
	if err != nil {
		return err
	}
	cp.Version = v
	return nil
}

func (r *Repo) GetCheckpoint(ctx context.Context, runID string, seq int64) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	v, err := getJSON(ctx, r.kv, BucketCheckpoints, seqKey(runID, seq), &cp)
	if err != nil {
		return nil, err
	}
	cp.Version = v
	return &cp, nil
}

func (r *Repo) ListCheckpoints(ctx context.Context, runID string) ([]model.Checkpoint, error) {
	return listJSON(ctx, r.kv, BucketCheckpoints, runID+"/", func(c *model.Checkpoint, v int64) { c.Version = v })
}

func (r *Repo) LatestCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	cps, err := r.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, fmt.Errorf("%w: no checkpoint for run %s", model.ErrNotFound, runID)
	}
	cp := cps[len(cps)-1]
	return &cp, nil
}

// UpdateCheckpoint rewrites an existing checkpoint with CAS. Only the
// rollback marker is ever changed this way.
func (r *Repo) UpdateCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	v, err := putJSON(ctx, r.kv, BucketCheckpoints, seqKey(cp.RunID, cp.Sequence), cp, cp.Version)
	if err != nil {
		return err
	}
	cp.Version = v
	return nil
}

// --- decisions ---

func (r *Repo) CreateDecision(ctx context.Context, d *model.DecisionItem) error {
	v, err := putJSON(ctx, r.kv, BucketDecisions, d.ID, d, 0)
	if errors.Is(err, model.ErrVersionConflict) {
		return fmt.Errorf("%w: decision %s", model.ErrDuplicateID, d.ID)
	}
	if err != nil {
		return err
	}
	d.Version = v
	return nil
}

func (r *Repo) GetDecision(ctx context.Context, id string) (*model.DecisionItem, error) {
	var d model.DecisionItem
	v, err := getJSON(ctx, r.kv, BucketDecisions, id, &d)
	if err != nil {
		return nil, err
	}
	d.Version = v
	return &d, nil
}

func (r *Repo) UpdateDecision(ctx context.Context, d *model.DecisionItem) error {
	v, err := putJSON(ctx, r.kv, BucketDecisions, d.ID, d, d.Version)
	if err != nil {
		return err
	}
	d.Version = v
	return nil
}

func (r *Repo) ListDecisions(ctx context.Context) ([]model.DecisionItem, error) {
	return listJSON(ctx, r.kv, BucketDecisions, "", func(d *model.DecisionItem, v int64) { d.Version = v })
}

// --- events ---

func (r *Repo) AppendEvent(ctx context.Context, ev *model.Event) error {
	v, err := putJSON(ctx, r.kv, BucketEvents, ev.ID, ev, 0)
	if errors.Is(err, model.ErrVersionConflict) {
		return fmt.Errorf("%w: event %s", model.ErrDuplicateID, ev.ID)
	}
	if err != nil {
		return err
	}
	ev.Version = v
	return nil
}

func (r *Repo) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var ev model.Event
	v, err := getJSON(ctx, r.kv, BucketEvents, id, &ev)
	if err != nil {
		return nil, err
	}
	ev.Version = v
	return &ev, nil
}

func (r *Repo) UpdateEvent(ctx context.Context, ev *model.Event) error {
	v, err := putJSON(ctx, r.kv, BucketEvents, ev.ID, ev, ev.Version)
	if err != nil {
		return err
	}
	ev.Version = v
	return nil
}

// ListEvents returns events ordered by timestamp, then id.
func (r *Repo) ListEvents(ctx context.Context) ([]model.Event, error) {
	evs, err := listJSON(ctx, r.kv, BucketEvents, "", func(e *model.Event, v int64) { e.Version = v })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].Timestamp.Equal(evs[j].Timestamp) {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		}
		return evs[i].ID < evs[j].ID
	})
	return evs, nil
}

// --- side effects ---

// AppendSideEffect assigns the next per-run sequence number and persists
// se. Concurrent appenders retry on a sequence collision.
func (r *Repo) AppendSideEffect(ctx context.Context, se *model.SideEffect) error {
	for {
		existing, err := r.ListSideEffects(ctx, se.RunID)
		if err != nil {
			return err
		}
		var next int64 = 1
		if n := len(existing); n > 0 {
			next = existing[n-1].Seq + 1
		}
		se.Seq = next
		v, err := putJSON(ctx, r.kv, BucketSideEffects, seqKey(se.RunID, next), se, 0)
		if errors.Is(err, model.ErrVersionConflict) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			return err
		}
		se.Version = v
		return nil
	}
}

func (r *Repo) ListSideEffects(ctx context.Context, runID string) ([]model.SideEffect, error) {
	return listJSON(ctx, r.kv, BucketSideEffects, runID+"/", func(s *model.SideEffect, v int64) { s.Version = v })
}

func (r *Repo) UpdateSideEffect(ctx context.Context, se *model.SideEffect) error {
	v, err := putJSON(ctx, r.kv, BucketSideEffects, seqKey(se.RunID, se.Seq), se, se.Version)
	if err != nil {
		return err
	}
	se.Version = v
	return nil
}

// --- runs ---

func (r *Repo) GetRun(ctx context.Context, runID string) (*model.RunState, error) {
	var rs model.RunState
	v, err := getJSON(ctx, r.kv, BucketRuns, runID, &rs)
	if err != nil {
		return nil, err
	}
	rs.Version = v
	return &rs, nil
}

// SaveRun writes rs with CAS on rs.Version; version 0 creates the run.
func (r *Repo) SaveRun(ctx context.Context, rs *model.RunState) error {
	v, err := putJSON(ctx, r.kv, BucketRuns, rs.RunID, rs, rs.Version)
	if err != nil {
		return err
	}
	rs.Version = v
	return nil
}

func (r *Repo) ListRuns(ctx context.Context) ([]model.RunState, error) {
	return listJSON(ctx, r.kv, BucketRuns, "", func(s *model.RunState, v int64) { s.Version = v })
}

// CurrentRun returns the id of the run the daemon resumes, "" if none.
func (r *Repo) CurrentRun(ctx context.Context) (string, error) {
	rec, err := r.kv.Get(ctx, BucketMeta, currentRunKey)
	if errors.Is(err, model.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(rec.Value), nil
}

func (r *Repo) SetCurrentRun(ctx context.Context, runID string) error {
	var version int64
	rec, err := r.kv.Get(ctx, BucketMeta, currentRunKey)
	switch {
	case err == nil:
		version = rec.Version
	case !errors.Is(err, model.ErrNotFound):
		return err
	}
	_, err = r.kv.Put(ctx, BucketMeta, currentRunKey, []byte(runID), version)
	return err
}
