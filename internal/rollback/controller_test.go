package rollback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/metrics"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/store"
)

type recordingUndoer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (u *recordingUndoer) Undo(_ context.Context, se model.SideEffect) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, se.Kind)
	if err := u.fail[se.Kind]; err != nil {
		return err
	}
	return nil
}

type fakeRestorer struct {
	restored []int64
}

func (f *fakeRestorer) Restore(_ context.Context, cp *model.Checkpoint) error {
	f.restored = append(f.restored, cp.Sequence)
	return nil
}

type fixture struct {
	repo     *store.Repo
	ledger   *Ledger
	ctrl     *Controller
	undo     *recordingUndoer
	restorer *fakeRestorer
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := store.NewRepo(store.NewMemory())
	require.NoError(t, repo.AppendCheckpoint(ctx, &model.Checkpoint{
		RunID:         "run_1",
		Sequence:      0,
		PhaseStatuses: map[string]model.PhaseStatus{"deploy": model.PhaseStatusPending},
	}))
	require.NoError(t, repo.SaveRun(ctx, &model.RunState{RunID: "run_1", Status: model.RunStatusRunning}))
	f := &fixture{
		repo:     repo,
		ledger:   NewLedger(repo),
		undo:     &recordingUndoer{fail: map[string]error{}},
		restorer: &fakeRestorer{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.ctrl = NewController(repo, f.ledger)
	f.ctrl.Register("git", f.undo)
	f.ctrl.SetRestorer(f.restorer)
	f.ctrl.SetMetrics(f.metrics)
	return f
}

func (f *fixture) record(t *testing.T, collaborator, kind string) model.SideEffect {
	t.Helper()
	se := &model.SideEffect{RunID: "run_1", Collaborator: collaborator, Kind: kind, PhaseID: "deploy", WorkItemID: "release"}
	require.NoError(t, f.ledger.Record(context.Background(), se))
	return *se
}

// advance commits checkpoint seq and moves the run onto it.
func (f *fixture) advance(t *testing.T, seq int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repo.AppendCheckpoint(ctx, &model.Checkpoint{RunID: "run_1", Sequence: seq, Parent: seq - 1}))
	f.setBase(t, seq)
}

func (f *fixture) setBase(t *testing.T, seq int64) {
	t.Helper()
	ctx := context.Background()
	rs, err := f.repo.GetRun(ctx, "run_1")
	require.NoError(t, err)
	rs.LastCheckpoint = seq
	require.NoError(t, f.repo.SaveRun(ctx, rs))
}

func TestRollback_UndoesInReverseAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.record(t, "git", "merge")
	f.record(t, "git", "tag")
	assert.Equal(t, int64(0), first.AfterCheckpoint)
	assert.Equal(t, int64(1), first.Seq)

	res, err := f.ctrl.Rollback(ctx, "run_1", 0)
	require.NoError(t, err)
	assert.False(t, res.AlreadyApplied)
	assert.Len(t, res.Undone, 2)
	assert.Equal(t, []string{"tag", "merge"}, f.undo.calls)
	assert.Equal(t, []int64{0}, f.restorer.restored)

	res, err = f.ctrl.Rollback(ctx, "run_1", 0)
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)
	assert.Equal(t, []string{"tag", "merge"}, f.undo.calls, "no duplicate undo calls")
	assert.Equal(t, []int64{0}, f.restorer.restored)

	cp, err := f.repo.GetCheckpoint(ctx, "run_1", 0)
	require.NoError(t, err)
	assert.True(t, cp.RollbackApplied)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Rollbacks.WithLabelValues("already_applied")))
}

func TestRollback_Partial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "git", "merge")
	tag := f.record(t, "git", "tag")
	f.undo.fail["tag"] = errors.New("remote rejected delete")

	res, err := f.ctrl.Rollback(ctx, "run_1", 0)
	var pr *model.PartialRollbackError
	require.ErrorAs(t, err, &pr)
	require.Len(t, pr.Unresolved, 1)
	assert.Equal(t, tag.ID, pr.Unresolved[0].ID)
	assert.Equal(t, "remote rejected delete", pr.Causes[tag.ID])
	assert.Len(t, res.Undone, 1)
	assert.Equal(t, model.KindPartialRollback, model.KindOf(err))

	cp, err := f.repo.GetCheckpoint(ctx, "run_1", 0)
	require.NoError(t, err)
	assert.False(t, cp.RollbackApplied, "never claim success")

	// after manual reconciliation only the remaining effect is retried
	delete(f.undo.fail, "tag")
	f.undo.calls = nil
	res, err = f.ctrl.Rollback(ctx, "run_1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"tag"}, f.undo.calls)
	assert.Len(t, res.Undone, 1)
}

func TestRollback_MissingUndoer(t *testing.T) {
	f := newFixture(t)
	se := f.record(t, "billing", "charge")
	_, err := f.ctrl.Rollback(context.Background(), "run_1", 0)
	var pr *model.PartialRollbackError
	require.ErrorAs(t, err, &pr)
	assert.Contains(t, pr.Causes[se.ID], "billing")
}

func TestRollback_OnlyEffectsAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "git", "before")
	f.advance(t, 1)
	f.record(t, "git", "after")

	_, err := f.ctrl.Rollback(ctx, "run_1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"after"}, f.undo.calls)
}

func TestRollback_ClearsProcessedEventsAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().UTC()
	for _, id := range []string{"evt_old", "evt_new"} {
		require.NoError(t, f.repo.AppendEvent(ctx, &model.Event{ID: id, Timestamp: now, Processed: true}))
	}
	cp, err := f.repo.GetCheckpoint(ctx, "run_1", 0)
	require.NoError(t, err)
	cp.ProcessedEvents = []string{"evt_old"}
	require.NoError(t, f.repo.UpdateCheckpoint(ctx, cp))

	res, err := f.ctrl.Rollback(ctx, "run_1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt_new"}, res.ReplayEvents)

	ev, err := f.repo.GetEvent(ctx, "evt_new")
	require.NoError(t, err)
	assert.False(t, ev.Processed)
	ev, err = f.repo.GetEvent(ctx, "evt_old")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
}

func TestRollback_DecisionsUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.repo.CreateDecision(ctx, &model.DecisionItem{ID: "dec_1", Status: model.DecisionResolved}))
	_, err := f.ctrl.Rollback(ctx, "run_1", 0)
	require.NoError(t, err)
	d, err := f.repo.GetDecision(ctx, "dec_1")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionResolved, d.Status)
}

func TestRearm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.ctrl.Rollback(ctx, "run_1", 0)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.Rearm(ctx, "run_1"))

	f.record(t, "git", "retry-merge")
	res, err := f.ctrl.Rollback(ctx, "run_1", 0)
	require.NoError(t, err)
	assert.False(t, res.AlreadyApplied)
	assert.Equal(t, []string{"retry-merge"}, f.undo.calls)
}

func TestRollback_UnknownCheckpoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Rollback(context.Background(), "run_1", 7)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLedger_TagsEffectsWithRunBase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.advance(t, 1)
	f.advance(t, 2)
	assert.Equal(t, int64(2), f.record(t, "git", "tag").AfterCheckpoint)

	// the run was rewound to checkpoint 0; checkpoints 1 and 2 stay stored
	f.setBase(t, 0)
	se := f.record(t, "git", "retag")
	assert.Equal(t, int64(0), se.AfterCheckpoint)

	latest, err := f.repo.LatestCheckpoint(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Sequence)
}

func TestLedger_RequiresRunState(t *testing.T) {
	f := newFixture(t)
	err := f.ledger.Record(context.Background(), &model.SideEffect{RunID: "run_2", Collaborator: "git", Kind: "merge"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLedger_RequiresCollaborator(t *testing.T) {
	f := newFixture(t)
	err := f.ledger.Record(context.Background(), &model.SideEffect{RunID: "run_1"})
	assert.Error(t, err)
}

func TestMarkReconciled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "mailer", "send")
	f.record(t, "git", "merge")

	_, err := f.ctrl.Rollback(ctx, "run_1", 0)
	var partial *model.PartialRollbackError
	require.ErrorAs(t, err, &partial)

	reconciled, err := f.ctrl.MarkReconciled(ctx, "run_1", 0, "alice")
	require.NoError(t, err)
	require.Len(t, reconciled, 1)
	assert.Equal(t, "send", reconciled[0].Kind)

	outstanding, err := f.ledger.Outstanding(ctx, "run_1", 0)
	require.NoError(t, err)
	assert.Empty(t, outstanding)

	res, err := f.ctrl.Rollback(ctx, "run_1", 0)
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)
	assert.Equal(t, []string{"merge"}, f.undo.calls)
}
