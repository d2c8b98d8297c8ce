package decision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewQueue(store.NewRepo(store.NewMemory()))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int64
	q.SetClock(func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Second)
	})
	return q
}

func refundItem(id string) *model.DecisionItem {
	return &model.DecisionItem{
		ID:            id,
		LinkedEventID: "evt_1",
		Urgency:       model.UrgencyCritical,
		Context:       "customer asks for a refund",
		Options: []model.DecisionOption{
			{ID: "approve_refund", Label: "Approve", Effect: model.EffectApprove},
			{ID: "deny_refund", Label: "Deny", Effect: model.EffectDeny},
		},
	}
}

func TestEnqueueResolve_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	q.SetMetrics(m)

	require.NoError(t, q.Enqueue(ctx, refundItem("dec_evt_1")))

	got, err := q.Resolve(ctx, "dec_evt_1", "approve_refund", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionResolved, got.Status)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, "approve_refund", got.Resolution.OptionID)
	assert.Equal(t, model.EffectApprove, got.ChosenEffect())

	_, err = q.Resolve(ctx, "dec_evt_1", "deny_refund", "someone-else")
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)

	stored, err := q.Get(ctx, "dec_evt_1")
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", stored.Resolver)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsResolved.WithLabelValues("critical")))
}

func TestEnqueue_Duplicate(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(ctx, refundItem("dec_a")))
	assert.ErrorIs(t, q.Enqueue(ctx, refundItem("dec_a")), model.ErrDuplicateID)

	_, err := q.Resolve(ctx, "dec_a", "deny_refund", "ops")
	require.NoError(t, err)
	assert.ErrorIs(t, q.Enqueue(ctx, refundItem("dec_a")), model.ErrDuplicateID)
}

func TestEnqueue_GeneratesID(t *testing.T) {
	q := newTestQueue(t)
	item := &model.DecisionItem{Context: "x"}
	require.NoError(t, q.Enqueue(context.Background(), item))
	typ, err := model.ParseIDType(item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IDTypeDecision, typ)
	assert.Equal(t, model.UrgencyNormal, item.Urgency)
}

func TestResolve_Errors(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Resolve(ctx, "dec_missing", "x", "ops")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, q.Enqueue(ctx, refundItem("dec_b")))
	_, err = q.Resolve(ctx, "dec_b", "maybe", "ops")
	assert.ErrorIs(t, err, model.ErrUnknownOption)

	d, err := q.Get(ctx, "dec_b")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionPending, d.Status)
}

func TestResolve_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(ctx, refundItem("dec_c")))

	var (
		wg        sync.WaitGroup
		wins      int32
		conflicts int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Resolve(ctx, "dec_c", "approve_refund", "ops")
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, model.ErrAlreadyResolved):
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(7), conflicts)
}

func TestList_OrderAndFilter(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	for _, it := range []*model.DecisionItem{
		{ID: "dec_low", Urgency: model.UrgencyLow},
		{ID: "dec_crit_1", Urgency: model.UrgencyCritical},
		{ID: "dec_high", Urgency: model.UrgencyHigh},
		{ID: "dec_crit_2", Urgency: model.UrgencyCritical},
		{ID: "dec_normal", Urgency: model.UrgencyNormal},
	} {
		require.NoError(t, q.Enqueue(ctx, it))
	}

	all, err := q.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"dec_crit_1", "dec_crit_2", "dec_high", "dec_normal", "dec_low"}, ids(all))

	high, err := q.List(ctx, Filter{MinUrgency: model.UrgencyHigh})
	require.NoError(t, err)
	assert.Equal(t, []string{"dec_crit_1", "dec_crit_2", "dec_high"}, ids(high))

	_, err = q.Resolve(ctx, "dec_crit_1", "ok", "ops")
	require.NoError(t, err)
	blocking, err := q.BlockingCritical(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dec_crit_2"}, ids(blocking))
}

func TestEnqueueOrMerge(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	first := &model.DecisionItem{ID: "dec_1", LinkedWorkItemID: "deploy-prod", Urgency: model.UrgencyCritical, Context: "deploy abandoned"}
	got, merged, err := q.EnqueueOrMerge(ctx, first)
	require.NoError(t, err)
	assert.False(t, merged)
	assert.Equal(t, "dec_1", got.ID)

	second := &model.DecisionItem{ID: "dec_2", LinkedEventID: "evt_9", LinkedWorkItemID: "deploy-prod", Urgency: model.UrgencyCritical, Context: "pager fired"}
	got, merged, err = q.EnqueueOrMerge(ctx, second)
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, "dec_1", got.ID)
	assert.Equal(t, []string{"[evt_9] pager fired"}, got.Notes)

	_, err = q.Get(ctx, "dec_2")
	assert.ErrorIs(t, err, model.ErrNotFound)

	// a High item for the same work item is a separate entry
	third := &model.DecisionItem{ID: "dec_3", LinkedWorkItemID: "deploy-prod", Urgency: model.UrgencyHigh}
	_, merged, err = q.EnqueueOrMerge(ctx, third)
	require.NoError(t, err)
	assert.False(t, merged)

	// once resolved, a new critical item is enqueued on its own
	_, err = q.Resolve(ctx, "dec_1", "ack", "ops")
	require.NoError(t, err)
	fourth := &model.DecisionItem{ID: "dec_4", LinkedWorkItemID: "deploy-prod", Urgency: model.UrgencyCritical}
	_, merged, err = q.EnqueueOrMerge(ctx, fourth)
	require.NoError(t, err)
	assert.False(t, merged)
}

func TestAmend(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(ctx, refundItem("dec_orig")))
	_, err := q.Resolve(ctx, "dec_orig", "approve_refund", "ops")
	require.NoError(t, err)

	fix := &model.DecisionItem{ID: "dec_fix", Context: "approved the wrong order"}
	require.NoError(t, q.Amend(ctx, "dec_orig", fix))

	got, err := q.Get(ctx, "dec_fix")
	require.NoError(t, err)
	assert.Equal(t, "dec_orig", got.Supersedes)
	assert.Equal(t, model.UrgencyCritical, got.Urgency)
	assert.Equal(t, model.DecisionPending, got.Status)
	assert.Len(t, got.Options, 2)

	orig, err := q.Get(ctx, "dec_orig")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionResolved, orig.Status)

	assert.ErrorIs(t, q.Amend(ctx, "dec_nope", &model.DecisionItem{}), model.ErrNotFound)
}

func ids(items []model.DecisionItem) []string {
	out := make([]string, len(items))
	for i, d := range items {
		out[i] = d.ID
	}
	return out
}
