package phase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/gate"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/plan"
	"github.com/msageha/phasegate/internal/store"
)

const testPlan = `schema_version: 1
file_type: plan
name: release
phases:
  - id: build
    items:
      - id: compile
        kind: noop
  - id: test
    prerequisites: [build]
    items:
      - id: unit
        kind: noop
      - id: smoke
        kind: noop
  - id: docs
    items:
      - id: render
        kind: noop
`

func newMachine(t *testing.T, maxRetries int) (*Machine, *store.Repo) {
	t.Helper()
	p, err := plan.Parse([]byte(testPlan))
	require.NoError(t, err)
	repo := store.NewRepo(store.NewMemory())
	m := NewMachine(p, repo, maxRetries)
	_, err = m.Begin(context.Background(), "run_1")
	require.NoError(t, err)
	return m, repo
}

func succeeded(ids ...string) []gate.ItemResult {
	out := make([]gate.ItemResult, len(ids))
	for i, id := range ids {
		out[i] = gate.ItemResult{ID: id, Status: model.WorkItemSucceeded}
	}
	return out
}

func TestBegin_WritesGenesis(t *testing.T) {
	m, repo := newMachine(t, 1)
	cp, err := repo.LatestCheckpoint(context.Background(), "run_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.Sequence)
	assert.Equal(t, model.PhaseStatusPending, cp.PhaseStatuses["build"])
	assert.Equal(t, model.RunStatusRunning, m.Snapshot().Status)
}

func TestRunnable_PlanOrderAndPrerequisites(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t, 1)

	ph, ok := m.Runnable()
	require.True(t, ok)
	assert.Equal(t, "build", ph.ID)

	_, err := m.Start(ctx, "test")
	assert.ErrorIs(t, err, model.ErrPrerequisitesNotMet)

	_, err = m.Start(ctx, "build")
	require.NoError(t, err)
	ph, ok = m.Runnable()
	require.True(t, ok)
	assert.Equal(t, "docs", ph.ID)
}

func TestGate_CommitWritesCheckpoint(t *testing.T) {
	ctx := context.Background()
	m, repo := newMachine(t, 1)

	ph, err := m.Start(ctx, "build")
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemQueued, ph.Items[0].Status)
	assert.Equal(t, 1, ph.Attempts)

	cp, err := m.Gate(ctx, "build", succeeded("compile"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp.Sequence)
	assert.Equal(t, model.PhaseStatusCommitted, cp.PhaseStatuses["build"])
	assert.Equal(t, model.PhaseStatusCommitted, m.Status("build"))
	assert.Equal(t, int64(1), m.Snapshot().LastCheckpoint)

	stored, err := repo.GetCheckpoint(ctx, "run_1", 1)
	require.NoError(t, err)
	assert.Equal(t, "build", stored.CurrentPhaseID)

	ph, ok := m.Runnable()
	require.True(t, ok)
	assert.Equal(t, "test", ph.ID)
}

func TestGate_RejectsNonTerminal(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t, 1)
	_, err := m.Start(ctx, "build")
	require.NoError(t, err)
	_, err = m.Gate(ctx, "build", []gate.ItemResult{{ID: "compile", Status: model.WorkItemRetrying}})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, model.PhaseStatusRunning, m.Status("build"))
}

func TestGate_FailureAndRetryBudget(t *testing.T) {
	ctx := context.Background()
	m, repo := newMachine(t, 1)

	_, err := m.Start(ctx, "build")
	require.NoError(t, err)
	_, err = m.Gate(ctx, "build", []gate.ItemResult{{ID: "compile", Status: model.WorkItemAbandoned}})
	var gf *model.GateFailure
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, "build", gf.PhaseID)
	assert.Equal(t, []string{"compile"}, gf.Failed)
	assert.Equal(t, model.PhaseStatusFailed, m.Status("build"))

	// failed phases never produce a checkpoint
	cp, err := repo.LatestCheckpoint(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.Sequence)

	require.NoError(t, m.Restore(ctx, cp))
	assert.Equal(t, model.PhaseStatusRolledBack, m.Status("build"))
	assert.True(t, m.CanRetry("build"))

	ph, ok := m.Runnable()
	require.True(t, ok)
	assert.Equal(t, "build", ph.ID)
	ph, err = m.Start(ctx, "build")
	require.NoError(t, err)
	assert.Equal(t, 2, ph.Attempts)

	_, err = m.Gate(ctx, "build", []gate.ItemResult{{ID: "compile", Status: model.WorkItemAbandoned}})
	require.ErrorAs(t, err, &gf)
	require.NoError(t, m.MarkRolledBack(ctx, "build"))
	assert.False(t, m.CanRetry("build"))
	assert.Equal(t, model.RunStatusFailed, m.Outcome())

	_, err = m.Start(ctx, "build")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	require.NoError(t, m.GrantRetry(ctx, "build"))
	assert.True(t, m.CanRetry("build"))
	_, err = m.Start(ctx, "build")
	require.NoError(t, err)
}

func TestOutcome_AllCommitted(t *testing.T) {
	ctx := context.Background()
	m, repo := newMachine(t, 0)
	for _, step := range []struct {
		phase string
		items []string
	}{
		{"build", []string{"compile"}},
		{"test", []string{"unit", "smoke"}},
		{"docs", []string{"render"}},
	} {
		assert.Equal(t, model.RunStatusRunning, m.Outcome())
		_, err := m.Start(ctx, step.phase)
		require.NoError(t, err)
		_, err = m.Gate(ctx, step.phase, succeeded(step.items...))
		require.NoError(t, err)
	}
	assert.Equal(t, model.RunStatusSucceeded, m.Outcome())

	cps, err := repo.ListCheckpoints(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, cps, 4)
	for i, cp := range cps {
		assert.Equal(t, int64(i), cp.Sequence)
	}
}

func TestBegin_ResumeAdoptsNewerCheckpoint(t *testing.T) {
	ctx := context.Background()
	m, repo := newMachine(t, 1)

	// a checkpoint written right before a crash, run state never updated
	require.NoError(t, repo.AppendCheckpoint(ctx, &model.Checkpoint{
		RunID:         "run_1",
		Sequence:      1,
		PhaseStatuses: map[string]model.PhaseStatus{"build": model.PhaseStatusCommitted},
	}))

	resumed := NewMachine(m.Plan(), repo, 1)
	rs, err := resumed.Begin(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rs.LastCheckpoint)
	assert.Equal(t, model.PhaseStatusCommitted, rs.Phases["build"].Status)
}

func TestRestore_RewindsBaseCheckpoint(t *testing.T) {
	ctx := context.Background()
	m, repo := newMachine(t, 1)
	for _, step := range []struct {
		phase string
		items []string
	}{
		{"build", []string{"compile"}},
		{"test", []string{"unit", "smoke"}},
	} {
		_, err := m.Start(ctx, step.phase)
		require.NoError(t, err)
		_, err = m.Gate(ctx, step.phase, succeeded(step.items...))
		require.NoError(t, err)
	}
	require.Equal(t, int64(2), m.Snapshot().LastCheckpoint)

	genesis, err := repo.GetCheckpoint(ctx, "run_1", 0)
	require.NoError(t, err)
	require.NoError(t, m.Restore(ctx, genesis))
	assert.Equal(t, int64(0), m.Snapshot().LastCheckpoint)
	assert.Equal(t, model.PhaseStatusPending, m.Status("build"))
	assert.Equal(t, model.PhaseStatusPending, m.Status("test"))

	// a resume must not pull the rewound run forward again
	resumed := NewMachine(m.Plan(), repo, 1)
	rs, err := resumed.Begin(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rs.LastCheckpoint)
	assert.Equal(t, model.PhaseStatusPending, rs.Phases["test"].Status)

	_, err = m.Start(ctx, "build")
	require.NoError(t, err)
	cp, err := m.Gate(ctx, "build", succeeded("compile"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp.Sequence)
	assert.Equal(t, int64(0), cp.Parent)
	assert.Equal(t, int64(3), m.Snapshot().LastCheckpoint)
	assert.Equal(t, model.PhaseStatusPending, cp.PhaseStatuses["test"])
}

func TestBegin_PlanMismatch(t *testing.T) {
	ctx := context.Background()
	m, repo := newMachine(t, 1)
	other := *m.Plan()
	other.Name = "other"
	_, err := NewMachine(&other, repo, 1).Begin(ctx, "run_1")
	var cfgErr *model.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestUpdate_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	m, repo := newMachine(t, 1)

	// another writer bumps the stored version
	rs, err := repo.GetRun(ctx, "run_1")
	require.NoError(t, err)
	rs.Reason = "external"
	require.NoError(t, repo.SaveRun(ctx, rs))

	require.NoError(t, m.SetRunStatus(ctx, model.RunStatusBlocked, "waiting"))
	stored, err := repo.GetRun(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusBlocked, stored.Status)
	assert.Equal(t, "waiting", stored.Reason)
}

func TestFailInterrupted(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t, 1)
	_, err := m.Start(ctx, "build")
	require.NoError(t, err)

	failed, err := m.FailInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"build"}, failed)
	assert.Equal(t, model.PhaseStatusFailed, m.Status("build"))
	assert.Equal(t, model.PhaseStatusPending, m.Status("docs"))

	failed, err = m.FailInterrupted(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestInterrupt_ReturnsAttempt(t *testing.T) {
	ctx := context.Background()
	m, repo := newMachine(t, 0)
	_, err := m.Start(ctx, "build")
	require.NoError(t, err)

	require.NoError(t, m.Interrupt(ctx, "build"))
	assert.Equal(t, model.PhaseStatusFailed, m.Status("build"))
	assert.Equal(t, 0, m.Snapshot().Phases["build"].Attempts)

	cp, err := repo.LatestCheckpoint(ctx, "run_1")
	require.NoError(t, err)
	require.NoError(t, m.Restore(ctx, cp))
	assert.True(t, m.CanRetry("build"))
	ph, err := m.Start(ctx, "build")
	require.NoError(t, err)
	assert.Equal(t, 1, ph.Attempts)

	_, err = m.Gate(ctx, "build", succeeded("compile"))
	require.NoError(t, err)
	assert.ErrorIs(t, m.Interrupt(ctx, "build"), model.ErrInvalidTransition)
}
