package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/agent"
	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/lock"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/orchestrator"
	"github.com/msageha/phasegate/internal/plan"
	"github.com/msageha/phasegate/internal/status"
	"github.com/msageha/phasegate/internal/store"
	"github.com/msageha/phasegate/internal/uds"
)

const testPlan = `schema_version: 1
file_type: plan
name: release
phases:
  - id: build
    items:
      - id: compile
        kind: noop
  - id: deploy
    prerequisites: [build]
    items:
      - id: push
        kind: noop
`

// workspaceDir lives under /tmp so the socket path stays short.
func workspaceDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "pgd-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "locks"), 0o755))
	return dir
}

func newTestRuntime(t *testing.T, dir string) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Classifier.RulesFile = ""
	cfg.Audit.Path = filepath.Join(dir, "logs", "audit.jsonl")
	cfg.Daemon.ScanInterval = 20 * time.Millisecond
	cfg.Daemon.ShutdownTimeout = 5 * time.Second

	p, err := plan.Parse([]byte(testPlan))
	require.NoError(t, err)

	router := agent.NewRouter()
	router.Register("noop", agent.Noop{})

	rt, err := NewRuntime(dir, cfg, p, RuntimeOptions{
		Logger:   logging.NewNop(),
		KV:       store.NewMemory(),
		Executor: router,
		RunID:    "run_test",
	})
	require.NoError(t, err)
	return rt
}

// newHandlerDaemon returns a daemon whose run is started but whose loops
// are not, so handlers can be driven one call at a time.
func newHandlerDaemon(t *testing.T) *Daemon {
	t.Helper()
	rt := newTestRuntime(t, workspaceDir(t))
	d := New(rt)
	t.Cleanup(func() {
		d.ticker.Stop()
		_ = rt.Close(context.Background())
	})
	_, err := d.orch.Start(context.Background())
	require.NoError(t, err)
	return d
}

func request(t *testing.T, cmd string, params any) *uds.Request {
	t.Helper()
	req, err := uds.NewRequest(cmd, params)
	require.NoError(t, err)
	return req
}

func ingestEvent(t *testing.T, d *Daemon, ev model.Event) EventIngestResult {
	t.Helper()
	resp := d.handleEventIngest(context.Background(), request(t, uds.CmdEventIngest, EventIngestParams{Event: ev}))
	var out EventIngestResult
	require.NoError(t, resp.Decode(&out))
	return out
}

func errorCode(t *testing.T, resp *uds.Response) string {
	t.Helper()
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func TestHandlePing(t *testing.T) {
	d := newHandlerDaemon(t)

	resp := d.handlePing(context.Background(), request(t, uds.CmdPing, nil))
	var out struct {
		PID     int    `json:"pid"`
		Version string `json:"version"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, os.Getpid(), out.PID)
	assert.Equal(t, Version, out.Version)
}

func TestHandleEventIngest_CriticalBecomesDecision(t *testing.T) {
	d := newHandlerDaemon(t)

	res := ingestEvent(t, d, model.Event{
		ID:      "evt_outage",
		Source:  "pager",
		Payload: map[string]any{"message": "checkout outage in eu-west"},
	})
	assert.False(t, res.Duplicate)
	assert.Equal(t, model.UrgencyCritical, res.Urgency)
	assert.NotEmpty(t, res.DecisionID)

	again := ingestEvent(t, d, model.Event{
		ID:      "evt_outage",
		Source:  "pager",
		Payload: map[string]any{"message": "checkout outage in eu-west"},
	})
	assert.True(t, again.Duplicate)
}

func TestHandleEventIngest_FillsMissingID(t *testing.T) {
	d := newHandlerDaemon(t)

	res := ingestEvent(t, d, model.Event{Payload: map[string]any{"message": "weekly newsletter"}})
	assert.NotEmpty(t, res.EventID)
	assert.Empty(t, res.DecisionID)
}

func TestHandleDecisionList_FiltersByUrgency(t *testing.T) {
	d := newHandlerDaemon(t)
	ingestEvent(t, d, model.Event{ID: "evt_1", Payload: map[string]any{"message": "database outage"}})
	ingestEvent(t, d, model.Event{ID: "evt_2", Payload: map[string]any{"amount": 5000}})

	var all []model.DecisionItem
	resp := d.handleDecisionList(context.Background(), request(t, uds.CmdDecisionList, DecisionListParams{}))
	require.NoError(t, resp.Decode(&all))
	assert.Len(t, all, 2)

	var critical []model.DecisionItem
	resp = d.handleDecisionList(context.Background(), request(t, uds.CmdDecisionList, DecisionListParams{MinUrgency: "critical"}))
	require.NoError(t, resp.Decode(&critical))
	require.Len(t, critical, 1)
	assert.Equal(t, model.UrgencyCritical, critical[0].Urgency)

	resp = d.handleDecisionList(context.Background(), request(t, uds.CmdDecisionList, DecisionListParams{MinUrgency: "urgent"}))
	assert.Equal(t, uds.ErrCodeValidation, errorCode(t, resp))
}

func TestHandleDecisionResolve(t *testing.T) {
	d := newHandlerDaemon(t)
	res := ingestEvent(t, d, model.Event{ID: "evt_1", Payload: map[string]any{"message": "database outage"}})
	require.NotEmpty(t, res.DecisionID)

	resolve := func(id, option string) *uds.Response {
		return d.handleDecisionResolve(context.Background(), request(t, uds.CmdDecisionResolve, DecisionResolveParams{
			ID: id, OptionID: option, Resolver: "alice",
		}))
	}

	assert.Equal(t, uds.ErrCodeValidation, errorCode(t, resolve(res.DecisionID, "")))
	assert.Equal(t, uds.ErrCodeValidation, errorCode(t, resolve(res.DecisionID, "shrug")))
	assert.Equal(t, uds.ErrCodeNotFound, errorCode(t, resolve("dec_missing", "acknowledge")))

	var item model.DecisionItem
	require.NoError(t, resolve(res.DecisionID, "acknowledge").Decode(&item))
	assert.Equal(t, model.DecisionResolved, item.Status)
	assert.Equal(t, "alice", item.Resolver)

	assert.Equal(t, uds.ErrCodeAlreadyResolved, errorCode(t, resolve(res.DecisionID, "acknowledge")))
}

func TestHandleStep_BlockedUntilCriticalResolved(t *testing.T) {
	d := newHandlerDaemon(t)
	res := ingestEvent(t, d, model.Event{ID: "evt_1", Payload: map[string]any{"message": "security breach"}})

	step := func() StepResult {
		var out StepResult
		require.NoError(t, d.handleStep(context.Background(), request(t, uds.CmdStep, nil)).Decode(&out))
		return out
	}

	blocked := step()
	assert.Equal(t, string(orchestrator.StepBlocked), blocked.Result)
	assert.Equal(t, model.RunStatusBlocked, blocked.Status)

	resp := d.handleDecisionResolve(context.Background(), request(t, uds.CmdDecisionResolve, DecisionResolveParams{
		ID: res.DecisionID, OptionID: "acknowledge",
	}))
	require.True(t, resp.Success)

	assert.Equal(t, string(orchestrator.StepProgressed), step().Result)
}

func TestHandleStatus(t *testing.T) {
	d := newHandlerDaemon(t)
	_, err := d.orch.Run(context.Background())
	require.NoError(t, err)

	var report status.Report
	require.NoError(t, d.handleStatus(context.Background(), request(t, uds.CmdStatus, nil)).Decode(&report))
	assert.True(t, report.Daemon.Running)
	require.NotNil(t, report.Run)
	assert.Equal(t, "run_test", report.Run.ID)
	assert.Equal(t, model.RunStatusSucceeded, report.Run.Status)
	require.Len(t, report.Phases, 2)
	assert.Equal(t, "build", report.Phases[0].ID)
	assert.Equal(t, model.PhaseStatusCommitted, report.Phases[1].Status)
}

func TestHandleAbort(t *testing.T) {
	d := newHandlerDaemon(t)

	resp := d.handleAbort(context.Background(), request(t, uds.CmdAbort, AbortParams{}))
	require.True(t, resp.Success)
	assert.Equal(t, model.RunStatusAborted, d.orch.Snapshot().Status)
}

func TestHandleRollback(t *testing.T) {
	d := newHandlerDaemon(t)

	resp := d.handleRollback(context.Background(), request(t, uds.CmdRollback, RollbackParams{ToSeq: -1}))
	assert.Equal(t, uds.ErrCodeValidation, errorCode(t, resp))

	_, err := d.orch.Run(context.Background())
	require.NoError(t, err)

	var out RollbackResult
	require.NoError(t, d.handleRollback(context.Background(), request(t, uds.CmdRollback, RollbackParams{ToSeq: 1})).Decode(&out))
	assert.Equal(t, int64(1), out.Checkpoint)
	assert.False(t, out.AlreadyApplied)
	assert.Equal(t, model.RunStatusRunning, d.orch.Snapshot().Status)
}

func TestErrorResponseMapping(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("get: %w", model.ErrNotFound), uds.ErrCodeNotFound},
		{model.ErrAlreadyResolved, uds.ErrCodeAlreadyResolved},
		{model.ErrDuplicateID, uds.ErrCodeDuplicate},
		{model.ErrUnknownOption, uds.ErrCodeValidation},
		{&model.ConfigurationError{Reason: "bad"}, uds.ErrCodeValidation},
		{&model.PartialRollbackError{RunID: "run_1"}, uds.ErrCodePartialRollback},
		{model.ErrVersionConflict, uds.ErrCodeConflict},
		{model.ErrInvalidTransition, uds.ErrCodeConflict},
		{errors.New("disk on fire"), uds.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code+"/"+tt.err.Error(), func(t *testing.T) {
			resp := errorResponse(tt.err)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestDaemon_StartRunsPlanAndShutsDown(t *testing.T) {
	dir := workspaceDir(t)
	d := New(newTestRuntime(t, dir))
	require.NoError(t, d.Start())

	client := uds.NewClient(d.SocketPath())
	client.SetTimeout(2 * time.Second)

	assert.Equal(t, os.Getpid(), lock.HolderPID(filepath.Join(dir, "locks", "daemon.lock")))

	require.Eventually(t, func() bool {
		var report status.Report
		if err := client.Call(context.Background(), uds.CmdStatus, nil, &report); err != nil {
			return false
		}
		return report.Run != nil && report.Run.Status == model.RunStatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	d.Shutdown()
	d.Shutdown()

	select {
	case <-d.Stopped():
	default:
		t.Fatal("Stopped channel not closed after Shutdown")
	}
	_, err := os.Stat(d.SocketPath())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "locks", "daemon.lock"))
	assert.True(t, os.IsNotExist(err))
}

func TestDaemon_InboxEventReachesQueue(t *testing.T) {
	dir := workspaceDir(t)
	rt := newTestRuntime(t, dir)
	d := New(rt)
	require.NoError(t, d.Start())
	t.Cleanup(d.Shutdown)

	inbox := filepath.Join(dir, "inbox")
	require.Eventually(t, func() bool {
		_, err := os.Stat(inbox)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	tmp := filepath.Join(inbox, ".evt.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"id":"evt_inbox","source":"pager","payload":{"message":"api outage"}}`), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(inbox, "evt.json")))

	require.Eventually(t, func() bool {
		items, err := rt.Orchestrator.Queue().List(context.Background(), decision.Filter{Status: model.DecisionPending})
		return err == nil && len(items) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemon_SecondInstanceIsLocked(t *testing.T) {
	dir := workspaceDir(t)
	first := New(newTestRuntime(t, dir))
	require.NoError(t, first.Start())
	t.Cleanup(first.Shutdown)

	rt := newTestRuntime(t, dir)
	second := New(rt)
	t.Cleanup(func() {
		second.ticker.Stop()
		_ = rt.Close(context.Background())
	})
	err := second.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrLocked)
}
