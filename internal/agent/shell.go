package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/dispatch"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/model"
)

// ShellCollaborator names side effects declared by shell items; register a
// ShellUndoer under it on the rollback controller.
const ShellCollaborator = "shell"

const maxCapturedOutput = 64 << 10

// Shell runs input.command with `sh -c`.
//
// Recognised input keys:
//
//	command               string, required
//	env                   map of extra environment variables
//	retryable_exit_codes  list of exit codes worth retrying; others are permanent
//	side_effect           {kind, undo_command, ...} recorded when the command exits 0
//
// A stdout that is a single JSON object is exposed as output "result"; its
// needs_decision key, if any, is lifted to the top level of the output.
type Shell struct {
	dir     string
	logger  *logging.Logger
	mu      sync.Mutex
	running map[string]*exec.Cmd
}

func NewShell(dir string) *Shell {
	return &Shell{
		dir:     dir,
		logger:  logging.NewNop(),
		running: make(map[string]*exec.Cmd),
	}
}

func (s *Shell) SetLogger(l *logging.Logger) { s.logger = l }

func (s *Shell) Run(ctx context.Context, req dispatch.Request) dispatch.Result {
	command, _ := req.Item.Input["command"].(string)
	if strings.TrimSpace(command) == "" {
		return dispatch.Result{Err: dispatch.Permanent(fmt.Errorf("work item %s: input.command is required", req.Item.ID))}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(), envList(req)...)
	configureProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, max: maxCapturedOutput}
	cmd.Stderr = &limitedWriter{buf: &stderr, max: maxCapturedOutput}

	if err := cmd.Start(); err != nil {
		return dispatch.Result{Err: fmt.Errorf("start command: %w", err)}
	}
	s.track(req.Item.ID, cmd)
	err := cmd.Wait()
	s.untrack(req.Item.ID)

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	out := map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}
	if obj, ok := parseJSONObject(stdout.Bytes()); ok {
		out["result"] = obj
		if nd, ok := obj["needs_decision"]; ok {
			out["needs_decision"] = nd
		}
	}

	s.logger.Debug(ctx, "shell command finished",
		zap.String("work_item_id", req.Item.ID),
		zap.Int("attempt", req.Attempt),
		zap.Int("exit_code", exitCode),
	)

	if err != nil {
		if ctx.Err() != nil {
			return dispatch.Result{Output: out, Err: ctx.Err()}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := fmt.Errorf("command exited with code %d: %s", exitCode, tail(stderr.String(), 512))
			if retryableExit(req.Item.Input, exitCode) {
				return dispatch.Result{Output: out, Err: msg}
			}
			return dispatch.Result{Output: out, Err: dispatch.Permanent(msg)}
		}
		return dispatch.Result{Output: out, Err: err}
	}

	res := dispatch.Result{Output: out}
	if se, ok := declaredSideEffect(req); ok {
		res.SideEffects = []model.SideEffect{se}
	}
	return res
}

// Cancel kills the process group of a running item.
func (s *Shell) Cancel(_ context.Context, workItemID string) error {
	s.mu.Lock()
	cmd := s.running[workItemID]
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return killProcessGroup(cmd)
}

func (s *Shell) track(id string, cmd *exec.Cmd) {
	s.mu.Lock()
	s.running[id] = cmd
	s.mu.Unlock()
}

func (s *Shell) untrack(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// ShellUndoer runs the undo_command recorded on a shell side effect.
type ShellUndoer struct {
	Dir     string
	Timeout time.Duration
}

func (u ShellUndoer) Undo(ctx context.Context, se model.SideEffect) error {
	undo, _ := se.Payload["undo_command"].(string)
	if strings.TrimSpace(undo) == "" {
		return fmt.Errorf("side effect %s has no undo_command", se.ID)
	}
	timeout := u.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", undo)
	cmd.Dir = u.Dir
	configureProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("undo %s: timeout after %s: %w", se.ID, timeout, ctx.Err())
		}
		return fmt.Errorf("undo %s: %w: %s", se.ID, err, tail(strings.TrimSpace(string(out)), 512))
	}
	return nil
}

func declaredSideEffect(req dispatch.Request) (model.SideEffect, bool) {
	raw, ok := req.Item.Input["side_effect"].(map[string]any)
	if !ok || len(raw) == 0 {
		return model.SideEffect{}, false
	}
	payload := maps.Clone(raw)
	kind, _ := payload["kind"].(string)
	if kind == "" {
		kind = "command"
	}
	delete(payload, "kind")
	payload["command"] = req.Item.Input["command"]
	return model.SideEffect{
		Collaborator: ShellCollaborator,
		Kind:         kind,
		Payload:      payload,
	}, true
}

func envList(req dispatch.Request) []string {
	env := []string{
		"PHASEGATE_RUN_ID=" + req.RunID,
		"PHASEGATE_PHASE_ID=" + req.Item.PhaseID,
		"PHASEGATE_WORK_ITEM_ID=" + req.Item.ID,
		fmt.Sprintf("PHASEGATE_ATTEMPT=%d", req.Attempt),
	}
	if extra, ok := req.Item.Input["env"].(map[string]any); ok {
		for k, v := range extra {
			env = append(env, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return env
}

func retryableExit(input map[string]any, code int) bool {
	list, ok := input["retryable_exit_codes"].([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		switch n := v.(type) {
		case int:
			if n == code {
				return true
			}
		case int64:
			if int(n) == code {
				return true
			}
		case float64:
			if int(n) == code {
				return true
			}
		case json.Number:
			if i, err := n.Int64(); err == nil && int(i) == code {
				return true
			}
		}
	}
	return false
}

func parseJSONObject(b []byte) (map[string]any, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// limitedWriter keeps the first max bytes and discards the rest.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
