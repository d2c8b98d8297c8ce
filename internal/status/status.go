// Package status summarises a run for the CLI: the daemon, the run and
// its phases, and the decisions waiting on an operator.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/store"
	"github.com/msageha/phasegate/internal/uds"
)

type Report struct {
	Daemon           DaemonStatus     `json:"daemon"`
	Run              *RunSummary      `json:"run,omitempty"`
	Phases           []PhaseRow       `json:"phases,omitempty"`
	PendingDecisions []DecisionRow    `json:"pending_decisions,omitempty"`
	Checkpoints      []CheckpointInfo `json:"checkpoints,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

type RunSummary struct {
	ID             string          `json:"id"`
	Plan           string          `json:"plan"`
	Status         model.RunStatus `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	LastCheckpoint int64           `json:"last_checkpoint"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type PhaseRow struct {
	ID          string            `json:"id"`
	Status      model.PhaseStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	RetryGrants int               `json:"retry_grants,omitempty"`
	Signals     int               `json:"signals,omitempty"`
}

type DecisionRow struct {
	ID        string        `json:"id"`
	Urgency   model.Urgency `json:"urgency"`
	PhaseID   string        `json:"phase_id,omitempty"`
	Context   string        `json:"context"`
	Options   []string      `json:"options,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type CheckpointInfo struct {
	Sequence        int64     `json:"sequence"`
	Phase           string    `json:"phase,omitempty"`
	RollbackApplied bool      `json:"rollback_applied,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Collect reads the current run from repo. phaseOrder lists phase ids in
// plan order; phases it does not name follow sorted by id.
func Collect(ctx context.Context, repo *store.Repo, phaseOrder []string) (*Report, error) {
	r := &Report{}

	pending, err := pendingDecisions(ctx, repo)
	if err != nil {
		return nil, err
	}
	r.PendingDecisions = pending

	runID, err := repo.CurrentRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("current run: %w", err)
	}
	if runID == "" {
		return r, nil
	}
	rs, err := repo.GetRun(ctx, runID)
	if errors.Is(err, model.ErrNotFound) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	r.Run = &RunSummary{
		ID:             rs.RunID,
		Plan:           rs.PlanName,
		Status:         rs.Status,
		Reason:         rs.Reason,
		LastCheckpoint: rs.LastCheckpoint,
		UpdatedAt:      rs.UpdatedAt,
	}
	for _, id := range orderPhases(rs.Phases, phaseOrder) {
		rec := rs.Phases[id]
		r.Phases = append(r.Phases, PhaseRow{
			ID:          id,
			Status:      rec.Status,
			Attempts:    rec.Attempts,
			RetryGrants: rec.RetryGrants,
			Signals:     len(rs.PhaseSignals[id]),
		})
	}

	cps, err := repo.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	for _, cp := range cps {
		r.Checkpoints = append(r.Checkpoints, CheckpointInfo{
			Sequence:        cp.Sequence,
			Phase:           cp.CurrentPhaseID,
			RollbackApplied: cp.RollbackApplied,
			CreatedAt:       cp.CreatedAt,
		})
	}
	return r, nil
}

func pendingDecisions(ctx context.Context, repo *store.Repo) ([]DecisionRow, error) {
	items, err := decision.NewQueue(repo).List(ctx, decision.Filter{Status: model.DecisionPending})
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return DecisionRows(items), nil
}

// DecisionRows flattens items for display, keeping their order.
func DecisionRows(items []model.DecisionItem) []DecisionRow {
	rows := make([]DecisionRow, 0, len(items))
	for _, d := range items {
		opts := make([]string, 0, len(d.Options))
		for _, o := range d.Options {
			opts = append(opts, o.ID)
		}
		rows = append(rows, DecisionRow{
			ID:        d.ID,
			Urgency:   d.Urgency,
			PhaseID:   d.PhaseID,
			Context:   d.Context,
			Options:   opts,
			CreatedAt: d.CreatedAt,
		})
	}
	return rows
}

func orderPhases(phases map[string]model.PhaseRecord, order []string) []string {
	seen := make(map[string]bool, len(phases))
	out := make([]string, 0, len(phases))
	for _, id := range order {
		if _, ok := phases[id]; ok && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	var rest []string
	for id := range phases {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// CheckDaemon pings the daemon socket.
func CheckDaemon(ctx context.Context, sockPath string) DaemonStatus {
	client := uds.NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	var pong struct {
		PID int `json:"pid"`
	}
	if err := client.Call(ctx, uds.CmdPing, nil, &pong); err != nil {
		return DaemonStatus{Running: false}
	}
	return DaemonStatus{Running: true, PID: pong.PID}
}

func RenderJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func Render(w io.Writer, r *Report) {
	if r.Daemon.Running {
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", r.Daemon.PID)
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}

	if r.Run == nil {
		fmt.Fprintln(w, "Run: none")
	} else {
		fmt.Fprintf(w, "Run: %s  plan=%s  status=%s  checkpoint=%d\n",
			r.Run.ID, r.Run.Plan, r.Run.Status, r.Run.LastCheckpoint)
		if r.Run.Reason != "" {
			fmt.Fprintf(w, "Reason: %s\n", r.Run.Reason)
		}
	}

	if len(r.Phases) > 0 {
		fmt.Fprintln(w, "\nPhases:")
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.AppendHeader(table.Row{"Phase", "Status", "Attempts", "Grants", "Signals"})
		for _, p := range r.Phases {
			tw.AppendRow(table.Row{p.ID, p.Status, p.Attempts, p.RetryGrants, p.Signals})
		}
		tw.Render()
	}

	fmt.Fprintln(w)
	if len(r.PendingDecisions) == 0 {
		fmt.Fprintln(w, "Pending decisions: none")
		return
	}
	fmt.Fprintln(w, "Pending decisions:")
	RenderDecisions(w, r.PendingDecisions)
}

const maxContextWidth = 60

func RenderDecisions(w io.Writer, rows []DecisionRow) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Urgency", "Phase", "Context", "Options"})
	for _, d := range rows {
		tw.AppendRow(table.Row{d.ID, d.Urgency, d.PhaseID, shorten(d.Context, maxContextWidth), strings.Join(d.Options, ", ")})
	}
	tw.Render()
}

func shorten(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
