package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/ingest"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/status"
	"github.com/msageha/phasegate/internal/uds"
)

// DecisionListParams filters decision_list. Status defaults to pending;
// "all" lists every item.
type DecisionListParams struct {
	MinUrgency string `json:"min_urgency,omitempty"`
	Status     string `json:"status,omitempty"`
	PhaseID    string `json:"phase_id,omitempty"`
}

type DecisionResolveParams struct {
	ID       string `json:"id"`
	OptionID string `json:"option_id"`
	Resolver string `json:"resolver"`
}

type EventIngestParams struct {
	Event model.Event `json:"event"`
}

type EventIngestResult struct {
	EventID    string        `json:"event_id"`
	Duplicate  bool          `json:"duplicate"`
	Urgency    model.Urgency `json:"urgency,omitempty"`
	Route      string        `json:"route,omitempty"`
	DecisionID string        `json:"decision_id,omitempty"`
	PhaseID    string        `json:"phase_id,omitempty"`
}

type AbortParams struct {
	Reason string `json:"reason"`
}

type RollbackParams struct {
	ToSeq int64 `json:"to_seq"`
}

type RollbackResult struct {
	Checkpoint     int64    `json:"checkpoint"`
	AlreadyApplied bool     `json:"already_applied"`
	Undone         int      `json:"undone"`
	ReplayEvents   []string `json:"replay_events,omitempty"`
}

type StepResult struct {
	Result string          `json:"result"`
	Status model.RunStatus `json:"status"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, d.handlePing)
	d.server.Handle(uds.CmdStatus, d.handleStatus)
	d.server.Handle(uds.CmdDecisionList, d.handleDecisionList)
	d.server.Handle(uds.CmdDecisionResolve, d.handleDecisionResolve)
	d.server.Handle(uds.CmdEventIngest, d.handleEventIngest)
	d.server.Handle(uds.CmdAbort, d.handleAbort)
	d.server.Handle(uds.CmdRollback, d.handleRollback)
	d.server.Handle(uds.CmdStep, d.handleStep)
}

func (d *Daemon) handlePing(_ context.Context, _ *uds.Request) *uds.Response {
	return uds.SuccessResponse(map[string]any{"pid": os.Getpid(), "version": Version})
}

func (d *Daemon) handleStatus(ctx context.Context, _ *uds.Request) *uds.Response {
	report, err := status.Collect(ctx, d.rt.Repo, d.rt.Plan.PhaseIDs())
	if err != nil {
		return errorResponse(err)
	}
	report.Daemon = status.DaemonStatus{Running: true, PID: os.Getpid()}
	return uds.SuccessResponse(report)
}

func (d *Daemon) handleDecisionList(ctx context.Context, req *uds.Request) *uds.Response {
	var params DecisionListParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	filter := decision.Filter{
		Status:  model.DecisionPending,
		PhaseID: params.PhaseID,
	}
	switch params.Status {
	case "":
	case "all":
		filter.Status = ""
	default:
		filter.Status = model.DecisionStatus(params.Status)
	}
	if params.MinUrgency != "" {
		u, err := model.ParseUrgency(params.MinUrgency)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		filter.MinUrgency = u
	}
	items, err := d.orch.Queue().List(ctx, filter)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(items)
}

func (d *Daemon) handleDecisionResolve(ctx context.Context, req *uds.Request) *uds.Response {
	var params DecisionResolveParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.ID == "" || params.OptionID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "id and option_id are required")
	}
	if params.Resolver == "" {
		params.Resolver = "operator"
	}
	item, err := d.orch.Queue().Resolve(ctx, params.ID, params.OptionID, params.Resolver)
	if err != nil {
		return errorResponse(err)
	}
	d.Wake()
	return uds.SuccessResponse(item)
}

func (d *Daemon) handleEventIngest(ctx context.Context, req *uds.Request) *uds.Response {
	var params EventIngestParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	ev := params.Event
	if err := ingest.Normalize(&ev, "cli", time.Now().UTC()); err != nil {
		return errorResponse(err)
	}
	res, err := d.orch.Ingest(ctx, ev)
	if err != nil {
		return errorResponse(err)
	}
	if !res.Duplicate {
		d.Wake()
	}
	return uds.SuccessResponse(EventIngestResult{
		EventID:    res.EventID,
		Duplicate:  res.Duplicate,
		Urgency:    res.Urgency,
		Route:      string(res.Route),
		DecisionID: res.DecisionID,
		PhaseID:    res.PhaseID,
	})
}

func (d *Daemon) handleAbort(ctx context.Context, req *uds.Request) *uds.Response {
	var params AbortParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.Reason == "" {
		params.Reason = "aborted by operator"
	}
	if err := d.orch.Abort(ctx, params.Reason); err != nil {
		return errorResponse(err)
	}
	d.logger.Info(ctx, "run abort requested", zap.String("reason", params.Reason))
	return uds.SuccessResponse(map[string]any{"aborted": true})
}

func (d *Daemon) handleRollback(ctx context.Context, req *uds.Request) *uds.Response {
	var params RollbackParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.ToSeq < 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "to_seq must be >= 0")
	}
	res, err := d.orch.Rollback(ctx, params.ToSeq)
	if err != nil {
		return errorResponse(err)
	}
	d.Wake()
	return uds.SuccessResponse(RollbackResult{
		Checkpoint:     res.Checkpoint,
		AlreadyApplied: res.AlreadyApplied,
		Undone:         len(res.Undone),
		ReplayEvents:   res.ReplayEvents,
	})
}

// handleStep runs a single step synchronously, outside the ticker.
func (d *Daemon) handleStep(ctx context.Context, _ *uds.Request) *uds.Response {
	res, err := d.orch.Step(ctx)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(StepResult{
		Result: string(res),
		Status: d.orch.Snapshot().Status,
	})
}

// errorResponse maps domain errors onto protocol error codes.
func errorResponse(err error) *uds.Response {
	var (
		cfgErr  *model.ConfigurationError
		partial *model.PartialRollbackError
	)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, model.ErrAlreadyResolved):
		return uds.ErrorResponse(uds.ErrCodeAlreadyResolved, err.Error())
	case errors.Is(err, model.ErrDuplicateID):
		return uds.ErrorResponse(uds.ErrCodeDuplicate, err.Error())
	case errors.As(err, &partial):
		return uds.ErrorResponse(uds.ErrCodePartialRollback, err.Error())
	case errors.As(err, &cfgErr), errors.Is(err, model.ErrUnknownOption):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	case errors.Is(err, model.ErrVersionConflict),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrRunTerminal):
		return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("%v", err))
	}
}
