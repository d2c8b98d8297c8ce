package dispatch

import (
	"github.com/msageha/phasegate/internal/gate"
	"github.com/msageha/phasegate/internal/model"
)

type ItemReport struct {
	Status       model.WorkItemStatus
	Attempts     int
	RetriesUsed  int
	Critical     bool
	MustComplete bool
	// Error is the last error; kept when the item is abandoned.
	Error *model.OutcomeError
	Last  *model.Outcome
}

// Report is the result of one Dispatch call.
type Report struct {
	// Outcomes is append-only; per item it is ordered by attempt.
	Outcomes []model.Outcome
	Items    map[string]*ItemReport
	// Order is the topological execution order.
	Order      []string
	FailedFast bool
	Cancelled  bool
}

func (r *Report) OutcomesFor(id string) []model.Outcome {
	var out []model.Outcome
	for _, o := range r.Outcomes {
		if o.WorkItemID == id {
			out = append(out, o)
		}
	}
	return out
}

// Results converts the report into gate input, in execution order.
func (r *Report) Results() []gate.ItemResult {
	out := make([]gate.ItemResult, 0, len(r.Order))
	for _, id := range r.Order {
		it := r.Items[id]
		out = append(out, gate.ItemResult{ID: id, Status: it.Status, Critical: it.Critical, Error: it.Error})
	}
	return out
}

// SideEffects returns every side effect reported by any attempt, in
// outcome order.
func (r *Report) SideEffects() []model.SideEffect {
	var out []model.SideEffect
	for _, o := range r.Outcomes {
		out = append(out, o.SideEffects...)
	}
	return out
}

// AllTerminal reports whether every item is Succeeded or Abandoned.
func (r *Report) AllTerminal() bool {
	for _, it := range r.Items {
		if !model.IsWorkItemTerminal(it.Status) {
			return false
		}
	}
	return true
}
