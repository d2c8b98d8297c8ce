// Package gate aggregates the work item results of a phase into a single
// pass/fail verdict.
package gate

import (
	"fmt"
	"sort"

	"github.com/msageha/phasegate/internal/model"
)

// ItemResult is the terminal state of one work item as seen by a gate.
type ItemResult struct {
	ID       string
	Status   model.WorkItemStatus
	Critical bool
	Error    *model.OutcomeError
}

type Verdict struct {
	Passed bool
	Reason string
	// Failed lists abandoned item ids, sorted.
	Failed []string
}

// Predicate decides whether a phase commits. Evaluate requires every item
// to be terminal. Unrecoverable may be called on partial results and reports
// whether the phase can no longer pass whatever the remaining items do.
type Predicate interface {
	Evaluate(items []ItemResult) Verdict
	Unrecoverable(items []ItemResult) bool
	String() string
}

// FromSpec builds the predicate declared in the plan.
func FromSpec(spec model.GateSpec) (Predicate, error) {
	switch spec.Type {
	case "", model.GateAllSucceeded:
		return AllSucceeded{}, nil
	case model.GateAtLeast:
		if spec.MinSucceeded < 1 {
			return nil, &model.ConfigurationError{Reason: fmt.Sprintf("gate at_least requires min_succeeded >= 1, got %d", spec.MinSucceeded)}
		}
		return AtLeast{N: spec.MinSucceeded}, nil
	default:
		return nil, &model.ConfigurationError{Reason: fmt.Sprintf("unknown gate type %q", spec.Type)}
	}
}

type tally struct {
	succeeded, abandoned, pending int
	criticalFailed                []string
	failed                        []string
}

func count(items []ItemResult) tally {
	var t tally
	for _, it := range items {
		switch it.Status {
		case model.WorkItemSucceeded:
			t.succeeded++
		case model.WorkItemAbandoned:
			t.abandoned++
			t.failed = append(t.failed, it.ID)
			if it.Critical {
				t.criticalFailed = append(t.criticalFailed, it.ID)
			}
		default:
			t.pending++
		}
	}
	sort.Strings(t.failed)
	sort.Strings(t.criticalFailed)
	return t
}

// AllSucceeded passes only when every item succeeded.
type AllSucceeded struct{}

func (AllSucceeded) String() string { return string(model.GateAllSucceeded) }

func (AllSucceeded) Evaluate(items []ItemResult) Verdict {
	t := count(items)
	switch {
	case t.pending > 0:
		return Verdict{Reason: fmt.Sprintf("%d work items not terminal", t.pending), Failed: t.failed}
	case t.abandoned > 0:
		return Verdict{Reason: fmt.Sprintf("%d of %d work items abandoned", t.abandoned, len(items)), Failed: t.failed}
	}
	return Verdict{Passed: true, Reason: fmt.Sprintf("all %d work items succeeded", len(items))}
}

func (AllSucceeded) Unrecoverable(items []ItemResult) bool {
	return count(items).abandoned > 0
}

// AtLeast passes when at least N items succeeded and no critical item was
// abandoned.
type AtLeast struct {
	N int
}

func (g AtLeast) String() string { return fmt.Sprintf("%s(%d)", model.GateAtLeast, g.N) }

func (g AtLeast) Evaluate(items []ItemResult) Verdict {
	t := count(items)
	switch {
	case t.pending > 0:
		return Verdict{Reason: fmt.Sprintf("%d work items not terminal", t.pending), Failed: t.failed}
	case len(t.criticalFailed) > 0:
		return Verdict{Reason: fmt.Sprintf("critical work items abandoned: %v", t.criticalFailed), Failed: t.failed}
	case t.succeeded < g.N:
		return Verdict{Reason: fmt.Sprintf("%d succeeded, need at least %d", t.succeeded, g.N), Failed: t.failed}
	}
	return Verdict{Passed: true, Reason: fmt.Sprintf("%d succeeded (need %d)", t.succeeded, g.N), Failed: t.failed}
}

func (g AtLeast) Unrecoverable(items []ItemResult) bool {
	t := count(items)
	if len(t.criticalFailed) > 0 {
		return true
	}
	return t.succeeded+t.pending < g.N
}
