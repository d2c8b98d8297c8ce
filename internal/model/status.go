package model

import "fmt"

type PhaseStatus string

const (
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusRunning    PhaseStatus = "running"
	PhaseStatusGated      PhaseStatus = "gated"
	PhaseStatusCommitted  PhaseStatus = "committed"
	PhaseStatusFailed     PhaseStatus = "failed"
	PhaseStatusRolledBack PhaseStatus = "rolled_back"
)

type WorkItemStatus string

const (
	WorkItemQueued     WorkItemStatus = "queued"
	WorkItemDispatched WorkItemStatus = "dispatched"
	WorkItemSucceeded  WorkItemStatus = "succeeded"
	WorkItemFailed     WorkItemStatus = "failed"
	WorkItemRetrying   WorkItemStatus = "retrying"
	WorkItemAbandoned  WorkItemStatus = "abandoned"
)

type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionResolved DecisionStatus = "resolved"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusBlocked   RunStatus = "blocked"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

var terminalWorkItemStatuses = map[WorkItemStatus]bool{
	WorkItemSucceeded: true,
	WorkItemAbandoned: true,
}

var terminalRunStatuses = map[RunStatus]bool{
	RunStatusSucceeded: true,
	RunStatusFailed:    true,
	RunStatusAborted:   true,
}

// Phase transitions: pending → running → gated → committed|failed.
// failed → rolled_back once rollback completes, or → running for a phase retry.
var validPhaseTransitions = map[PhaseStatus]map[PhaseStatus]bool{
	PhaseStatusPending: {
		PhaseStatusRunning: true,
	},
	PhaseStatusRunning: {
		PhaseStatusGated: true,
	},
	PhaseStatusGated: {
		PhaseStatusCommitted: true,
		PhaseStatusFailed:    true,
	},
	PhaseStatusFailed: {
		PhaseStatusRolledBack: true,
		PhaseStatusRunning:    true,
	},
	// retry after the failed attempt has been rolled back
	PhaseStatusRolledBack: {
		PhaseStatusRunning: true,
	},
}

var validWorkItemTransitions = map[WorkItemStatus]map[WorkItemStatus]bool{
	WorkItemQueued: {
		WorkItemDispatched: true,
		WorkItemAbandoned:  true,
	},
	WorkItemDispatched: {
		WorkItemSucceeded: true,
		WorkItemFailed:    true,
	},
	WorkItemFailed: {
		WorkItemRetrying:  true,
		WorkItemAbandoned: true,
	},
	WorkItemRetrying: {
		WorkItemDispatched: true,
		WorkItemAbandoned:  true,
	},
}

func IsWorkItemTerminal(s WorkItemStatus) bool {
	return terminalWorkItemStatuses[s]
}

func IsRunTerminal(s RunStatus) bool {
	return terminalRunStatuses[s]
}

// IsPhaseSettled reports whether a phase has reached an end state for the
// current attempt (committed, or failed/rolled back awaiting a decision).
func IsPhaseSettled(s PhaseStatus) bool {
	return s == PhaseStatusCommitted || s == PhaseStatusFailed || s == PhaseStatusRolledBack
}

func ValidatePhaseTransition(from, to PhaseStatus) error {
	if from == PhaseStatusCommitted {
		return fmt.Errorf("%w: cannot transition from terminal phase status %q", ErrInvalidTransition, from)
	}
	allowed, ok := validPhaseTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown phase status %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: invalid phase transition: %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}

func ValidateWorkItemTransition(from, to WorkItemStatus) error {
	if IsWorkItemTerminal(from) {
		return fmt.Errorf("%w: cannot transition from terminal work item status %q", ErrInvalidTransition, from)
	}
	allowed, ok := validWorkItemTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown work item status %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: invalid work item transition: %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}
