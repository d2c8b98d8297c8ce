package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateID          = errors.New("duplicate id")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyResolved      = errors.New("already resolved")
	ErrVersionConflict      = errors.New("version conflict")
	ErrUnknownOption        = errors.New("unknown option")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrPrerequisitesNotMet  = errors.New("prerequisites not met")
	ErrOutOfOrderCheckpoint = errors.New("out-of-order checkpoint")
	ErrBlocked              = errors.New("run blocked on pending decision")
	ErrRunTerminal          = errors.New("run already terminal")
)

// ErrorKind is the taxonomy recorded on outcomes and audit entries.
type ErrorKind string

const (
	KindConfiguration    ErrorKind = "configuration"
	KindExecution        ErrorKind = "execution"
	KindTimeout          ErrorKind = "timeout"
	KindCancelled        ErrorKind = "cancelled"
	KindDependencyFailed ErrorKind = "dependency_failed"
	KindGateFailure      ErrorKind = "gate_failure"
	KindPartialRollback  ErrorKind = "partial_rollback"
	KindDuplicateID      ErrorKind = "duplicate_id"
	KindNotFound         ErrorKind = "not_found"
	KindAlreadyResolved  ErrorKind = "already_resolved"
)

// IsExecution reports whether k is recoverable through the retry budget.
// Timeouts are an execution subtype.
func (k ErrorKind) IsExecution() bool {
	return k == KindExecution || k == KindTimeout
}

// ConfigurationError is fatal and raised before any dispatch.
type ConfigurationError struct {
	Reason    string
	CyclePath []string
}

func (e *ConfigurationError) Error() string {
	if len(e.CyclePath) > 0 {
		return fmt.Sprintf("configuration error: %s: %s", e.Reason, strings.Join(e.CyclePath, " -> "))
	}
	return "configuration error: " + e.Reason
}

// GateFailure reports a phase whose gate predicate evaluated false.
type GateFailure struct {
	PhaseID string
	Attempt int
	Reason  string
	Failed  []string
}

func (e *GateFailure) Error() string {
	msg := fmt.Sprintf("gate failed for phase %s (attempt %d): %s", e.PhaseID, e.Attempt, e.Reason)
	if len(e.Failed) > 0 {
		msg += " [" + strings.Join(e.Failed, ", ") + "]"
	}
	return msg
}

// PartialRollbackError lists side effects that still need manual
// reconciliation after a rollback.
type PartialRollbackError struct {
	RunID      string
	Checkpoint int64
	Unresolved []SideEffect
	Causes     map[string]string
}

func (e *PartialRollbackError) Error() string {
	ids := make([]string, 0, len(e.Unresolved))
	for _, se := range e.Unresolved {
		ids = append(ids, se.ID)
	}
	return fmt.Sprintf("partial rollback of run %s to checkpoint %d: %d side effect(s) unresolved: %s",
		e.RunID, e.Checkpoint, len(e.Unresolved), strings.Join(ids, ", "))
}

// KindOf maps an error onto the taxonomy. Unrecognised errors are
// execution errors.
func KindOf(err error) ErrorKind {
	var cfgErr *ConfigurationError
	var gateErr *GateFailure
	var prErr *PartialRollbackError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &gateErr):
		return KindGateFailure
	case errors.As(err, &prErr):
		return KindPartialRollback
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrDuplicateID):
		return KindDuplicateID
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyResolved):
		return KindAlreadyResolved
	default:
		return KindExecution
	}
}
