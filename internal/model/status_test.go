package model

import (
	"errors"
	"testing"
)

func TestIsWorkItemTerminal(t *testing.T) {
	tests := []struct {
		status   WorkItemStatus
		terminal bool
	}{
		{WorkItemQueued, false},
		{WorkItemDispatched, false},
		{WorkItemFailed, false},
		{WorkItemRetrying, false},
		{WorkItemSucceeded, true},
		{WorkItemAbandoned, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsWorkItemTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsWorkItemTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestIsRunTerminal(t *testing.T) {
	tests := []struct {
		status   RunStatus
		terminal bool
	}{
		{RunStatusRunning, false},
		{RunStatusBlocked, false},
		{RunStatusSucceeded, true},
		{RunStatusFailed, true},
		{RunStatusAborted, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsRunTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsRunTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestValidatePhaseTransition(t *testing.T) {
	tests := []struct {
		from, to PhaseStatus
		ok       bool
	}{
		{PhaseStatusPending, PhaseStatusRunning, true},
		{PhaseStatusRunning, PhaseStatusGated, true},
		{PhaseStatusGated, PhaseStatusCommitted, true},
		{PhaseStatusGated, PhaseStatusFailed, true},
		{PhaseStatusFailed, PhaseStatusRolledBack, true},
		{PhaseStatusFailed, PhaseStatusRunning, true},
		{PhaseStatusRolledBack, PhaseStatusRunning, true},
		{PhaseStatusPending, PhaseStatusCommitted, false},
		{PhaseStatusRunning, PhaseStatusCommitted, false},
		{PhaseStatusPending, PhaseStatusGated, false},
		{PhaseStatusCommitted, PhaseStatusRunning, false},
		{PhaseStatusCommitted, PhaseStatusRolledBack, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidatePhaseTransition(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Errorf("expected transition allowed, got %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
			}
		})
	}
}

func TestValidateWorkItemTransition(t *testing.T) {
	tests := []struct {
		from, to WorkItemStatus
		ok       bool
	}{
		{WorkItemQueued, WorkItemDispatched, true},
		{WorkItemQueued, WorkItemAbandoned, true},
		{WorkItemDispatched, WorkItemSucceeded, true},
		{WorkItemDispatched, WorkItemFailed, true},
		{WorkItemFailed, WorkItemRetrying, true},
		{WorkItemFailed, WorkItemAbandoned, true},
		{WorkItemRetrying, WorkItemDispatched, true},
		{WorkItemAbandoned, WorkItemDispatched, false},
		{WorkItemSucceeded, WorkItemFailed, false},
		{WorkItemQueued, WorkItemSucceeded, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateWorkItemTransition(tt.from, tt.to)
			if (err == nil) != tt.ok {
				t.Errorf("ValidateWorkItemTransition(%q, %q) err = %v, want ok=%v", tt.from, tt.to, err, tt.ok)
			}
		})
	}
}

func TestUrgencyOrdering(t *testing.T) {
	if !UrgencyCritical.AtLeast(UrgencyHigh) {
		t.Error("critical should be at least high")
	}
	if UrgencyLow.AtLeast(UrgencyNormal) {
		t.Error("low should not be at least normal")
	}
	if Urgency("bogus").Rank() != -1 {
		t.Error("unknown urgency should rank -1")
	}
	u, err := ParseUrgency(" HIGH ")
	if err != nil || u != UrgencyHigh {
		t.Errorf("ParseUrgency = %q, %v", u, err)
	}
	if _, err := ParseUrgency("urgent"); err == nil {
		t.Error("expected error for unknown urgency")
	}
}
