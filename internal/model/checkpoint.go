package model

import "time"

// Checkpoint is the only valid restore point for a rollback.
type Checkpoint struct {
	RunID             string                    `json:"run_id"`
	Sequence          int64                     `json:"sequence"`
	Parent            int64                     `json:"parent"` // base the run stood on at commit
	CurrentPhaseID    string                    `json:"current_phase_id,omitempty"`
	PhaseStatuses     map[string]PhaseStatus    `json:"phase_statuses"`
	Decisions         map[string]DecisionStatus `json:"decisions,omitempty"`
	ProcessedEvents   []string                  `json:"processed_events,omitempty"`
	SideEffectCursor  int64                     `json:"side_effect_cursor"`
	RollbackApplied   bool                      `json:"rollback_applied"`
	RollbackAppliedAt *time.Time                `json:"rollback_applied_at,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
	Version           int64                     `json:"-"`
}

// SideEffect records an external mutation so it can be undone.
type SideEffect struct {
	ID              string         `json:"id"`
	RunID           string         `json:"run_id"`
	Seq             int64          `json:"seq"`
	Collaborator    string         `json:"collaborator"`
	Kind            string         `json:"kind"`
	PhaseID         string         `json:"phase_id,omitempty"`
	WorkItemID      string         `json:"work_item_id,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	AfterCheckpoint int64          `json:"after_checkpoint"`
	RecordedAt      time.Time      `json:"recorded_at"`
	Undone          bool           `json:"undone"`
	UndoneAt        *time.Time     `json:"undone_at,omitempty"`
	Version         int64          `json:"-"`
}

type PhaseRecord struct {
	Status   PhaseStatus `json:"status"`
	Attempts int         `json:"attempts"`
	// RetryGrants counts extra attempts granted by a resolved decision.
	RetryGrants int `json:"retry_grants,omitempty"`
}

type RunState struct {
	RunID            string                 `json:"run_id"`
	PlanName         string                 `json:"plan_name"`
	Status           RunStatus              `json:"status"`
	Phases           map[string]PhaseRecord `json:"phases"`
	LastCheckpoint   int64                  `json:"last_checkpoint"` // base checkpoint, rewound by rollback
	AppliedDecisions map[string]bool        `json:"applied_decisions,omitempty"`
	PhaseSignals     map[string][]string    `json:"phase_signals,omitempty"`
	Reason           string                 `json:"reason,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	Version          int64                  `json:"-"`
}

// PhaseStatusMap returns a copy of the phase statuses.
func (r *RunState) PhaseStatusMap() map[string]PhaseStatus {
	out := make(map[string]PhaseStatus, len(r.Phases))
	for id, rec := range r.Phases {
		out[id] = rec.Status
	}
	return out
}
