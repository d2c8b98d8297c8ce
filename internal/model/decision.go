package model

import "time"

type DecisionEffect string

const (
	EffectRetryPhase     DecisionEffect = "retry_phase"
	EffectAbortRun       DecisionEffect = "abort_run"
	EffectRollback       DecisionEffect = "rollback"
	EffectAcknowledge    DecisionEffect = "acknowledge"
	EffectMarkReconciled DecisionEffect = "mark_reconciled"
	EffectApprove        DecisionEffect = "approve"
	EffectDeny           DecisionEffect = "deny"
)

type DecisionOption struct {
	ID     string         `json:"id" yaml:"id"`
	Label  string         `json:"label" yaml:"label"`
	Effect DecisionEffect `json:"effect" yaml:"effect"`
}

type Resolution struct {
	OptionID   string    `json:"option_id"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// DecisionItem is resolved at most once and immutable afterwards.
// Corrections are new items referencing the original via Supersedes.
type DecisionItem struct {
	ID               string           `json:"id"`
	RunID            string           `json:"run_id,omitempty"`
	LinkedEventID    string           `json:"linked_event_id,omitempty"`
	LinkedWorkItemID string           `json:"linked_work_item_id,omitempty"`
	PhaseID          string           `json:"phase_id,omitempty"`
	Urgency          Urgency          `json:"urgency"`
	Context          string           `json:"context"`
	Notes            []string         `json:"notes,omitempty"`
	Options          []DecisionOption `json:"options,omitempty"`
	Status           DecisionStatus   `json:"status"`
	Resolution       *Resolution      `json:"resolution,omitempty"`
	Resolver         string           `json:"resolver,omitempty"`
	Supersedes       string           `json:"supersedes,omitempty"`
	// Checkpoint is the restore point the rollback and mark_reconciled
	// effects act on.
	Checkpoint *int64    `json:"checkpoint,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Version    int64     `json:"-"`
}

func (d *DecisionItem) Option(id string) (DecisionOption, bool) {
	for _, o := range d.Options {
		if o.ID == id {
			return o, true
		}
	}
	return DecisionOption{}, false
}

// ChosenEffect returns the effect of the resolved option, if any.
func (d *DecisionItem) ChosenEffect() DecisionEffect {
	if d.Resolution == nil {
		return ""
	}
	if o, ok := d.Option(d.Resolution.OptionID); ok {
		return o.Effect
	}
	return ""
}
