package model

import "time"

type Parallelism string

const (
	ParallelismParallel  Parallelism = "parallel"
	ParallelismExclusive Parallelism = "exclusive"
)

type GateType string

const (
	GateAllSucceeded GateType = "all_succeeded"
	GateAtLeast      GateType = "at_least"
)

type GateSpec struct {
	Type         GateType `yaml:"type" json:"type"`
	MinSucceeded int      `yaml:"min_succeeded,omitempty" json:"min_succeeded,omitempty"`
}

type WorkItem struct {
	ID           string         `yaml:"id" json:"id"`
	PhaseID      string         `yaml:"-" json:"phase_id"`
	Kind         string         `yaml:"kind" json:"kind"`
	Input        map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
	Parallelism  Parallelism    `yaml:"parallelism,omitempty" json:"parallelism"`
	Timeout      time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RetryBudget  int            `yaml:"retry_budget,omitempty" json:"retry_budget"`
	DependsOn    []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Critical     bool           `yaml:"critical,omitempty" json:"critical,omitempty"`
	MustComplete bool           `yaml:"must_complete,omitempty" json:"must_complete,omitempty"`
	Status       WorkItemStatus `yaml:"-" json:"status"`
	RetriesUsed  int            `yaml:"-" json:"retries_used"`
}

type Phase struct {
	ID            string      `yaml:"id" json:"id"`
	Name          string      `yaml:"name,omitempty" json:"name"`
	Items         []WorkItem  `yaml:"items" json:"items"`
	Prerequisites []string    `yaml:"prerequisites,omitempty" json:"prerequisites,omitempty"`
	Gate          GateSpec    `yaml:"gate,omitempty" json:"gate"`
	Status        PhaseStatus `yaml:"-" json:"status"`
	Attempts      int         `yaml:"-" json:"attempts"`
}

type OutcomeError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *OutcomeError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Outcome is the immutable record of one execution attempt.
type Outcome struct {
	WorkItemID  string         `json:"work_item_id"`
	PhaseID     string         `json:"phase_id"`
	Attempt     int            `json:"attempt"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *OutcomeError  `json:"error,omitempty"`
	Duration    time.Duration  `json:"duration"`
	StartedAt   time.Time      `json:"started_at"`
	SideEffects []SideEffect   `json:"side_effects,omitempty"`
}

func (o Outcome) Succeeded() bool {
	return o.Error == nil
}
