// Package classify assigns an urgency and category to incoming events
// from a prioritised rule list. Classification is a pure function of the
// event's source and payload.
package classify

import "github.com/msageha/phasegate/internal/model"

type Route string

const (
	RouteDecision Route = "decision"
	RoutePhase    Route = "phase"
	RouteNone     Route = "none"
)

const DefaultCategory = "general"

type ConditionType string

const (
	ConditionKeywords  ConditionType = "keywords"
	ConditionThreshold ConditionType = "threshold"
	ConditionSource    ConditionType = "source"
	ConditionMatches   ConditionType = "matches"
	ConditionExists    ConditionType = "exists"
	ConditionAll       ConditionType = "all"
	ConditionAny       ConditionType = "any"
	ConditionNot       ConditionType = "not"
)

type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
)

// Condition is one predicate over an event. Field is a dotted path into
// the payload; for keywords an empty Field searches every string value.
type Condition struct {
	Type       ConditionType `yaml:"type"`
	Field      string        `yaml:"field,omitempty"`
	Keywords   []string      `yaml:"keywords,omitempty"`
	Mode       string        `yaml:"mode,omitempty"` // any (default) | all
	Operator   Operator      `yaml:"operator,omitempty"`
	Value      float64       `yaml:"value,omitempty"`
	Values     []string      `yaml:"values,omitempty"`
	Pattern    string        `yaml:"pattern,omitempty"`
	Conditions []Condition   `yaml:"conditions,omitempty"`
}

type Rule struct {
	ID          string                 `yaml:"id"`
	Description string                 `yaml:"description,omitempty"`
	Priority    int                    `yaml:"priority"`
	When        Condition              `yaml:"when"`
	Urgency     model.Urgency          `yaml:"urgency"`
	Category    string                 `yaml:"category"`
	Route       Route                  `yaml:"route,omitempty"`
	PhaseID     string                 `yaml:"phase,omitempty"`
	Options     []model.DecisionOption `yaml:"options,omitempty"`
}

type RuleSet struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Rules         []Rule `yaml:"rules"`
}

type Classification struct {
	Urgency  model.Urgency
	Category string
	RuleID   string
	Route    Route
	PhaseID  string
	Options  []model.DecisionOption
}
