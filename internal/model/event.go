package model

import "time"

// Event is an external signal. Only Processed is mutated after ingestion.
type Event struct {
	ID        string         `json:"id" yaml:"id"`
	Source    string         `json:"source" yaml:"source"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Urgency   Urgency        `json:"urgency,omitempty" yaml:"urgency,omitempty"`
	Category  string         `json:"category,omitempty" yaml:"category,omitempty"`
	Payload   map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	Processed bool           `json:"processed" yaml:"-"`
	Version   int64          `json:"-" yaml:"-"`
}
