// Package metrics exposes Prometheus collectors for the orchestrator.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "phasegate"

type Metrics struct {
	DispatchAttempts   *prometheus.CounterVec
	DispatchRetries    prometheus.Counter
	ItemsAbandoned     *prometheus.CounterVec
	AttemptDuration    *prometheus.HistogramVec
	PhaseTransitions   *prometheus.CounterVec
	DecisionsEnqueued  *prometheus.CounterVec
	DecisionsResolved  *prometheus.CounterVec
	EventsClassified   *prometheus.CounterVec
	Rollbacks          *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
}

// New registers every collector against reg.
//
// Metrics:
//   - phasegate_dispatch_attempts_total{result}
//   - phasegate_dispatch_retries_total
//   - phasegate_dispatch_abandoned_total{kind}
//   - phasegate_dispatch_attempt_duration_seconds{kind}
//   - phasegate_phase_transitions_total{status}
//   - phasegate_decisions_enqueued_total{urgency}
//   - phasegate_decisions_resolved_total{urgency}
//   - phasegate_events_classified_total{urgency,category}
//   - phasegate_rollbacks_total{result}
//   - phasegate_notifications_total{result}
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DispatchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "attempts_total",
			Help: "Work item execution attempts by result.",
		}, []string{"result"}),
		DispatchRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "retries_total",
			Help: "Work item re-dispatches after a failed attempt.",
		}),
		ItemsAbandoned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "abandoned_total",
			Help: "Work items abandoned, by final error kind.",
		}, []string{"kind"}),
		AttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "attempt_duration_seconds",
			Help:    "Duration of work item attempts.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"kind"}),
		PhaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "phase", Name: "transitions_total",
			Help: "Phase transitions by target status.",
		}, []string{"status"}),
		DecisionsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decisions", Name: "enqueued_total",
			Help: "Decision items enqueued by urgency.",
		}, []string{"urgency"}),
		DecisionsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decisions", Name: "resolved_total",
			Help: "Decision items resolved by urgency.",
		}, []string{"urgency"}),
		EventsClassified: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "classified_total",
			Help: "Ingested events by urgency and category.",
		}, []string{"urgency", "category"}),
		Rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rollback", Name: "total",
			Help: "Rollbacks by result (applied, already_applied, partial).",
		}, []string{"result"}),
		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "total",
			Help: "Critical notifications by result (sent, failed, rate_limited).",
		}, []string{"result"}),
	}
}

func (m *Metrics) Attempt(result, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchAttempts.WithLabelValues(result).Inc()
	m.AttemptDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.DispatchRetries.Inc()
}

func (m *Metrics) Abandoned(kind string) {
	if m == nil {
		return
	}
	m.ItemsAbandoned.WithLabelValues(kind).Inc()
}

func (m *Metrics) PhaseTransition(status string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) DecisionEnqueued(urgency string) {
	if m == nil {
		return
	}
	m.DecisionsEnqueued.WithLabelValues(urgency).Inc()
}

func (m *Metrics) DecisionResolved(urgency string) {
	if m == nil {
		return
	}
	m.DecisionsResolved.WithLabelValues(urgency).Inc()
}

func (m *Metrics) EventClassified(urgency, category string) {
	if m == nil {
		return
	}
	m.EventsClassified.WithLabelValues(urgency, category).Inc()
}

func (m *Metrics) Rollback(result string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(result).Inc()
}
