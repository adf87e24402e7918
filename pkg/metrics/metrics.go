// Package metrics registers the Prometheus collectors the orchestrator core
// itself is responsible for producing (§C supplement 3): breaker-state
// gauges, queue-depth gauges, and phase-transition/escalation counters.
// Dashboards and alerting on top of these are an external collaborator's
// concern, not this package's.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IncidentsCreatedTotal counts admitted POST /jobs/incidents requests,
	// labeled by trigger type.
	IncidentsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incidents_created_total",
		Help: "Total number of incident jobs admitted to the incident-processing queue.",
	}, []string{"trigger_type"})

	// IncidentsDeniedTotal counts flapping denials at the control plane.
	IncidentsDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incidents_denied_total",
		Help: "Total number of incident requests denied by the flapping-prevention policy.",
	}, []string{"reason"})

	// PhaseTransitionsTotal counts each incident state-machine transition.
	PhaseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incident_phase_transitions_total",
		Help: "Total number of incident state-machine transitions, labeled by source and destination state.",
	}, []string{"from", "to"})

	// PhaseDuration observes wall-clock time spent inside a single phase
	// executor invocation.
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "incident_phase_duration_seconds",
		Help:    "Time spent executing a single incident phase.",
		Buckets: prometheus.DefBuckets,
	}, []string{"state"})

	// EscalationsTotal counts incidents that reached ESCALATED, labeled by
	// the reason recorded at escalation time.
	EscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incident_escalations_total",
		Help: "Total number of incidents escalated to a human operator.",
	}, []string{"reason"})

	// BreakerState reports each registered circuit breaker's current state
	// as 0=CLOSED, 1=HALF_OPEN, 2=OPEN.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Current circuit breaker state per key (0=closed, 1=half_open, 2=open).",
	}, []string{"key"})

	// QueueDepth reports the current size of each queue status list.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current number of jobs per queue and status.",
	}, []string{"queue", "status"})

	// PurgeRecordsTotal counts records removed by the retention coordinator.
	PurgeRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retention_purge_records_total",
		Help: "Total number of records purged by the retention coordinator, labeled by table and risk level.",
	}, []string{"table", "risk_level"})

	// HealthProbesTotal counts health-check probe outcomes.
	HealthProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "health_probes_total",
		Help: "Total number of HTTP health probes, labeled by target type and outcome.",
	}, []string{"target_type", "ok"})
)

// BreakerStateValue maps a breaker.State string ("closed", "half_open",
// "open") to the numeric value BreakerState expects.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordPhaseTransition increments PhaseTransitionsTotal and observes
// PhaseDuration for the phase that just completed.
func RecordPhaseTransition(from, to string, elapsed time.Duration) {
	PhaseTransitionsTotal.WithLabelValues(from, to).Inc()
	PhaseDuration.WithLabelValues(from).Observe(elapsed.Seconds())
}

// RecordEscalation increments EscalationsTotal for reason.
func RecordEscalation(reason string) {
	EscalationsTotal.WithLabelValues(reason).Inc()
}

// RecordHealthProbe increments HealthProbesTotal for the given target type
// and outcome.
func RecordHealthProbe(targetType string, ok bool) {
	HealthProbesTotal.WithLabelValues(targetType, boolLabel(ok)).Inc()
}

func boolLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}
