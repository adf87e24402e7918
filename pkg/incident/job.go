// Package incident implements C6: the incident state machine that drives
// each detected site incident through the fixed recovery workflow (discover
// -> baseline -> backup -> observe -> fix -> verify -> fixed/rollback/
// escalate), wrapping every phase in the circuit breaker, flapping,
// idempotency, and bounded-loop subsystems.
package incident

import "time"

// State is one node of the incident recovery workflow.
type State string

const (
	StateNew           State = "NEW"
	StateDiscovery     State = "DISCOVERY"
	StateBaseline      State = "BASELINE"
	StateBackup        State = "BACKUP"
	StateObservability State = "OBSERVABILITY"
	StateFixAttempt    State = "FIX_ATTEMPT"
	StateVerify        State = "VERIFY"
	StateFixed         State = "FIXED"
	StateRollback      State = "ROLLBACK"
	StateEscalated     State = "ESCALATED"
)

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateFixed || s == StateEscalated
}

// Job is the unit of work carried through the queue (§3's "incident job
// payload"). It is marshaled as a queue.Job payload.
type Job struct {
	IncidentID     string                 `json:"incidentId"`
	SiteID         string                 `json:"siteId"`
	ServerID       string                 `json:"serverId"`
	CurrentState   State                  `json:"currentState"`
	FixAttempts    int                    `json:"fixAttempts"`
	MaxFixAttempts int                    `json:"maxFixAttempts"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CorrelationID  string                 `json:"correlationId"`
	TraceID        string                 `json:"traceId"`
}

// WithMetadata returns a shallow copy of j with key set to value in its
// metadata bag.
func (j Job) WithMetadata(key string, value interface{}) Job {
	merged := make(map[string]interface{}, len(j.Metadata)+1)
	for k, v := range j.Metadata {
		merged[k] = v
	}
	merged[key] = value
	j.Metadata = merged
	return j
}

// transitionDelay returns the queue delay to apply before the target state
// runs (§4.6's "per-transition delay").
func transitionDelay(to State) time.Duration {
	switch to {
	case StateFixAttempt:
		return 5 * time.Second
	case StateVerify:
		return 10 * time.Second
	default:
		return 1 * time.Second
	}
}
