// Package audit implements §6.5's audit sink: a best-effort sink for
// operator- and system-initiated actions, modeled on the teacher's
// AuditClient-over-AuditStore split so the sink can be backed by the
// relational store in production and a fake in tests.
package audit

import "time"

// Event is one audit record, per §6.5's createAuditEvent fields.
type Event struct {
	UserID     *string                `json:"userId,omitempty"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource"`
	ResourceID string                 `json:"resourceId"`
	Details    map[string]interface{} `json:"details,omitempty"`
	IPAddress  *string                `json:"ipAddress,omitempty"`
	UserAgent  *string                `json:"userAgent,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}
