package audit

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// Store persists a single audit event. Implementations must not block the
// caller's business logic on slow storage for long; Client treats every
// Store error as non-fatal.
type Store interface {
	StoreAudit(ctx context.Context, event Event) error
}

// Client is the best-effort audit sink every component writes through.
// Failures are logged, never propagated, per §6.5.
type Client struct {
	store Store
	log   logr.Logger
	now   func() time.Time
}

// NewClient builds a Client over store.
func NewClient(store Store, log logr.Logger) *Client {
	return &Client{store: store, log: log, now: time.Now}
}

// CreateEventRequest mirrors §6.5's createAuditEvent argument shape.
type CreateEventRequest struct {
	UserID     *string
	Action     string
	Resource   string
	ResourceID string
	Details    map[string]interface{}
	IPAddress  *string
	UserAgent  *string
}

// CreateAuditEvent records req. Storage failures are logged and swallowed —
// audit is an observability concern, not a correctness gate.
func (c *Client) CreateAuditEvent(ctx context.Context, req CreateEventRequest) {
	event := Event{
		UserID:     req.UserID,
		Action:     req.Action,
		Resource:   req.Resource,
		ResourceID: req.ResourceID,
		Details:    req.Details,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
		CreatedAt:  c.now(),
	}
	if err := c.store.StoreAudit(ctx, event); err != nil {
		c.log.Error(err, "failed to persist audit event", "action", req.Action, "resource", req.Resource, "resourceId", req.ResourceID)
	}
}
