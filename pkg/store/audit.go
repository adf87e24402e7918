package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/wp-autoheal/orchestrator/pkg/audit"
)

// AuditStore persists audit events to the audit_event table. It implements
// audit.Store.
type AuditStore struct {
	db *sqlx.DB
}

// NewAuditStore wraps db.
func NewAuditStore(db *sqlx.DB) *AuditStore {
	return &AuditStore{db: db}
}

// StoreAudit inserts event into audit_event.
func (s *AuditStore) StoreAudit(ctx context.Context, event audit.Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("store: marshal audit details: %w", err)
	}

	query := `
		INSERT INTO audit_event (user_id, action, resource, resource_id, details, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.ExecContext(ctx, query,
		event.UserID, event.Action, event.Resource, event.ResourceID, details, event.IPAddress, event.UserAgent, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert audit event: %w", err)
	}
	return nil
}
