// Package retention implements the core subset of C8: bounded, risk-assessed
// purge execution against the relational store, modeled on the teacher's
// validated-request-then-execute shape used throughout its job handlers.
package retention

import (
	"fmt"
	"time"

	"github.com/wp-autoheal/orchestrator/pkg/store"
)

func isKnownTable(table string) bool { return store.IsAllowedTable(table) }

func knownTables() []string { return store.AllowedTables() }

const maxRecordsCap = 100_000

// PurgeRequest is §4.8's bounded purge request shape.
type PurgeRequest struct {
	RetentionDays    int
	TableName        string
	Scope            string
	MaxRecords       int
	DryRun           bool
	IncidentIDs      []string
	CreateBackup     bool
	VerifyIntegrity  bool
	Reason           string
	CutoffDate       *time.Time
	Confirmed        bool
}

// Validate enforces §4.8's field caps, rejecting any request that violates
// them outright rather than silently clamping.
func (r PurgeRequest) Validate() error {
	if r.RetentionDays < 1 || r.RetentionDays > 7 {
		return fmt.Errorf("retention: retentionDays must be in [1,7], got %d", r.RetentionDays)
	}
	if r.MaxRecords <= 0 {
		return fmt.Errorf("retention: maxRecords must be positive")
	}
	if r.MaxRecords > maxRecordsCap {
		return fmt.Errorf("retention: maxRecords must not exceed %d, got %d", maxRecordsCap, r.MaxRecords)
	}
	if r.Reason == "" {
		return fmt.Errorf("retention: reason is required")
	}
	if r.TableName != "" && !isKnownTable(r.TableName) {
		return fmt.Errorf("retention: unknown table %q", r.TableName)
	}
	return nil
}

// Cutoff computes the purge cutoff: an explicit CutoffDate if set and in the
// past, otherwise now minus RetentionDays.
func (r PurgeRequest) Cutoff(now time.Time) time.Time {
	if r.CutoffDate != nil && r.CutoffDate.Before(now) {
		return *r.CutoffDate
	}
	return now.AddDate(0, 0, -r.RetentionDays)
}

// Tables returns the tables r targets: TableName alone if set, else every
// known purgeable table.
func (r PurgeRequest) Tables() []string {
	if r.TableName != "" {
		return []string{r.TableName}
	}
	return knownTables()
}
