package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// timeColumn maps each purgeable entity table to the column its retention
// cutoff is measured against. Only tables listed here may be targeted by a
// purge request — an allowlist, not an open table-name parameter.
var timeColumn = map[string]string{
	"incidents":            "created_at",
	"health_check_results": "checked_at",
}

// AllowedTables returns the entity tables the retention coordinator is
// permitted to purge, in a stable order.
func AllowedTables() []string {
	return []string{"incidents", "health_check_results"}
}

// IsAllowedTable reports whether table is a recognized purge target.
func IsAllowedTable(table string) bool {
	_, ok := timeColumn[table]
	return ok
}

// PurgeAuditRecord is one row of §4.8's per-table, per-run purge audit.
type PurgeAuditRecord struct {
	PolicyID      *int64
	TableName     string
	RecordsPurged int64
	CutoffDate    time.Time
	ExecutedBy    string
	Reason        string
	DryRun        bool
	RiskLevel     string
}

// RetentionStore performs the bounded, table-scoped reads/writes the
// retention coordinator (C8) needs: row counts, oldest-first deletes,
// snapshot backups, and purge-audit bookkeeping.
type RetentionStore struct {
	db *sqlx.DB
}

// NewRetentionStore wraps db.
func NewRetentionStore(db *sqlx.DB) *RetentionStore {
	return &RetentionStore{db: db}
}

// CountOlderThan counts rows in table whose cutoff column is before cutoff.
func (s *RetentionStore) CountOlderThan(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	col, ok := timeColumn[table]
	if !ok {
		return 0, fmt.Errorf("store: unrecognized table %q", table)
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s < $1", table, col)
	var count int64
	if err := s.db.GetContext(ctx, &count, query, cutoff); err != nil {
		return 0, fmt.Errorf("store: count %s: %w", table, err)
	}
	return count, nil
}

// TotalRowCount counts every row currently in table, used by risk assessment
// to compute the purge's percentage of the table.
func (s *RetentionStore) TotalRowCount(ctx context.Context, table string) (int64, error) {
	if !IsAllowedTable(table) {
		return 0, fmt.Errorf("store: unrecognized table %q", table)
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	var count int64
	if err := s.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("store: total count %s: %w", table, err)
	}
	return count, nil
}

// DeleteOldest deletes up to maxRecords rows from table whose cutoff column
// is before cutoff, oldest first, and returns the number actually removed.
func (s *RetentionStore) DeleteOldest(ctx context.Context, table string, cutoff time.Time, maxRecords int) (int64, error) {
	col, ok := timeColumn[table]
	if !ok {
		return 0, fmt.Errorf("store: unrecognized table %q", table)
	}

	var pk string
	switch table {
	case "incidents":
		pk = "id"
	default:
		pk = "id"
	}

	query := fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE %[2]s IN (
			SELECT %[2]s FROM %[1]s WHERE %[3]s < $1 ORDER BY %[3]s ASC LIMIT $2
		)`, table, pk, col)

	result, err := s.db.ExecContext(ctx, query, cutoff, maxRecords)
	if err != nil {
		return 0, fmt.Errorf("store: delete oldest from %s: %w", table, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected for %s: %w", table, err)
	}
	return n, nil
}

// SnapshotTable creates a timestamped backup of the rows in table that are
// about to be purged, named "<table>_backup_<unix>". It fails if a table of
// that name already exists.
func (s *RetentionStore) SnapshotTable(ctx context.Context, table string, cutoff time.Time, now time.Time) (string, error) {
	col, ok := timeColumn[table]
	if !ok {
		return "", fmt.Errorf("store: unrecognized table %q", table)
	}
	backupName := fmt.Sprintf("%s_backup_%d", table, now.Unix())
	query := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s WHERE %s < $1", backupName, table, col)
	if _, err := s.db.ExecContext(ctx, query, cutoff); err != nil {
		return "", fmt.Errorf("store: snapshot %s: %w", table, err)
	}
	return backupName, nil
}

// VerifyIntegrity re-counts table after a purge as a minimal post-condition
// check: the count must not have grown, which would indicate a concurrent
// write raced the delete in a way that invalidates the snapshot.
func (s *RetentionStore) VerifyIntegrity(ctx context.Context, table string, preCount int64) error {
	post, err := s.TotalRowCount(ctx, table)
	if err != nil {
		return err
	}
	if post > preCount {
		return fmt.Errorf("store: integrity check failed for %s: row count grew from %d to %d during purge", table, preCount, post)
	}
	return nil
}

// PurgeAuditSummary aggregates purge_audit rows over a time window, used by
// the scheduled driver's daily audit summary report.
type PurgeAuditSummary struct {
	Runs               int64 `db:"runs"`
	TotalRecordsPurged int64 `db:"total_records_purged"`
}

// SummarizePurgeAudit aggregates every purge_audit row executed at or after
// since.
func (s *RetentionStore) SummarizePurgeAudit(ctx context.Context, since time.Time) (PurgeAuditSummary, error) {
	query := `SELECT COUNT(*) AS runs, COALESCE(SUM(records_purged), 0) AS total_records_purged
		FROM purge_audit WHERE executed_at >= $1`
	var summary PurgeAuditSummary
	if err := s.db.GetContext(ctx, &summary, query, since); err != nil {
		return PurgeAuditSummary{}, fmt.Errorf("store: summarize purge audit: %w", err)
	}
	return summary, nil
}

// InsertPurgeAudit appends one purge-audit row.
func (s *RetentionStore) InsertPurgeAudit(ctx context.Context, rec PurgeAuditRecord) error {
	query := `
		INSERT INTO purge_audit (policy_id, table_name, records_purged, cutoff_date, executed_by, reason, dry_run, risk_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, query,
		rec.PolicyID, rec.TableName, rec.RecordsPurged, rec.CutoffDate, rec.ExecutedBy, rec.Reason, rec.DryRun, rec.RiskLevel)
	if err != nil {
		return fmt.Errorf("store: insert purge audit: %w", err)
	}
	return nil
}
