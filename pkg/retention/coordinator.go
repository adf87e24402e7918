package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wp-autoheal/orchestrator/pkg/audit"
	"github.com/wp-autoheal/orchestrator/pkg/metrics"
	"github.com/wp-autoheal/orchestrator/pkg/store"
)

// TableOutcome is the per-table result of a Purge run.
type TableOutcome struct {
	Table         string
	RecordsPurged int64
	Risk          RiskLevel
	BackupTable   string
	DryRun        bool
}

// PurgeOutcome is the aggregate result of a Purge run across every table it
// touched.
type PurgeOutcome struct {
	Cutoff time.Time
	Tables []TableOutcome
}

// ErrConfirmationRequired is returned when a HIGH or CRITICAL risk table
// requires PurgeRequest.Confirmed and it was not set.
type ErrConfirmationRequired struct {
	Table string
	Risk  RiskLevel
}

func (e *ErrConfirmationRequired) Error() string {
	return fmt.Sprintf("retention: table %s assessed at risk %s requires confirmation", e.Table, e.Risk)
}

// Coordinator executes bounded, risk-assessed purges against the relational
// store, per §4.8.
type Coordinator struct {
	store  *store.RetentionStore
	audit  *audit.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(retentionStore *store.RetentionStore, auditClient *audit.Client, logger *zap.Logger) *Coordinator {
	return &Coordinator{store: retentionStore, audit: auditClient, logger: logger, now: time.Now}
}

// Purge validates req, then for each targeted table: counts matching rows
// (dry-run) or deletes the oldest up to MaxRecords (real), optionally
// snapshots and verifies integrity, and appends one purge-audit row per
// table.
func (c *Coordinator) Purge(ctx context.Context, req PurgeRequest) (PurgeOutcome, error) {
	if err := req.Validate(); err != nil {
		return PurgeOutcome{}, err
	}

	now := c.now()
	cutoff := req.Cutoff(now)
	outcome := PurgeOutcome{Cutoff: cutoff}

	for _, table := range req.Tables() {
		tableOutcome, err := c.purgeTable(ctx, req, table, cutoff, now)
		if err != nil {
			return outcome, err
		}
		outcome.Tables = append(outcome.Tables, tableOutcome)
	}

	return outcome, nil
}

// AssessTableRisk reports the risk level a purge of table's rows older than
// retentionDays would carry, without performing any delete. Used by the
// scheduled driver's purge-monitoring trigger.
func (c *Coordinator) AssessTableRisk(ctx context.Context, table string, retentionDays int) (RiskLevel, int64, error) {
	cutoff := c.now().AddDate(0, 0, -retentionDays)
	matching, err := c.store.CountOlderThan(ctx, table, cutoff)
	if err != nil {
		return "", 0, err
	}
	total, err := c.store.TotalRowCount(ctx, table)
	if err != nil {
		return "", 0, err
	}
	risk := AssessRisk(RiskInput{RowsToPurge: matching, TableTotalRows: total, CreateBackup: true, RetentionDays: retentionDays})
	return risk, matching, nil
}

// AuditSummary returns the purge_audit aggregate since the given time,
// used by the scheduled driver's daily summary report.
func (c *Coordinator) AuditSummary(ctx context.Context, since time.Time) (store.PurgeAuditSummary, error) {
	return c.store.SummarizePurgeAudit(ctx, since)
}

func (c *Coordinator) purgeTable(ctx context.Context, req PurgeRequest, table string, cutoff, now time.Time) (TableOutcome, error) {
	matching, err := c.store.CountOlderThan(ctx, table, cutoff)
	if err != nil {
		return TableOutcome{}, err
	}
	total, err := c.store.TotalRowCount(ctx, table)
	if err != nil {
		return TableOutcome{}, err
	}

	bound := matching
	if int64(req.MaxRecords) < bound {
		bound = int64(req.MaxRecords)
	}

	risk := AssessRisk(RiskInput{
		RowsToPurge:    bound,
		TableTotalRows: total,
		CreateBackup:   req.CreateBackup,
		RetentionDays:  req.RetentionDays,
	})
	if risk.RequiresConfirmation() && !req.Confirmed {
		return TableOutcome{}, &ErrConfirmationRequired{Table: table, Risk: risk}
	}

	result := TableOutcome{Table: table, Risk: risk, DryRun: req.DryRun}

	if req.DryRun {
		result.RecordsPurged = matching
		if err := c.store.InsertPurgeAudit(ctx, store.PurgeAuditRecord{
			TableName:     table,
			RecordsPurged: matching,
			CutoffDate:    cutoff,
			ExecutedBy:    "scheduler",
			Reason:        req.Reason,
			DryRun:        true,
			RiskLevel:     string(risk),
		}); err != nil {
			c.logger.Warn("failed to write dry-run purge audit row", zap.String("table", table), zap.Error(err))
		}
		metrics.PurgeRecordsTotal.WithLabelValues(table, string(risk)).Add(float64(matching))
		c.recordAudit(ctx, req, table, matching, cutoff, risk)
		return result, nil
	}

	var backupTable string
	if req.CreateBackup && bound > 0 {
		backupTable, err = c.store.SnapshotTable(ctx, table, cutoff, now)
		if err != nil {
			return TableOutcome{}, fmt.Errorf("retention: backup %s: %w", table, err)
		}
	}

	deleted, err := c.store.DeleteOldest(ctx, table, cutoff, req.MaxRecords)
	if err != nil {
		return TableOutcome{}, fmt.Errorf("retention: delete from %s: %w", table, err)
	}

	if req.VerifyIntegrity {
		if err := c.store.VerifyIntegrity(ctx, table, total-deleted); err != nil {
			c.logger.Error("purge integrity check failed", zap.String("table", table), zap.Error(err))
		}
	}

	result.RecordsPurged = deleted
	result.BackupTable = backupTable

	if err := c.store.InsertPurgeAudit(ctx, store.PurgeAuditRecord{
		TableName:     table,
		RecordsPurged: deleted,
		CutoffDate:    cutoff,
		ExecutedBy:    "scheduler",
		Reason:        req.Reason,
		DryRun:        false,
		RiskLevel:     string(risk),
	}); err != nil {
		c.logger.Warn("failed to write purge audit row", zap.String("table", table), zap.Error(err))
	}

	metrics.PurgeRecordsTotal.WithLabelValues(table, string(risk)).Add(float64(deleted))
	c.recordAudit(ctx, req, table, deleted, cutoff, risk)
	return result, nil
}

func (c *Coordinator) recordAudit(ctx context.Context, req PurgeRequest, table string, deleted int64, cutoff time.Time, risk RiskLevel) {
	c.audit.CreateAuditEvent(ctx, audit.CreateEventRequest{
		Action:     "data_retention.purge",
		Resource:   table,
		ResourceID: table,
		Details: map[string]interface{}{
			"recordsPurged": deleted,
			"cutoff":        cutoff.UTC().Format(time.RFC3339),
			"dryRun":        req.DryRun,
			"riskLevel":     string(risk),
			"reason":        req.Reason,
		},
	})
}
