// Package scheduler implements C7: the nine quartz-style cron triggers that
// drive periodic purge, anonymization, health-check, and queue-hygiene jobs
// (§4.7), built on robfig/cron/v3 the way the rest of the stack favors a
// well-established third-party scheduler over a hand-rolled ticker loop.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/wp-autoheal/orchestrator/pkg/audit"
	"github.com/wp-autoheal/orchestrator/pkg/idempotency"
	"github.com/wp-autoheal/orchestrator/pkg/probe"
	"github.com/wp-autoheal/orchestrator/pkg/queue"
	"github.com/wp-autoheal/orchestrator/pkg/retention"
	"github.com/wp-autoheal/orchestrator/pkg/store"
)

// Queues bundles the three named queues the scheduler produces housekeeping
// jobs onto and inspects for hygiene (§6.2).
type Queues struct {
	IncidentProcessing *queue.Queue
	DataRetention      *queue.Queue
	HealthChecks       *queue.Queue
}

func (q Queues) all() []*queue.Queue {
	return []*queue.Queue{q.IncidentProcessing, q.DataRetention, q.HealthChecks}
}

// Config tunes the scheduler's default job parameters.
type Config struct {
	DefaultRetentionDays   int
	DefaultMaxPurgeRecords int
	SystemHealthCheckURL   string
	QueueCleanGracePeriod  time.Duration
	// IdempotencySweepOlderThanHours is the age threshold the daily
	// idempotency/checkpoint sweep deletes past, independent of the fixed
	// write-time TTL those records carry.
	IdempotencySweepOlderThanHours int
}

// DefaultConfig returns baseline scheduling parameters.
func DefaultConfig() Config {
	return Config{
		DefaultRetentionDays:           3,
		DefaultMaxPurgeRecords:         10_000,
		QueueCleanGracePeriod:          24 * time.Hour,
		IdempotencySweepOlderThanHours: 24,
	}
}

// Scheduler owns the cron runtime and the nine §4.7 triggers.
type Scheduler struct {
	cron        *cron.Cron
	queues      Queues
	retention   *retention.Coordinator
	probe       *probe.Client
	audit       *audit.Client
	anonymizer  Anonymizer
	idempotency *idempotency.Store
	checkpoints *idempotency.CheckpointStore
	logger      *zap.Logger
	config      Config
	now         func() time.Time
}

// New builds a Scheduler. anonymizer may be nil, in which case NoopAnonymizer
// is used.
func New(queues Queues, retentionCoordinator *retention.Coordinator, probeClient *probe.Client, auditClient *audit.Client, anonymizer Anonymizer, idempotencyStore *idempotency.Store, checkpoints *idempotency.CheckpointStore, logger *zap.Logger, config Config) *Scheduler {
	if anonymizer == nil {
		anonymizer = NoopAnonymizer{}
	}
	return &Scheduler{
		cron:        cron.New(),
		queues:      queues,
		retention:   retentionCoordinator,
		probe:       probeClient,
		audit:       auditClient,
		anonymizer:  anonymizer,
		idempotency: idempotencyStore,
		checkpoints: checkpoints,
		logger:      logger,
		config:      config,
		now:         time.Now,
	}
}

// Register wires every §4.7 trigger into the cron runtime.
func (s *Scheduler) Register() error {
	triggers := []struct {
		spec string
		fn   func()
	}{
		{"0 2 * * *", s.runDailyPurge},
		{"*/5 * * * *", s.enqueueSystemHealthCheck},
		{"0 * * * *", s.runQueueMaintenance},
		{"*/30 * * * *", s.probeStalledQueues},
		{"0 3 * * 0", s.runWeeklyAnonymization},
		{"0 * * * *", s.runPurgeMonitoring},
		{"0 6 * * *", s.runDailyPurgeAuditSummary},
		{"0 6 * * 0", s.runWeeklyQueueStatsReport},
		{"0 4 * * *", s.runIdempotencySweep},
	}
	for _, t := range triggers {
		if _, err := s.cron.AddFunc(t.spec, t.fn); err != nil {
			return fmt.Errorf("scheduler: register %q: %w", t.spec, err)
		}
	}
	return nil
}

// Start begins running registered triggers in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron runtime, waiting for any in-flight trigger to finish.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

func jobID(kind string, now time.Time) string {
	return fmt.Sprintf("%s-%d", kind, now.UnixNano())
}

// HealthCheckPayload is the job body enqueued for both the periodic system
// health check and the on-demand per-site/per-server checks (§6.1).
type HealthCheckPayload struct {
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
	URL        string `json:"url"`
}

// HandleHealthCheck is the queue.Handler for the health-checks queue: it
// probes the job's target via the §6.6 HTTP probe and records the outcome
// to the audit sink.
func (s *Scheduler) HandleHealthCheck(ctx context.Context, job *queue.Job) error {
	var payload HealthCheckPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("scheduler: decode health check payload: %w", err)
	}

	result := s.probe.Probe(ctx, payload.URL)
	s.logger.Info("health check result",
		zap.String("targetType", payload.TargetType), zap.String("targetId", payload.TargetID),
		zap.Bool("ok", result.OK), zap.Int("status", result.Status))

	s.audit.CreateAuditEvent(ctx, audit.CreateEventRequest{
		Action: "health_check.probe", Resource: payload.TargetType, ResourceID: payload.TargetID,
		Details: map[string]interface{}{"ok": result.OK, "status": result.Status, "error": result.Error},
	})
	return nil
}

// runDailyPurge implements the `0 2 * * *` trigger: a scheduled purge, with
// a simplified direct-purge fallback, and an emergency-cleanup job as the
// last resort.
func (s *Scheduler) runDailyPurge() {
	ctx := context.Background()
	req := retention.PurgeRequest{
		RetentionDays:   s.config.DefaultRetentionDays,
		MaxRecords:      s.config.DefaultMaxPurgeRecords,
		Reason:          "daily purge schedule",
		CreateBackup:    true,
		VerifyIntegrity: true,
		Confirmed:       true,
	}
	if _, err := s.retention.Purge(ctx, req); err == nil {
		return
	} else {
		s.logger.Warn("daily purge schedule failed, falling back to direct purge", zap.Error(err))
	}

	fallback := req
	fallback.CreateBackup = false
	fallback.VerifyIntegrity = false
	if _, err := s.retention.Purge(ctx, fallback); err == nil {
		return
	} else {
		s.logger.Error("direct purge fallback failed, enqueuing emergency cleanup", zap.Error(err))
	}

	emergency := retention.PurgeRequest{
		RetentionDays: 1,
		MaxRecords:    s.config.DefaultMaxPurgeRecords,
		Reason:        "emergency cleanup after purge failure",
		Confirmed:     true,
	}
	payload, _ := json.Marshal(emergency)
	if err := s.queues.DataRetention.Enqueue(ctx, jobID("emergency-cleanup", s.now()), "EMERGENCY_CLEANUP", payload, queue.EnqueueOptions{Priority: 1}); err != nil {
		s.logger.Error("failed to enqueue emergency cleanup job", zap.Error(err))
	}
}

// enqueueSystemHealthCheck implements the `*/5 * * * *` trigger.
func (s *Scheduler) enqueueSystemHealthCheck() {
	ctx := context.Background()
	payload := HealthCheckPayload{TargetType: "system", TargetID: "system", URL: s.config.SystemHealthCheckURL}
	if err := s.queues.HealthChecks.Enqueue(ctx, jobID("system-health", s.now()), "SYSTEM_HEALTH_CHECK", payload, queue.EnqueueOptions{}); err != nil {
		s.logger.Warn("failed to enqueue system health check", zap.Error(err))
	}
}

// runQueueMaintenance implements the `0 * * * *` queue-hygiene trigger: log
// stats, clean bloated completed/failed lists, warn on high failure counts.
func (s *Scheduler) runQueueMaintenance() {
	ctx := context.Background()
	for _, q := range s.queues.all() {
		stats, err := q.Stats(ctx)
		if err != nil {
			s.logger.Warn("queue maintenance: failed to read stats", zap.String("queue", q.Name()), zap.Error(err))
			continue
		}
		s.logger.Info("queue stats",
			zap.String("queue", q.Name()),
			zap.Int64("waiting", stats.Waiting), zap.Int64("active", stats.Active),
			zap.Int64("completed", stats.Completed), zap.Int64("failed", stats.Failed), zap.Int64("delayed", stats.Delayed))

		if stats.Failed > 20 {
			s.logger.Warn("queue has a high failed-job count", zap.String("queue", q.Name()), zap.Int64("failed", stats.Failed))
		}
		if stats.Completed > 100 {
			if _, err := q.Clean(ctx, "completed", s.config.QueueCleanGracePeriod); err != nil {
				s.logger.Warn("queue maintenance: failed to clean completed", zap.String("queue", q.Name()), zap.Error(err))
			}
		}
		if stats.Failed > 50 {
			if _, err := q.Clean(ctx, "failed", s.config.QueueCleanGracePeriod); err != nil {
				s.logger.Warn("queue maintenance: failed to clean failed", zap.String("queue", q.Name()), zap.Error(err))
			}
		}
	}
}

// probeStalledQueues implements the `*/30 * * * *` trigger: a queue with no
// active work, no waiting work, but a nonzero failed count is likely stuck
// behind an open circuit breaker or an earlier manual pause; resume it.
func (s *Scheduler) probeStalledQueues() {
	ctx := context.Background()
	for _, q := range s.queues.all() {
		stats, err := q.Stats(ctx)
		if err != nil {
			continue
		}
		if stats.Active != 0 || stats.Failed == 0 || stats.Waiting != 0 {
			continue
		}
		paused, err := q.IsPaused(ctx)
		if err != nil || !paused {
			continue
		}
		s.logger.Warn("queue appears stalled behind an open circuit, resuming", zap.String("queue", q.Name()))
		if err := q.Resume(ctx); err != nil {
			s.logger.Warn("failed to resume stalled queue", zap.String("queue", q.Name()), zap.Error(err))
		}
	}
}

// runWeeklyAnonymization implements the `0 3 * * 0` trigger, retrying once
// on failure before giving up for this run.
func (s *Scheduler) runWeeklyAnonymization() {
	ctx := context.Background()
	if err := s.anonymizer.Run(ctx); err == nil {
		return
	} else {
		s.logger.Warn("weekly anonymization failed, retrying", zap.Error(err))
	}
	if err := s.anonymizer.Run(ctx); err != nil {
		s.logger.Error("weekly anonymization fallback failed", zap.Error(err))
	}
}

// runPurgeMonitoring implements the second `0 * * * *` trigger: scan every
// purgeable table for volume that has crept into CRITICAL territory and, if
// so, fire an immediate emergency purge for that table alone.
func (s *Scheduler) runPurgeMonitoring() {
	ctx := context.Background()
	for _, table := range store.AllowedTables() {
		risk, rows, err := s.retention.AssessTableRisk(ctx, table, s.config.DefaultRetentionDays)
		if err != nil {
			s.logger.Warn("purge monitoring: failed to assess table", zap.String("table", table), zap.Error(err))
			continue
		}
		switch risk {
		case retention.RiskCritical:
			s.logger.Warn("purge monitoring: critical volume, firing emergency purge",
				zap.String("table", table), zap.Int64("rows", rows))
			if _, err := s.retention.Purge(ctx, retention.PurgeRequest{
				RetentionDays: 1, TableName: table, MaxRecords: s.config.DefaultMaxPurgeRecords,
				Reason: "emergency purge: critical volume detected by monitoring", Confirmed: true,
			}); err != nil {
				s.logger.Error("purge monitoring: emergency purge failed", zap.String("table", table), zap.Error(err))
			}
		case retention.RiskHigh:
			s.logger.Warn("purge monitoring: high volume detected", zap.String("table", table), zap.Int64("rows", rows))
		}
	}
}

// runDailyPurgeAuditSummary implements the `0 6 * * *` trigger.
func (s *Scheduler) runDailyPurgeAuditSummary() {
	ctx := context.Background()
	since := s.now().Add(-24 * time.Hour)
	summary, err := s.retention.AuditSummary(ctx, since)
	if err != nil {
		s.logger.Warn("failed to summarize purge audit", zap.Error(err))
		return
	}
	s.logger.Info("daily purge audit summary",
		zap.Int64("runs", summary.Runs), zap.Int64("totalRecordsPurged", summary.TotalRecordsPurged))
	s.audit.CreateAuditEvent(ctx, audit.CreateEventRequest{
		Action: "data_retention.daily_summary", Resource: "purge_audit", ResourceID: "daily",
		Details: map[string]interface{}{"runs": summary.Runs, "totalRecordsPurged": summary.TotalRecordsPurged},
	})
}

// runIdempotencySweep implements the `0 4 * * *` trigger: an operator-
// tunable sweep of idempotency records and checkpoints older than
// IdempotencySweepOlderThanHours, run on top of (not instead of) their
// fixed write-time TTL.
func (s *Scheduler) runIdempotencySweep() {
	ctx := context.Background()
	idemDeleted, err := s.idempotency.Cleanup(ctx, s.config.IdempotencySweepOlderThanHours)
	if err != nil {
		s.logger.Warn("idempotency sweep failed", zap.Error(err))
	}
	checkpointDeleted, err := s.checkpoints.Cleanup(ctx, s.config.IdempotencySweepOlderThanHours)
	if err != nil {
		s.logger.Warn("checkpoint sweep failed", zap.Error(err))
	}
	s.logger.Info("idempotency sweep complete",
		zap.Int("idempotencyRecordsDeleted", idemDeleted), zap.Int("checkpointsDeleted", checkpointDeleted))
}

// runWeeklyQueueStatsReport implements the `0 6 * * 0` trigger.
func (s *Scheduler) runWeeklyQueueStatsReport() {
	ctx := context.Background()
	report := map[string]queue.Stats{}
	for _, q := range s.queues.all() {
		stats, err := q.Stats(ctx)
		if err != nil {
			s.logger.Warn("weekly queue report: failed to read stats", zap.String("queue", q.Name()), zap.Error(err))
			continue
		}
		report[q.Name()] = stats
	}
	s.logger.Info("weekly queue statistics report", zap.Any("queues", report))
	details := map[string]interface{}{}
	for name, stats := range report {
		details[name] = stats
	}
	s.audit.CreateAuditEvent(ctx, audit.CreateEventRequest{
		Action: "scheduler.weekly_queue_report", Resource: "queues", ResourceID: "weekly", Details: details,
	})
}
