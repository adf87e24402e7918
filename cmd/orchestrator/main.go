// Command orchestrator starts the WordPress auto-healing orchestrator core:
// the control-plane HTTP API, the three named job queues and their
// dispatcher, and the scheduled driver's cron triggers, all wired against a
// single PostgreSQL + Redis deployment per §6.7's configuration surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/wp-autoheal/orchestrator/internal/api"
	"github.com/wp-autoheal/orchestrator/internal/config"
	"github.com/wp-autoheal/orchestrator/internal/database"
	"github.com/wp-autoheal/orchestrator/pkg/audit"
	"github.com/wp-autoheal/orchestrator/pkg/breaker"
	"github.com/wp-autoheal/orchestrator/pkg/flapping"
	"github.com/wp-autoheal/orchestrator/pkg/idempotency"
	"github.com/wp-autoheal/orchestrator/pkg/incident"
	"github.com/wp-autoheal/orchestrator/pkg/kv"
	"github.com/wp-autoheal/orchestrator/pkg/loopguard"
	"github.com/wp-autoheal/orchestrator/pkg/metrics"
	"github.com/wp-autoheal/orchestrator/pkg/probe"
	"github.com/wp-autoheal/orchestrator/pkg/queue"
	"github.com/wp-autoheal/orchestrator/pkg/retention"
	"github.com/wp-autoheal/orchestrator/pkg/scheduler"
	"github.com/wp-autoheal/orchestrator/pkg/store"
)

const (
	queueIncidentProcessing = "incident-processing"
	queueDataRetention      = "data-retention"
	queueHealthChecks       = "health-checks"

	idempotencyTTL = 24 * time.Hour
	checkpointTTL  = 24 * time.Hour

	// idempotencySweepOlderThanHours is the operator-tunable retention window
	// used by the daily idempotency/checkpoint sweep, independent of the
	// fixed TTL the records are written with.
	idempotencySweepOlderThanHours = 24
)

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "config.yaml"), "path to the orchestrator YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration invalid at startup: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("orchestrator exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrLogger := zapr.NewLogger(logger)

	db, err := database.ConnectDSN(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := store.Migrate(db.DB); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	kvClient := kv.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logrLogger)
	if err := kvClient.EnsureConnection(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer kvClient.Close()
	rdb := kvClient.GetClient()

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold:  uint32(cfg.Breaker.FailureThreshold),
		OpenDuration:      cfg.Breaker.OpenDuration,
		Window:            cfg.Breaker.WindowDuration,
		HalfOpenMaxProbes: 1,
	}, logger)

	flapDetector := flapping.New(kvClient, cfg.Flapping.WindowDuration, cfg.Flapping.IncidentThreshold,
		cfg.Flapping.CooldownDuration, cfg.Flapping.EscalationThreshold)

	idemStore := idempotency.NewStore(kvClient, idempotencyTTL)
	checkpoints := idempotency.NewCheckpointStore(kvClient, checkpointTTL)

	loops := loopguard.New()
	loopBounds := loopguard.Bounds{
		MaxIterations: cfg.LoopGuard.MaxIterations,
		MaxRetries:    cfg.LoopGuard.MaxRetries,
		MaxWallClock:  cfg.LoopGuard.MaxWallClock,
		MaxIdle:       cfg.LoopGuard.MaxIdle,
	}

	auditStore := store.NewAuditStore(db)
	auditClient := audit.NewClient(auditStore, logrLogger)

	retentionStore := store.NewRetentionStore(db)
	retentionCoordinator := retention.NewCoordinator(retentionStore, auditClient, logger)

	probeClient := probe.New(10 * time.Second)

	incidentQ := queue.New(rdb, queueIncidentProcessing, queue.DefaultOptions())
	retentionQ := queue.New(rdb, queueDataRetention, queue.DefaultOptions())
	healthQ := queue.New(rdb, queueHealthChecks, queue.Options{
		Concurrency: 4, DefaultMaxRetries: 3, DefaultBackoffMS: 2000, RetainCompleted: 100, RetainFailed: 50,
	})

	var notifier incident.Notifier = incident.NoopNotifier{}
	if cfg.Slack.WebhookURL != "" {
		notifier = incident.NewSlackNotifier(cfg.Slack.WebhookURL, cfg.Slack.Channel, logger)
	}

	executors := incident.NewExecutorRegistry()
	registerPlaceholderExecutors(executors)

	machine := incident.NewMachine(incident.Dependencies{
		Logger:      logger,
		Breakers:    breakers,
		Flapping:    flapDetector,
		Idempotency: idemStore,
		Checkpoints: checkpoints,
		Loops:       loops,
		LoopBounds:  loopBounds,
		Executors:   executors,
		IncidentQ:   incidentQ,
		Notifier:    notifier,
	})

	sched := scheduler.New(
		scheduler.Queues{IncidentProcessing: incidentQ, DataRetention: retentionQ, HealthChecks: healthQ},
		retentionCoordinator, probeClient, auditClient, scheduler.NoopAnonymizer{}, idemStore, checkpoints, logger,
		scheduler.Config{
			DefaultRetentionDays:           cfg.Retention.RetentionDays,
			DefaultMaxPurgeRecords:         cfg.Retention.MaxRecords,
			SystemHealthCheckURL:           "",
			QueueCleanGracePeriod:          24 * time.Hour,
			IdempotencySweepOlderThanHours: idempotencySweepOlderThanHours,
		},
	)

	dispatcher := queue.NewDispatcher(logger)
	dispatcher.Register(incidentQ, machine.Process)
	dispatcher.Register(retentionQ, newRetentionPurgeHandler(retentionCoordinator, logger))
	dispatcher.Register(healthQ, sched.HandleHealthCheck)

	if err := sched.Register(); err != nil {
		return fmt.Errorf("register scheduled triggers: %w", err)
	}
	sched.Start()

	apiServer := api.New(api.Dependencies{
		Logger:                logger,
		Dispatcher:            dispatcher,
		IncidentQ:             incidentQ,
		Checkpoints:           checkpoints,
		Flapping:              flapDetector,
		Retention:             retentionCoordinator,
		Anonymizer:            scheduler.NoopAnonymizer{},
		Probe:                 probeClient,
		KV:                    kvClient,
		DB:                    db,
		DefaultMaxFixAttempts: cfg.MaxFixAttempts,
		SystemHealthCheckURL:  "",
	})

	httpServer := &http.Server{Addr: ":" + cfg.Server.HTTPPort, Handler: apiServer.Handler()}
	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return dispatcher.Run(groupCtx) })
	group.Go(func() error {
		logger.Info("control-plane API listening", zap.String("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		metricsServer.StartAsync()
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Stop(shutdownCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	sched.Stop()
	return err
}

// registerPlaceholderExecutors wires every non-terminal state to a minimal
// executor. Real fix-strategy execution (SSH commands, WordPress-specific
// repair scripts) is a named external collaborator, not part of this core
// (§1, §9 non-goals): these defaults only exercise the state machine's
// transition and breaker plumbing end to end.
func registerPlaceholderExecutors(executors *incident.ExecutorRegistry) {
	pass := func(ctx context.Context, job incident.Job) (incident.PhaseResult, error) {
		return incident.PhaseResult{Success: true}, nil
	}
	verify := func(ctx context.Context, job incident.Job) (incident.PhaseResult, error) {
		return incident.PhaseResult{Success: true, Data: map[string]interface{}{"verificationPassed": true}}, nil
	}

	for _, state := range []incident.State{
		incident.StateNew, incident.StateDiscovery, incident.StateBaseline,
		incident.StateBackup, incident.StateObservability, incident.StateFixAttempt,
		incident.StateRollback,
	} {
		executors.Register(state, pass)
	}
	executors.Register(incident.StateVerify, verify)
}

// newRetentionPurgeHandler is the data-retention queue's Handler: it decodes
// the retention.PurgeRequest the scheduled driver's emergency-cleanup
// trigger enqueues (§4.7) and runs it through the coordinator.
func newRetentionPurgeHandler(coordinator *retention.Coordinator, logger *zap.Logger) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var req retention.PurgeRequest
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return fmt.Errorf("data-retention: decode purge request: %w", err)
		}
		outcome, err := coordinator.Purge(ctx, req)
		if err != nil {
			return fmt.Errorf("data-retention: purge: %w", err)
		}
		logger.Info("queued purge completed", zap.Time("cutoff", outcome.Cutoff), zap.Int("tables", len(outcome.Tables)))
		return nil
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zapCfg.Build()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
