// Package config loads orchestrator configuration from a YAML file, layers
// environment variable overrides on top (§6.7), and validates the result
// before anything downstream (database, queue, breaker registry) starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the control-plane HTTP surface (§6.1).
type ServerConfig struct {
	HTTPPort    string `yaml:"http_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// DatabaseConfig configures the relational store backing the retention
// coordinator and audit trail (§4.8).
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the KV/queue backend shared by C3 and C5.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BreakerConfig configures C1's default per-key thresholds; individual keys
// may still be registered with overrides at runtime.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
	WindowDuration   time.Duration `yaml:"window_duration"`
}

// FlappingConfig configures C2's per-site flap detection.
type FlappingConfig struct {
	WindowDuration      time.Duration `yaml:"window_duration"`
	IncidentThreshold   int           `yaml:"incident_threshold"`
	CooldownDuration    time.Duration `yaml:"cooldown_duration"`
	EscalationThreshold int           `yaml:"escalation_threshold"`
}

// LoopGuardConfig configures C4's default bounds; named loops may override.
type LoopGuardConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	MaxRetries    int           `yaml:"max_retries"`
	MaxWallClock  time.Duration `yaml:"max_wall_clock"`
	MaxIdle       time.Duration `yaml:"max_idle"`
}

// RetentionConfig configures C8's bounded purge defaults.
type RetentionConfig struct {
	RetentionDays int `yaml:"retention_days"`
	MaxRecords    int `yaml:"max_records"`
	BatchSize     int `yaml:"batch_size"`
}

// SchedulerConfig configures C7's cron driver.
type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Timezone string `yaml:"timezone"`
}

// SlackConfig configures the escalation notifier (§4.6).
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// LoggingConfig configures structured logging verbosity and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level orchestrator configuration loaded from YAML and
// overlaid with environment variables.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Flapping   FlappingConfig   `yaml:"flapping"`
	LoopGuard  LoopGuardConfig  `yaml:"loop_guard"`
	Retention  RetentionConfig  `yaml:"retention"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Slack      SlackConfig      `yaml:"slack"`
	Logging    LoggingConfig    `yaml:"logging"`
	MaxFixAttempts int          `yaml:"max_fix_attempts"`
}

// Load reads and parses the config file at path, applies environment
// overrides, fills defaults for anything still unset, then validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPPort == "" {
		cfg.Server.HTTPPort = "8080"
	}
	if cfg.Server.MetricsPort == "" {
		cfg.Server.MetricsPort = "9090"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.OpenDuration == 0 {
		cfg.Breaker.OpenDuration = 60 * time.Second
	}
	if cfg.Breaker.WindowDuration == 0 {
		cfg.Breaker.WindowDuration = 5 * time.Minute
	}
	if cfg.Flapping.WindowDuration == 0 {
		cfg.Flapping.WindowDuration = time.Hour
	}
	if cfg.Flapping.IncidentThreshold == 0 {
		cfg.Flapping.IncidentThreshold = 3
	}
	if cfg.Flapping.CooldownDuration == 0 {
		cfg.Flapping.CooldownDuration = 30 * time.Minute
	}
	if cfg.Flapping.EscalationThreshold == 0 {
		cfg.Flapping.EscalationThreshold = 5
	}
	if cfg.LoopGuard.MaxIterations == 0 {
		cfg.LoopGuard.MaxIterations = 20
	}
	if cfg.LoopGuard.MaxRetries == 0 {
		cfg.LoopGuard.MaxRetries = 5
	}
	if cfg.LoopGuard.MaxWallClock == 0 {
		cfg.LoopGuard.MaxWallClock = 30 * time.Minute
	}
	if cfg.LoopGuard.MaxIdle == 0 {
		cfg.LoopGuard.MaxIdle = 10 * time.Minute
	}
	if cfg.Retention.RetentionDays == 0 {
		cfg.Retention.RetentionDays = 7
	}
	if cfg.Retention.MaxRecords == 0 {
		cfg.Retention.MaxRecords = 10_000
	}
	if cfg.Retention.BatchSize == 0 {
		cfg.Retention.BatchSize = 500
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.MaxFixAttempts == 0 {
		cfg.MaxFixAttempts = 15
	}
}

// validate enforces the invariants that must hold before the orchestrator
// starts accepting jobs. It intentionally does not flag negative durations
// on fields whose zero/negative value simply disables the feature.
func validate(cfg *Config) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if cfg.Retention.RetentionDays < 1 || cfg.Retention.RetentionDays > 7 {
		return fmt.Errorf("retention days must be between 1 and 7")
	}
	if cfg.MaxFixAttempts < 1 || cfg.MaxFixAttempts > 20 {
		return fmt.Errorf("max fix attempts must be between 1 and 20")
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be greater than 0")
	}
	if cfg.Flapping.IncidentThreshold <= 0 {
		return fmt.Errorf("flapping incident threshold must be greater than 0")
	}
	return nil
}

// loadFromEnv overlays a small, ops-facing set of environment variables on
// top of whatever the YAML file set. Unset variables leave cfg untouched.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("HTTP_PORT"); v != "" {
		cfg.Server.HTTPPort = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Slack.WebhookURL = v
	}
	if v := os.Getenv("MAX_FIX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_FIX_ATTEMPTS: %w", err)
		}
		cfg.MaxFixAttempts = n
	}
	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid SCHEDULER_ENABLED: %w", err)
		}
		cfg.Scheduler.Enabled = b
	}
	return nil
}
