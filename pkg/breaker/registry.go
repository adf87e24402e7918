// Package breaker implements the per-key circuit breaker registry (C1):
// admission control in front of any operation the incident state machine or
// retention coordinator runs against an external dependency. Each named key
// gets its own CLOSED/OPEN/HALF_OPEN breaker, built on sony/gobreaker, with
// auto-registration on first use and a sliding window for the trip decision.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "github.com/wp-autoheal/orchestrator/internal/errors"
	"github.com/wp-autoheal/orchestrator/pkg/metrics"
)

// Settings configures the trip/reset behavior for a single breaker key.
type Settings struct {
	// FailureThreshold is the number of consecutive failures, observed
	// within Window, that trips the breaker from CLOSED to OPEN.
	FailureThreshold uint32
	// OpenDuration is how long the breaker stays OPEN before allowing a
	// single HALF_OPEN probe request through.
	OpenDuration time.Duration
	// Window is the sliding interval after which accumulated counts reset
	// to zero while the breaker is CLOSED.
	Window time.Duration
	// HalfOpenMaxProbes bounds how many requests are allowed through while
	// HALF_OPEN before the breaker commits to CLOSED or OPEN.
	HalfOpenMaxProbes uint32
}

// DefaultSettings mirrors the registry's config.BreakerConfig defaults.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:  5,
		OpenDuration:      60 * time.Second,
		Window:            5 * time.Minute,
		HalfOpenMaxProbes: 1,
	}
}

// State mirrors gobreaker's state enum under the registry's own name so
// callers don't need to import gobreaker directly.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func fromGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Stats reports the current counters for a single breaker key.
type Stats struct {
	Key                  string
	State                State
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
}

// Registry holds one gobreaker.CircuitBreaker per key, created lazily with
// Settings on first Execute call for that key.
type Registry struct {
	logger    *zap.Logger
	defaults  Settings
	overrides map[string]Settings
	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewRegistry builds a Registry using defaults for any key without an
// explicit override.
func NewRegistry(defaults Settings, logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger,
		defaults:  defaults,
		overrides: make(map[string]Settings),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Configure registers non-default settings for key, used the next time a
// breaker is created for it. Calling Configure after the breaker already
// exists has no effect on the existing instance.
func (r *Registry) Configure(key string, s Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[key] = s
}

func (r *Registry) breakerFor(key string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	settings := r.defaults
	if override, ok := r.overrides[key]; ok {
		settings = override
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: settings.HalfOpenMaxProbes,
		Interval:    settings.Window,
		Timeout:     settings.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("circuit breaker state changed",
				zap.String("key", name),
				zap.String("from", string(fromGobreakerState(from))),
				zap.String("to", string(fromGobreakerState(to))))
			metrics.BreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(string(fromGobreakerState(to))))
		},
	})
	metrics.BreakerState.WithLabelValues(key).Set(metrics.BreakerStateValue(string(StateClosed)))
	r.breakers[key] = cb
	return cb
}

// Operation is the unit of work a breaker key protects.
type Operation func(ctx context.Context) (interface{}, error)

// Execute runs op through the breaker registered under key. If the breaker
// is OPEN and fallback is non-nil, fallback runs instead and its result is
// returned without touching the breaker's counters. If fallback is nil, an
// open breaker yields a CircuitOpen AppError.
func (r *Registry) Execute(ctx context.Context, key string, op Operation, fallback Operation) (interface{}, error) {
	cb := r.breakerFor(key)

	result, err := cb.Execute(func() (interface{}, error) {
		return op(ctx)
	})
	if err == nil {
		return result, nil
	}

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		if fallback != nil {
			return fallback(ctx)
		}
		return nil, apperrors.NewCircuitOpenError(key)
	}

	return nil, err
}

// Stats returns the current counters for key without creating a breaker if
// none exists yet.
func (r *Registry) Stats(key string) (Stats, bool) {
	r.mu.Lock()
	cb, ok := r.breakers[key]
	r.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	counts := cb.Counts()
	return Stats{
		Key:                  key,
		State:                fromGobreakerState(cb.State()),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}, true
}

// AllStats returns Stats for every key that has been used at least once.
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make([]Stats, 0, len(r.breakers))
	for key, cb := range r.breakers {
		counts := cb.Counts()
		stats = append(stats, Stats{
			Key:                  key,
			State:                fromGobreakerState(cb.State()),
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		})
	}
	return stats
}

