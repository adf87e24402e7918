// Package loopguard implements C4: bounded-loop accounting for any named,
// repeatedly-entered control loop (a state machine's FIX_ATTEMPT cycle, a
// scheduler-driven retry). It tracks iteration count, retry count, wall
// clock elapsed, and idle time since the last recorded progress, and denies
// further iterations once any configured bound is exceeded.
//
// This is in-process counter bookkeeping with no I/O, so it is built on the
// standard library rather than a third-party dependency — there is no
// client/protocol/storage concern here for an ecosystem library to serve.
package loopguard

import (
	"time"

	apperrors "github.com/wp-autoheal/orchestrator/internal/errors"
	"github.com/wp-autoheal/orchestrator/pkg/shared/concurrency"
)

const guardStripes = 16

// Bounds caps a single named loop.
type Bounds struct {
	MaxIterations int
	MaxRetries    int
	MaxWallClock  time.Duration
	MaxIdle       time.Duration
}

type loopState struct {
	bounds       Bounds
	iterations   int
	retries      int
	startedAt    time.Time
	lastProgress time.Time
}

// Guard tracks bounded-loop accounting for many named loops concurrently,
// each independently configured. Its backing storage is sharded across
// guardStripes maps, each owned by one stripe of a StripedLock, so loops
// with unrelated ids contend on the same mutex only when their ids hash to
// the same stripe.
type Guard struct {
	lock   *concurrency.StripedLock
	shards []map[string]*loopState
}

// New builds an empty Guard.
func New() *Guard {
	shards := make([]map[string]*loopState, guardStripes)
	for i := range shards {
		shards[i] = make(map[string]*loopState)
	}
	return &Guard{lock: concurrency.NewStripedLock(guardStripes), shards: shards}
}

// Start begins (or restarts) accounting for loopID under bounds. Calling
// Start again for an already-tracked loopID resets its counters.
func (g *Guard) Start(loopID string, bounds Bounds, now time.Time) {
	idx := g.lock.Index(loopID)
	g.lock.Lock(loopID)
	defer g.lock.Unlock(loopID)
	g.shards[idx][loopID] = &loopState{bounds: bounds, startedAt: now, lastProgress: now}
}

// Allow reports whether loopID may run another iteration at now. An unknown
// loopID is always allowed (it has no bounds registered yet).
func (g *Guard) Allow(loopID string, now time.Time) error {
	idx := g.lock.Index(loopID)
	g.lock.Lock(loopID)
	state, ok := g.shards[idx][loopID]
	g.lock.Unlock(loopID)
	if !ok {
		return nil
	}

	if state.bounds.MaxIterations > 0 && state.iterations >= state.bounds.MaxIterations {
		return apperrors.NewLoopBoundError(loopID, "iterations")
	}
	if state.bounds.MaxRetries > 0 && state.retries >= state.bounds.MaxRetries {
		return apperrors.NewLoopBoundError(loopID, "retries")
	}
	if state.bounds.MaxWallClock > 0 && now.Sub(state.startedAt) >= state.bounds.MaxWallClock {
		return apperrors.NewLoopBoundError(loopID, "wall_clock")
	}
	if state.bounds.MaxIdle > 0 && now.Sub(state.lastProgress) >= state.bounds.MaxIdle {
		return apperrors.NewLoopBoundError(loopID, "idle")
	}
	return nil
}

// RecordIteration increments loopID's iteration count and resets its idle
// timer to now (progress was made, even if the iteration ultimately fails).
func (g *Guard) RecordIteration(loopID string, now time.Time) {
	idx := g.lock.Index(loopID)
	g.lock.Lock(loopID)
	defer g.lock.Unlock(loopID)
	if state, ok := g.shards[idx][loopID]; ok {
		state.iterations++
		state.lastProgress = now
	}
}

// RecordRetry increments loopID's retry count without touching its idle
// timer — a retry is not forward progress.
func (g *Guard) RecordRetry(loopID string) {
	idx := g.lock.Index(loopID)
	g.lock.Lock(loopID)
	defer g.lock.Unlock(loopID)
	if state, ok := g.shards[idx][loopID]; ok {
		state.retries++
	}
}

// Stop discards loopID's accounting, called once the loop reaches a
// terminal outcome.
func (g *Guard) Stop(loopID string) {
	idx := g.lock.Index(loopID)
	g.lock.Lock(loopID)
	defer g.lock.Unlock(loopID)
	delete(g.shards[idx], loopID)
}

// Snapshot reports loopID's current counters, or ok=false if it is not
// being tracked.
type Snapshot struct {
	Iterations int
	Retries    int
	Elapsed    time.Duration
	Idle       time.Duration
}

func (g *Guard) Snapshot(loopID string, now time.Time) (Snapshot, bool) {
	idx := g.lock.Index(loopID)
	g.lock.Lock(loopID)
	defer g.lock.Unlock(loopID)
	state, ok := g.shards[idx][loopID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Iterations: state.iterations,
		Retries:    state.retries,
		Elapsed:    now.Sub(state.startedAt),
		Idle:       now.Sub(state.lastProgress),
	}, true
}
