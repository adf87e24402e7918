package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/wp-autoheal/orchestrator/pkg/kv"
	"github.com/wp-autoheal/orchestrator/pkg/shared/canonicaljson"
)

// ErrNotFound is returned by Store.Get when key has no recorded result.
var ErrNotFound = errors.New("idempotency: key not found")

// Record is the outcome of a previously completed phase execution, stored
// under its idempotency key so a retry of the same logical operation can
// short-circuit to the prior result instead of re-running side effects.
type Record struct {
	Success   bool                   `json:"success"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	CreatedAt int64                  `json:"createdAt"`
}

// Store remembers phase-execution results by idempotency key, backed by a
// TTL'd KV cache so old entries don't accumulate forever.
type Store struct {
	cache *kv.Cache[Record]
}

// NewStore builds a Store over client with entries expiring after ttl.
func NewStore(client *kv.Client, ttl time.Duration) *Store {
	return &Store{cache: kv.NewCache[Record](client, "idempotency", ttl)}
}

// Get returns the previously recorded result for key, or ErrNotFound if the
// key has not been seen (or its record has expired).
func (s *Store) Get(ctx context.Context, key string) (Record, error) {
	record, err := s.cache.Get(ctx, key)
	if err == kv.ErrCacheMiss {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return *record, nil
}

// Put records result under key, overwriting any prior entry.
func (s *Store) Put(ctx context.Context, key string, result Record) error {
	result.CreatedAt = time.Now().Unix()
	return s.cache.Set(ctx, key, &result)
}

// Cleanup deletes idempotency records written more than olderThanHours ago,
// independent of the fixed write-time TTL the store was built with — an
// operator-triggered sweep for when a shorter retention window is wanted
// without waiting for TTL expiry (§4.3). It returns the number deleted.
func (s *Store) Cleanup(ctx context.Context, olderThanHours int) (int, error) {
	return s.cache.Cleanup(ctx, olderThanHours, func(r Record) time.Time {
		return time.Unix(r.CreatedAt, 0)
	})
}

// CheckpointProgress captures how far one (incidentId, state, attempt)
// coordinate has advanced through the state machine, so a crashed worker can
// resume a phase instead of restarting the whole incident. At most one
// CheckpointProgress exists per coordinate; saving again at the same
// coordinate overwrites it (§4.3).
type CheckpointProgress struct {
	IncidentID  string                 `json:"incidentId"`
	State       string                 `json:"state"`
	Attempt     int                    `json:"attempt"`
	Phase       string                 `json:"phase"`
	CompletedAt int64                  `json:"completedAt"`
	Data        map[string]interface{} `json:"data,omitempty"`
	// Checksum is the sha256 of Data's canonical JSON encoding, letting a
	// resuming worker detect that a checkpoint was written for different
	// phase output than what it's about to recompute.
	Checksum string `json:"checksum,omitempty"`
}

// checksumOf returns the sha256 hex digest of data's canonical JSON
// encoding, or "" if data cannot be marshaled (never the case for the plain
// maps phase executors produce).
func checksumOf(data map[string]interface{}) string {
	encoded, err := canonicaljson.Marshal(data)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// CheckpointStore persists CheckpointProgress per (incidentId, state,
// attempt) coordinate.
type CheckpointStore struct {
	cache *kv.Cache[CheckpointProgress]
}

// NewCheckpointStore builds a CheckpointStore over client with entries
// expiring after ttl (§4.3 pins this to the same 24h as idempotency
// records).
func NewCheckpointStore(client *kv.Client, ttl time.Duration) *CheckpointStore {
	return &CheckpointStore{cache: kv.NewCache[CheckpointProgress](client, "checkpoint", ttl)}
}

func checkpointKey(incidentID, state string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", incidentID, state, attempt)
}

// Save records progress at (incidentID, state, attempt), overwriting any
// prior checkpoint at that same coordinate. Checksum is computed from
// progress.Data, so callers need not set it themselves.
func (s *CheckpointStore) Save(ctx context.Context, incidentID, state string, attempt int, progress CheckpointProgress) error {
	progress.IncidentID = incidentID
	progress.State = state
	progress.Attempt = attempt
	progress.Checksum = checksumOf(progress.Data)
	return s.cache.Set(ctx, checkpointKey(incidentID, state, attempt), &progress)
}

// Load returns the checkpoint saved at (incidentID, state, attempt), or
// ErrNotFound if none exists.
func (s *CheckpointStore) Load(ctx context.Context, incidentID, state string, attempt int) (CheckpointProgress, error) {
	progress, err := s.cache.Get(ctx, checkpointKey(incidentID, state, attempt))
	if err == kv.ErrCacheMiss {
		return CheckpointProgress{}, ErrNotFound
	}
	if err != nil {
		return CheckpointProgress{}, err
	}
	return *progress, nil
}

// Clear removes the checkpoint at (incidentID, state, attempt). The state
// machine does not call it; checkpoints it leaves behind expire through the
// store's TTL or are removed by Cleanup.
func (s *CheckpointStore) Clear(ctx context.Context, incidentID, state string, attempt int) error {
	return s.cache.Delete(ctx, checkpointKey(incidentID, state, attempt))
}

// Cleanup deletes checkpoints completed more than olderThanHours ago,
// independent of the fixed write-time TTL the store was built with. It
// returns the number deleted.
func (s *CheckpointStore) Cleanup(ctx context.Context, olderThanHours int) (int, error) {
	return s.cache.Cleanup(ctx, olderThanHours, func(p CheckpointProgress) time.Time {
		return time.Unix(p.CompletedAt, 0)
	})
}

// LoadLatest returns the most recently completed checkpoint recorded for
// incidentID across all (state, attempt) coordinates, for read paths that
// want "where is this incident now" without knowing its current attempt
// number. It returns ErrNotFound if incidentID has no live checkpoint.
func (s *CheckpointStore) LoadLatest(ctx context.Context, incidentID string) (CheckpointProgress, error) {
	progress, ok, err := s.cache.Find(ctx,
		func(p CheckpointProgress) bool { return p.IncidentID == incidentID },
		func(candidate, current CheckpointProgress) bool { return candidate.CompletedAt > current.CompletedAt },
	)
	if err != nil {
		return CheckpointProgress{}, err
	}
	if !ok {
		return CheckpointProgress{}, ErrNotFound
	}
	return progress, nil
}
