// Package idempotency implements C3: deriving a stable key for a phase
// execution from its operation name and payload, and a KV-backed store that
// remembers whether that key has already run (and with what result), plus
// per-incident checkpoint progress.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/wp-autoheal/orchestrator/pkg/shared/canonicaljson"
)

// Key derives a content-addressed idempotency key from operation and
// payload: sha256 of the canonical (sorted-key) JSON encoding of
// {"operation": operation, "payload": payload}. Two calls with equal
// payloads (regardless of map key order) always yield the same key.
func Key(operation string, payload interface{}) (string, error) {
	envelope := map[string]interface{}{
		"operation": operation,
		"payload":   payload,
	}
	data, err := canonicaljson.Marshal(envelope)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
