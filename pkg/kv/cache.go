package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a type-safe, TTL'd, prefix-isolated wrapper over Client. Keys
// given to Get/Set are hashed and stored under the cache's plaintext
// prefix, so two caches sharing a Client never collide even on identical
// caller-supplied keys.
type Cache[T any] struct {
	client *Client
	prefix string
	ttl    time.Duration
}

// NewCache builds a Cache[T] storing JSON-encoded values of type T under
// keys namespaced by prefix, each with the given ttl.
func NewCache[T any](client *Client, prefix string, ttl time.Duration) *Cache[T] {
	return &Cache[T]{client: client, prefix: prefix, ttl: ttl}
}

// Set stores *value under key, overwriting any prior value and resetting
// its TTL.
func (c *Cache[T]) Set(ctx context.Context, key string, value *T) error {
	if err := c.client.EnsureConnection(ctx); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	if err := c.client.GetClient().Set(ctx, hashKey(c.prefix, key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}

// Get retrieves the value stored under key, returning ErrCacheMiss if it is
// absent or has expired.
func (c *Cache[T]) Get(ctx context.Context, key string) (*T, error) {
	if err := c.client.EnsureConnection(ctx); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	data, err := c.client.GetClient().Get(ctx, hashKey(c.prefix, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return &value, nil
}

// Delete removes key, if present. Deleting an absent key is not an error.
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.EnsureConnection(ctx); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	if err := c.client.GetClient().Del(ctx, hashKey(c.prefix, key)).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}

// entries SCANs every raw key stored under the cache's prefix and decodes
// its value, returning them keyed by their raw Redis key. hashKey keeps the
// caller-supplied key opaque, but the "kv:<prefix>:" portion stays plain so
// a whole prefix can still be enumerated without a full KEYS scan.
func (c *Cache[T]) entries(ctx context.Context) (map[string]T, error) {
	if err := c.client.EnsureConnection(ctx); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	rdb := c.client.GetClient()
	pattern := fmt.Sprintf("kv:%s:*", c.prefix)
	out := make(map[string]T)

	var cursor uint64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan failed: %w", err)
		}
		for _, key := range keys {
			data, err := rdb.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("redis connection failed: %w", err)
			}
			var value T
			if err := json.Unmarshal(data, &value); err != nil {
				continue
			}
			out[key] = value
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// Cleanup deletes every entry under the cache's prefix whose ageOf(value)
// predates olderThanHours ago, regardless of how much of its own TTL remains.
// It exists for operator-triggered sweeps with a retention window shorter
// than the TTL entries were written with; it returns the number deleted.
func (c *Cache[T]) Cleanup(ctx context.Context, olderThanHours int, ageOf func(T) time.Time) (int, error) {
	entries, err := c.entries(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-time.Duration(olderThanHours) * time.Hour)
	rdb := c.client.GetClient()
	var deleted int
	for key, value := range entries {
		if ageOf(value).Before(cutoff) {
			if err := rdb.Del(ctx, key).Err(); err != nil {
				return deleted, fmt.Errorf("redis connection failed: %w", err)
			}
			deleted++
		}
	}
	return deleted, nil
}

// Find scans the cache's prefix for entries satisfying match, returning the
// one for which better(candidate, current) holds over all others seen so
// far. ok is false if no entry satisfies match.
func (c *Cache[T]) Find(ctx context.Context, match func(T) bool, better func(candidate, current T) bool) (value T, ok bool, err error) {
	entries, err := c.entries(ctx)
	if err != nil {
		return value, false, err
	}
	for _, candidate := range entries {
		if !match(candidate) {
			continue
		}
		if !ok || better(candidate, value) {
			value, ok = candidate, true
		}
	}
	return value, ok, nil
}
