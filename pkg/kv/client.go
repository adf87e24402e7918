// Package kv wraps a Redis connection for the idempotency/checkpoint store
// (C3) and the queue dispatcher (C5): a lazily-connected client plus a
// generic, TTL'd, hash-isolated cache built on top of it.
package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	sharederrors "github.com/wp-autoheal/orchestrator/pkg/shared/errors"
)

// ErrCacheMiss is returned by Cache.Get when key is absent or expired.
var ErrCacheMiss = errors.New("kv: cache miss")

// Client lazily connects to Redis, using double-checked locking so
// concurrent callers racing EnsureConnection only dial once.
type Client struct {
	opts      *redis.Options
	logger    logr.Logger
	mu        sync.Mutex
	rdb       *redis.Client
	connected atomic.Bool
}

// NewClient builds a Client around opts without connecting.
func NewClient(opts *redis.Options, logger logr.Logger) *Client {
	return &Client{
		opts:   opts,
		logger: logger,
		rdb:    redis.NewClient(opts),
	}
}

// EnsureConnection pings Redis once and caches success atomically so
// subsequent calls take an atomic-load fast path.
func (c *Client) EnsureConnection(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return sharederrors.NetworkError("ping redis", c.opts.Addr, err)
	}

	c.connected.Store(true)
	c.logger.V(1).Info("connected to redis", "addr", c.opts.Addr)
	return nil
}

// GetClient returns the underlying go-redis client for callers (the queue
// dispatcher) that need primitives Cache doesn't expose.
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	c.connected.Store(false)
	return c.rdb.Close()
}

func hashKey(prefix, key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("kv:%s:%s", prefix, hex.EncodeToString(sum[:]))
}
