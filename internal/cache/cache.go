// Package cache provides a two-tier TTL cache: an in-memory LRU in front of a
// persistent store. Descriptor lists, version history and the known-errors
// table all flow through here so that offline starts can reuse the last
// fetched data while it is still fresh.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PersistentStore is the disk-backed tier. The SQLite store implements it.
// Expiry is stored alongside the data and enforced by this package, never
// trusted implicitly: every read path checks it before using persisted bytes.
type PersistentStore interface {
	GetCacheEntry(key string) ([]byte, time.Time, error)
	PutCacheEntry(key string, data []byte, expiresAt time.Time) error
	DeleteCacheEntry(key string) error
	ClearCacheEntries() error
}

// ErrMiss is returned by Get when neither tier holds a fresh entry.
var ErrMiss = errors.New("cache miss")

type memEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a two-tier TTL cache for values of type V. Values must be
// JSON-serializable for the persistent tier. Concurrent fetches for the same
// key are last-write-wins: entries are idempotent fetches of the same
// upstream data, so a duplicate fetch is wasteful but harmless.
type Cache[V any] struct {
	mu     sync.Mutex
	mem    *lru.Cache[string, memEntry[V]]
	store  PersistentStore
	logger *slog.Logger
}

// New creates a cache with the given in-memory capacity. store may be nil,
// in which case only the memory tier is used.
func New[V any](capacity int, store PersistentStore, logger *slog.Logger) (*Cache[V], error) {
	if capacity <= 0 {
		capacity = 128
	}
	mem, err := lru.New[string, memEntry[V]](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	return &Cache[V]{
		mem:    mem,
		store:  store,
		logger: logger,
	}, nil
}

// Get returns a fresh cached value. It checks the memory tier first, then the
// persistent tier; a fresh persisted hit re-seeds the memory tier.
func (c *Cache[V]) Get(key string) (V, error) {
	var zero V
	now := time.Now()

	c.mu.Lock()
	if ent, ok := c.mem.Get(key); ok {
		if now.Before(ent.expiresAt) {
			c.mu.Unlock()
			return ent.value, nil
		}
		c.mem.Remove(key)
	}
	c.mu.Unlock()

	if c.store == nil {
		return zero, ErrMiss
	}

	data, expiresAt, err := c.store.GetCacheEntry(key)
	if err != nil {
		return zero, ErrMiss
	}
	if !now.Before(expiresAt) {
		// Stale on disk; leave deletion to the next Put.
		return zero, ErrMiss
	}

	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		c.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		_ = c.store.DeleteCacheEntry(key)
		return zero, ErrMiss
	}

	c.mu.Lock()
	c.mem.Add(key, memEntry[V]{value: value, expiresAt: expiresAt})
	c.mu.Unlock()

	return value, nil
}

// Put stores a value in both tiers with the given TTL.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	expiresAt := time.Now().Add(ttl)

	c.mu.Lock()
	c.mem.Add(key, memEntry[V]{value: value, expiresAt: expiresAt})
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("failed to serialize cache entry", "key", key, "error", err)
		return
	}
	if err := c.store.PutCacheEntry(key, data, expiresAt); err != nil {
		c.logger.Warn("failed to persist cache entry", "key", key, "error", err)
	}
}

// GetOrFetch returns a fresh cached value or invokes fetch to obtain one,
// caching the result with the given TTL.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (V, error)) (V, error) {
	if value, err := c.Get(key); err == nil {
		return value, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		var zero V
		return zero, err
	}

	c.Put(key, value, ttl)
	return value, nil
}

// Invalidate removes a key from both tiers.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	c.mem.Remove(key)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.DeleteCacheEntry(key); err != nil {
			c.logger.Warn("failed to delete persisted cache entry", "key", key, "error", err)
		}
	}
}

// Clear empties both tiers.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.mem.Purge()
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.ClearCacheEntries(); err != nil {
			c.logger.Warn("failed to clear persisted cache entries", "error", err)
		}
	}
}
