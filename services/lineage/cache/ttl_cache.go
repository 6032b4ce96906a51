// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides the TTL cache for impact analysis results.
//
// Entries are keyed by (node ID, change type). Expiry is lazy: a read of an
// expired entry removes it and reports a miss, so a stale result is never
// returned even if Sweep has not run. Sweep only reclaims memory.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long an entry stays fresh.
	DefaultTTL = time.Hour

	// DefaultMaxEntries bounds the cache; the least recently used entry is
	// evicted first.
	DefaultMaxEntries = 10_000
)

// Key identifies a cached result.
type Key struct {
	NodeID     string
	ChangeType string
}

// String returns a flat form used for singleflight deduplication.
func (k Key) String() string {
	return k.NodeID + "\x00" + k.ChangeType
}

// Entry is a cached value with its freshness window.
type Entry[V any] struct {
	Value    V
	CachedAt time.Time
	TTL      time.Duration
}

// ExpiresAt returns when the entry stops being fresh.
func (e Entry[V]) ExpiresAt() time.Time {
	return e.CachedAt.Add(e.TTL)
}

// Fresh reports whether now - CachedAt < TTL.
func (e Entry[V]) Fresh(now time.Time) bool {
	return now.Sub(e.CachedAt) < e.TTL
}

// entry is the stored form of an Entry.
type entry[V any] struct {
	key     Key
	value   Entry[V]
	element *list.Element
}

// Options configures TTLCache.
type Options struct {
	// TTL is the freshness window of new entries.
	// Default: 1 hour
	TTL time.Duration

	// MaxEntries is the maximum number of cached results.
	// Default: 10,000
	MaxEntries int

	// ComputeTimeout bounds a single compute in GetOrCompute. Zero means
	// only the caller's context applies.
	// Default: 0
	ComputeTimeout time.Duration

	// Now is the time source. Default: time.Now.
	Now func() time.Time

	// Logger. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TTL:        DefaultTTL,
		MaxEntries: DefaultMaxEntries,
		Now:        time.Now,
	}
}

// Option is a functional option for configuring TTLCache.
type Option func(*Options)

// WithTTL sets the freshness window.
func WithTTL(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.TTL = d
		}
	}
}

// WithMaxEntries sets the maximum number of cached entries.
func WithMaxEntries(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxEntries = n
		}
	}
}

// WithComputeTimeout bounds each compute in GetOrCompute.
func WithComputeTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.ComputeTimeout = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// TTLCache is an LRU-bounded cache whose entries expire after a TTL.
//
// # Thread Safety
//
// Safe for concurrent use. A single mutex guards the entry map, the LRU
// list and the invalidation epochs; singleflight.Group deduplicates
// concurrent computes of one key.
//
// A compute that overlaps an invalidation of its node (or a Clear) returns
// its value to the caller but does not store it.
type TTLCache[V any] struct {
	mu      sync.Mutex
	entries map[Key]*entry[V]
	lru     *list.List
	epochs  map[string]uint64
	gen     uint64
	flight  singleflight.Group
	options Options
	logger  *slog.Logger

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
	computes    atomic.Int64
	errorCount  atomic.Int64
	discarded   atomic.Int64
}

// epoch identifies the invalidation state of one node.
type epoch struct {
	gen  uint64
	node uint64
}

// New creates a TTLCache.
func New[V any](opts ...Option) *TTLCache[V] {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &TTLCache[V]{
		entries: make(map[Key]*entry[V]),
		lru:     list.New(),
		epochs:  make(map[string]uint64),
		options: options,
		logger:  logger.With("component", "impact_cache"),
	}
}

// TTL returns the freshness window applied to new entries.
func (c *TTLCache[V]) TTL() time.Duration {
	return c.options.TTL
}

// ComputeFunc computes the value for a missing key.
type ComputeFunc[V any] func(ctx context.Context) (V, error)

// Get returns the entry for key if it is fresh.
//
// # Description
//
// An expired entry is removed and reported as a miss.
//
// # Outputs
//
//   - Entry[V]: The cached entry (zero if missing).
//   - bool: True on a fresh hit.
func (c *TTLCache[V]) Get(ctx context.Context, key Key) (Entry[V], bool) {
	start := time.Now()
	value, ok := c.get(key)
	if ok {
		c.hits.Add(1)
		recordCacheHit(ctx)
	} else {
		c.misses.Add(1)
		recordCacheMiss(ctx)
	}
	recordCacheGetLatency(ctx, time.Since(start), ok)
	return value, ok
}

func (c *TTLCache[V]) get(key Key) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry[V]{}, false
	}
	if !e.value.Fresh(c.options.Now()) {
		c.removeLocked(e)
		c.expirations.Add(1)
		return Entry[V]{}, false
	}
	c.lru.MoveToFront(e.element)
	return e.value, true
}

// Put stores value under key with a fresh CachedAt, replacing any entry.
func (c *TTLCache[V]) Put(key Key, value V) Entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(key, value)
}

// putLocked stores value for key. Caller holds the lock.
func (c *TTLCache[V]) putLocked(key Key, value V) Entry[V] {
	stored := Entry[V]{
		Value:    value,
		CachedAt: c.options.Now(),
		TTL:      c.options.TTL,
	}

	if e, ok := c.entries[key]; ok {
		e.value = stored
		c.lru.MoveToFront(e.element)
		return stored
	}

	for len(c.entries) >= c.options.MaxEntries {
		if !c.evictLRULocked() {
			break
		}
	}

	e := &entry[V]{key: key, value: stored}
	e.element = c.lru.PushFront(e)
	c.entries[key] = e
	return stored
}

// GetOrCompute returns the fresh entry for key or computes and stores one.
//
// # Description
//
// Concurrent calls for the same key share one compute. A failed compute
// caches nothing.
//
// # Inputs
//
//   - ctx: Passed to compute (bounded by ComputeTimeout if set).
//   - key: The cache key.
//   - compute: Produces the value on a miss.
//
// # Outputs
//
//   - Entry[V]: The cached or newly stored entry.
//   - bool: True if served from cache.
//   - error: The compute error, if any.
func (c *TTLCache[V]) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc[V]) (Entry[V], bool, error) {
	ctx, span := startCacheSpan(ctx, "GetOrCompute", key)
	defer span.End()

	if e, ok := c.Get(ctx, key); ok {
		setCacheSpanResult(span, true)
		return e, true, nil
	}
	setCacheSpanResult(span, false)

	// Callers that arrive after an invalidation must not join a compute
	// that started before it.
	snap := c.epoch(key.NodeID)
	flightKey := fmt.Sprintf("%s#%d.%d", key, snap.gen, snap.node)

	result, err, _ := c.flight.Do(flightKey, func() (any, error) {
		// Another caller may have stored it while we waited.
		if e, ok := c.get(key); ok {
			return e, nil
		}

		computeCtx := ctx
		if c.options.ComputeTimeout > 0 {
			var cancel context.CancelFunc
			computeCtx, cancel = context.WithTimeout(ctx, c.options.ComputeTimeout)
			defer cancel()
		}

		value, err := compute(computeCtx)
		if err != nil {
			c.errorCount.Add(1)
			return nil, err
		}
		c.computes.Add(1)
		return c.putIfCurrent(key, value, snap), nil
	})
	if err != nil {
		return Entry[V]{}, false, err
	}
	return result.(Entry[V]), false, nil
}

func (c *TTLCache[V]) epoch(nodeID string) epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return epoch{gen: c.gen, node: c.epochs[nodeID]}
}

// putIfCurrent stores value unless the node was invalidated since snap was
// taken. The returned entry is the one handed to callers either way.
func (c *TTLCache[V]) putIfCurrent(key Key, value V, snap epoch) Entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current := (epoch{gen: c.gen, node: c.epochs[key.NodeID]}); current != snap {
		c.discarded.Add(1)
		c.logger.Debug("stale compute not cached", "node_id", key.NodeID, "change_type", key.ChangeType)
		return Entry[V]{Value: value, CachedAt: c.options.Now(), TTL: c.options.TTL}
	}
	return c.putLocked(key, value)
}

// Invalidate removes the entry for key. A compute of key already in flight
// will not be stored.
func (c *TTLCache[V]) Invalidate(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epochs[key.NodeID]++
	e, ok := c.entries[key]
	if ok {
		c.removeLocked(e)
	}
	return ok
}

// InvalidateNode removes every entry for nodeID, whatever the change type.
//
// # Outputs
//
//   - int: Number of entries removed.
func (c *TTLCache[V]) InvalidateNode(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epochs[nodeID]++
	removed := 0
	for key, e := range c.entries {
		if key.NodeID == nodeID {
			c.removeLocked(e)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("cache entries invalidated", "node_id", nodeID, "count", removed)
	}
	return removed
}

// Sweep removes every expired entry.
//
// # Outputs
//
//   - int: Number of entries removed.
func (c *TTLCache[V]) Sweep(ctx context.Context) int {
	c.mu.Lock()
	now := c.options.Now()
	removed := 0
	for _, e := range c.entries {
		if !e.value.Fresh(now) {
			c.removeLocked(e)
			removed++
		}
	}
	c.mu.Unlock()

	c.expirations.Add(int64(removed))
	recordCacheSweep(ctx, removed)
	c.logger.Debug("cache swept", "expired", removed, "remaining", c.Len())
	return removed
}

// Clear removes all entries.
func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.entries)
	clear(c.epochs)
	c.gen++
	c.lru.Init()
}

// Len returns the number of stored entries, fresh or not yet swept.
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats contains statistics about the cache.
type Stats struct {
	EntryCount  int           `json:"entry_count"`
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	Evictions   int64         `json:"evictions"`
	Expirations int64         `json:"expirations"`
	Computes    int64         `json:"computes"`
	ErrorCount  int64         `json:"error_count"`
	Discarded   int64         `json:"discarded"`
	MaxEntries  int           `json:"max_entries"`
	TTL         time.Duration `json:"ttl"`
}

// HitRate returns the cache hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Stats returns current cache statistics.
func (c *TTLCache[V]) Stats() Stats {
	return Stats{
		EntryCount:  c.Len(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Computes:    c.computes.Load(),
		ErrorCount:  c.errorCount.Load(),
		Discarded:   c.discarded.Load(),
		MaxEntries:  c.options.MaxEntries,
		TTL:         c.options.TTL,
	}
}

// removeLocked deletes e. Caller holds the lock.
func (c *TTLCache[V]) removeLocked(e *entry[V]) {
	c.lru.Remove(e.element)
	delete(c.entries, e.key)
}

// evictLRULocked evicts the least recently used entry. Caller holds the lock.
func (c *TTLCache[V]) evictLRULocked() bool {
	elem := c.lru.Back()
	if elem == nil {
		return false
	}
	c.removeLocked(elem.Value.(*entry[V]))
	c.evictions.Add(1)
	recordCacheEviction(context.Background())
	return true
}
