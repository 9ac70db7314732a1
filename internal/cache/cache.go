/*
Copyright 2025 The prediction-core Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache implements the bounded prediction cache.
//
// Entries are keyed by (feature-vector fingerprint, model version id) and
// evicted least-recently-used when capacity is exceeded; entries additionally
// expire after a configured TTL regardless of access recency. Capacity is
// enforced lazily on write, expiry opportunistically on read.
//
// The central correctness property distinguishing this cache from a naive
// map: the compute cost of a miss is never paid more than once concurrently
// for the same key. Concurrent callers for an in-flight key await the shared
// computation via singleflight.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"github.com/inference-serving/prediction-core/pkg/core"
)

// Key identifies one cache entry. Fingerprints are version-scoped, so the
// same raw input cached under two versions occupies two entries.
type Key struct {
	Fingerprint uint64
	Version     core.VersionID
}

// String renders the key in the fixed form used for singleflight grouping
// and logs.
func (k Key) String() string {
	return fmt.Sprintf("%016x:%d", k.Fingerprint, k.Version)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Evictions     uint64 `json:"evictions"`
	Expirations   uint64 `json:"expirations"`
	Invalidations uint64 `json:"invalidations"`
	Entries       int    `json:"entries"`
}

// HitRate returns hits / (hits + misses), or 0 with no traffic.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	key        Key
	pred       core.Prediction
	insertedAt time.Time
	lastAccess time.Time
	elem       *list.Element
}

func (e *entry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.insertedAt) >= ttl
}

// PredictionCache maps (fingerprint, version) to predictions. All entry state
// is owned exclusively by the cache; entries are never referenced outside it.
type PredictionCache struct {
	mu      sync.Mutex
	entries map[Key]*entry
	lru     *list.List // front = most recently used

	group singleflight.Group

	maxEntries int
	ttl        time.Duration
	pinner     VersionPinner
	clock      func() time.Time
	log        logr.Logger

	hits          uint64
	misses        uint64
	evictions     uint64
	expirations   uint64
	invalidations uint64
}

var _ ReadWriter = (*PredictionCache)(nil)

// Option configures a PredictionCache.
type Option func(*PredictionCache)

// WithVersionPinner wires reference counting of entry versions.
func WithVersionPinner(p VersionPinner) Option {
	return func(c *PredictionCache) { c.pinner = p }
}

// WithLogger sets the cache logger.
func WithLogger(log logr.Logger) Option {
	return func(c *PredictionCache) { c.log = log }
}

// WithClock overrides the time source. Used in tests.
func WithClock(clock func() time.Time) Option {
	return func(c *PredictionCache) { c.clock = clock }
}

// New creates a prediction cache bounded by maxEntries and ttl.
func New(maxEntries int, ttl time.Duration, opts ...Option) (*PredictionCache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be > 0, got %d", maxEntries)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be > 0, got %s", ttl)
	}
	c := &PredictionCache{
		entries:    make(map[Key]*entry),
		lru:        list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
		clock:      time.Now,
		log:        logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetOrCompute implements the single-flight read-through path. A fresh hit is
// returned directly; otherwise exactly one caller runs compute while all
// concurrent callers for the same key await its result.
func (c *PredictionCache) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) (core.Prediction, bool, error) {
	if pred, ok := c.lookup(key); ok {
		return pred, true, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// A concurrent flight may have stored the entry between our miss
		// and acquiring the flight.
		if pred, ok := c.lookup(key); ok {
			return pred, nil
		}
		pred, err := compute(ctx)
		if err != nil {
			return core.Prediction{}, err
		}
		c.store(key, pred)
		return pred, nil
	})
	if err != nil {
		return core.Prediction{}, false, err
	}
	return v.(core.Prediction), false, nil
}

// lookup returns a fresh entry and records the access. Expired entries are
// counted and treated as misses but retained for Stale until overwritten,
// evicted, or pruned.
func (c *PredictionCache) lookup(key Key) (core.Prediction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return core.Prediction{}, false
	}
	now := c.clock()
	if e.expired(now, c.ttl) {
		c.misses++
		return core.Prediction{}, false
	}
	e.lastAccess = now
	c.lru.MoveToFront(e.elem)
	c.hits++
	return e.pred, true
}

// Peek returns the cached prediction if present and unexpired, without
// touching access recency or counters.
func (c *PredictionCache) Peek(key Key) (core.Prediction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.expired(c.clock(), c.ttl) {
		return core.Prediction{}, false
	}
	return e.pred, true
}

// Stale returns the entry value even past its TTL. The staleness trade is the
// caller's: the orchestrator uses it when inference times out, preferring a
// slightly stale prediction over failing the request.
func (c *PredictionCache) Stale(key Key) (core.Prediction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return core.Prediction{}, false
	}
	return e.pred, true
}

// store inserts or replaces the entry for key, enforcing the capacity bound
// by LRU eviction.
func (c *PredictionCache) store(key Key, pred core.Prediction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if e, ok := c.entries[key]; ok {
		// Same key implies same version; the existing pin carries over.
		e.pred = pred
		e.insertedAt = now
		e.lastAccess = now
		c.lru.MoveToFront(e.elem)
		return
	}

	for len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	e := &entry{key: key, pred: pred, insertedAt: now, lastAccess: now}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e

	if c.pinner != nil {
		if err := c.pinner.Acquire(key.Version); err != nil {
			c.log.V(1).Info("failed to pin model version for cache entry",
				"version", key.Version, "error", err)
		}
	}
}

func (c *PredictionCache) evictOldestLocked() {
	tail := c.lru.Back()
	if tail == nil {
		return
	}
	e := tail.Value.(*entry)
	c.removeLocked(e)
	if e.expired(c.clock(), c.ttl) {
		c.expirations++
	} else {
		c.evictions++
	}
}

func (c *PredictionCache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	if c.pinner != nil {
		c.pinner.Release(e.key.Version)
	}
}

// Invalidate drops all entries keyed to the given model version so stale
// predictions from a retired model are not served as if fresh.
func (c *PredictionCache) Invalidate(version core.VersionID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for _, e := range c.entries {
		if e.key.Version == version {
			c.removeLocked(e)
			dropped++
		}
	}
	c.invalidations += uint64(dropped)
	if dropped > 0 {
		c.log.V(1).Info("invalidated cache entries", "version", version, "dropped", dropped)
	}
	return dropped
}

// PruneExpired removes all entries whose TTL has elapsed.
func (c *PredictionCache) PruneExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	removed := 0
	for _, e := range c.entries {
		if e.expired(now, c.ttl) {
			c.removeLocked(e)
			removed++
		}
	}
	c.expirations += uint64(removed)
	return removed
}

// Len returns the number of entries currently held, expired ones included.
func (c *PredictionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache counters.
func (c *PredictionCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Expirations:   c.expirations,
		Invalidations: c.invalidations,
		Entries:       len(c.entries),
	}
}
