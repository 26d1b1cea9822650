// Package cache provides the bounded, TTL-limited decision memo with
// per-key single-flight and generation-counter invalidation.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Key identifies one (context fingerprint, policy-set fingerprint) pair.
type Key uint64

// NewKey mixes the two 16-hex-char fingerprints into a cache key.
func NewKey(contextFP, policySetFP string) Key {
	h := xxhash.New()
	_, _ = h.WriteString(contextFP)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(policySetFP)
	return Key(h.Sum64())
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

type entry[V any] struct {
	value      V
	generation uint64
	expiresAt  time.Time
}

type flight[V any] struct {
	done  chan struct{}
	value V
	ok    bool
}

// DecisionCache memoizes values per key with a TTL bound, a max entry
// count, and single-flight de-duplication of concurrent computations.
// Entries written under an older policy generation are invisible after
// Invalidate, so a mutation invalidates every stale entry before the
// next evaluation observes the new snapshot.
type DecisionCache[V any] struct {
	mu         sync.Mutex
	entries    map[Key]entry[V]
	flights    map[Key]*flight[V]
	ttl        time.Duration
	maxEntries int
	generation atomic.Uint64
	hits       atomic.Uint64
	misses     atomic.Uint64
	now        func() time.Time
}

// New creates a cache with the given TTL and entry bound.
func New[V any](ttl time.Duration, maxEntries int) *DecisionCache[V] {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &DecisionCache[V]{
		entries:    make(map[Key]entry[V]),
		flights:    make(map[Key]*flight[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Invalidate bumps the generation counter, hiding every existing entry.
// Called on any policy mutation or snapshot reload.
func (c *DecisionCache[V]) Invalidate() {
	c.generation.Add(1)
}

// Generation returns the current generation counter.
func (c *DecisionCache[V]) Generation() uint64 {
	return c.generation.Load()
}

// Get returns a live entry for key, if any.
func (c *DecisionCache[V]) Get(key Key) (V, bool) {
	var zero V
	gen := c.generation.Load()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && (e.generation != gen || c.now().After(e.expiresAt)) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Do returns the cached value for key or computes it exactly once across
// concurrent callers. The computed value is cached unless compute errors
// or the generation moved while computing. A compute error is returned
// to the caller that ran it; waiters on a failed flight compute again
// on their own.
func (c *DecisionCache[V]) Do(key Key, compute func() (V, error)) (V, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	gen := c.generation.Load()

	c.mu.Lock()
	if f, inFlight := c.flights[key]; inFlight {
		c.mu.Unlock()
		<-f.done
		if f.ok {
			return f.value, true, nil
		}
		// The leader failed; fall through and compute independently.
		return c.computeAndStore(key, gen, compute)
	}
	f := &flight[V]{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	v, err := compute()

	c.mu.Lock()
	delete(c.flights, key)
	if err == nil {
		f.value, f.ok = v, true
		c.storeLocked(key, v, gen)
	}
	c.mu.Unlock()
	close(f.done)

	return v, false, err
}

// Put caches a value computed elsewhere.
func (c *DecisionCache[V]) Put(key Key, v V) {
	c.mu.Lock()
	c.storeLocked(key, v, c.generation.Load())
	c.mu.Unlock()
}

func (c *DecisionCache[V]) computeAndStore(key Key, gen uint64, compute func() (V, error)) (V, bool, error) {
	v, err := compute()
	if err != nil {
		return v, false, err
	}
	c.mu.Lock()
	c.storeLocked(key, v, gen)
	c.mu.Unlock()
	return v, false, nil
}

// storeLocked inserts an entry, evicting the entry closest to expiry when
// at capacity. Writes from an old generation are dropped.
func (c *DecisionCache[V]) storeLocked(key Key, v V, gen uint64) {
	if gen != c.generation.Load() {
		return
	}
	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = entry[V]{value: v, generation: gen, expiresAt: c.now().Add(c.ttl)}
}

func (c *DecisionCache[V]) evictLocked() {
	var (
		oldestKey Key
		oldest    time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.expiresAt.Before(oldest) {
			oldestKey, oldest, found = k, e.expiresAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

// Sweep drops expired and stale-generation entries. Called from the
// maintenance scheduler.
func (c *DecisionCache[V]) Sweep() int {
	gen := c.generation.Load()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if e.generation != gen || now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Stats returns hit/miss counters and current size.
func (c *DecisionCache[V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()
	return Stats{Hits: hits, Misses: misses, Size: size, HitRate: rate}
}
