// Package cache provides the in-process result cache: per-entry
// absolute TTLs plus capacity-bounded eviction of the earliest
// inserted entry. Expiry is lazy (checked on every access) and the
// optional background sweep only reclaims memory earlier; correctness
// never depends on it running.
//
// The store is safe for concurrent use within a single process. Under
// a multi-process deployment it is not a substitute for a networked
// cache.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syssam/apijson"
)

type entry struct {
	key       string
	value     any
	createdAt time.Time
	// expiresAt is the absolute expiry; zero means the entry never
	// expires.
	expiresAt time.Time
	elem      *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is a TTL + capacity bounded key/value store.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*entry
	// order tracks insertion order for capacity eviction. Overwriting
	// a key keeps its original position: "earliest inserted" refers
	// to first insertion, not last write.
	order *list.List

	hits   atomic.Int64
	misses atomic.Int64

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries bounds the entry count. Inserting a new key beyond
// the bound evicts the earliest-inserted entry still present.
func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// WithSweepInterval starts a background goroutine that periodically
// removes expired entries. Purely a memory-reclamation optimization.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d <= 0 {
			return
		}
		c.sweepStop = make(chan struct{})
		go c.sweepLoop(d)
	}
}

// New returns an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		maxEntries: 1000,
		entries:    make(map[string]*entry),
		order:      list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close stops the background sweeper, if any.
func (c *Cache) Close() {
	if c.sweepStop != nil {
		c.sweepOnce.Do(func() { close(c.sweepStop) })
	}
}

func (c *Cache) sweepLoop(d time.Duration) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.sweepStop:
			return
		}
	}
}

// Sweep removes every expired entry now.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for _, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(e)
			removed++
		}
	}
	return removed
}

// lookup returns the live entry for key, lazily dropping it when
// expired.
func (c *Cache) lookup(key string) (*entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		c.removeLocked(e)
		return nil, false
	}
	return e, true
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.order.Remove(e.elem)
}

// Get returns the value for key. A missing or expired key counts as a
// miss.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key with an absolute TTL. ttl <= 0 means the
// entry never expires.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

func (c *Cache) setLocked(key string, value any, ttl time.Duration) {
	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		return
	}
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		// Evict the earliest-inserted entry still present.
		if front := c.order.Front(); front != nil {
			c.removeLocked(front.Value.(*entry))
		}
	}
	e := &entry{key: key, value: value, createdAt: now, expiresAt: expiresAt}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
}

// Delete removes key, reporting whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return false
	}
	c.removeLocked(e)
	return true
}

// Exists reports whether key holds a live entry. It does not count
// toward hit/miss statistics.
func (c *Cache) Exists(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lookup(key)
	return ok
}

// Expire resets the TTL of an existing entry, reporting whether it
// was present. ttl <= 0 removes the expiry.
func (c *Cache) Expire(key string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return false
	}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return true
}

// TTL returns the remaining lifetime of key. A negative duration
// means the entry never expires; ok is false when the key is absent.
func (c *Cache) TTL(key string) (ttl time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.lookup(key)
	if !found {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return -1, true
	}
	return time.Until(e.expiresAt), true
}

// MGet returns the live values for keys, omitting misses.
func (c *Cache) MGet(keys ...string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		if e, ok := c.lookup(key); ok {
			c.hits.Add(1)
			out[key] = e.value
		} else {
			c.misses.Add(1)
		}
	}
	return out
}

// MSet stores every pair with one shared TTL.
func (c *Cache) MSet(pairs map[string]any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, value := range pairs {
		c.setLocked(key, value, ttl)
	}
}

// MDelete removes the given keys, returning how many were present.
func (c *Cache) MDelete(keys ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, key := range keys {
		if e, ok := c.lookup(key); ok {
			c.removeLocked(e)
			removed++
		}
	}
	return removed
}

// Increment atomically adds delta to the numeric entry under key,
// creating it at delta when absent. A non-numeric stored value fails
// with TypeMismatchError.
func (c *Cache) Increment(key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		c.setLocked(key, delta, 0)
		return delta, nil
	}
	n, ok := asInt64(e.value)
	if !ok {
		return 0, &apijson.TypeMismatchError{Key: key, Value: e.value}
	}
	n += delta
	e.value = n
	return n, nil
}

// Decrement atomically subtracts delta from the numeric entry under
// key.
func (c *Cache) Decrement(key string, delta int64) (int64, error) {
	return c.Increment(key, -delta)
}

func asInt64(v any) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint32:
		return int64(v), true
	}
	return 0, false
}

// Flush removes every entry. Statistics are kept.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.order.Init()
}

// Len returns the live entry count. Expired entries not yet swept or
// touched still count; Sweep first for an exact number.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats is a point-in-time snapshot of cache usage.
type Stats struct {
	Hits    int64
	Misses  int64
	HitRate float64
	Entries int
}

// Stats returns usage statistics.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.Len(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
