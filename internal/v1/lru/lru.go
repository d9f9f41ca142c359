// Package lru implements a fixed-capacity, in-process least-recently-used
// cache. It carries no TTL of its own; callers that need expiry run a
// periodic Sweep with an age bound.
package lru

import (
	"container/list"
	"sync"
	"time"

	"github.com/tinchat/server/internal/v1/metrics"
)

type entry[K comparable, V any] struct {
	key       K
	value     V
	updatedAt time.Time
}

// Cache is a single-writer-discipline LRU: every operation takes an
// internal mutex, mirroring the lock-per-call style of the session
// package's Hub and Room (internal/v1/session/hub.go, room.go).
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[K]*list.Element
	tier     string // metrics label, e.g. "profile", "auth"

	hits   uint64
	misses uint64
}

// New returns a Cache bounded to capacity entries. tier labels the
// CacheOperationsTotal metric so multiple LRUs (profile, auth, friends) are
// distinguishable in Prometheus.
func New[K comparable, V any](capacity int, tier string) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache[K, V]{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[K]*list.Element, capacity),
		tier:     tier,
	}
}

// Get returns the value for key and whether it was present, moving the
// entry to the front on a hit.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		metrics.CacheOperationsTotal.WithLabelValues(c.tier, "miss").Inc()
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	metrics.CacheOperationsTotal.WithLabelValues(c.tier, "hit").Inc()
	return el.Value.(*entry[K, V]).value, true
}

// Set upserts key, moving it to the front and refreshing its timestamp. On
// overflow the least-recently-used entry is evicted.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry[K, V]).value = value
		el.Value.(*entry[K, V]).updatedAt = time.Now()
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry[K, V]{key: key, value: value, updatedAt: time.Now()})
	c.items[key] = el

	if c.ll.Len() > c.capacity {
		c.evictOldest()
	}
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

// Clear empties the cache.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[K]*list.Element, c.capacity)
}

// Size returns the current entry count.
func (c *Cache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// HitRate returns hits / (hits + misses), or 0 if there have been no
// lookups yet.
func (c *Cache[K, V]) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Sweep removes every entry last updated more than maxAge ago, returning the
// number evicted. Intended to be called from a periodic ticker (e.g. the
// session manager's 2-minute profile LRU sweep, spec.md §4.8).
func (c *Cache[K, V]) Sweep(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry[K, V])
		if e.updatedAt.Before(cutoff) {
			c.ll.Remove(el)
			delete(c.items, e.key)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *Cache[K, V]) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry[K, V]).key)
}
