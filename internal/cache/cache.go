// Package cache implements the Query Cache of spec.md §4.J: entries keyed
// by canonicalized query text and parameters, version-scoped, with bounded
// capacity and a two-phase eviction policy.
//
// The TTL/expiry mechanics are delegated to github.com/jellydator/ttlcache,
// the same dependency the doublezero example repo uses for its lookup
// caches; the version-scoping and capacity-eviction policy on top of it are
// spec-specific and implemented directly.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultCapacity is the default bound from spec.md §4.J.
const DefaultCapacity = 10000

// Entry is the cached payload plus the version it was computed against.
type Entry struct {
	Value     any
	Version   string
	insertedAt time.Time
}

// Cache is a bounded, TTL-expiring, version-scoped query result cache.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	tc       *ttlcache.Cache[string, Entry]
	order    []string // insertion order, oldest first, for the 10% eviction sweep
}

// New builds a Cache with the given capacity and per-entry TTL.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	tc := ttlcache.New(ttlcache.WithTTL[string, Entry](ttl))
	return &Cache{capacity: capacity, ttl: ttl, tc: tc}
}

// Key canonicalizes a query text and its bound parameters into the cache
// key spec.md §4.J describes as "(canonicalised query text, parameters)".
func Key(queryText string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	h.Write([]byte(queryText))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(params[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached value only if unexpired and stored under the same
// version; otherwise it removes any stale entry and reports a miss.
func (c *Cache) Get(key, version string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item := c.tc.Get(key)
	if item == nil {
		c.tc.Delete(key)
		c.removeFromOrder(key)
		return nil, false
	}
	entry := item.Value()
	if entry.Version != version {
		c.tc.Delete(key)
		c.removeFromOrder(key)
		return nil, false
	}
	return entry.Value, true
}

// Set inserts or replaces the entry at key. At capacity, expired entries
// are evicted first; if still at capacity, the oldest 10% (by insertion
// order) are evicted next (spec.md §4.J).
func (c *Cache) Set(key, version string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tc.Get(key) == nil {
		if c.tc.Len() >= c.capacity {
			c.evictExpiredLocked()
		}
		if c.tc.Len() >= c.capacity {
			c.evictOldestLocked()
		}
		c.order = append(c.order, key)
	}
	c.tc.Set(key, Entry{Value: value, Version: version, insertedAt: time.Now()}, c.ttl)
}

func (c *Cache) evictExpiredLocked() {
	c.tc.DeleteExpired()
	var kept []string
	for _, k := range c.order {
		if c.tc.Get(k) == nil {
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
}

func (c *Cache) evictOldestLocked() {
	n := len(c.order) / 10
	if n == 0 {
		n = 1
	}
	if n > len(c.order) {
		n = len(c.order)
	}
	for _, k := range c.order[:n] {
		c.tc.Delete(k)
	}
	c.order = c.order[n:]
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Len reports the current entry count, for diagnostics/tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tc.Len()
}

