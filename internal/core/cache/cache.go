// Package cache provides a namespaced, thread-safe in-memory cache with
// per-entry TTL and glob-pattern invalidation.
//
// A Store holds independent namespaces (one Cache handle per namespace)
// spread across xxhash-selected shards. Entries expire lazily on read and
// eagerly via a background janitor. Statistics are always collected.
package cache

import (
	"path"
	"sync"
	"time"
)

// Entry is a stored value with expiry metadata.
type Entry struct {
	Value     any
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiration
}

// IsExpired reports whether the entry has passed its expiry time.
func (e *Entry) IsExpired() bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(e.ExpiresAt)
}

// Cache is a single namespace within a Store. All methods are safe for
// concurrent use.
type Cache struct {
	namespace string
	mu        sync.RWMutex
	entries   map[string]*Entry
	stats     Statistics
}

func newCache(namespace string) *Cache {
	return &Cache{
		namespace: namespace,
		entries:   make(map[string]*Entry),
	}
}

// Namespace returns the namespace this handle belongs to.
func (c *Cache) Namespace() string {
	return c.namespace
}

// Set stores a value under key with the given TTL. A non-positive TTL
// stores the value without expiration. Returns true if a new entry was
// created, false if an existing one was replaced.
func (c *Cache) Set(key string, value any, ttl time.Duration) bool {
	now := time.Now()
	entry := &Entry{
		Value:     value,
		CreatedAt: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	_, existed := c.entries[key]
	c.entries[key] = entry
	c.mu.Unlock()

	c.stats.sets.Add(1)
	return !existed
}

// Get retrieves a value by key. Expired entries are removed on access and
// reported as misses.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.stats.misses.Add(1)
		return nil, false
	}

	if entry.IsExpired() {
		c.mu.Lock()
		// Re-check under the write lock; another goroutine may have
		// replaced the entry in the meantime.
		if current, still := c.entries[key]; still && current == entry {
			delete(c.entries, key)
			c.stats.evictions.Add(1)
		}
		c.mu.Unlock()
		c.stats.misses.Add(1)
		return nil, false
	}

	c.stats.hits.Add(1)
	return entry.Value, true
}

// Delete removes an entry by key. Returns true if the key existed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	_, existed := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	return existed
}

// Clear removes all entries from the namespace.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// Size returns the current number of entries, expired ones included.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns a snapshot of all keys currently in the namespace.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// InvalidatePattern removes every key matching the glob pattern (path.Match
// syntax, e.g. "feed:*"). Returns the number of entries removed. A malformed
// pattern removes nothing.
func (c *Cache) InvalidatePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return removed
		}
		if matched {
			delete(c.entries, key)
			removed++
		}
	}
	c.stats.evictions.Add(uint64(removed))
	return removed
}

// Stats returns a snapshot of the namespace statistics.
func (c *Cache) Stats() Stats {
	return c.stats.snapshot()
}

// purgeExpired removes expired entries, returning how many were dropped.
func (c *Cache) purgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if entry.IsExpired() {
			delete(c.entries, key)
			removed++
		}
	}
	c.stats.evictions.Add(uint64(removed))
	return removed
}
