package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultShardCount      = 16
	defaultJanitorInterval = 30 * time.Second
)

// Store is a collection of named caches spread across hash-selected shards.
// Namespace handles are created on first use and live for the lifetime of
// the store.
type Store struct {
	shards     []storeShard
	shardCount int

	janitorInterval time.Duration
	done            chan struct{}
	closeOnce       sync.Once
}

type storeShard struct {
	mu         sync.RWMutex
	namespaces map[string]*Cache
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithShardCount overrides the number of shards. Values below one fall back
// to the default.
func WithShardCount(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.shardCount = n
		}
	}
}

// WithJanitorInterval overrides how often expired entries are purged.
// A non-positive interval disables the janitor.
func WithJanitorInterval(d time.Duration) StoreOption {
	return func(s *Store) {
		s.janitorInterval = d
	}
}

// NewStore creates a Store and starts its background janitor.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		shardCount:      defaultShardCount,
		janitorInterval: defaultJanitorInterval,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.shards = make([]storeShard, s.shardCount)
	for i := range s.shards {
		s.shards[i].namespaces = make(map[string]*Cache)
	}

	if s.janitorInterval > 0 {
		go s.janitor()
	}

	return s
}

// Namespace returns the cache handle for the given namespace, creating it
// if necessary.
func (s *Store) Namespace(name string) *Cache {
	shard := &s.shards[xxhash.Sum64String(name)%uint64(s.shardCount)]

	shard.mu.RLock()
	c, ok := shard.namespaces[name]
	shard.mu.RUnlock()
	if ok {
		return c
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if c, ok = shard.namespaces[name]; ok {
		return c
	}
	c = newCache(name)
	shard.namespaces[name] = c
	return c
}

// Namespaces returns the names of all namespaces currently in the store.
func (s *Store) Namespaces() []string {
	var names []string
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.RLock()
		for name := range shard.namespaces {
			names = append(names, name)
		}
		shard.mu.RUnlock()
	}
	return names
}

// Close stops the background janitor. Namespace handles remain usable.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Store) janitor() {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.purgeExpired()
		case <-s.done:
			return
		}
	}
}

func (s *Store) purgeExpired() {
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.RLock()
		caches := make([]*Cache, 0, len(shard.namespaces))
		for _, c := range shard.namespaces {
			caches = append(caches, c)
		}
		shard.mu.RUnlock()

		for _, c := range caches {
			c.purgeExpired()
		}
	}
}
