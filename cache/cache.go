package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryStateCache is a thread-safe StateCache with TTL expiration and LRU
// eviction, for single-process deployments and tests.
type MemoryStateCache struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	eviction   *list.List // front = most recently used, back = least recently used
	maxSize    int
	defaultTTL time.Duration
	now        func() time.Time

	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	key       string
	value     Snapshot
	expiresAt time.Time
}

// MemoryConfig configures the in-memory cache.
type MemoryConfig struct {
	// MaxSize is the maximum number of snapshots kept.
	MaxSize int `yaml:"max_size" env:"MAX_SIZE"`
	// TTL is how long a snapshot is served after its last write.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// DefaultMemoryConfig returns sensible defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxSize: 10000,
		TTL:     24 * time.Hour,
	}
}

// NewMemoryStateCache creates an in-memory cache.
func NewMemoryStateCache(cfg MemoryConfig) *MemoryStateCache {
	def := DefaultMemoryConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &MemoryStateCache{
		items:      make(map[string]*list.Element, cfg.MaxSize),
		eviction:   list.New(),
		maxSize:    cfg.MaxSize,
		defaultTTL: cfg.TTL,
		now:        time.Now,
	}
}

func (c *MemoryStateCache) Get(_ context.Context, instanceID string) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[instanceID]
	if !ok {
		c.misses++
		return nil, nil
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.removeLocked(elem)
		c.misses++
		return nil, nil
	}

	c.eviction.MoveToFront(elem)
	c.hits++
	s := entry.value
	return &s, nil
}

func (c *MemoryStateCache) Put(_ context.Context, s Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.defaultTTL)
	if elem, ok := c.items[s.InstanceID]; ok {
		entry := elem.Value.(*cacheEntry)
		if entry.value.Sequence > s.Sequence {
			return nil
		}
		entry.value = s
		entry.expiresAt = expiresAt
		c.eviction.MoveToFront(elem)
		return nil
	}

	for c.eviction.Len() >= c.maxSize {
		c.evictLocked()
	}
	c.items[s.InstanceID] = c.eviction.PushFront(&cacheEntry{
		key:       s.InstanceID,
		value:     s,
		expiresAt: expiresAt,
	})
	return nil
}

func (c *MemoryStateCache) Delete(_ context.Context, instanceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[instanceID]; ok {
		c.removeLocked(elem)
	}
	return nil
}

// Stats returns cache statistics.
func (c *MemoryStateCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:      c.eviction.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Stats holds cache statistics.
type Stats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// evictLocked removes the least recently used entry.
func (c *MemoryStateCache) evictLocked() {
	back := c.eviction.Back()
	if back == nil {
		return
	}
	c.removeLocked(back)
	c.evictions++
}

func (c *MemoryStateCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.eviction.Remove(elem)
}

var _ StateCache = (*MemoryStateCache)(nil)
