package policy

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a cached category stays fresh.
const DefaultTTL = 5 * time.Minute

// Cache is a read-through TTL cache in front of a Source. It implements
// Source itself. Expiry uses the monotonic reading carried by time.Now.
type Cache struct {
	src    Source
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry
	epoch   uint64

	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	value     any
	fetchedAt time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock replaces time.Now. Tests use it to step past the TTL.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache wraps src. A non-positive ttl uses DefaultTTL.
func NewCache(src Source, ttl time.Duration, logger *zap.Logger, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		src:     src,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VisionStandards returns the cached vision standards.
func (c *Cache) VisionStandards(ctx context.Context) ([]Standard, error) {
	return load(ctx, c, KindVision, c.src.VisionStandards)
}

// ArchitectureEntities returns the cached architecture entities.
func (c *Cache) ArchitectureEntities(ctx context.Context) ([]Entity, error) {
	return load(ctx, c, KindArchitecture, c.src.ArchitectureEntities)
}

// Search returns cached results for query. Queries are keyed case-insensitively.
func (c *Cache) Search(ctx context.Context, query string) ([]Match, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	return load(ctx, c, "search:"+q, func(ctx context.Context) ([]Match, error) {
		return c.src.Search(ctx, query)
	})
}

// Invalidate drops every entry. Loads already in flight do not repopulate.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.epoch++
	c.mu.Unlock()
	c.logger.Debug("policy cache invalidated")
}

// Stats returns hit and miss counts since construction.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func load[T any](ctx context.Context, c *Cache, key string, fetch func(context.Context) (T, error)) (T, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	epoch := c.epoch
	c.mu.RUnlock()
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.hits.Add(1)
		return e.value.(T), nil
	}
	c.misses.Add(1)

	// Concurrent misses in the same epoch share one fetch.
	v, err, _ := c.group.Do(strconv.FormatUint(epoch, 10)+"/"+key, func() (any, error) {
		val, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.epoch == epoch {
			c.entries[key] = entry{value: val, fetchedAt: c.now()}
		}
		c.mu.Unlock()
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
