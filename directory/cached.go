package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultCacheSize     = 10_000
	DefaultCacheTTL      = 30 * time.Second
	DefaultLookupTimeout = 2 * time.Second
)

// Cached fronts a Directory with a bounded, expiring cache of successful
// lookups and applies a timeout to every upstream call. Misses and errors are
// never cached.
type Cached struct {
	upstream Directory
	cache    *expirable.LRU[string, *Record]
	timeout  time.Duration
}

var (
	_ Directory   = (*Cached)(nil)
	_ Invalidator = (*Cached)(nil)
)

type CacheOption func(*cacheConfig)

type cacheConfig struct {
	size    int
	ttl     time.Duration
	timeout time.Duration
}

func WithCacheSize(n int) CacheOption {
	return func(c *cacheConfig) { c.size = n }
}

func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *cacheConfig) { c.ttl = ttl }
}

// WithLookupTimeout bounds each upstream Lookup.
func WithLookupTimeout(d time.Duration) CacheOption {
	return func(c *cacheConfig) { c.timeout = d }
}

func NewCached(upstream Directory, opts ...CacheOption) *Cached {
	cfg := cacheConfig{size: DefaultCacheSize, ttl: DefaultCacheTTL, timeout: DefaultLookupTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.size <= 0 {
		cfg.size = DefaultCacheSize
	}
	return &Cached{
		upstream: upstream,
		cache:    expirable.NewLRU[string, *Record](cfg.size, nil, cfg.ttl),
		timeout:  cfg.timeout,
	}
}

func (c *Cached) Lookup(ctx context.Context, sessionID string) (*Record, error) {
	if rec, ok := c.cache.Get(sessionID); ok {
		return rec.Clone(), nil
	}
	return c.fetch(ctx, sessionID)
}

// Refresh bypasses the cache and stores the fresh result. The supervisor uses
// it so eviction decisions never act on cached data.
func (c *Cached) Refresh(ctx context.Context, sessionID string) (*Record, error) {
	return c.fetch(ctx, sessionID)
}

func (c *Cached) fetch(ctx context.Context, sessionID string) (*Record, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	rec, err := c.upstream.Lookup(ctx, sessionID)
	if err != nil {
		c.cache.Remove(sessionID)
		return nil, fmt.Errorf("directory lookup %q: %w", sessionID, err)
	}
	c.cache.Add(sessionID, rec.Clone())
	return rec, nil
}

// Invalidate drops sessionID from the cache.
func (c *Cached) Invalidate(sessionID string) {
	c.cache.Remove(sessionID)
}

func (c *Cached) Len() int { return c.cache.Len() }
