package cache

import (
	"sync"
	"time"

	"github.com/smallbiznis/chatledger/internal/clock"
	obsmetrics "github.com/smallbiznis/chatledger/internal/observability/metrics"
)

// Cache is a process-local key/value cache with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	// Peek returns the entry even if it has expired.
	Peek(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Len() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a mutex-guarded map. Expired entries stay readable through
// Peek until they are overwritten, deleted or purged.
type TTLCache[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]entry[V]
	clock      clock.Clock
	name       string
	maxEntries int
	metrics    *obsmetrics.LedgerMetrics
}

type Option func(*options)

type options struct {
	clock      clock.Clock
	name       string
	maxEntries int
	metrics    *obsmetrics.LedgerMetrics
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithName sets the cache label used in metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithMaxEntries bounds the map; when full, expired entries are purged first
// and then the entry closest to expiry is evicted.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

func WithMetrics(m *obsmetrics.LedgerMetrics) Option {
	return func(o *options) { o.metrics = m }
}

func NewTTLCache[K comparable, V any](opts ...Option) *TTLCache[K, V] {
	o := options{name: "default"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.NewSystemClock()
	}
	return &TTLCache[K, V]{
		items:      make(map[K]entry[V]),
		clock:      o.clock,
		name:       o.name,
		maxEntries: o.maxEntries,
		metrics:    o.metrics,
	}
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		c.metrics.IncCacheRequest(c.name, obsmetrics.CacheResultMiss)
		var zero V
		return zero, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.metrics.IncCacheRequest(c.name, obsmetrics.CacheResultStale)
		var zero V
		return zero, false
	}
	c.metrics.IncCacheRequest(c.name, obsmetrics.CacheResultHit)
	return e.value, true
}

func (c *TTLCache[K, V]) Peek(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	return e.value, ok
}

func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.items[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	_, ok := c.items[key]
	delete(c.items, key)
	c.mu.Unlock()

	if ok {
		c.metrics.IncCacheEviction(c.name, "invalidate")
	}
}

func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// PurgeExpired drops every expired entry and returns how many were removed.
func (c *TTLCache[K, V]) PurgeExpired() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(now)
}

func (c *TTLCache[K, V]) purgeLocked(now time.Time) int {
	removed := 0
	for key, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, key)
			c.metrics.IncCacheEviction(c.name, "expired")
			removed++
		}
	}
	return removed
}

func (c *TTLCache[K, V]) evictLocked(now time.Time) {
	if c.purgeLocked(now) > 0 {
		return
	}

	var (
		victim K
		oldest time.Time
		found  bool
	)
	for key, e := range c.items {
		if !found || e.expiresAt.Before(oldest) {
			victim, oldest, found = key, e.expiresAt, true
		}
	}
	if found {
		delete(c.items, victim)
		c.metrics.IncCacheEviction(c.name, "capacity")
	}
}

var _ Cache[string, int] = (*TTLCache[string, int])(nil)
