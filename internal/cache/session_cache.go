package cache

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/chatledger/internal/clock"
	obsmetrics "github.com/smallbiznis/chatledger/internal/observability/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSessionTTL = 5 * time.Minute

	sessionCacheName       = "session"
	defaultSessionCapacity = 10000
)

// SessionCache holds session snapshots keyed by tenant, user and session id.
// It is a read optimization; the store stays the source of truth.
type SessionCache[V any] struct {
	entries *TTLCache[string, V]
	ttl     time.Duration
	group   singleflight.Group
}

func NewSessionCache[V any](clk clock.Clock, ttl time.Duration, metrics *obsmetrics.LedgerMetrics) *SessionCache[V] {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionCache[V]{
		entries: NewTTLCache[string, V](
			WithClock(clk),
			WithName(sessionCacheName),
			WithMaxEntries(defaultSessionCapacity),
			WithMetrics(metrics),
		),
		ttl: ttl,
	}
}

func (c *SessionCache[V]) Get(tenant, user, sessionID string) (V, bool) {
	return c.entries.Get(cacheKey(tenant, user, sessionID))
}

// Peek ignores expiry; used when the store cannot be reached.
func (c *SessionCache[V]) Peek(tenant, user, sessionID string) (V, bool) {
	return c.entries.Peek(cacheKey(tenant, user, sessionID))
}

// Put always refreshes both the value and its expiry.
func (c *SessionCache[V]) Put(tenant, user, sessionID string, value V) {
	c.entries.Set(cacheKey(tenant, user, sessionID), value, c.ttl)
}

func (c *SessionCache[V]) Invalidate(tenant, user, sessionID string) {
	c.entries.Delete(cacheKey(tenant, user, sessionID))
}

func (c *SessionCache[V]) Len() int {
	return c.entries.Len()
}

// GetOrLoad returns a fresh entry or runs load once per key across concurrent
// callers and caches the result.
func (c *SessionCache[V]) GetOrLoad(ctx context.Context, tenant, user, sessionID string, load func(context.Context) (V, error)) (V, error) {
	key := cacheKey(tenant, user, sessionID)
	if v, ok := c.entries.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.entries.Set(key, v, c.ttl)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Session ids are only unique within a tenant and user, so all three parts
// make up the key. Case is preserved.
func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		values = append(values, strings.TrimSpace(part))
	}
	return strings.Join(values, "|")
}
