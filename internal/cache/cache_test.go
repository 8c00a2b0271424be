package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/chatledger/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func TestTTLCache_ExpiryAndPeek(t *testing.T) {
	clk := clock.NewFakeClock(testNow)
	c := NewTTLCache[string, int](WithClock(clk))

	c.Set("a", 1, time.Minute)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clk.Advance(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry is expired at exactly its ttl")

	v, ok = c.Peek("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.Equal(t, 1, c.PurgeExpired())
	_, ok = c.Peek("a")
	assert.False(t, ok)
}

func TestTTLCache_SetRefreshesExpiry(t *testing.T) {
	clk := clock.NewFakeClock(testNow)
	c := NewTTLCache[string, string](WithClock(clk))

	c.Set("k", "v1", time.Minute)
	clk.Advance(50 * time.Second)
	c.Set("k", "v2", time.Minute)
	clk.Advance(50 * time.Second)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestTTLCache_CapacityEvictsClosestToExpiry(t *testing.T) {
	clk := clock.NewFakeClock(testNow)
	c := NewTTLCache[string, int](WithClock(clk), WithMaxEntries(2))

	c.Set("short", 1, time.Minute)
	c.Set("long", 2, time.Hour)
	c.Set("new", 3, time.Hour)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Peek("short")
	assert.False(t, ok)
	_, ok = c.Peek("long")
	assert.True(t, ok)
}

func TestTTLCache_ConcurrentAccess(t *testing.T) {
	c := NewTTLCache[string, int]()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			for j := 0; j < 100; j++ {
				c.Set(key, j, time.Minute)
				c.Get(key)
				if j%10 == 0 {
					c.Delete(key)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 5)
}

func TestSessionCache_TenantIsolation(t *testing.T) {
	c := NewSessionCache[string](clock.NewFakeClock(testNow), 0, nil)

	c.Put("acme", "u1", "s-1", "acme-session")
	c.Put("globex", "u1", "s-1", "globex-session")

	v, ok := c.Get("acme", "u1", "s-1")
	require.True(t, ok)
	assert.Equal(t, "acme-session", v)

	_, ok = c.Get("ACME", "u1", "s-1")
	assert.False(t, ok)

	c.Invalidate("acme", "u1", "s-1")
	_, ok = c.Get("acme", "u1", "s-1")
	assert.False(t, ok)
	v, ok = c.Get("globex", "u1", "s-1")
	require.True(t, ok)
	assert.Equal(t, "globex-session", v)
}

func TestSessionCache_DefaultTTL(t *testing.T) {
	clk := clock.NewFakeClock(testNow)
	c := NewSessionCache[string](clk, 0, nil)
	c.Put("acme", "u1", "s-1", "v")

	clk.Advance(DefaultSessionTTL - time.Second)
	_, ok := c.Get("acme", "u1", "s-1")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get("acme", "u1", "s-1")
	assert.False(t, ok)
	_, ok = c.Peek("acme", "u1", "s-1")
	assert.True(t, ok)
}

func TestSessionCache_GetOrLoadCoalesces(t *testing.T) {
	c := NewSessionCache[string](clock.NewFakeClock(testNow), time.Minute, nil)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "loaded", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(ctx, "acme", "u1", "s-1", load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, v := range results {
		assert.Equal(t, "loaded", v)
	}
	assert.LessOrEqual(t, calls.Load(), int32(10))

	calls.Store(0)
	v, err := c.GetOrLoad(ctx, "acme", "u1", "s-1", load)
	require.NoError(t, err)
	assert.Equal(t, "loaded", v)
	assert.Equal(t, int32(0), calls.Load(), "fresh entries are served without loading")
}

func TestSessionCache_GetOrLoadErrorNotCached(t *testing.T) {
	c := NewSessionCache[string](clock.NewFakeClock(testNow), time.Minute, nil)
	boom := errors.New("boom")

	_, err := c.GetOrLoad(context.Background(), "acme", "u1", "s-1", func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}
