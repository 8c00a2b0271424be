package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/chatledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLockerSingleHolder(t *testing.T) {
	_, client := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "quota:reset:acme", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "quota:reset:acme", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "quota:reset:acme", "someone-else"))
	_, ok, err = locker.TryLock(ctx, "quota:reset:acme", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "quota:reset:acme", token))
	_, ok, err = locker.TryLock(ctx, "quota:reset:acme", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockerExpires(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = locker.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNilLocker(t *testing.T) {
	var locker *Locker
	assert.Nil(t, NewLocker(nil))
	assert.False(t, locker.Enabled())
	assert.NoError(t, locker.Release(context.Background(), "k", "t"))
	_, _, err := locker.TryLock(context.Background(), "k", time.Second)
	assert.Error(t, err)
}

func TestTenantLimiterBurst(t *testing.T) {
	_, client := newTestClient(t)
	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, TenantRate: 0.001, TenantBurst: 2}}
	limiter, err := NewTenantLimiter(TenantLimiterParams{Config: cfg, Redis: client})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.AllowTenant(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
	}
	res, err := limiter.AllowTenant(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	res, err = limiter.AllowTenant(ctx, "globex")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTenantLimiterDisabled(t *testing.T) {
	limiter, err := NewTenantLimiter(TenantLimiterParams{Config: config.Config{}})
	require.NoError(t, err)
	assert.Nil(t, limiter)

	res, err := limiter.AllowTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	_, err = NewTenantLimiter(TenantLimiterParams{Config: config.Config{RateLimit: config.RateLimitConfig{Enabled: true, TenantRate: 1, TenantBurst: 1}}})
	assert.Error(t, err)
}
