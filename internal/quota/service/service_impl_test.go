package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/chatledger/internal/clock"
	"github.com/smallbiznis/chatledger/internal/config"
	kvdomain "github.com/smallbiznis/chatledger/internal/kvstore/domain"
	"github.com/smallbiznis/chatledger/internal/kvstore/kvtest"
	"github.com/smallbiznis/chatledger/internal/kvstore/redisstore"
	"github.com/smallbiznis/chatledger/internal/quota/domain"
	"github.com/smallbiznis/chatledger/internal/quota/repository"
	"github.com/smallbiznis/chatledger/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	store *kvtest.FlakyStore
	clock *clock.FakeClock
}

func setupQuotaService(t *testing.T) fixture {
	t.Helper()
	clk := clock.NewFakeClock(testNow)
	store := kvtest.NewFlakyStore(kvtest.NewSQLStore(t, clk))
	svc := NewService(Params{
		Repo:   repository.Provide(store),
		Tiers:  config.NewStaticTierConfigHolder(config.DefaultTierConfig()),
		Clock:  clk,
		Config: config.Config{},
		Log:    zap.NewNop(),
	})
	return fixture{svc: svc, store: store, clock: clk}
}

func TestCheckUsageLimitsFreshTenant(t *testing.T) {
	f := setupQuotaService(t)

	status, err := f.svc.CheckUsageLimits(context.Background(), "acme", "basic")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Counter.DailyUsage)
	assert.Equal(t, int64(20), status.Limits.DailyLimit)
	assert.False(t, status.DailyLimitExceeded)
	assert.False(t, status.MonthlyLimitExceeded)
	assert.False(t, status.ConcurrentSessionsExceeded)

	_, err = f.svc.GetCounter(context.Background(), "acme", "basic")
	assert.ErrorIs(t, err, domain.ErrCounterNotFound, "checks never write")
}

func TestDailyLimitReachedAtBoundary(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()

	for i := 0; i < 19; i++ {
		_, err := f.svc.IncrementUsage(ctx, "acme", "basic")
		require.NoError(t, err)
	}
	_, err := f.svc.Authorize(ctx, domain.AuthorizeRequest{TenantID: "acme", Tier: "basic"})
	require.NoError(t, err)

	counter, err := f.svc.IncrementUsage(ctx, "acme", "basic")
	require.NoError(t, err)
	assert.Equal(t, int64(20), counter.DailyUsage)
	assert.Equal(t, int64(20), counter.MonthlyUsage)
	assert.Equal(t, "2025-03-14", counter.LastResetDate)

	status, err := f.svc.Authorize(ctx, domain.AuthorizeRequest{TenantID: "acme", Tier: "BASIC"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrQuotaExceeded))
	assert.True(t, status.DailyLimitExceeded)
	assert.False(t, status.MonthlyLimitExceeded)

	var exceeded *domain.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, domain.DimensionDaily, exceeded.Dimension)
	assert.Equal(t, int64(20), exceeded.Usage)
	assert.Equal(t, int64(20), exceeded.Limit)

	_, err = f.svc.Authorize(ctx, domain.AuthorizeRequest{TenantID: "globex", Tier: "basic"})
	assert.NoError(t, err, "other tenants keep their own counters")
}

func TestDailyCounterResetsNextDay(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.IncrementUsage(ctx, "acme", "basic")
		require.NoError(t, err)
	}
	f.clock.Advance(24 * time.Hour)

	status, err := f.svc.CheckUsageLimits(ctx, "acme", "basic")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Counter.DailyUsage)
	assert.Equal(t, int64(5), status.Counter.MonthlyUsage)

	stored, err := f.svc.GetCounter(ctx, "acme", "basic")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored.DailyUsage, "the check does not persist the reset")

	counter, err := f.svc.IncrementUsage(ctx, "acme", "basic")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counter.DailyUsage)
	assert.Equal(t, int64(6), counter.MonthlyUsage)
	assert.Equal(t, "2025-03-15", counter.LastResetDate)
}

func TestMonthlyCounterResetsOnNewMonth(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()
	f.clock.Set(time.Date(2025, 3, 31, 23, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		_, err := f.svc.IncrementUsage(ctx, "acme", "advanced")
		require.NoError(t, err)
	}
	f.clock.Advance(2 * time.Hour)

	status, err := f.svc.CheckUsageLimits(ctx, "acme", "advanced")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Counter.DailyUsage)
	assert.Equal(t, int64(0), status.Counter.MonthlyUsage)

	counter, err := f.svc.IncrementUsage(ctx, "acme", "advanced")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counter.DailyUsage)
	assert.Equal(t, int64(1), counter.MonthlyUsage)
	assert.Equal(t, "2025-04-01", counter.LastResetDate)
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()

	require.NoError(t, f.svc.PutCounter(ctx, domain.Counter{
		TenantID:      "acme",
		Tier:          "premium",
		DailyUsage:    7,
		MonthlyUsage:  40,
		LastResetDate: "2025-03-13",
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.IncrementUsage(ctx, "acme", "premium")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	counter, err := f.svc.GetCounter(ctx, "acme", "premium")
	require.NoError(t, err)
	assert.Equal(t, int64(50), counter.DailyUsage, "yesterday's usage is reset exactly once")
	assert.Equal(t, int64(90), counter.MonthlyUsage)
}

func TestConcurrentIncrementsWithRedisLock(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.SetTime(testNow)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := clock.NewFakeClock(testNow)
	store := redisstore.NewStore(redisstore.Params{Client: client, Clock: clk, Log: zap.NewNop()})
	svc := NewService(Params{
		Repo:   repository.Provide(store),
		Tiers:  config.NewStaticTierConfigHolder(config.DefaultTierConfig()),
		Clock:  clk,
		Config: config.Config{Quota: config.QuotaConfig{ResetLockTTL: time.Second}},
		Log:    zap.NewNop(),
		Locker: ratelimit.NewLocker(client),
	})
	ctx := context.Background()

	require.NoError(t, svc.PutCounter(ctx, domain.Counter{
		TenantID:      "acme",
		Tier:          "basic",
		DailyUsage:    19,
		MonthlyUsage:  19,
		LastResetDate: "2025-03-13",
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.IncrementUsage(ctx, "acme", "basic")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	counter, err := svc.GetCounter(ctx, "acme", "basic")
	require.NoError(t, err)
	assert.Equal(t, int64(50), counter.DailyUsage)
	assert.Equal(t, int64(69), counter.MonthlyUsage)
	assert.False(t, mr.Exists("quota:reset:acme:basic"), "lock released")
}

func TestConcurrentSessionLimitOnlyGuardsNewSessions(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SessionOpened(ctx, "acme", "basic"))
	require.NoError(t, f.svc.SessionOpened(ctx, "acme", "basic"))

	_, err := f.svc.Authorize(ctx, domain.AuthorizeRequest{TenantID: "acme", Tier: "basic"})
	require.NoError(t, err)

	_, err = f.svc.Authorize(ctx, domain.AuthorizeRequest{TenantID: "acme", Tier: "basic", NewSession: true})
	var exceeded *domain.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, domain.DimensionConcurrent, exceeded.Dimension)

	require.NoError(t, f.svc.SessionClosed(ctx, "acme", "basic"))
	_, err = f.svc.Authorize(ctx, domain.AuthorizeRequest{TenantID: "acme", Tier: "basic", NewSession: true})
	assert.NoError(t, err)
}

func TestReconcileOverwritesActiveSessions(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.SessionOpened(ctx, "acme", "advanced"))
	}
	counter, err := f.svc.Reconcile(ctx, "acme", "advanced", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counter.ActiveSessions)

	counter, err = f.svc.Reconcile(ctx, "acme", "advanced", -4)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counter.ActiveSessions)
}

func TestNegativeActiveSessionsReadAsZero(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SessionClosed(ctx, "acme", "basic"))
	status, err := f.svc.CheckUsageLimits(ctx, "acme", "basic")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Counter.ActiveSessions)
}

func TestListTenantsByTier(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()

	_, err := f.svc.IncrementUsage(ctx, "acme", "basic")
	require.NoError(t, err)
	require.NoError(t, f.svc.SessionOpened(ctx, "globex", "basic"))
	_, err = f.svc.IncrementUsage(ctx, "initech", "premium")
	require.NoError(t, err)

	tenants, err := f.svc.ListTenantsByTier(ctx, "basic")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme", "globex"}, tenants)

	_, err = f.svc.ListTenantsByTier(ctx, "platinum")
	assert.ErrorIs(t, err, domain.ErrUnknownTier)
}

func TestRejectsUnknownTierAndBadTenant(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()

	_, err := f.svc.IncrementUsage(ctx, "acme", "platinum")
	assert.ErrorIs(t, err, domain.ErrUnknownTier)

	_, err = f.svc.CheckUsageLimits(ctx, "ac#me", "basic")
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)
	assert.ErrorIs(t, err, kvdomain.ErrInvalidKey)

	_, err = f.svc.CheckUsageLimits(ctx, "", "basic")
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)
}

func TestStoreOutagePropagates(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()
	f.store.SetDown(true)

	_, err := f.svc.CheckUsageLimits(ctx, "acme", "basic")
	assert.ErrorIs(t, err, kvdomain.ErrStoreUnavailable)

	_, err = f.svc.IncrementUsage(ctx, "acme", "basic")
	assert.ErrorIs(t, err, kvdomain.ErrStoreUnavailable)

	assert.ErrorIs(t, f.svc.SessionOpened(ctx, "acme", "basic"), kvdomain.ErrStoreUnavailable)
}

func TestTierBudgetAndTools(t *testing.T) {
	f := setupQuotaService(t)

	budget, err := f.svc.TierBudget("basic")
	require.NoError(t, err)
	assert.True(t, budget.Equal(decimal.RequireFromString("0.10")))

	budget, err = f.svc.TierBudget("Premium")
	require.NoError(t, err)
	assert.True(t, budget.Equal(decimal.RequireFromString("0.75")))

	tools, err := f.svc.AllowedTools("advanced")
	require.NoError(t, err)
	assert.Equal(t, []string{"Read", "Glob", "Grep"}, tools)

	_, err = f.svc.TierBudget("platinum")
	assert.ErrorIs(t, err, domain.ErrUnknownTier)
}

func TestPutCounterRejectsBadDate(t *testing.T) {
	f := setupQuotaService(t)
	err := f.svc.PutCounter(context.Background(), domain.Counter{TenantID: "acme", Tier: "basic", LastResetDate: "14/03/2025"})
	assert.Error(t, err)
}
