package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/chatledger/internal/clock"
	kvdomain "github.com/smallbiznis/chatledger/internal/kvstore/domain"
	"github.com/smallbiznis/chatledger/internal/kvstore/kvtest"
	quotadomain "github.com/smallbiznis/chatledger/internal/quota/domain"
	sessiondomain "github.com/smallbiznis/chatledger/internal/session/domain"
	usagedomain "github.com/smallbiznis/chatledger/internal/usage/domain"
	"github.com/smallbiznis/chatledger/internal/usage/liveevents"
	"github.com/smallbiznis/chatledger/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type sessionsMock struct {
	sessiondomain.Service
	mock.Mock
}

func (m *sessionsMock) AddTokens(ctx context.Context, tenantID, userID, sessionID string, tokens int64) error {
	args := m.Called(ctx, tenantID, userID, sessionID, tokens)
	return args.Error(0)
}

func (m *sessionsMock) ListTenantSessions(ctx context.Context, tenantID string, limit int) ([]sessiondomain.Session, error) {
	args := m.Called(ctx, tenantID, limit)
	return args.Get(0).([]sessiondomain.Session), args.Error(1)
}

type quotaMock struct {
	quotadomain.Service
	mock.Mock
}

func (m *quotaMock) IncrementUsage(ctx context.Context, tenantID, tier string) (quotadomain.Counter, error) {
	args := m.Called(ctx, tenantID, tier)
	return args.Get(0).(quotadomain.Counter), args.Error(1)
}

type fixture struct {
	svc      usagedomain.Service
	store    *kvtest.FlakyStore
	clock    *clock.FakeClock
	sessions *sessionsMock
	quota    *quotaMock
	hub      *liveevents.Hub
}

func setupUsageService(t *testing.T) fixture {
	t.Helper()
	clk := clock.NewFakeClock(testNow)
	store := kvtest.NewFlakyStore(kvtest.NewSQLStore(t, clk))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	sessions := &sessionsMock{}
	sessions.On("AddTokens", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	quota := &quotaMock{}
	t.Cleanup(func() {
		sessions.AssertExpectations(t)
		quota.AssertExpectations(t)
	})

	hub := liveevents.NewHub()
	svc := NewService(ServiceParam{
		Repo:       repository.Provide(store),
		Clock:      clk,
		Log:        zap.NewNop(),
		GenID:      node,
		Sessions:   sessions,
		Quota:      quota,
		LiveEvents: hub,
	})
	return fixture{svc: svc, store: store, clock: clk, sessions: sessions, quota: quota, hub: hub}
}

func usageRequest(sessionID string, cost string) usagedomain.RecordUsageRequest {
	return usagedomain.RecordUsageRequest{
		TenantID:     "acme",
		UserID:       "u1",
		SessionID:    sessionID,
		InputTokens:  100,
		OutputTokens: 40,
		Model:        "claude-sonnet",
		Cost:         decimal.RequireFromString(cost),
	}
}

func TestUsageSummarySumsDecimalCosts(t *testing.T) {
	f := setupUsageService(t)
	ctx := context.Background()

	_, err := f.svc.RecordUsage(ctx, usageRequest("s-1", "0.002"))
	require.NoError(t, err)
	_, err = f.svc.RecordUsage(ctx, usageRequest("s-1", "0.003"))
	require.NoError(t, err, "same session and millisecond must not collide")

	summary, err := f.svc.GetUsageSummary(ctx, "acme", 1)
	require.NoError(t, err)
	assert.True(t, summary.TotalCost.Equal(decimal.RequireFromString("0.005")), "got %s", summary.TotalCost)
	assert.Equal(t, int64(2), summary.RequestCount)
	assert.Equal(t, int64(200), summary.TotalInputTokens)
	assert.Equal(t, int64(80), summary.TotalOutputTokens)
	assert.Equal(t, int64(280), summary.TotalTokens)

	day := summary.ByDate["2025-03-14"]
	assert.Equal(t, int64(2), day.RequestCount)
	assert.True(t, day.Cost.Equal(decimal.RequireFromString("0.005")))
}

func TestUsageSummaryWithNoEvents(t *testing.T) {
	f := setupUsageService(t)

	summary, err := f.svc.GetUsageSummary(context.Background(), "acme", 7)
	require.NoError(t, err)
	assert.Equal(t, "acme", summary.TenantID)
	assert.Equal(t, 7, summary.PeriodDays)
	assert.True(t, summary.TotalCost.IsZero())
	assert.Equal(t, int64(0), summary.RequestCount)
	assert.Empty(t, summary.ByDate)
	assert.Equal(t, "2025-03-07", summary.StartDate)
	assert.Equal(t, "2025-03-14", summary.EndDate)
}

func TestUsageSummaryExcludesOlderEventsAndOtherTenants(t *testing.T) {
	f := setupUsageService(t)
	ctx := context.Background()

	f.clock.Set(testNow.AddDate(0, 0, -10))
	_, err := f.svc.RecordUsage(ctx, usageRequest("s-old", "1"))
	require.NoError(t, err)

	f.clock.Set(testNow)
	_, err = f.svc.RecordUsage(ctx, usageRequest("s-new", "0.5"))
	require.NoError(t, err)
	other := usageRequest("s-x", "9")
	other.TenantID = "globex"
	_, err = f.svc.RecordUsage(ctx, other)
	require.NoError(t, err)

	summary, err := f.svc.GetUsageSummary(ctx, "acme", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.RequestCount)
	assert.True(t, summary.TotalCost.Equal(decimal.RequireFromString("0.5")))
}

func TestGetUsageMetricsIsRangeBounded(t *testing.T) {
	f := setupUsageService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.clock.Set(testNow.AddDate(0, 0, i))
		_, err := f.svc.RecordUsage(ctx, usageRequest("s-1", "0.01"))
		require.NoError(t, err)
	}

	day := testNow.AddDate(0, 0, 1)
	events, err := f.svc.GetUsageMetrics(ctx, "acme", day, day)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "2025-03-15", events[0].Date)
	assert.Equal(t, "claude-sonnet", events[0].Model)

	events, err = f.svc.GetUsageMetrics(ctx, "acme", testNow, testNow.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Len(t, events, 3)

	_, err = f.svc.GetUsageMetrics(ctx, "acme", day, testNow)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidRange)
}

func TestRecordUsageAdvancesSessionAndQuota(t *testing.T) {
	f := setupUsageService(t)
	ctx := context.Background()

	f.quota.On("IncrementUsage", mock.Anything, "acme", "basic").
		Return(quotadomain.Counter{TenantID: "acme", Tier: "basic", DailyUsage: 1}, nil).Once()

	req := usageRequest("s-1", "0.002")
	req.Tier = "basic"
	event, err := f.svc.RecordUsage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(140), event.TotalTokens)
	assert.NotEmpty(t, event.EventID)

	f.sessions.AssertCalled(t, "AddTokens", mock.Anything, "acme", "u1", "s-1", int64(140))
	f.quota.AssertNumberOfCalls(t, "IncrementUsage", 1)

	_, err = f.svc.RecordUsage(ctx, usageRequest("s-1", "0.002"))
	require.NoError(t, err)
	f.quota.AssertNumberOfCalls(t, "IncrementUsage", 1)
	f.sessions.AssertNumberOfCalls(t, "AddTokens", 2)
}

func TestRecordUsageWritesEventThenTokensThenQuota(t *testing.T) {
	f := setupUsageService(t)
	ctx := context.Background()

	var steps []string
	f.sessions.ExpectedCalls = nil
	f.sessions.On("AddTokens", mock.Anything, "acme", "u1", "s-1", int64(140)).
		Run(func(mock.Arguments) {
			events, err := f.svc.GetUsageMetrics(ctx, "acme", testNow, testNow)
			require.NoError(t, err)
			steps = append(steps, fmt.Sprintf("tokens after %d event(s)", len(events)))
		}).Return(nil).Once()
	f.quota.On("IncrementUsage", mock.Anything, "acme", "basic").
		Run(func(mock.Arguments) { steps = append(steps, "quota") }).
		Return(quotadomain.Counter{}, nil).Once()

	req := usageRequest("s-1", "0.002")
	req.Tier = "basic"
	_, err := f.svc.RecordUsage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"tokens after 1 event(s)", "quota"}, steps)
}

func TestQuotaFailurePropagatesButUsageIsKept(t *testing.T) {
	f := setupUsageService(t)
	ctx := context.Background()
	f.quota.On("IncrementUsage", mock.Anything, "acme", "basic").
		Return(quotadomain.Counter{}, kvdomain.Unavailable("update", errors.New("boom"))).Once()

	req := usageRequest("s-1", "0.002")
	req.Tier = "basic"
	_, err := f.svc.RecordUsage(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, kvdomain.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, usagedomain.ErrUsageNotRecorded)

	summary, err := f.svc.GetUsageSummary(ctx, "acme", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.RequestCount)
}

func TestUsageStoreOutageIsReported(t *testing.T) {
	f := setupUsageService(t)
	ctx := context.Background()
	f.store.SetDown(true)

	_, err := f.svc.RecordUsage(ctx, usageRequest("s-1", "0.002"))
	assert.ErrorIs(t, err, usagedomain.ErrUsageNotRecorded)
	assert.ErrorIs(t, err, kvdomain.ErrStoreUnavailable)
	f.sessions.AssertCalled(t, "AddTokens", mock.Anything, "acme", "u1", "s-1", int64(140))

	_, err = f.svc.GetUsageSummary(ctx, "acme", 1)
	assert.ErrorIs(t, err, kvdomain.ErrStoreUnavailable)
}

func TestRecordUsageValidation(t *testing.T) {
	f := setupUsageService(t)
	ctx := context.Background()

	bad := usageRequest("s-1", "0.002")
	bad.TenantID = "ac#me"
	_, err := f.svc.RecordUsage(ctx, bad)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidTenant)

	bad = usageRequest("", "0.002")
	_, err = f.svc.RecordUsage(ctx, bad)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidSession)

	bad = usageRequest("s-1", "-0.1")
	_, err = f.svc.RecordUsage(ctx, bad)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidCost)

	bad = usageRequest("s-1", "0.1")
	bad.InputTokens = -1
	_, err = f.svc.RecordUsage(ctx, bad)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidTokens)
}

func TestCostMetricsRoundTrip(t *testing.T) {
	f := setupUsageService(t)
	ctx := context.Background()

	_, err := f.svc.RecordCostMetric(ctx, usagedomain.RecordCostRequest{
		TenantID:   "acme",
		UserID:     "u1",
		SessionID:  "s-1",
		MetricType: usagedomain.MetricTraceAnalysis,
		Value:      decimal.NewFromInt(4),
		Metadata:   map[string]any{"model": "claude-sonnet"},
	})
	require.NoError(t, err)

	_, err = f.svc.RecordCostMetric(ctx, usagedomain.RecordCostRequest{TenantID: "acme", UserID: "u1", SessionID: "s-1"})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidMetricType)

	events, err := f.svc.GetCostEvents(ctx, "acme", testNow, testNow)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, usagedomain.MetricTraceAnalysis, events[0].MetricType)
	assert.True(t, events[0].Value.Equal(decimal.NewFromInt(4)))
	assert.True(t, events[0].Cost.IsZero())
	assert.Equal(t, "claude-sonnet", events[0].Metadata["model"])
}

func TestTenantOverview(t *testing.T) {
	f := setupUsageService(t)
	ctx := context.Background()
	f.sessions.On("ListTenantSessions", mock.Anything, "acme", overviewSessions).
		Return([]sessiondomain.Session{{SessionID: "s-1"}, {SessionID: "s-2"}}, nil).Once()

	for i := 0; i < 12; i++ {
		f.clock.Advance(time.Second)
		_, err := f.svc.RecordUsage(ctx, usageRequest("s-1", "0.001"))
		require.NoError(t, err)
	}

	overview, err := f.svc.GetTenantOverview(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, overview.SessionCount)
	require.Len(t, overview.RecentEvents, 10)
	assert.True(t, overview.RecentEvents[0].CreatedAt.After(overview.RecentEvents[9].CreatedAt), "newest first")
	assert.Equal(t, int64(12), overview.Last7Days.RequestCount)
}

func TestRecordedEventsAreStreamed(t *testing.T) {
	f := setupUsageService(t)
	sub, _, err := f.hub.Subscribe("acme")
	require.NoError(t, err)
	defer sub.Close()

	event, err := f.svc.RecordUsage(context.Background(), usageRequest("s-1", "0.002"))
	require.NoError(t, err)

	select {
	case live := <-sub.Events():
		assert.Equal(t, liveevents.KindUsage, live.Kind)
		assert.Equal(t, event.EventID, live.EventID)
		assert.Equal(t, "0.002", live.Cost)
	default:
		t.Fatal("no live event published")
	}
}
