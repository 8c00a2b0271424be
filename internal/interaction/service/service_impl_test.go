package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/chatledger/internal/clock"
	"github.com/smallbiznis/chatledger/internal/config"
	"github.com/smallbiznis/chatledger/internal/interaction/domain"
	kvdomain "github.com/smallbiznis/chatledger/internal/kvstore/domain"
	"github.com/smallbiznis/chatledger/internal/kvstore/kvtest"
	quotadomain "github.com/smallbiznis/chatledger/internal/quota/domain"
	quotarepo "github.com/smallbiznis/chatledger/internal/quota/repository"
	quotasvc "github.com/smallbiznis/chatledger/internal/quota/service"
	sessiondomain "github.com/smallbiznis/chatledger/internal/session/domain"
	sessionrepo "github.com/smallbiznis/chatledger/internal/session/repository"
	sessionsvc "github.com/smallbiznis/chatledger/internal/session/service"
	usagedomain "github.com/smallbiznis/chatledger/internal/usage/domain"
	usagerepo "github.com/smallbiznis/chatledger/internal/usage/repository"
	usagesvc "github.com/smallbiznis/chatledger/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type agentMock struct {
	mock.Mock
}

func (m *agentMock) Invoke(ctx context.Context, turn domain.Turn) (domain.Outcome, error) {
	args := m.Called(ctx, turn)
	return args.Get(0).(domain.Outcome), args.Error(1)
}

// replyingAgent answers every turn after one second of fake time.
func replyingAgent(t *testing.T, clk *clock.FakeClock) *agentMock {
	agent := &agentMock{}
	agent.On("Invoke", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { clk.Advance(time.Second) }).
		Return(domain.Outcome{
			InputTokens:  100,
			OutputTokens: 50,
			Model:        "claude-sonnet",
			Cost:         decimal.RequireFromString("0.002"),
			ResultText:   "done",
			TraceSummary: &domain.TraceSummary{TotalTraces: 2},
		}, nil)
	t.Cleanup(func() { agent.AssertExpectations(t) })
	return agent
}

type fixture struct {
	svc      domain.Service
	clock    *clock.FakeClock
	store    *kvtest.FlakyStore
	sessions sessiondomain.Service
	quota    quotadomain.Service
	usage    usagedomain.Service
}

func setupInteraction(t *testing.T) fixture {
	t.Helper()
	clk := clock.NewFakeClock(testNow)
	store := kvtest.NewFlakyStore(kvtest.NewSQLStore(t, clk))
	log := zap.NewNop()
	cfg := config.Config{Ledger: config.LedgerConfig{SessionTTLDays: 30, SessionCacheTTL: time.Minute}}

	quota := quotasvc.NewService(quotasvc.Params{
		Repo:   quotarepo.Provide(store),
		Tiers:  config.NewStaticTierConfigHolder(config.DefaultTierConfig()),
		Clock:  clk,
		Config: cfg,
		Log:    log,
	})
	sessions := sessionsvc.NewService(sessionsvc.Params{
		Repo:     sessionrepo.Provide(store),
		Clock:    clk,
		Config:   cfg,
		Log:      log,
		Activity: quota,
	})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	usage := usagesvc.NewService(usagesvc.ServiceParam{
		Repo:     usagerepo.Provide(store),
		Clock:    clk,
		Log:      log,
		GenID:    node,
		Sessions: sessions,
		Quota:    quota,
	})

	svc := New(Params{Sessions: sessions, Quota: quota, Usage: usage, Log: log})
	return fixture{svc: svc, clock: clk, store: store, sessions: sessions, quota: quota, usage: usage}
}

func acme(sessionID string) domain.BeginRequest {
	return domain.BeginRequest{
		Identity:  domain.Identity{TenantID: "acme", UserID: "u1", Tier: "basic"},
		SessionID: sessionID,
		Prompt:    sessiondomain.TextContent("summarize the report"),
	}
}

func TestDailyQuotaRejectsBeforeAgentCall(t *testing.T) {
	f := setupInteraction(t)
	ctx := context.Background()
	agent := replyingAgent(t, f.clock)

	first, err := f.svc.Run(ctx, acme(""), agent)
	require.NoError(t, err)
	sessionID := first.Usage.SessionID

	for i := 1; i < 20; i++ {
		_, err := f.svc.Run(ctx, acme(sessionID), agent)
		require.NoError(t, err, "interaction %d", i+1)
	}

	status, err := f.quota.CheckUsageLimits(ctx, "acme", "basic")
	require.NoError(t, err)
	assert.True(t, status.DailyLimitExceeded)

	_, err = f.svc.Run(ctx, acme(sessionID), agent)
	require.Error(t, err)
	assert.ErrorIs(t, err, quotadomain.ErrQuotaExceeded)
	agent.AssertNumberOfCalls(t, "Invoke", 20)

	counter, err := f.quota.GetCounter(ctx, "acme", "basic")
	require.NoError(t, err)
	assert.Equal(t, int64(20), counter.DailyUsage)
	assert.Equal(t, int64(1), counter.ActiveSessions)

	session, err := f.sessions.GetSession(ctx, "acme", "u1", sessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), session.MessageCount)
	assert.Equal(t, int64(20*150), session.TotalTokens)

	summary, err := f.usage.GetUsageSummary(ctx, "acme", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), summary.RequestCount)
	assert.True(t, summary.TotalCost.Equal(decimal.RequireFromString("0.04")))
}

func TestRunRecordsReplyAndTraceMetric(t *testing.T) {
	f := setupInteraction(t)
	ctx := context.Background()

	result, err := f.svc.Run(ctx, acme(""), replyingAgent(t, f.clock))
	require.NoError(t, err)
	require.NotNil(t, result.Reply)
	assert.Equal(t, "assistant", result.Reply.Role)
	require.NotNil(t, result.Trace)
	assert.Equal(t, usagedomain.MetricTraceAnalysis, result.Trace.MetricType)
	assert.True(t, result.Trace.Value.Equal(decimal.NewFromInt(2)))

	messages, err := f.sessions.GetMessages(ctx, sessiondomain.GetMessagesRequest{
		TenantID:  "acme",
		UserID:    "u1",
		SessionID: result.Usage.SessionID,
	})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "done", messages[1].Content.Text)
}

func TestBeginGrantsTierBudgetAndTools(t *testing.T) {
	f := setupInteraction(t)
	req := acme("")
	req.Tier = "Advanced"

	turn, err := f.svc.Begin(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "advanced", turn.Tier)
	assert.True(t, turn.Budget.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, []string{"Read", "Glob", "Grep"}, turn.AllowedTools)
	assert.Equal(t, "advanced", turn.Session.Tier)
	require.NotNil(t, turn.Prompt)
}

func TestConcurrentSessionCapOnlyBlocksNewSessions(t *testing.T) {
	f := setupInteraction(t)
	ctx := context.Background()

	one, err := f.svc.Begin(ctx, acme(""))
	require.NoError(t, err)
	_, err = f.svc.Begin(ctx, acme(""))
	require.NoError(t, err)

	_, err = f.svc.Begin(ctx, acme(""))
	var exceeded *quotadomain.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, quotadomain.DimensionConcurrent, exceeded.Dimension)

	_, err = f.svc.Begin(ctx, acme(one.Session.SessionID))
	assert.NoError(t, err)
}

func TestAgentFailureRecordsNothing(t *testing.T) {
	f := setupInteraction(t)
	ctx := context.Background()

	agent := &agentMock{}
	agent.On("Invoke", mock.Anything, mock.Anything).Return(domain.Outcome{}, errors.New("model overloaded")).Once()

	_, err := f.svc.Run(ctx, acme(""), agent)
	assert.ErrorIs(t, err, domain.ErrAgentFailed)
	agent.AssertExpectations(t)

	status, err := f.quota.CheckUsageLimits(ctx, "acme", "basic")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Counter.DailyUsage)
}

func TestQuotaStoreOutageFailsClosed(t *testing.T) {
	f := setupInteraction(t)
	f.store.SetDown(true)

	agent := &agentMock{}
	_, err := f.svc.Run(context.Background(), acme(""), agent)
	assert.ErrorIs(t, err, kvdomain.ErrStoreUnavailable)
	agent.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
}

func TestContinuingUnknownSessionFails(t *testing.T) {
	f := setupInteraction(t)
	_, err := f.svc.Begin(context.Background(), acme("s-missing"))
	assert.ErrorIs(t, err, sessiondomain.ErrSessionNotFound)
}

func TestCompleteRequiresSession(t *testing.T) {
	f := setupInteraction(t)
	_, err := f.svc.Complete(context.Background(), domain.CompleteRequest{
		Identity: domain.Identity{TenantID: "acme", UserID: "u1", Tier: "basic"},
	})
	assert.ErrorIs(t, err, domain.ErrMissingSession)
}
