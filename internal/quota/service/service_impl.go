package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/chatledger/internal/clock"
	"github.com/smallbiznis/chatledger/internal/config"
	kvdomain "github.com/smallbiznis/chatledger/internal/kvstore/domain"
	obsmetrics "github.com/smallbiznis/chatledger/internal/observability/metrics"
	"github.com/smallbiznis/chatledger/internal/quota/domain"
	"github.com/smallbiznis/chatledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	maxResetAttempts = 5
	resetLockBackoff = 20 * time.Millisecond
	resetLockKey     = "quota:reset:%s:%s"
)

type Params struct {
	fx.In

	Repo    domain.Repository
	Tiers   *config.TierConfigHolder
	Clock   clock.Clock
	Config  config.Config
	Log     *zap.Logger
	Locker  *ratelimit.Locker   `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	repo    domain.Repository
	tiers   *config.TierConfigHolder
	clock   clock.Clock
	log     *zap.Logger
	locker  *ratelimit.Locker
	lockTTL time.Duration
	metrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return NewService(p)
}

func NewService(p Params) *Service {
	lockTTL := p.Config.Quota.ResetLockTTL
	if lockTTL <= 0 {
		lockTTL = 5 * time.Second
	}
	return &Service{
		repo:    p.Repo,
		tiers:   p.Tiers,
		clock:   p.Clock,
		log:     p.Log.Named("quota.service"),
		locker:  p.Locker,
		lockTTL: lockTTL,
		metrics: p.Metrics,
	}
}

func (s *Service) CheckUsageLimits(ctx context.Context, tenantID, tier string) (domain.LimitStatus, error) {
	tenantID, tier, limits, err := s.resolve(tenantID, tier)
	if err != nil {
		return domain.LimitStatus{}, err
	}

	counter, err := s.repo.GetCounter(ctx, tenantID, tier)
	switch {
	case errors.Is(err, domain.ErrCounterNotFound):
		counter = &domain.Counter{TenantID: tenantID, Tier: tier}
	case err != nil:
		return domain.LimitStatus{}, err
	}

	view := currentView(*counter, s.clock.Now())
	return domain.LimitStatus{
		Counter:                    view,
		Limits:                     limits,
		DailyLimitExceeded:         reached(view.DailyUsage, limits.DailyLimit),
		MonthlyLimitExceeded:       reached(view.MonthlyUsage, limits.MonthlyLimit),
		ConcurrentSessionsExceeded: reached(view.ActiveSessions, limits.ConcurrentSessions),
	}, nil
}

func (s *Service) Authorize(ctx context.Context, req domain.AuthorizeRequest) (domain.LimitStatus, error) {
	status, err := s.CheckUsageLimits(ctx, req.TenantID, req.Tier)
	if err != nil {
		return status, err
	}

	dimension, exceeded := status.Exceeded(req.NewSession)
	s.metrics.RecordQuotaCheck(ctx, status.Counter.Tier, !exceeded, dimension)
	if !exceeded {
		return status, nil
	}

	usage, limit := status.Counter.DailyUsage, status.Limits.DailyLimit
	switch dimension {
	case domain.DimensionMonthly:
		usage, limit = status.Counter.MonthlyUsage, status.Limits.MonthlyLimit
	case domain.DimensionConcurrent:
		usage, limit = status.Counter.ActiveSessions, status.Limits.ConcurrentSessions
	}
	return status, &domain.ExceededError{
		TenantID:  status.Counter.TenantID,
		Tier:      status.Counter.Tier,
		Dimension: dimension,
		Usage:     usage,
		Limit:     limit,
	}
}

func (s *Service) IncrementUsage(ctx context.Context, tenantID, tier string) (domain.Counter, error) {
	tenantID, tier, _, err := s.resolve(tenantID, tier)
	if err != nil {
		return domain.Counter{}, err
	}

	now := s.clock.Now()
	if err := s.rollover(ctx, tenantID, tier, now); err != nil {
		s.log.Warn("quota period reset failed", zap.String("tenant_id", tenantID), zap.String("tier", tier), zap.Error(err))
		return domain.Counter{}, err
	}

	counter, err := s.repo.AddUsage(ctx, tenantID, tier, 1, now)
	if err != nil {
		s.log.Warn("quota increment failed", zap.String("tenant_id", tenantID), zap.String("tier", tier), zap.Error(err))
		return domain.Counter{}, err
	}
	return *counter, nil
}

// rollover moves the stored counter into the current period. The reset is a
// compare-and-set on the stored period, so concurrent writers reset at most
// once; the Redis lock only keeps them from racing on the same item.
func (s *Service) rollover(ctx context.Context, tenantID, tier string, now time.Time) error {
	period := domain.PeriodAt(now)

	for attempt := 1; attempt <= maxResetAttempts; attempt++ {
		stored := domain.Period{}
		counter, err := s.repo.GetCounter(ctx, tenantID, tier)
		switch {
		case errors.Is(err, domain.ErrCounterNotFound):
		case err != nil:
			return err
		default:
			stored = counter.Reset
		}

		resetDaily := stored.Day < period.Day
		resetMonthly := stored.Month < period.Month
		if !resetDaily && !resetMonthly {
			return nil
		}

		release, wait := s.acquireResetLock(ctx, tenantID, tier, attempt == maxResetAttempts)
		if wait {
			if err := sleepCtx(ctx, resetLockBackoff); err != nil {
				return err
			}
			continue
		}

		err = s.repo.ResetPeriods(ctx, tenantID, tier, stored, period, resetMonthly, now)
		release()
		if errors.Is(err, domain.ErrResetConflict) {
			continue
		}
		if err != nil {
			return err
		}
		s.log.Info("quota period reset",
			zap.String("tenant_id", tenantID),
			zap.String("tier", tier),
			zap.Bool("monthly", resetMonthly),
		)
		return nil
	}
	return nil
}

// acquireResetLock returns wait=true when another node holds the lock and the
// caller should re-read. Lock errors fall through to the unguarded CAS.
func (s *Service) acquireResetLock(ctx context.Context, tenantID, tier string, last bool) (release func(), wait bool) {
	release = func() {}
	if !s.locker.Enabled() || last {
		return release, false
	}
	key := fmt.Sprintf(resetLockKey, tenantID, tier)
	token, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
	if err != nil {
		s.log.Warn("quota reset lock unavailable", zap.String("key", key), zap.Error(err))
		return release, false
	}
	if !ok {
		return release, true
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("quota reset lock release failed", zap.String("key", key), zap.Error(err))
		}
	}, false
}

func (s *Service) SessionOpened(ctx context.Context, tenantID, tier string) error {
	return s.adjustActive(ctx, tenantID, tier, 1)
}

func (s *Service) SessionClosed(ctx context.Context, tenantID, tier string) error {
	return s.adjustActive(ctx, tenantID, tier, -1)
}

func (s *Service) adjustActive(ctx context.Context, tenantID, tier string, delta int64) error {
	tenantID, tier, _, err := s.resolve(tenantID, tier)
	if err != nil {
		return err
	}
	_, err = s.repo.AddActiveSessions(ctx, tenantID, tier, delta, s.clock.Now())
	return err
}

func (s *Service) Reconcile(ctx context.Context, tenantID, tier string, live int64) (domain.Counter, error) {
	tenantID, tier, _, err := s.resolve(tenantID, tier)
	if err != nil {
		return domain.Counter{}, err
	}
	if live < 0 {
		live = 0
	}
	counter, err := s.repo.SetActiveSessions(ctx, tenantID, tier, live, s.clock.Now())
	if err != nil {
		return domain.Counter{}, err
	}
	return *counter, nil
}

func (s *Service) GetCounter(ctx context.Context, tenantID, tier string) (domain.Counter, error) {
	tenantID, tier, _, err := s.resolve(tenantID, tier)
	if err != nil {
		return domain.Counter{}, err
	}
	counter, err := s.repo.GetCounter(ctx, tenantID, tier)
	if err != nil {
		return domain.Counter{}, err
	}
	return *counter, nil
}

// PutCounter overwrites a counter wholesale. The stored period is taken
// from LastResetDate, defaulting to today.
func (s *Service) PutCounter(ctx context.Context, counter domain.Counter) error {
	tenantID, tier, _, err := s.resolve(counter.TenantID, counter.Tier)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	counter.TenantID, counter.Tier = tenantID, tier
	counter.UpdatedAt = now

	resetAt := now
	if counter.LastResetDate != "" {
		parsed, err := time.Parse("2006-01-02", counter.LastResetDate)
		if err != nil {
			return fmt.Errorf("invalid last_reset_date %q: %w", counter.LastResetDate, err)
		}
		resetAt = parsed
	} else {
		counter.LastResetDate = now.Format("2006-01-02")
	}
	counter.Reset = domain.PeriodAt(resetAt)
	return s.repo.PutCounter(ctx, counter)
}

func (s *Service) ListTenantsByTier(ctx context.Context, tier string) ([]string, error) {
	tier = normalizeTier(tier)
	if _, ok := s.tiers.Lookup(tier); !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownTier, tier)
	}
	return s.repo.ListTenantsByTier(ctx, tier)
}

func (s *Service) TierBudget(tier string) (decimal.Decimal, error) {
	limits, ok := s.tiers.Lookup(tier)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", domain.ErrUnknownTier, tier)
	}
	budget, err := decimal.NewFromString(strings.TrimSpace(limits.RequestBudgetUSD))
	if err != nil {
		return decimal.Zero, fmt.Errorf("tier %q budget: %w", tier, err)
	}
	return budget, nil
}

func (s *Service) AllowedTools(tier string) ([]string, error) {
	limits, ok := s.tiers.Lookup(tier)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownTier, tier)
	}
	return append([]string(nil), limits.AllowedTools...), nil
}

func (s *Service) resolve(tenantID, tier string) (string, string, domain.Limits, error) {
	tenantID = strings.TrimSpace(tenantID)
	if err := kvdomain.ValidateComponent(tenantID); err != nil {
		return "", "", domain.Limits{}, fmt.Errorf("%w: %w", domain.ErrInvalidTenant, err)
	}
	tier = normalizeTier(tier)
	limits, ok := s.tiers.Lookup(tier)
	if !ok {
		return "", "", domain.Limits{}, fmt.Errorf("%w: %q", domain.ErrUnknownTier, tier)
	}
	return tenantID, tier, domain.Limits{
		DailyLimit:         limits.DailyLimit,
		MonthlyLimit:       limits.MonthlyLimit,
		ConcurrentSessions: limits.ConcurrentSessions,
	}, nil
}

// currentView zeroes the counters whose period has passed without writing.
func currentView(counter domain.Counter, now time.Time) domain.Counter {
	period := domain.PeriodAt(now)
	if counter.Reset.Day < period.Day {
		counter.DailyUsage = 0
	}
	if counter.Reset.Month < period.Month {
		counter.MonthlyUsage = 0
	}
	if counter.ActiveSessions < 0 {
		counter.ActiveSessions = 0
	}
	return counter
}

// A non-positive limit is unlimited.
func reached(usage, limit int64) bool {
	return limit > 0 && usage >= limit
}

func normalizeTier(tier string) string {
	return strings.ToLower(strings.TrimSpace(tier))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
