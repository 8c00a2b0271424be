package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type AuthorizeRequest struct {
	TenantID string
	Tier     string
	// NewSession also enforces the concurrent-session cap.
	NewSession bool
}

type Service interface {
	CheckUsageLimits(ctx context.Context, tenantID, tier string) (LimitStatus, error)
	Authorize(ctx context.Context, req AuthorizeRequest) (LimitStatus, error)
	IncrementUsage(ctx context.Context, tenantID, tier string) (Counter, error)

	SessionOpened(ctx context.Context, tenantID, tier string) error
	SessionClosed(ctx context.Context, tenantID, tier string) error
	Reconcile(ctx context.Context, tenantID, tier string, live int64) (Counter, error)

	GetCounter(ctx context.Context, tenantID, tier string) (Counter, error)
	PutCounter(ctx context.Context, counter Counter) error
	ListTenantsByTier(ctx context.Context, tier string) ([]string, error)

	TierBudget(tier string) (decimal.Decimal, error)
	AllowedTools(tier string) ([]string, error)
}

// LiveSessionCounter reports how many sessions are actually open; used to
// correct the soft active_sessions counter.
type LiveSessionCounter interface {
	CountActiveSessions(ctx context.Context, tenantID, tier string) (int64, error)
}

var (
	ErrQuotaExceeded   = errors.New("quota_exceeded")
	ErrUnknownTier     = errors.New("unknown_tier")
	ErrInvalidTenant   = errors.New("invalid_tenant")
	ErrCounterNotFound = errors.New("counter_not_found")
)
