package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/chatledger/internal/config"
	"go.uber.org/fx"
)

const keyTenantRequests = "ratelimit:tenant:%s"

// TenantLimiter throttles request bursts per tenant. It sits in front of the
// quota check and is independent of the daily and monthly counters.
type TenantLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

type TenantLimiterParams struct {
	fx.In

	Config config.Config
	Redis  redis.UniversalClient `optional:"true"`
}

func NewTenantLimiter(p TenantLimiterParams) (*TenantLimiter, error) {
	limitCfg := p.Config.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if p.Redis == nil {
		return nil, errors.New("rate limit requires REDIS_ADDR")
	}
	if limitCfg.TenantRate <= 0 || limitCfg.TenantBurst <= 0 {
		return nil, errors.New("tenant rate limit must be positive")
	}
	return &TenantLimiter{
		enabled: true,
		bucket:  NewTokenBucket(p.Redis),
		rate:    limitCfg.TenantRate,
		burst:   limitCfg.TenantBurst,
	}, nil
}

func (l *TenantLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *TenantLimiter) AllowTenant(ctx context.Context, tenantID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyTenantRequests, strings.TrimSpace(tenantID)), l.rate, l.burst)
}
