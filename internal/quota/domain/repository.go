package domain

import (
	"context"
	"errors"
	"time"
)

// ErrResetConflict means another writer rolled the period first.
var ErrResetConflict = errors.New("reset_conflict")

type Repository interface {
	GetCounter(ctx context.Context, tenantID, tier string) (*Counter, error)
	// ResetPeriods zeroes the daily counter, and the monthly one when
	// resetMonthly is set, only if the stored period still equals expect.
	ResetPeriods(ctx context.Context, tenantID, tier string, expect, next Period, resetMonthly bool, now time.Time) error
	AddUsage(ctx context.Context, tenantID, tier string, delta int64, now time.Time) (*Counter, error)
	AddActiveSessions(ctx context.Context, tenantID, tier string, delta int64, now time.Time) (*Counter, error)
	SetActiveSessions(ctx context.Context, tenantID, tier string, value int64, now time.Time) (*Counter, error)
	PutCounter(ctx context.Context, counter Counter) error
	ListTenantsByTier(ctx context.Context, tier string) ([]string, error)
}
