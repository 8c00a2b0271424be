package domain

import (
	"fmt"
	"time"
)

const (
	DimensionDaily      = "daily"
	DimensionMonthly    = "monthly"
	DimensionConcurrent = "concurrent_sessions"
)

// Counter is the usage state of one tenant on one tier.
type Counter struct {
	TenantID       string    `json:"tenant_id"`
	Tier           string    `json:"tier"`
	DailyUsage     int64     `json:"daily_usage"`
	MonthlyUsage   int64     `json:"monthly_usage"`
	ActiveSessions int64     `json:"active_sessions"`
	LastResetDate  string    `json:"last_reset_date"`
	UpdatedAt      time.Time `json:"updated_at"`

	Reset Period `json:"-"`
}

type Limits struct {
	DailyLimit         int64 `json:"daily_limit"`
	MonthlyLimit       int64 `json:"monthly_limit"`
	ConcurrentSessions int64 `json:"concurrent_sessions"`
}

// LimitStatus is a read-only evaluation of a counter against its tier.
type LimitStatus struct {
	Counter                    Counter `json:"counter"`
	Limits                     Limits  `json:"limits"`
	DailyLimitExceeded         bool    `json:"daily_limit_exceeded"`
	MonthlyLimitExceeded       bool    `json:"monthly_limit_exceeded"`
	ConcurrentSessionsExceeded bool    `json:"concurrent_sessions_exceeded"`
}

// Exceeded reports the first exhausted dimension. Concurrency only counts
// when a new session is about to open.
func (s LimitStatus) Exceeded(newSession bool) (string, bool) {
	switch {
	case s.DailyLimitExceeded:
		return DimensionDaily, true
	case s.MonthlyLimitExceeded:
		return DimensionMonthly, true
	case newSession && s.ConcurrentSessionsExceeded:
		return DimensionConcurrent, true
	default:
		return "", false
	}
}

// ExceededError is returned by Authorize; it matches ErrQuotaExceeded.
type ExceededError struct {
	TenantID  string
	Tier      string
	Dimension string
	Usage     int64
	Limit     int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota_exceeded: %s %d/%d for tenant %s on tier %s", e.Dimension, e.Usage, e.Limit, e.TenantID, e.Tier)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Period identifies the calendar day and month a counter was last reset in.
type Period struct {
	Day   int64
	Month int64
}

// PeriodAt returns the UTC day (days since the Unix epoch) and month
// (year*12 + month-1) containing t.
func PeriodAt(t time.Time) Period {
	t = t.UTC()
	return Period{
		Day:   t.Unix() / 86400,
		Month: int64(t.Year())*12 + int64(t.Month()) - 1,
	}
}
