package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type RecordUsageRequest struct {
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	// Tier, when set, also advances the tenant's quota counters.
	Tier         string          `json:"tier"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Model        string          `json:"model"`
	Cost         decimal.Decimal `json:"cost"`
}

type RecordCostRequest struct {
	TenantID   string          `json:"tenant_id"`
	UserID     string          `json:"user_id"`
	SessionID  string          `json:"session_id"`
	MetricType string          `json:"metric_type"`
	Value      decimal.Decimal `json:"value"`
	Cost       decimal.Decimal `json:"cost"`
	Metadata   map[string]any  `json:"metadata"`
}

type Service interface {
	RecordUsage(ctx context.Context, req RecordUsageRequest) (*UsageEvent, error)
	RecordCostMetric(ctx context.Context, req RecordCostRequest) (*CostEvent, error)

	GetUsageSummary(ctx context.Context, tenantID string, days int) (UsageSummary, error)
	GetUsageMetrics(ctx context.Context, tenantID string, start, end time.Time) ([]UsageEvent, error)
	GetCostEvents(ctx context.Context, tenantID string, start, end time.Time) ([]CostEvent, error)
	GetTenantOverview(ctx context.Context, tenantID string) (TenantOverview, error)
}

// Repository persists events under date-ordered sort keys. Date bounds are
// inclusive yyyy-mm-dd strings.
type Repository interface {
	PutUsageEvent(ctx context.Context, event UsageEvent) error
	ListUsageEvents(ctx context.Context, tenantID, startDate, endDate string) ([]UsageEvent, error)
	RecentUsageEvents(ctx context.Context, tenantID string, limit int) ([]UsageEvent, error)
	PutCostEvent(ctx context.Context, event CostEvent) error
	ListCostEvents(ctx context.Context, tenantID, startDate, endDate string) ([]CostEvent, error)
}

var (
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrInvalidUser       = errors.New("invalid_user")
	ErrInvalidSession    = errors.New("invalid_session")
	ErrInvalidTokens     = errors.New("invalid_tokens")
	ErrInvalidCost       = errors.New("invalid_cost")
	ErrInvalidMetricType = errors.New("invalid_metric_type")
	ErrInvalidRange      = errors.New("invalid_range")
	// ErrUsageNotRecorded marks a usage write that failed after the
	// interaction completed; nothing is rolled back.
	ErrUsageNotRecorded = errors.New("usage_not_recorded")
)
