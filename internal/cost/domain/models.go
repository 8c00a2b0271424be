package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Unknown is the bucket for events missing a grouping dimension.
const Unknown = "unknown"

const (
	SourceModel  = "model"
	SourceMetric = "metric"
)

type TenantCost struct {
	TenantID     string          `json:"tenant_id"`
	StartDate    string          `json:"start_date"`
	EndDate      string          `json:"end_date"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	UsageCost    decimal.Decimal `json:"usage_cost"`
	MetricCost   decimal.Decimal `json:"metric_cost"`
	TotalTokens  int64           `json:"total_tokens"`
	RequestCount int64           `json:"request_count"`
	MetricEvents int64           `json:"metric_events"`
}

type UserCost struct {
	UserID       string          `json:"user_id"`
	Cost         decimal.Decimal `json:"cost"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
	RequestCount int64           `json:"request_count"`
}

// ServiceCost attributes cost to a model (usage events) or a metric type
// (cost events). Quantity sums the metered value of metric events.
type ServiceCost struct {
	Service     string          `json:"service"`
	Source      string          `json:"source"`
	Cost        decimal.Decimal `json:"cost"`
	Quantity    decimal.Decimal `json:"quantity"`
	TotalTokens int64           `json:"total_tokens"`
	EventCount  int64           `json:"event_count"`
}

type UserServiceCost struct {
	UserID   string          `json:"user_id"`
	Cost     decimal.Decimal `json:"cost"`
	Services []ServiceCost   `json:"services"`
}

type Report struct {
	TenantID      string            `json:"tenant_id"`
	PeriodDays    int               `json:"period_days"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Overall       TenantCost        `json:"overall"`
	PerUser       []UserCost        `json:"per_user"`
	ByService     []ServiceCost     `json:"by_service"`
	ByUserService []UserServiceCost `json:"by_user_service"`
}

type Service interface {
	TenantOverallCost(ctx context.Context, tenantID string, start, end time.Time) (TenantCost, error)
	PerUserCost(ctx context.Context, tenantID string, start, end time.Time) ([]UserCost, error)
	ServiceWiseCost(ctx context.Context, tenantID string, start, end time.Time) ([]ServiceCost, error)
	// UserServiceWiseCost groups by user and service; an empty userID
	// covers every user.
	UserServiceWiseCost(ctx context.Context, tenantID, userID string, start, end time.Time) ([]UserServiceCost, error)
	ComprehensiveReport(ctx context.Context, tenantID string, days int) (Report, error)
}

var ErrInvalidPeriod = errors.New("invalid_period")
