// Package domain contains the usage and cost event ledger models.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const MetricTraceAnalysis = "trace_analysis"

// UsageEvent is one immutable record of token consumption by an interaction.
type UsageEvent struct {
	EventID      string          `json:"event_id"`
	TenantID     string          `json:"tenant_id"`
	UserID       string          `json:"user_id"`
	SessionID    string          `json:"session_id"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
	Model        string          `json:"model"`
	Cost         decimal.Decimal `json:"cost"`
	Date         string          `json:"date"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CostEvent records a non-token cost driver. Value is the metered quantity;
// Cost is its monetary amount and may be zero.
type CostEvent struct {
	EventID    string          `json:"event_id"`
	TenantID   string          `json:"tenant_id"`
	UserID     string          `json:"user_id"`
	SessionID  string          `json:"session_id"`
	MetricType string          `json:"metric_type"`
	Value      decimal.Decimal `json:"value"`
	Cost       decimal.Decimal `json:"cost"`
	Metadata   map[string]any  `json:"metadata"`
	Date       string          `json:"date"`
	CreatedAt  time.Time       `json:"created_at"`
}

type DailyUsage struct {
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Cost         decimal.Decimal `json:"cost"`
	RequestCount int64           `json:"request_count"`
}

type UsageSummary struct {
	TenantID          string                `json:"tenant_id"`
	PeriodDays        int                   `json:"period_days"`
	StartDate         string                `json:"start_date"`
	EndDate           string                `json:"end_date"`
	TotalInputTokens  int64                 `json:"total_input_tokens"`
	TotalOutputTokens int64                 `json:"total_output_tokens"`
	TotalTokens       int64                 `json:"total_tokens"`
	TotalCost         decimal.Decimal       `json:"total_cost"`
	RequestCount      int64                 `json:"request_count"`
	ByDate            map[string]DailyUsage `json:"by_date"`
}

type TenantOverview struct {
	TenantID     string       `json:"tenant_id"`
	SessionCount int          `json:"session_count"`
	RecentEvents []UsageEvent `json:"recent_events"`
	Last7Days    UsageSummary `json:"last_7_days"`
}
