package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	quotadomain "github.com/smallbiznis/chatledger/internal/quota/domain"
	sessiondomain "github.com/smallbiznis/chatledger/internal/session/domain"
	usagedomain "github.com/smallbiznis/chatledger/internal/usage/domain"
)

// Identity is supplied by the authentication layer and trusted verbatim.
type Identity struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Tier     string `json:"tier"`
}

type BeginRequest struct {
	Identity
	// SessionID continues an existing session; empty opens a new one.
	SessionID string                `json:"session_id"`
	Title     string                `json:"title"`
	Prompt    sessiondomain.Content `json:"prompt"`
	Metadata  map[string]any        `json:"metadata"`
}

// Turn is an authorized interaction waiting for the agent's answer.
type Turn struct {
	Identity
	Session      sessiondomain.Session   `json:"session"`
	Prompt       *sessiondomain.Message  `json:"prompt,omitempty"`
	Quota        quotadomain.LimitStatus `json:"quota"`
	Budget       decimal.Decimal         `json:"budget"`
	AllowedTools []string                `json:"allowed_tools"`
}

type TraceSummary struct {
	TotalTraces int64 `json:"total_traces"`
}

// Outcome is what the agent layer reports after a completed call.
type Outcome struct {
	SessionID    string          `json:"session_id"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Model        string          `json:"model"`
	Cost         decimal.Decimal `json:"cost"`
	ResultText   string          `json:"result_text"`
	TraceSummary *TraceSummary   `json:"trace_summary,omitempty"`
}

type CompleteRequest struct {
	Identity
	Outcome Outcome `json:"outcome"`
}

type Result struct {
	Reply *sessiondomain.Message  `json:"reply,omitempty"`
	Usage *usagedomain.UsageEvent `json:"usage,omitempty"`
	Trace *usagedomain.CostEvent  `json:"trace,omitempty"`
}

// Agent produces the answer for an authorized turn.
type Agent interface {
	Invoke(ctx context.Context, turn Turn) (Outcome, error)
}

type Service interface {
	Begin(ctx context.Context, req BeginRequest) (*Turn, error)
	Complete(ctx context.Context, req CompleteRequest) (*Result, error)
	Run(ctx context.Context, req BeginRequest, agent Agent) (*Result, error)
}

var (
	ErrRateLimited    = errors.New("rate_limited")
	ErrMissingSession = errors.New("missing_session")
	ErrAgentFailed    = errors.New("agent_failed")
)
