package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/chatledger/internal/interaction/domain"
	"github.com/smallbiznis/chatledger/internal/observability/logger"
	quotadomain "github.com/smallbiznis/chatledger/internal/quota/domain"
	"github.com/smallbiznis/chatledger/internal/ratelimit"
	sessiondomain "github.com/smallbiznis/chatledger/internal/session/domain"
	usagedomain "github.com/smallbiznis/chatledger/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Sessions sessiondomain.Service
	Quota    quotadomain.Service
	Usage    usagedomain.Service
	Log      *zap.Logger
	Limiter  *ratelimit.TenantLimiter `optional:"true"`
}

type Service struct {
	sessions sessiondomain.Service
	quota    quotadomain.Service
	usage    usagedomain.Service
	log      *zap.Logger
	limiter  *ratelimit.TenantLimiter
}

func New(p Params) domain.Service {
	return &Service{
		sessions: p.Sessions,
		quota:    p.Quota,
		usage:    p.Usage,
		log:      p.Log.Named("interaction.service"),
		limiter:  p.Limiter,
	}
}

// Begin authorizes a turn before any agent call. Quota errors, including
// store failures, reject the turn.
func (s *Service) Begin(ctx context.Context, req domain.BeginRequest) (*domain.Turn, error) {
	id := normalizeIdentity(req.Identity)
	sessionID := strings.TrimSpace(req.SessionID)
	log := logger.WithTenant(s.log, id.TenantID, id.UserID)

	if s.limiter.Enabled() {
		res, err := s.limiter.AllowTenant(ctx, id.TenantID)
		switch {
		case err != nil:
			log.Warn("tenant rate limiter unavailable", zap.Error(err))
		case !res.Allowed:
			return nil, fmt.Errorf("%w: retry after %s", domain.ErrRateLimited, res.RetryAfter)
		}
	}

	status, err := s.quota.Authorize(ctx, quotadomain.AuthorizeRequest{
		TenantID:   id.TenantID,
		Tier:       id.Tier,
		NewSession: sessionID == "",
	})
	if err != nil {
		if errors.Is(err, quotadomain.ErrQuotaExceeded) {
			log.Info("interaction rejected by quota", zap.String("tier", id.Tier), zap.Error(err))
		} else {
			log.Error("quota check failed, rejecting interaction", zap.String("tier", id.Tier), zap.Error(err))
		}
		return nil, err
	}

	var session *sessiondomain.Session
	if sessionID != "" {
		session, err = s.sessions.GetSession(ctx, id.TenantID, id.UserID, sessionID)
	} else {
		session, err = s.sessions.CreateSession(ctx, sessiondomain.CreateSessionRequest{
			TenantID: id.TenantID,
			UserID:   id.UserID,
			Title:    req.Title,
			Metadata: req.Metadata,
			Tier:     id.Tier,
		})
	}
	if err != nil {
		return nil, err
	}

	turn := &domain.Turn{
		Identity: id,
		Session:  *session,
		Quota:    status,
		Budget:   decimal.Zero,
	}
	if budget, err := s.quota.TierBudget(id.Tier); err == nil {
		turn.Budget = budget
	}
	if tools, err := s.quota.AllowedTools(id.Tier); err == nil {
		turn.AllowedTools = tools
	}

	if !req.Prompt.Empty() {
		prompt, err := s.sessions.AppendMessage(ctx, sessiondomain.AppendMessageRequest{
			TenantID:  id.TenantID,
			UserID:    id.UserID,
			SessionID: session.SessionID,
			Role:      "user",
			Content:   req.Prompt,
		})
		if err != nil {
			return nil, err
		}
		turn.Prompt = prompt
	}
	return turn, nil
}

// Complete records the agent's outcome. Writes are independent; the first
// failures are returned after every write has been attempted.
func (s *Service) Complete(ctx context.Context, req domain.CompleteRequest) (*domain.Result, error) {
	id := normalizeIdentity(req.Identity)
	outcome := req.Outcome
	sessionID := strings.TrimSpace(outcome.SessionID)
	if sessionID == "" {
		return nil, domain.ErrMissingSession
	}
	log := logger.WithSession(logger.WithTenant(s.log, id.TenantID, id.UserID), sessionID)

	result := &domain.Result{}
	var errs []error

	event, err := s.usage.RecordUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:     id.TenantID,
		UserID:       id.UserID,
		SessionID:    sessionID,
		Tier:         id.Tier,
		InputTokens:  outcome.InputTokens,
		OutputTokens: outcome.OutputTokens,
		Model:        outcome.Model,
		Cost:         outcome.Cost,
	})
	result.Usage = event
	if err != nil {
		errs = append(errs, err)
	}

	if outcome.TraceSummary != nil && outcome.TraceSummary.TotalTraces > 0 {
		trace, err := s.usage.RecordCostMetric(ctx, usagedomain.RecordCostRequest{
			TenantID:   id.TenantID,
			UserID:     id.UserID,
			SessionID:  sessionID,
			MetricType: usagedomain.MetricTraceAnalysis,
			Value:      decimal.NewFromInt(outcome.TraceSummary.TotalTraces),
			Metadata:   map[string]any{"model": outcome.Model},
		})
		if err != nil {
			log.Warn("failed to record trace metric", zap.Error(err))
		}
		result.Trace = trace
	}

	if strings.TrimSpace(outcome.ResultText) != "" {
		reply, err := s.sessions.AppendMessage(ctx, sessiondomain.AppendMessageRequest{
			TenantID:  id.TenantID,
			UserID:    id.UserID,
			SessionID: sessionID,
			Role:      "assistant",
			Content:   sessiondomain.TextContent(outcome.ResultText),
			Metadata:  map[string]any{"model": outcome.Model},
		})
		if err != nil {
			errs = append(errs, err)
		}
		result.Reply = reply
	}

	return result, errors.Join(errs...)
}

func (s *Service) Run(ctx context.Context, req domain.BeginRequest, agent domain.Agent) (*domain.Result, error) {
	turn, err := s.Begin(ctx, req)
	if err != nil {
		return nil, err
	}

	outcome, err := agent.Invoke(ctx, *turn)
	if err != nil {
		logger.WithSession(logger.WithTenant(s.log, turn.TenantID, turn.UserID), turn.Session.SessionID).
			Warn("agent call failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", domain.ErrAgentFailed, err)
	}
	if outcome.SessionID == "" {
		outcome.SessionID = turn.Session.SessionID
	}
	return s.Complete(ctx, domain.CompleteRequest{Identity: turn.Identity, Outcome: outcome})
}

func normalizeIdentity(id domain.Identity) domain.Identity {
	return domain.Identity{
		TenantID: strings.TrimSpace(id.TenantID),
		UserID:   strings.TrimSpace(id.UserID),
		Tier:     strings.ToLower(strings.TrimSpace(id.Tier)),
	}
}
