package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/chatledger/internal/clock"
	kvdomain "github.com/smallbiznis/chatledger/internal/kvstore/domain"
	"github.com/smallbiznis/chatledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/chatledger/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/chatledger/internal/quota/domain"
	sessiondomain "github.com/smallbiznis/chatledger/internal/session/domain"
	usagedomain "github.com/smallbiznis/chatledger/internal/usage/domain"
	"github.com/smallbiznis/chatledger/internal/usage/liveevents"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	dateLayout         = "2006-01-02"
	defaultSummaryDays = 30
	maxSummaryDays     = 366
	overviewRecent     = 10
	overviewSessions   = 200
)

type ServiceParam struct {
	fx.In

	Repo       usagedomain.Repository
	Clock      clock.Clock
	Log        *zap.Logger
	GenID      *snowflake.Node
	Sessions   sessiondomain.Service `optional:"true"`
	Quota      quotadomain.Service   `optional:"true"`
	Metrics    *obsmetrics.Metrics   `optional:"true"`
	LiveEvents *liveevents.Hub       `optional:"true"`
}

type Service struct {
	repo       usagedomain.Repository
	clock      clock.Clock
	log        *zap.Logger
	genID      *snowflake.Node
	sessions   sessiondomain.Service
	quota      quotadomain.Service
	metrics    *obsmetrics.Metrics
	liveEvents *liveevents.Hub
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		repo:       p.Repo,
		clock:      p.Clock,
		log:        p.Log.Named("usage.service"),
		genID:      p.GenID,
		sessions:   p.Sessions,
		quota:      p.Quota,
		metrics:    p.Metrics,
		liveEvents: p.LiveEvents,
	}
}

// RecordUsage writes the usage event, adds the tokens to the session and,
// when a tier is given, advances the quota counters. The three writes are
// independent: a failure in one never undoes another. Quota and usage write
// failures are returned; a token counter failure is only logged.
func (s *Service) RecordUsage(ctx context.Context, req usagedomain.RecordUsageRequest) (*usagedomain.UsageEvent, error) {
	tenantID, userID, sessionID, err := normalizeIdentity(req.TenantID, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		return nil, usagedomain.ErrInvalidTokens
	}
	if req.Cost.IsNegative() {
		return nil, usagedomain.ErrInvalidCost
	}

	now := s.clock.Now()
	event := usagedomain.UsageEvent{
		EventID:      s.genID.Generate().String(),
		TenantID:     tenantID,
		UserID:       userID,
		SessionID:    sessionID,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		TotalTokens:  req.InputTokens + req.OutputTokens,
		Model:        strings.TrimSpace(req.Model),
		Cost:         req.Cost,
		Date:         now.Format(dateLayout),
		CreatedAt:    now,
	}
	log := logger.WithSession(logger.WithTenant(s.log, tenantID, userID), sessionID)

	var errs []error
	if err := s.repo.PutUsageEvent(ctx, event); err != nil {
		log.Error("failed to record usage", zap.String("event_id", event.EventID), zap.Error(err))
		s.metrics.RecordStoreError(ctx, "usage", "record")
		errs = append(errs, fmt.Errorf("%w: %w", usagedomain.ErrUsageNotRecorded, err))
	} else {
		s.metrics.RecordUsage(ctx, req.Tier, event.Model, event.TotalTokens)
		s.publish(tenantID, liveevents.LiveEvent{
			Kind:         liveevents.KindUsage,
			EventID:      event.EventID,
			UserID:       userID,
			SessionID:    sessionID,
			Model:        event.Model,
			InputTokens:  event.InputTokens,
			OutputTokens: event.OutputTokens,
			Cost:         event.Cost.String(),
			RecordedAt:   now.Format(time.RFC3339Nano),
		})
	}

	if event.TotalTokens > 0 && s.sessions != nil {
		if err := s.sessions.AddTokens(ctx, tenantID, userID, sessionID, event.TotalTokens); err != nil {
			log.Warn("failed to add session tokens", zap.Int64("tokens", event.TotalTokens), zap.Error(err))
		}
	}

	if tier := strings.TrimSpace(req.Tier); tier != "" && s.quota != nil {
		if _, err := s.quota.IncrementUsage(ctx, tenantID, tier); err != nil {
			log.Error("quota increment failed", zap.String("tier", tier), zap.Error(err))
			s.metrics.RecordStoreError(ctx, "quota", "increment")
			errs = append(errs, err)
		}
	}

	return &event, errors.Join(errs...)
}

func (s *Service) RecordCostMetric(ctx context.Context, req usagedomain.RecordCostRequest) (*usagedomain.CostEvent, error) {
	tenantID, userID, sessionID, err := normalizeIdentity(req.TenantID, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	metricType := strings.TrimSpace(req.MetricType)
	if metricType == "" {
		return nil, usagedomain.ErrInvalidMetricType
	}
	if req.Cost.IsNegative() {
		return nil, usagedomain.ErrInvalidCost
	}

	now := s.clock.Now()
	event := usagedomain.CostEvent{
		EventID:    s.genID.Generate().String(),
		TenantID:   tenantID,
		UserID:     userID,
		SessionID:  sessionID,
		MetricType: metricType,
		Value:      req.Value,
		Cost:       req.Cost,
		Metadata:   req.Metadata,
		Date:       now.Format(dateLayout),
		CreatedAt:  now,
	}
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}

	if err := s.repo.PutCostEvent(ctx, event); err != nil {
		logger.WithSession(logger.WithTenant(s.log, tenantID, userID), sessionID).
			Error("failed to record cost metric", zap.String("metric_type", metricType), zap.Error(err))
		s.metrics.RecordStoreError(ctx, "usage", "record_cost")
		return nil, fmt.Errorf("%w: %w", usagedomain.ErrUsageNotRecorded, err)
	}
	s.publish(tenantID, liveevents.LiveEvent{
		Kind:       liveevents.KindCost,
		EventID:    event.EventID,
		UserID:     userID,
		SessionID:  sessionID,
		MetricType: metricType,
		Cost:       event.Cost.String(),
		RecordedAt: now.Format(time.RFC3339Nano),
	})
	return &event, nil
}

func (s *Service) GetUsageSummary(ctx context.Context, tenantID string, days int) (usagedomain.UsageSummary, error) {
	tenantID = strings.TrimSpace(tenantID)
	if err := kvdomain.ValidateComponent(tenantID); err != nil {
		return usagedomain.UsageSummary{}, fmt.Errorf("%w: %w", usagedomain.ErrInvalidTenant, err)
	}
	if days <= 0 {
		days = defaultSummaryDays
	}
	if days > maxSummaryDays {
		days = maxSummaryDays
	}

	now := s.clock.Now()
	summary := usagedomain.UsageSummary{
		TenantID:   tenantID,
		PeriodDays: days,
		StartDate:  now.AddDate(0, 0, -days).Format(dateLayout),
		EndDate:    now.Format(dateLayout),
		TotalCost:  decimal.Zero,
		ByDate:     map[string]usagedomain.DailyUsage{},
	}

	events, err := s.repo.ListUsageEvents(ctx, tenantID, summary.StartDate, summary.EndDate)
	if err != nil {
		return summary, err
	}

	for _, event := range events {
		summary.TotalInputTokens += event.InputTokens
		summary.TotalOutputTokens += event.OutputTokens
		summary.TotalCost = summary.TotalCost.Add(event.Cost)
		summary.RequestCount++

		date := event.Date
		if date == "" {
			date = "unknown"
		}
		day := summary.ByDate[date]
		day.InputTokens += event.InputTokens
		day.OutputTokens += event.OutputTokens
		day.Cost = day.Cost.Add(event.Cost)
		day.RequestCount++
		summary.ByDate[date] = day
	}
	summary.TotalTokens = summary.TotalInputTokens + summary.TotalOutputTokens
	return summary, nil
}

func (s *Service) GetUsageMetrics(ctx context.Context, tenantID string, start, end time.Time) ([]usagedomain.UsageEvent, error) {
	tenantID, startDate, endDate, err := normalizeRange(tenantID, start, end)
	if err != nil {
		return nil, err
	}
	return s.repo.ListUsageEvents(ctx, tenantID, startDate, endDate)
}

func (s *Service) GetCostEvents(ctx context.Context, tenantID string, start, end time.Time) ([]usagedomain.CostEvent, error) {
	tenantID, startDate, endDate, err := normalizeRange(tenantID, start, end)
	if err != nil {
		return nil, err
	}
	return s.repo.ListCostEvents(ctx, tenantID, startDate, endDate)
}

func (s *Service) GetTenantOverview(ctx context.Context, tenantID string) (usagedomain.TenantOverview, error) {
	summary, err := s.GetUsageSummary(ctx, tenantID, 7)
	if err != nil {
		return usagedomain.TenantOverview{}, err
	}
	overview := usagedomain.TenantOverview{
		TenantID:  summary.TenantID,
		Last7Days: summary,
	}

	recent, err := s.repo.RecentUsageEvents(ctx, summary.TenantID, overviewRecent)
	if err != nil {
		return usagedomain.TenantOverview{}, err
	}
	overview.RecentEvents = recent

	if s.sessions != nil {
		sessions, err := s.sessions.ListTenantSessions(ctx, summary.TenantID, overviewSessions)
		if err != nil {
			return usagedomain.TenantOverview{}, err
		}
		overview.SessionCount = len(sessions)
	}
	return overview, nil
}

func (s *Service) publish(tenantID string, event liveevents.LiveEvent) {
	if s.liveEvents == nil {
		return
	}
	s.liveEvents.Publish(tenantID, event)
}

func normalizeIdentity(tenantID, userID, sessionID string) (string, string, string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if err := kvdomain.ValidateComponent(tenantID); err != nil {
		return "", "", "", fmt.Errorf("%w: %w", usagedomain.ErrInvalidTenant, err)
	}
	userID = strings.TrimSpace(userID)
	if err := kvdomain.ValidateComponent(userID); err != nil {
		return "", "", "", fmt.Errorf("%w: %w", usagedomain.ErrInvalidUser, err)
	}
	sessionID = strings.TrimSpace(sessionID)
	if err := kvdomain.ValidateComponent(sessionID); err != nil {
		return "", "", "", fmt.Errorf("%w: %w", usagedomain.ErrInvalidSession, err)
	}
	return tenantID, userID, sessionID, nil
}

func normalizeRange(tenantID string, start, end time.Time) (string, string, string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if err := kvdomain.ValidateComponent(tenantID); err != nil {
		return "", "", "", fmt.Errorf("%w: %w", usagedomain.ErrInvalidTenant, err)
	}
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return "", "", "", usagedomain.ErrInvalidRange
	}
	return tenantID, start.UTC().Format(dateLayout), end.UTC().Format(dateLayout), nil
}
