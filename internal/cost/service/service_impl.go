package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/chatledger/internal/clock"
	"github.com/smallbiznis/chatledger/internal/cost/domain"
	usagedomain "github.com/smallbiznis/chatledger/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	dateLayout        = "2006-01-02"
	defaultReportDays = 30
	maxReportDays     = 366
)

type Params struct {
	fx.In

	Usage usagedomain.Service
	Clock clock.Clock
	Log   *zap.Logger
}

type Service struct {
	usage usagedomain.Service
	clock clock.Clock
	log   *zap.Logger
}

func New(p Params) domain.Service {
	return &Service{
		usage: p.Usage,
		clock: p.Clock,
		log:   p.Log.Named("cost.service"),
	}
}

type events struct {
	usage   []usagedomain.UsageEvent
	metrics []usagedomain.CostEvent
}

func (s *Service) load(ctx context.Context, tenantID string, start, end time.Time) (events, error) {
	usage, err := s.usage.GetUsageMetrics(ctx, tenantID, start, end)
	if err != nil {
		return events{}, err
	}
	metrics, err := s.usage.GetCostEvents(ctx, tenantID, start, end)
	if err != nil {
		return events{}, err
	}
	return events{usage: usage, metrics: metrics}, nil
}

func (s *Service) TenantOverallCost(ctx context.Context, tenantID string, start, end time.Time) (domain.TenantCost, error) {
	ev, err := s.load(ctx, tenantID, start, end)
	if err != nil {
		return domain.TenantCost{}, err
	}
	return overall(strings.TrimSpace(tenantID), start, end, ev), nil
}

func (s *Service) PerUserCost(ctx context.Context, tenantID string, start, end time.Time) ([]domain.UserCost, error) {
	ev, err := s.load(ctx, tenantID, start, end)
	if err != nil {
		return nil, err
	}
	return perUser(ev), nil
}

func (s *Service) ServiceWiseCost(ctx context.Context, tenantID string, start, end time.Time) ([]domain.ServiceCost, error) {
	ev, err := s.load(ctx, tenantID, start, end)
	if err != nil {
		return nil, err
	}
	return byService(ev), nil
}

func (s *Service) UserServiceWiseCost(ctx context.Context, tenantID, userID string, start, end time.Time) ([]domain.UserServiceCost, error) {
	ev, err := s.load(ctx, tenantID, start, end)
	if err != nil {
		return nil, err
	}
	return byUserService(ev, strings.TrimSpace(userID)), nil
}

// ComprehensiveReport reads the range once and reduces it every way.
func (s *Service) ComprehensiveReport(ctx context.Context, tenantID string, days int) (domain.Report, error) {
	if days < 0 {
		return domain.Report{}, domain.ErrInvalidPeriod
	}
	if days == 0 {
		days = defaultReportDays
	}
	if days > maxReportDays {
		days = maxReportDays
	}

	now := s.clock.Now()
	start := now.AddDate(0, 0, -days)
	ev, err := s.load(ctx, tenantID, start, now)
	if err != nil {
		return domain.Report{}, err
	}

	tenantID = strings.TrimSpace(tenantID)
	report := domain.Report{
		TenantID:      tenantID,
		PeriodDays:    days,
		GeneratedAt:   now,
		Overall:       overall(tenantID, start, now, ev),
		PerUser:       perUser(ev),
		ByService:     byService(ev),
		ByUserService: byUserService(ev, ""),
	}
	s.log.Debug("cost report built",
		zap.String("tenant_id", tenantID),
		zap.Int("days", days),
		zap.Int("usage_events", len(ev.usage)),
		zap.Int("metric_events", len(ev.metrics)),
	)
	return report, nil
}

func overall(tenantID string, start, end time.Time, ev events) domain.TenantCost {
	out := domain.TenantCost{
		TenantID:   tenantID,
		StartDate:  start.UTC().Format(dateLayout),
		EndDate:    end.UTC().Format(dateLayout),
		TotalCost:  decimal.Zero,
		UsageCost:  decimal.Zero,
		MetricCost: decimal.Zero,
	}
	for _, e := range ev.usage {
		out.UsageCost = out.UsageCost.Add(e.Cost)
		out.TotalTokens += e.TotalTokens
		out.RequestCount++
	}
	for _, e := range ev.metrics {
		out.MetricCost = out.MetricCost.Add(e.Cost)
		out.MetricEvents++
	}
	out.TotalCost = out.UsageCost.Add(out.MetricCost)
	return out
}

func perUser(ev events) []domain.UserCost {
	users := map[string]*domain.UserCost{}
	get := func(userID string) *domain.UserCost {
		key := bucket(userID)
		u, ok := users[key]
		if !ok {
			u = &domain.UserCost{UserID: key, Cost: decimal.Zero}
			users[key] = u
		}
		return u
	}

	for _, e := range ev.usage {
		u := get(e.UserID)
		u.Cost = u.Cost.Add(e.Cost)
		u.InputTokens += e.InputTokens
		u.OutputTokens += e.OutputTokens
		u.TotalTokens += e.TotalTokens
		u.RequestCount++
	}
	for _, e := range ev.metrics {
		u := get(e.UserID)
		u.Cost = u.Cost.Add(e.Cost)
	}

	out := make([]domain.UserCost, 0, len(users))
	for _, u := range users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Cost.Cmp(out[j].Cost); c != 0 {
			return c > 0
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

type serviceKey struct {
	source string
	name   string
}

type serviceTally map[serviceKey]*domain.ServiceCost

func (t serviceTally) get(source, name string) *domain.ServiceCost {
	key := serviceKey{source: source, name: bucket(name)}
	sc, ok := t[key]
	if !ok {
		sc = &domain.ServiceCost{Service: key.name, Source: source, Cost: decimal.Zero, Quantity: decimal.Zero}
		t[key] = sc
	}
	return sc
}

func (t serviceTally) addUsage(e usagedomain.UsageEvent) {
	sc := t.get(domain.SourceModel, e.Model)
	sc.Cost = sc.Cost.Add(e.Cost)
	sc.TotalTokens += e.TotalTokens
	sc.EventCount++
}

func (t serviceTally) addMetric(e usagedomain.CostEvent) {
	sc := t.get(domain.SourceMetric, e.MetricType)
	sc.Cost = sc.Cost.Add(e.Cost)
	sc.Quantity = sc.Quantity.Add(e.Value)
	sc.EventCount++
}

func (t serviceTally) sorted() []domain.ServiceCost {
	out := make([]domain.ServiceCost, 0, len(t))
	for _, sc := range t {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Cost.Cmp(out[j].Cost); c != 0 {
			return c > 0
		}
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Service < out[j].Service
	})
	return out
}

func byService(ev events) []domain.ServiceCost {
	tally := serviceTally{}
	for _, e := range ev.usage {
		tally.addUsage(e)
	}
	for _, e := range ev.metrics {
		tally.addMetric(e)
	}
	return tally.sorted()
}

func byUserService(ev events, userID string) []domain.UserServiceCost {
	users := map[string]serviceTally{}
	tallyFor := func(user string) serviceTally {
		key := bucket(user)
		t, ok := users[key]
		if !ok {
			t = serviceTally{}
			users[key] = t
		}
		return t
	}
	matches := func(user string) bool {
		return userID == "" || bucket(user) == userID
	}

	for _, e := range ev.usage {
		if matches(e.UserID) {
			tallyFor(e.UserID).addUsage(e)
		}
	}
	for _, e := range ev.metrics {
		if matches(e.UserID) {
			tallyFor(e.UserID).addMetric(e)
		}
	}

	out := make([]domain.UserServiceCost, 0, len(users))
	for user, tally := range users {
		entry := domain.UserServiceCost{UserID: user, Cost: decimal.Zero, Services: tally.sorted()}
		for _, sc := range entry.Services {
			entry.Cost = entry.Cost.Add(sc.Cost)
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Cost.Cmp(out[j].Cost); c != 0 {
			return c > 0
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func bucket(value string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return domain.Unknown
}
