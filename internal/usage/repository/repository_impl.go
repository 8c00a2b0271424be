package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	kvdomain "github.com/smallbiznis/chatledger/internal/kvstore/domain"
	"github.com/smallbiznis/chatledger/internal/usage/domain"
)

const (
	prefixUsage = "USAGE"
	prefixCost  = "COST"

	attrEventID      = "event_id"
	attrTenantID     = "tenant_id"
	attrUserID       = "user_id"
	attrSessionID    = "session_id"
	attrInputTokens  = "input_tokens"
	attrOutputTokens = "output_tokens"
	attrTotalTokens  = "total_tokens"
	attrModel        = "model"
	attrCost         = "cost"
	attrMetricType   = "metric_type"
	attrValue        = "value"
	attrMetadata     = "metadata"
	attrDate         = "date"
	attrCreatedAt    = "created_at"

	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

type repo struct {
	store kvdomain.Store
}

func Provide(store kvdomain.Store) domain.Repository {
	return &repo{store: store}
}

func (r *repo) PutUsageEvent(ctx context.Context, event domain.UsageEvent) error {
	pk, err := kvdomain.Compose(prefixUsage, event.TenantID)
	if err != nil {
		return err
	}
	sk, err := kvdomain.Compose(prefixUsage, event.Date, event.SessionID, millis(event.CreatedAt), event.EventID)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, kvdomain.Item{
		Key: kvdomain.Key{PK: pk, SK: sk},
		Attrs: map[string]any{
			attrEventID:      event.EventID,
			attrTenantID:     event.TenantID,
			attrUserID:       event.UserID,
			attrSessionID:    event.SessionID,
			attrInputTokens:  event.InputTokens,
			attrOutputTokens: event.OutputTokens,
			attrTotalTokens:  event.TotalTokens,
			attrModel:        event.Model,
			attrCost:         event.Cost.String(),
			attrDate:         event.Date,
			attrCreatedAt:    event.CreatedAt.UTC().Format(timeLayout),
		},
	})
}

func (r *repo) ListUsageEvents(ctx context.Context, tenantID, startDate, endDate string) ([]domain.UsageEvent, error) {
	q, err := dateRange(prefixUsage, tenantID, startDate, endDate)
	if err != nil {
		return nil, err
	}
	items, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return usageEventsFromItems(items), nil
}

func (r *repo) RecentUsageEvents(ctx context.Context, tenantID string, limit int) ([]domain.UsageEvent, error) {
	pk, err := kvdomain.Compose(prefixUsage, tenantID)
	if err != nil {
		return nil, err
	}
	items, err := r.store.Query(ctx, kvdomain.Query{
		PK:         pk,
		Prefix:     prefixUsage + kvdomain.Separator,
		Limit:      limit,
		Descending: true,
	})
	if err != nil {
		return nil, err
	}
	return usageEventsFromItems(items), nil
}

func (r *repo) PutCostEvent(ctx context.Context, event domain.CostEvent) error {
	pk, err := kvdomain.Compose(prefixCost, event.TenantID)
	if err != nil {
		return err
	}
	sk, err := kvdomain.Compose(prefixCost, event.Date, millis(event.CreatedAt), event.EventID)
	if err != nil {
		return err
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return r.store.Put(ctx, kvdomain.Item{
		Key: kvdomain.Key{PK: pk, SK: sk},
		Attrs: map[string]any{
			attrEventID:    event.EventID,
			attrTenantID:   event.TenantID,
			attrUserID:     event.UserID,
			attrSessionID:  event.SessionID,
			attrMetricType: event.MetricType,
			attrValue:      event.Value.String(),
			attrCost:       event.Cost.String(),
			attrMetadata:   metadata,
			attrDate:       event.Date,
			attrCreatedAt:  event.CreatedAt.UTC().Format(timeLayout),
		},
	})
}

func (r *repo) ListCostEvents(ctx context.Context, tenantID, startDate, endDate string) ([]domain.CostEvent, error) {
	q, err := dateRange(prefixCost, tenantID, startDate, endDate)
	if err != nil {
		return nil, err
	}
	items, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	events := make([]domain.CostEvent, 0, len(items))
	for _, item := range items {
		events = append(events, domain.CostEvent{
			EventID:    item.String(attrEventID),
			TenantID:   item.String(attrTenantID),
			UserID:     item.String(attrUserID),
			SessionID:  item.String(attrSessionID),
			MetricType: item.String(attrMetricType),
			Value:      decimalAttr(item, attrValue),
			Cost:       decimalAttr(item, attrCost),
			Metadata:   item.Map(attrMetadata),
			Date:       item.String(attrDate),
			CreatedAt:  item.Time(attrCreatedAt),
		})
	}
	return events, nil
}

// dateRange covers every sort key from the first event of startDate through
// the last event of endDate.
func dateRange(prefix, tenantID, startDate, endDate string) (kvdomain.Query, error) {
	pk, err := kvdomain.Compose(prefix, tenantID)
	if err != nil {
		return kvdomain.Query{}, err
	}
	from, err := kvdomain.Compose(prefix, startDate)
	if err != nil {
		return kvdomain.Query{}, err
	}
	until, err := kvdomain.Compose(prefix, endDate)
	if err != nil {
		return kvdomain.Query{}, err
	}
	return kvdomain.Query{
		PK:    pk,
		From:  from,
		Until: kvdomain.PrefixEnd(until + kvdomain.Separator),
	}, nil
}

func usageEventsFromItems(items []kvdomain.Item) []domain.UsageEvent {
	events := make([]domain.UsageEvent, 0, len(items))
	for _, item := range items {
		events = append(events, domain.UsageEvent{
			EventID:      item.String(attrEventID),
			TenantID:     item.String(attrTenantID),
			UserID:       item.String(attrUserID),
			SessionID:    item.String(attrSessionID),
			InputTokens:  item.Int(attrInputTokens),
			OutputTokens: item.Int(attrOutputTokens),
			TotalTokens:  item.Int(attrTotalTokens),
			Model:        item.String(attrModel),
			Cost:         decimalAttr(item, attrCost),
			Date:         item.String(attrDate),
			CreatedAt:    item.Time(attrCreatedAt),
		})
	}
	return events
}

func decimalAttr(item kvdomain.Item, name string) decimal.Decimal {
	raw := item.String(name)
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func millis(t time.Time) string {
	return fmt.Sprintf("%013d", t.UnixMilli())
}
