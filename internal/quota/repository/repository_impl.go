package repository

import (
	"context"
	"errors"
	"time"

	kvdomain "github.com/smallbiznis/chatledger/internal/kvstore/domain"
	"github.com/smallbiznis/chatledger/internal/quota/domain"
)

const (
	attrTenantID      = "tenant_id"
	attrTier          = "tier"
	attrLastResetDate = "last_reset_date"
	attrUpdatedAt     = "updated_at"

	counterDaily      = "daily_usage"
	counterMonthly    = "monthly_usage"
	counterActive     = "active_sessions"
	counterResetDay   = "reset_day"
	counterResetMonth = "reset_month"

	dateLayout = "2006-01-02"
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

type repo struct {
	store kvdomain.Store
}

func Provide(store kvdomain.Store) domain.Repository {
	return &repo{store: store}
}

// CounterKey addresses the single current counter of a tenant on a tier.
func CounterKey(tenantID, tier string) (kvdomain.Key, error) {
	pk, err := kvdomain.Compose("SUB", tenantID)
	if err != nil {
		return kvdomain.Key{}, err
	}
	sk, err := kvdomain.Compose("SUB", tier, "current")
	if err != nil {
		return kvdomain.Key{}, err
	}
	return kvdomain.Key{PK: pk, SK: sk}, nil
}

func tierIndex(tenantID, tier string) (*kvdomain.IndexKey, error) {
	ipk, err := kvdomain.Compose("TIER", tier)
	if err != nil {
		return nil, err
	}
	isk, err := kvdomain.Compose("TENANT", tenantID)
	if err != nil {
		return nil, err
	}
	return &kvdomain.IndexKey{PK: ipk, SK: isk}, nil
}

func (r *repo) GetCounter(ctx context.Context, tenantID, tier string) (*domain.Counter, error) {
	key, err := CounterKey(tenantID, tier)
	if err != nil {
		return nil, err
	}
	item, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvdomain.ErrNotFound) {
			return nil, domain.ErrCounterNotFound
		}
		return nil, err
	}
	counter := counterFromItem(*item)
	return &counter, nil
}

func (r *repo) ResetPeriods(ctx context.Context, tenantID, tier string, expect, next domain.Period, resetMonthly bool, now time.Time) error {
	key, err := CounterKey(tenantID, tier)
	if err != nil {
		return err
	}
	index, err := tierIndex(tenantID, tier)
	if err != nil {
		return err
	}

	setCounters := map[string]int64{
		counterDaily:      0,
		counterResetDay:   next.Day,
		counterResetMonth: next.Month,
	}
	if resetMonthly {
		setCounters[counterMonthly] = 0
	}

	_, err = r.store.Update(ctx, key, kvdomain.Update{
		Set:         identityAttrs(tenantID, tier, now, true),
		SetCounters: setCounters,
		Index:       index,
		IfCounters: map[string]int64{
			counterResetDay:   expect.Day,
			counterResetMonth: expect.Month,
		},
	})
	if errors.Is(err, kvdomain.ErrConditionFailed) {
		return domain.ErrResetConflict
	}
	return err
}

func (r *repo) AddUsage(ctx context.Context, tenantID, tier string, delta int64, now time.Time) (*domain.Counter, error) {
	return r.add(ctx, tenantID, tier, map[string]int64{counterDaily: delta, counterMonthly: delta}, now)
}

func (r *repo) AddActiveSessions(ctx context.Context, tenantID, tier string, delta int64, now time.Time) (*domain.Counter, error) {
	return r.add(ctx, tenantID, tier, map[string]int64{counterActive: delta}, now)
}

func (r *repo) add(ctx context.Context, tenantID, tier string, add map[string]int64, now time.Time) (*domain.Counter, error) {
	key, err := CounterKey(tenantID, tier)
	if err != nil {
		return nil, err
	}
	index, err := tierIndex(tenantID, tier)
	if err != nil {
		return nil, err
	}
	item, err := r.store.Update(ctx, key, kvdomain.Update{
		Set:   identityAttrs(tenantID, tier, now, false),
		Add:   add,
		Index: index,
	})
	if err != nil {
		return nil, err
	}
	counter := counterFromItem(*item)
	return &counter, nil
}

func (r *repo) SetActiveSessions(ctx context.Context, tenantID, tier string, value int64, now time.Time) (*domain.Counter, error) {
	key, err := CounterKey(tenantID, tier)
	if err != nil {
		return nil, err
	}
	index, err := tierIndex(tenantID, tier)
	if err != nil {
		return nil, err
	}
	item, err := r.store.Update(ctx, key, kvdomain.Update{
		Set:         identityAttrs(tenantID, tier, now, false),
		SetCounters: map[string]int64{counterActive: value},
		Index:       index,
	})
	if err != nil {
		return nil, err
	}
	counter := counterFromItem(*item)
	return &counter, nil
}

func (r *repo) PutCounter(ctx context.Context, counter domain.Counter) error {
	key, err := CounterKey(counter.TenantID, counter.Tier)
	if err != nil {
		return err
	}
	index, err := tierIndex(counter.TenantID, counter.Tier)
	if err != nil {
		return err
	}
	attrs := map[string]any{
		attrTenantID:      counter.TenantID,
		attrTier:          counter.Tier,
		attrLastResetDate: counter.LastResetDate,
		attrUpdatedAt:     counter.UpdatedAt.UTC().Format(timeLayout),
	}
	return r.store.Put(ctx, kvdomain.Item{
		Key:   key,
		Attrs: attrs,
		Counters: map[string]int64{
			counterDaily:      counter.DailyUsage,
			counterMonthly:    counter.MonthlyUsage,
			counterActive:     counter.ActiveSessions,
			counterResetDay:   counter.Reset.Day,
			counterResetMonth: counter.Reset.Month,
		},
		Index: index,
	})
}

func (r *repo) ListTenantsByTier(ctx context.Context, tier string) ([]string, error) {
	ipk, err := kvdomain.Compose("TIER", tier)
	if err != nil {
		return nil, err
	}
	items, err := r.store.QueryIndex(ctx, kvdomain.IndexQuery{
		IndexPK: ipk,
		Prefix:  "TENANT" + kvdomain.Separator,
	})
	if err != nil {
		return nil, err
	}
	tenants := make([]string, 0, len(items))
	for _, item := range items {
		if tenantID := item.String(attrTenantID); tenantID != "" {
			tenants = append(tenants, tenantID)
		}
	}
	return tenants, nil
}

func identityAttrs(tenantID, tier string, now time.Time, reset bool) map[string]any {
	attrs := map[string]any{
		attrTenantID:  tenantID,
		attrTier:      tier,
		attrUpdatedAt: now.UTC().Format(timeLayout),
	}
	if reset {
		attrs[attrLastResetDate] = now.UTC().Format(dateLayout)
	}
	return attrs
}

func counterFromItem(item kvdomain.Item) domain.Counter {
	return domain.Counter{
		TenantID:       item.String(attrTenantID),
		Tier:           item.String(attrTier),
		DailyUsage:     item.Int(counterDaily),
		MonthlyUsage:   item.Int(counterMonthly),
		ActiveSessions: item.Int(counterActive),
		LastResetDate:  item.String(attrLastResetDate),
		UpdatedAt:      item.Time(attrUpdatedAt),
		Reset: domain.Period{
			Day:   item.Int(counterResetDay),
			Month: item.Int(counterResetMonth),
		},
	}
}
