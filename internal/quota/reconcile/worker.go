package reconcile

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/smallbiznis/chatledger/internal/config"
	obsmetrics "github.com/smallbiznis/chatledger/internal/observability/metrics"
	"github.com/smallbiznis/chatledger/internal/quota/domain"
	"github.com/smallbiznis/chatledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const lockKey = "quota:reconcile"

type Params struct {
	fx.In

	Quota    domain.Service
	Sessions domain.LiveSessionCounter
	Tiers    *config.TierConfigHolder
	Log      *zap.Logger
	Config   Config                    `optional:"true"`
	Locker   *ratelimit.Locker         `optional:"true"`
	Metrics  *obsmetrics.LedgerMetrics `optional:"true"`
}

// Worker rewrites active_sessions from the live session count. The counter
// drifts when a process dies between opening a session and recording it.
type Worker struct {
	quota    domain.Service
	sessions domain.LiveSessionCounter
	tiers    *config.TierConfigHolder
	log      *zap.Logger
	locker   *ratelimit.Locker
	metrics  *obsmetrics.LedgerMetrics
	cfg      Config
}

type Result struct {
	Tenants  int
	Adjusted int
}

func NewWorker(p Params) *Worker {
	return &Worker{
		quota:    p.Quota,
		sessions: p.Sessions,
		tiers:    p.Tiers,
		log:      p.Log.Named("quota.reconcile"),
		locker:   p.Locker,
		metrics:  p.Metrics,
		cfg:      p.Config.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("quota reconcile run failed", zap.Error(err))
		}
	}
}

func (w *Worker) RunOnce(parentCtx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	if w.locker.Enabled() {
		token, ok, err := w.locker.TryLock(ctx, lockKey, w.cfg.LockTTL)
		if err != nil {
			w.metrics.IncReconcileRun("error")
			return Result{}, err
		}
		if !ok {
			w.metrics.IncReconcileRun("skipped")
			return Result{}, nil
		}
		defer func() {
			_ = w.locker.Release(context.WithoutCancel(ctx), lockKey, token)
		}()
	}

	result, err := w.reconcileAll(ctx)
	if err != nil {
		w.metrics.IncReconcileRun("error")
		return result, err
	}
	w.metrics.IncReconcileRun("ok")
	if result.Adjusted > 0 {
		w.log.Info("reconciled active sessions", zap.Int("tenants", result.Tenants), zap.Int("adjusted", result.Adjusted))
	}
	return result, nil
}

func (w *Worker) reconcileAll(ctx context.Context) (Result, error) {
	tiers := make([]string, 0)
	for name := range w.tiers.Get().Tiers {
		tiers = append(tiers, name)
	}
	sort.Strings(tiers)

	var (
		result Result
		errs   []error
	)
	for _, tier := range tiers {
		tenants, err := w.quota.ListTenantsByTier(ctx, tier)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, tenantID := range tenants {
			result.Tenants++
			adjusted, err := w.reconcileTenant(ctx, tenantID, tier)
			if err != nil {
				w.log.Warn("reconcile tenant failed",
					zap.String("tenant_id", tenantID),
					zap.String("tier", tier),
					zap.Error(err),
				)
				errs = append(errs, err)
				continue
			}
			if adjusted {
				result.Adjusted++
				w.metrics.IncReconcileAdjustment(tier)
			}
		}
	}
	return result, errors.Join(errs...)
}

func (w *Worker) reconcileTenant(ctx context.Context, tenantID, tier string) (bool, error) {
	live, err := w.sessions.CountActiveSessions(ctx, tenantID, tier)
	if err != nil {
		return false, err
	}
	current, err := w.quota.GetCounter(ctx, tenantID, tier)
	if err != nil && !errors.Is(err, domain.ErrCounterNotFound) {
		return false, err
	}
	if err == nil && current.ActiveSessions == live {
		return false, nil
	}
	if _, err := w.quota.Reconcile(ctx, tenantID, tier, live); err != nil {
		return false, err
	}
	w.log.Debug("active sessions corrected",
		zap.String("tenant_id", tenantID),
		zap.String("tier", tier),
		zap.Int64("stored", current.ActiveSessions),
		zap.Int64("live", live),
	)
	return true, nil
}
