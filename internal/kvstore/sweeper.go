package kvstore

import (
	"context"
	"time"

	"github.com/smallbiznis/chatledger/internal/clock"
	"github.com/smallbiznis/chatledger/internal/config"
	"github.com/smallbiznis/chatledger/internal/kvstore/domain"
	obsmetrics "github.com/smallbiznis/chatledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultSweepTimeout = 30 * time.Second

type SweeperParams struct {
	fx.In

	Store   domain.Store
	Clock   clock.Clock
	Config  config.Config
	Log     *zap.Logger
	Metrics *obsmetrics.LedgerMetrics `optional:"true"`
}

// Sweeper deletes items whose TTL has passed. Reads already hide them, so a
// late sweep only costs storage.
type Sweeper struct {
	store    domain.Store
	clock    clock.Clock
	log      *zap.Logger
	metrics  *obsmetrics.LedgerMetrics
	interval time.Duration
}

func NewSweeper(p SweeperParams) *Sweeper {
	interval := p.Config.Ledger.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:    p.Store,
		clock:    p.Clock,
		log:      p.Log.Named("kvstore.sweeper"),
		metrics:  p.Metrics,
		interval: interval,
	}
}

func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("expired item sweep failed", zap.Error(err))
		}
	}
}

func (s *Sweeper) RunOnce(parentCtx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, defaultSweepTimeout)
	defer cancel()

	purged, err := s.store.PurgeExpired(ctx, s.clock.Now())
	if purged > 0 {
		s.metrics.AddExpiredSwept(purged)
		s.log.Info("swept expired items", zap.Int("count", purged), zap.String("backend", s.store.Backend()))
	}
	return purged, err
}
