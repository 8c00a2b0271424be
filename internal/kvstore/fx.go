package kvstore

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/chatledger/internal/clock"
	"github.com/smallbiznis/chatledger/internal/config"
	"github.com/smallbiznis/chatledger/internal/kvstore/domain"
	"github.com/smallbiznis/chatledger/internal/kvstore/gormstore"
	"github.com/smallbiznis/chatledger/internal/kvstore/redisstore"
	obsmetrics "github.com/smallbiznis/chatledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("kvstore",
	fx.Provide(redisstore.NewClient),
	fx.Provide(NewStore),
	fx.Provide(NewSweeper),
	fx.Invoke(runSweeper),
)

type Params struct {
	fx.In

	Config  config.Config
	Clock   clock.Clock
	Log     *zap.Logger
	DB      *gorm.DB                  `optional:"true"`
	Redis   redis.UniversalClient     `optional:"true"`
	Metrics *obsmetrics.LedgerMetrics `optional:"true"`
}

// NewStore selects the backend named by LEDGER_STORE_BACKEND.
func NewStore(p Params) (domain.Store, error) {
	switch p.Config.Ledger.StoreBackend {
	case config.StoreBackendRedis:
		if p.Redis == nil {
			return nil, errors.New("redis store backend requires REDIS_ADDR")
		}
		return redisstore.NewStore(redisstore.Params{
			Client:  p.Redis,
			Clock:   p.Clock,
			Log:     p.Log,
			Metrics: p.Metrics,
		}), nil
	default:
		if p.DB == nil {
			return nil, errors.New("sql store backend requires a database connection")
		}
		return gormstore.NewStore(gormstore.Params{
			DB:      p.DB,
			Clock:   p.Clock,
			Log:     p.Log,
			Metrics: p.Metrics,
		}), nil
	}
}

func runSweeper(lc fx.Lifecycle, sweeper *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sweeper.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
