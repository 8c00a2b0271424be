package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chatledger/internal/clock"
	"github.com/smallbiznis/chatledger/internal/config"
	"github.com/smallbiznis/chatledger/internal/cost"
	"github.com/smallbiznis/chatledger/internal/interaction"
	"github.com/smallbiznis/chatledger/internal/kvstore"
	"github.com/smallbiznis/chatledger/internal/migration"
	"github.com/smallbiznis/chatledger/internal/observability"
	"github.com/smallbiznis/chatledger/internal/quota"
	"github.com/smallbiznis/chatledger/internal/ratelimit"
	"github.com/smallbiznis/chatledger/internal/server"
	"github.com/smallbiznis/chatledger/internal/session"
	"github.com/smallbiznis/chatledger/internal/usage"
	"github.com/smallbiznis/chatledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	cfg := config.Load()

	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),
		storageModules(cfg),
		kvstore.Module,
		ratelimit.Module,

		// Functional Domains
		session.Module,
		quota.Module,
		usage.Module,
		cost.Module,
		interaction.Module,

		server.Module,
	)
	app.Run()
}

// storageModules opens the SQL database only when it backs the ledger.
func storageModules(cfg config.Config) fx.Option {
	if cfg.Ledger.StoreBackend != config.StoreBackendSQL {
		return fx.Options()
	}
	return fx.Options(
		db.Module,
		migration.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
