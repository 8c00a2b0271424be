package usage

import (
	"github.com/smallbiznis/chatledger/internal/usage/liveevents"
	"github.com/smallbiznis/chatledger/internal/usage/repository"
	"github.com/smallbiznis/chatledger/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(liveevents.NewHub),
	fx.Provide(service.NewService),
)
