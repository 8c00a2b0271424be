package interaction

import (
	"github.com/smallbiznis/chatledger/internal/interaction/service"
	"go.uber.org/fx"
)

var Module = fx.Module("interaction.service",
	fx.Provide(service.New),
)
