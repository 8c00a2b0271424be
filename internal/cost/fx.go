package cost

import (
	"github.com/smallbiznis/chatledger/internal/cost/service"
	"go.uber.org/fx"
)

var Module = fx.Module("cost.service",
	fx.Provide(service.New),
)
