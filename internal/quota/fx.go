package quota

import (
	"github.com/smallbiznis/chatledger/internal/quota/domain"
	"github.com/smallbiznis/chatledger/internal/quota/reconcile"
	"github.com/smallbiznis/chatledger/internal/quota/repository"
	"github.com/smallbiznis/chatledger/internal/quota/service"
	sessiondomain "github.com/smallbiznis/chatledger/internal/session/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(
		func(s *service.Service) domain.Service { return s },
		func(s *service.Service) sessiondomain.ActivityRecorder { return s },
		func(s sessiondomain.Service) domain.LiveSessionCounter { return s },
	),
	reconcile.Module,
)
