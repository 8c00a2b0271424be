package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/chatledger/internal/clock"
	"github.com/smallbiznis/chatledger/internal/config"
	costdomain "github.com/smallbiznis/chatledger/internal/cost/domain"
	interactiondomain "github.com/smallbiznis/chatledger/internal/interaction/domain"
	"github.com/smallbiznis/chatledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/chatledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/chatledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/chatledger/internal/observability/tracing"
	quotadomain "github.com/smallbiznis/chatledger/internal/quota/domain"
	sessiondomain "github.com/smallbiznis/chatledger/internal/session/domain"
	usagedomain "github.com/smallbiznis/chatledger/internal/usage/domain"
	"github.com/smallbiznis/chatledger/internal/usage/liveevents"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	clock        clock.Clock
	tiers        *config.TierConfigHolder
	sessionSvc   sessiondomain.Service
	quotaSvc     quotadomain.Service
	usageSvc     usagedomain.Service
	costSvc      costdomain.Service
	interactions interactiondomain.Service
	liveEvents   *liveevents.Hub
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Clock        clock.Clock
	Tiers        *config.TierConfigHolder
	SessionSvc   sessiondomain.Service
	QuotaSvc     quotadomain.Service
	UsageSvc     usagedomain.Service
	CostSvc      costdomain.Service
	Interactions interactiondomain.Service
	LiveEvents   *liveevents.Hub `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		clock:        p.Clock,
		tiers:        p.Tiers,
		sessionSvc:   p.SessionSvc,
		quotaSvc:     p.QuotaSvc,
		usageSvc:     p.UsageSvc,
		costSvc:      p.CostSvc,
		interactions: p.Interactions,
		liveEvents:   p.LiveEvents,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", IdentityRequired())

	// -------- Sessions --------
	api.GET("/sessions", s.ListSessions)
	api.POST("/sessions", s.CreateSession)
	api.GET("/sessions/:id", s.GetSession)
	api.PATCH("/sessions/:id", s.UpdateSession)
	api.DELETE("/sessions/:id", s.DeleteSession)

	// -------- Messages --------
	api.GET("/sessions/:id/messages", s.ListMessages)
	api.POST("/sessions/:id/messages", s.AppendMessage)
	api.GET("/sessions/:id/conversation", s.GetConversation)

	// -------- Interactions --------
	api.POST("/interactions", s.BeginInteraction)
	api.POST("/interactions/complete", s.CompleteInteraction)

	// -------- Usage --------
	api.GET("/usage/summary", s.GetUsageSummary)
	api.GET("/usage/events", s.ListUsageEvents)
	api.GET("/usage/costs", s.ListCostEvents)
	api.POST("/usage/costs", s.RecordCostMetric)
	api.GET("/usage/overview", s.GetTenantOverview)
	api.GET("/usage/live-events", s.StreamUsageLiveEvents)

	// -------- Cost reports --------
	api.GET("/costs/report", s.GetCostReport)
	api.GET("/costs/overall", s.GetTenantCost)
	api.GET("/costs/users", s.ListUserCosts)
	api.GET("/costs/services", s.ListServiceCosts)
	api.GET("/costs/user-services", s.ListUserServiceCosts)

	// -------- Quota --------
	api.GET("/quota", s.GetQuotaStatus)

	s.engine.GET("/api/tiers", s.ListTiers)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
