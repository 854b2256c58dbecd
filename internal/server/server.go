package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	complianceservice "github.com/smallbiznis/allotment/internal/compliance/service"
	"github.com/smallbiznis/allotment/internal/config"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	"github.com/smallbiznis/allotment/internal/observability"
	obslogger "github.com/smallbiznis/allotment/internal/observability/logger"
	obstracing "github.com/smallbiznis/allotment/internal/observability/tracing"
	ownerdomain "github.com/smallbiznis/allotment/internal/owner/domain"
	poolmanagerdomain "github.com/smallbiznis/allotment/internal/poolmanager/domain"
	"github.com/smallbiznis/allotment/internal/rules/compliance"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware())
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type complianceReader interface {
	StatusByUUID(ctx context.Context, consumerUUID string) (*compliance.Status, error)
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	ownerSvc      ownerdomain.Service
	consumerSvc   consumerdomain.Service
	poolManager   poolmanagerdomain.Service
	complianceSvc complianceReader
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	OwnerSvc    ownerdomain.Service
	ConsumerSvc consumerdomain.Service
	PoolManager poolmanagerdomain.Service
	Compliance  *complianceservice.Service
}

func NewServer(p ServerParams) *Server {
	return newServer(p.Gin, p.Cfg, p.OwnerSvc, p.ConsumerSvc, p.PoolManager, p.Compliance)
}

func newServer(
	engine *gin.Engine,
	cfg config.Config,
	owners ownerdomain.Service,
	consumers consumerdomain.Service,
	pools poolmanagerdomain.Service,
	status complianceReader,
) *Server {
	svc := &Server{
		engine:        engine,
		cfg:           cfg,
		ownerSvc:      owners,
		consumerSvc:   consumers,
		poolManager:   pools,
		complianceSvc: status,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Owners --------
	api.POST("/owners", s.CreateOwner)
	api.GET("/owners/:owner_key", s.GetOwner)
	api.POST("/owners/:owner_key/refresh", s.RefreshPools)
	api.GET("/owners/:owner_key/pools", s.ListPools)
	api.POST("/owners/:owner_key/consumers", s.RegisterConsumer)

	// -------- Consumers --------
	api.GET("/consumers/:consumer_uuid", s.GetConsumer)
	api.PATCH("/consumers/:consumer_uuid", s.UpdateConsumer)
	api.PUT("/consumers/:consumer_uuid/host", s.SetConsumerHost)
	api.GET("/consumers/:consumer_uuid/compliance", s.GetComplianceStatus)

	// -------- Entitlements --------
	api.POST("/consumers/:consumer_uuid/entitlements", s.BindByPools)
	api.DELETE("/consumers/:consumer_uuid/entitlements", s.RevokeAllEntitlements)
	api.POST("/consumers/:consumer_uuid/autobind", s.Autobind)
	api.POST("/consumers/:consumer_uuid/guests/:guest_uuid/autobind", s.HostAutobind)
	api.PUT("/entitlements/:id", s.AdjustEntitlement)
	api.DELETE("/entitlements/:id", s.RevokeEntitlement)

	// -------- Pools --------
	api.DELETE("/pools", s.DeletePools)
	api.DELETE("/pools/:id", s.DeletePool)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
