package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/formlane/creditledger/internal/config"
	capabilitydomain "github.com/formlane/creditledger/internal/capability/domain"
	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
	"github.com/formlane/creditledger/internal/observability"
	obsmiddleware "github.com/formlane/creditledger/internal/observability/logger"
	obsmetrics "github.com/formlane/creditledger/internal/observability/metrics"
	obstracing "github.com/formlane/creditledger/internal/observability/tracing"
	"github.com/formlane/creditledger/internal/ratelimit"
	usagedomain "github.com/formlane/creditledger/internal/usage/domain"
	"go.uber.org/fx"
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
	r.Use(httpMetrics.GinMiddleware())
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

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
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
	engine     *gin.Engine
	cfg        config.Config
	creditSvc  creditdomain.Service
	gateSvc    capabilitydomain.Service
	usageSvc   usagedomain.Service
	limiter    *ratelimit.RequestLimiter
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	CreditSvc creditdomain.Service
	GateSvc   capabilitydomain.Service
	UsageSvc  usagedomain.Service

	Limiter    *ratelimit.RequestLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		creditSvc:  p.CreditSvc,
		gateSvc:    p.GateSvc,
		usageSvc:   p.UsageSvc,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	credits := api.Group("/credits")
	credits.GET("/balance", s.GetBalance)
	credits.GET("/transactions", s.ListTransactions)
	credits.GET("/limits", s.GetLimits)
	credits.POST("/check", s.CheckAccess)
	credits.POST("/reserve", s.Reserve)
	credits.POST("/settle", s.Settle)
	credits.POST("/release", s.Release)

	usage := api.Group("/usage")
	usage.GET("/customer", s.GetCustomerUsage)
}
