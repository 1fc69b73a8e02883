package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/marketplace/internal/audit/domain"
	"github.com/smallbiznis/marketplace/internal/clock"
	"github.com/smallbiznis/marketplace/internal/config"
	"github.com/smallbiznis/marketplace/internal/events"
	obslogger "github.com/smallbiznis/marketplace/internal/observability/logger"
	obstracing "github.com/smallbiznis/marketplace/internal/observability/tracing"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	"github.com/smallbiznis/marketplace/internal/ratelimit"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"github.com/smallbiznis/marketplace/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log.Named("http")))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			log.Info("http.server.started", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// jobRunner is the part of the scheduler the ops endpoint needs.
type jobRunner interface {
	RunJob(ctx context.Context, name string) error
}

type Server struct {
	engine      *gin.Engine
	clock       clock.Clock
	orderSvc    orderdomain.Service
	resourceSvc resourcedomain.Service
	bus         events.Bus
	jobs        jobRunner
	limiter     *ratelimit.OrderSubmissionLimiter
	auditSvc    auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Clock       clock.Clock
	OrderSvc    orderdomain.Service
	ResourceSvc resourcedomain.Service
	Bus         events.Bus
	Scheduler   *scheduler.Scheduler              `optional:"true"`
	Limiter     *ratelimit.OrderSubmissionLimiter `optional:"true"`
	AuditSvc    auditdomain.Service               `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		clock:       p.Clock,
		orderSvc:    p.OrderSvc,
		resourceSvc: p.ResourceSvc,
		bus:         p.Bus,
		limiter:     p.Limiter,
		auditSvc:    p.AuditSvc,
	}
	if p.Scheduler != nil {
		svc.jobs = p.Scheduler
	}

	svc.registerAPIRoutes()
	svc.registerOpsRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", UserRequired())

	api.POST("/orders", OrderSubmissionLimit(s.limiter), s.CreateOrder)
	api.GET("/orders/:id", s.GetOrder)
	api.POST("/orders/:id/approve_by_consumer", s.ApproveOrderByConsumer)
	api.POST("/orders/:id/approve_by_provider", s.ApproveOrderByProvider)
	api.POST("/orders/:id/reject", s.RejectOrder)
	api.POST("/orders/:id/cancel", s.CancelOrder)
	api.POST("/orders/:id/set_state_done", s.SetOrderStateDone)
	api.POST("/orders/:id/set_state_erred", s.SetOrderStateErred)

	api.GET("/resources/:id", s.GetResource)
	api.GET("/resources/:id/orders", s.ListResourceOrders)
	api.GET("/resources/:id/plan_periods", s.ListResourcePlanPeriods)
	api.POST("/resources/:id/usages", s.ReportResourceUsage)
	api.GET("/resources/:id/audit_logs", s.ListResourceAuditLogs)
}

func (s *Server) registerOpsRoutes() {
	ops := s.engine.Group("/v1")

	ops.POST("/backend-events", s.PublishBackendEvent)
	ops.POST("/reconcile/:job", s.RunReconcileJob)
}
