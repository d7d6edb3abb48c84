package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/app"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/middleware"
)

// NewRouter builds the gin engine serving every endpoint of svc.
func NewRouter(svc *app.Services, logger *slog.Logger) *gin.Engine {
	cfg := svc.Config
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.RecoveryMiddleware(logger))
	r.Use(middleware.LoggingMiddleware(logger))
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	h := NewHandlers(svc, logger)
	r.GET("/health", h.HealthCheck)
	if svc.Metrics != nil {
		r.GET("/metrics", gin.WrapH(svc.Metrics.Handler()))
	}

	// Fail-secure: without a configured key every management request is refused.
	v1 := r.Group("/api/v1")
	v1.Use(middleware.AdminKeyAuth(cfg.AdminAPIKey))
	if cfg.AdminAPIKey == "" {
		logger.Warn("MERIDIAN_ADMIN_API_KEY not set; management API is disabled")
	}
	if cfg.RateLimitPerMinute > 0 {
		if svc.Cache != nil {
			v1.Use(middleware.RateLimitMiddleware(svc.Cache, cfg.RateLimitPerMinute, time.Minute, logger))
		} else {
			v1.Use(middleware.LocalRateLimitMiddleware(cfg.RateLimitPerMinute))
		}
	}
	{
		v1.GET("/routes", h.ListRoutes)
		v1.GET("/routes/:task_type", h.GetRoute)

		v1.POST("/budget/admit", h.Admit)
		v1.POST("/budget/reconcile", h.Reconcile)

		v1.PUT("/tenants/:id", h.PutTenant)
		v1.GET("/tenants/:id", h.GetTenant)
		v1.GET("/tenants/:id/budget", h.GetTenantBudget)

		v1.POST("/workflows", h.StartWorkflow)
		v1.GET("/workflows/:id", h.GetWorkflow)
		v1.POST("/workflows/:id/advance", h.AdvanceWorkflow)
		v1.POST("/workflows/:id/run", h.RunWorkflow)
		v1.POST("/workflows/:id/retry", h.RetryWorkflow)
		v1.POST("/workflows/:id/route-back", h.RouteBackWorkflow)
		v1.GET("/workflows/:id/results", h.ListResults)
		v1.GET("/workflows/:id/events", h.StreamEvents)

		v1.GET("/analytics/insights", h.GetInsights)
		v1.GET("/analytics/report", h.GetReport)
		v1.GET("/analytics/costs", h.GetCostSummary)
	}
	return r
}
