package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Nuosis/clarity-local-runner-sub002/internal/monitoring"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/config"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/metrics"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/resilience"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/tracing"
)

// Dependencies are the services the router exposes. Executor and Checks
// may be nil.
type Dependencies struct {
	Config   *config.Config
	Manager  *resilience.Manager
	Monitor  *monitoring.Monitor
	Executor Executor
	Metrics  *metrics.Metrics
	Tracer   *tracing.TracingService
	Logger   *logging.Logger
	Checks   map[string]HealthChecker
}

// NewRouter creates and configures the ops router
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Config != nil && deps.Config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	var origins []string
	if deps.Config != nil {
		origins = deps.Config.Server.AllowedOrigins
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(logger.Named("http")))
	router.Use(CORSMiddleware(origins))
	router.Use(SecurityHeadersMiddleware())
	router.Use(deps.Metrics.PrometheusMiddleware())
	router.Use(deps.Tracer.TracingMiddleware())

	healthHandler := NewHealthHandler(deps.Manager, deps.Checks)
	router.GET("/health", healthHandler.Health)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	monitoringHandler := NewMonitoringHandler(deps.Monitor)
	recoveryHandler := NewRecoveryHandler(deps.Manager)

	v1 := router.Group("/v1")
	{
		alerts := v1.Group("/alerts")
		{
			alerts.GET("", monitoringHandler.ListActiveAlerts)
			alerts.GET("/history", monitoringHandler.ListAlertHistory)
			alerts.POST("/:id/resolve", monitoringHandler.ResolveAlert)
		}

		v1.GET("/metrics/:name/stats", monitoringHandler.GetMetricStats)
		v1.GET("/monitoring/summary", monitoringHandler.GetSummary)

		breakers := v1.Group("/circuit-breakers")
		{
			breakers.GET("", recoveryHandler.ListCircuitBreakers)
			breakers.POST("/:name/reset", recoveryHandler.ResetCircuitBreaker)
		}
		v1.GET("/recovery/stats", recoveryHandler.GetStats)

		if deps.Executor != nil {
			executionHandler := NewExecutionHandler(deps.Executor)
			v1.POST("/executions", executionHandler.CreateExecution)
		}
	}

	return router
}
