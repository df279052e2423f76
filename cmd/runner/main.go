package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Nuosis/clarity-local-runner-sub002/internal/api"
	"github.com/Nuosis/clarity-local-runner-sub002/internal/container"
	"github.com/Nuosis/clarity-local-runner-sub002/internal/execution"
	"github.com/Nuosis/clarity-local-runner-sub002/internal/monitoring"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/config"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/metrics"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/resilience"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/tracing"
)

var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)
	api.Version = version

	mt := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	})

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    os.Getenv("ENVIRONMENT"),
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(ctx)
	}()

	checks := make(map[string]api.HealthChecker)

	// Fallback cache
	var store resilience.Store
	if cfg.Recovery.FallbackBackend == "redis" {
		redisStore, err := resilience.NewRedisStore(&cfg.Redis, "clarity:fallback:")
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisStore.Close()

		store = redisStore
		checks["redis"] = redisStore
		logger.Info("Redis fallback store connected", "addr", cfg.RedisAddr())
	}

	// Alerting
	dispatcher := monitoring.NewDispatcher(logger, nil, cfg.Monitoring.AlertRateLimit)
	defer dispatcher.Stop()
	dispatcher.AddHandler(monitoring.NewLoggingAlertHandler(logger))
	if cfg.Monitoring.AlertWebhookURL != "" {
		dispatcher.AddHandler(monitoring.NewWebhookAlertHandler(cfg.Monitoring.AlertWebhookURL, nil))
	}
	if cfg.Monitoring.SlackWebhookURL != "" {
		dispatcher.AddHandler(monitoring.NewSlackAlertHandler(cfg.Monitoring.SlackWebhookURL, cfg.Monitoring.SlackChannel, "clarity-runner"))
	}

	monitor := monitoring.NewMonitor(monitoring.ConfigFrom(cfg.Monitoring),
		monitoring.WithLogger(logger),
		monitoring.WithMetrics(mt),
		monitoring.WithDispatcher(dispatcher),
	)

	// Recovery manager
	managerOpts := []resilience.ManagerOption{
		resilience.WithLogger(logger),
		resilience.WithMetrics(mt),
		resilience.WithTracer(tracer),
		resilience.WithObserver(monitor),
		resilience.WithDefaultRetry(resilience.RetryConfigFrom(cfg.Recovery)),
	}
	if store != nil {
		managerOpts = append(managerOpts, resilience.WithFallbackStore(store))
	}
	manager := resilience.NewManager(managerOpts...)

	// Container execution
	provider := container.NewDockerProvider(cfg.Container,
		container.WithLogger(logger),
		container.WithTracer(tracer),
	)
	checks["container_runtime"] = provider

	executor := execution.NewService(provider, manager,
		execution.WithMonitor(monitor),
		execution.WithMetrics(mt),
		execution.WithTracer(tracer),
		execution.WithLogger(logger),
		execution.WithWorkDir(provider.WorkDir()),
		execution.WithBreakerConfig(resilience.BreakerConfigFrom(cfg.Recovery)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := monitoring.NewCollector(monitor, mt, cfg.Monitoring.CollectInterval)
	if err := collector.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start runtime collector")
	}
	defer collector.Stop()

	router := api.NewRouter(api.Dependencies{
		Config:   cfg,
		Manager:  manager,
		Monitor:  monitor,
		Executor: executor,
		Metrics:  mt,
		Tracer:   tracer,
		Logger:   logger,
		Checks:   checks,
	})

	server := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting ops server", "addr", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server")

	// Give in-flight executions time to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
