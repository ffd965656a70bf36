package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/havenfable/crisis-sentinel/internal/analytics"
	"github.com/havenfable/crisis-sentinel/internal/config"
	"github.com/havenfable/crisis-sentinel/internal/crisis"
	"github.com/havenfable/crisis-sentinel/internal/dashboard"
	"github.com/havenfable/crisis-sentinel/internal/detector"
	"github.com/havenfable/crisis-sentinel/internal/handlers"
	"github.com/havenfable/crisis-sentinel/internal/metricstore"
	"github.com/havenfable/crisis-sentinel/internal/notification"
	"github.com/havenfable/crisis-sentinel/internal/realtime"
	"github.com/havenfable/crisis-sentinel/internal/resources"
	"github.com/havenfable/crisis-sentinel/internal/scheduler"
	"github.com/havenfable/crisis-sentinel/internal/storage"
	"github.com/havenfable/crisis-sentinel/internal/telemetry"
)

const (
	serviceName = "crisis-sentinel"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info("starting crisis monitoring service",
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := telemetry.NewCollector(registry)

	det, err := detector.New(logger, cfg.Detector.ConfidenceThreshold, cfg.Detector.DistressThreshold)
	if err != nil {
		logger.Error("failed to initialize indicator detector", "error", err)
		os.Exit(1)
	}
	catalog := resources.NewCatalog()

	var kv storage.KV
	if cfg.Redis.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		redisKV, err := storage.NewRedisKV(ctx, addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
		if err != nil {
			logger.Error("failed to connect to redis, falling back to in-memory archive", "error", err)
			kv = storage.NewMemoryKV()
		} else {
			kv = redisKV
		}
	} else {
		kv = storage.NewMemoryKV()
	}
	defer kv.Close()

	archive := storage.NewArchive(logger, kv, 1024)
	archive.Start(ctx)
	defer archive.Stop()

	dispatcher := notification.NewDispatcher(logger, notification.Config{
		WebhookURL:      cfg.Notifications.WebhookURL,
		WorkerCount:     cfg.Notifications.WorkerCount,
		QueueSize:       cfg.Notifications.QueueSize,
		MaxRetries:      cfg.Notifications.MaxRetries,
		RetryDelay:      cfg.Notifications.RetryDelay,
		RequestTimeout:  cfg.Notifications.RequestTimeout,
		RateLimitPerMin: cfg.Notifications.RateLimitPerMin,
	}, collector)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	hub := realtime.NewHub(logger, cfg.Dashboard.ObserverQueueSize, collector)
	hub.Start(ctx)
	defer hub.Stop()

	store := metricstore.New(logger, cfg.Metrics.RetentionHorizon, cfg.Metrics.MaxPointsPerKey)
	analyticsEngine := analytics.New(logger, store,
		cfg.Analytics.ReportCacheTTL,
		cfg.Analytics.CleanupInterval,
		cfg.Analytics.TrendEpsilon)

	// The aggregator is the engine's delta sink, so it is built first and
	// handed the engine's capabilities afterwards.
	aggregator := dashboard.NewAggregator(logger, nil, analyticsEngine, store, hub, cfg.Dashboard.SnapshotInterval)

	engine := crisis.NewEngine(logger, crisis.Config{
		CriticalAckDeadline: cfg.Crisis.CriticalAckDeadline,
		HighAckDeadline:     cfg.Crisis.HighAckDeadline,
		ModerateAckDeadline: cfg.Crisis.ModerateAckDeadline,
		MaxEscalationLevel:  cfg.Crisis.MaxEscalationLevel,
		HistoryLimit:        cfg.Crisis.HistoryLimit,
		RetiredRetention:    cfg.Crisis.RetiredRetention,
	}, det, catalog, dispatcher, archive, aggregator, collector)

	aggregator.SetSummaryProvider(engine)
	aggregator.RegisterHealthCheck(engine)
	aggregator.RegisterHealthCheck(dispatcher)
	aggregator.RegisterHealthCheck(archive)
	aggregator.Start(ctx)
	defer aggregator.Stop()

	sched := scheduler.New(logger)
	if cfg.Scheduler.Enabled {
		if err := sched.Register(scheduler.NewEscalationSweep(engine, logger), cfg.Scheduler.EscalationSchedule); err != nil {
			logger.Error("failed to register escalation sweep", "error", err)
			os.Exit(1)
		}
		if err := sched.Register(scheduler.NewRetentionSweep(store, logger), cfg.Scheduler.RetentionSchedule); err != nil {
			logger.Error("failed to register retention sweep", "error", err)
			os.Exit(1)
		}
		if err := sched.Register(scheduler.NewWorkflowRetentionSweep(engine, logger), cfg.Scheduler.RetentionSchedule); err != nil {
			logger.Error("failed to register workflow retention sweep", "error", err)
			os.Exit(1)
		}
		if err := sched.Register(scheduler.NewHealthSweep(logger, engine, dispatcher, archive), cfg.Scheduler.HealthCheckSchedule); err != nil {
			logger.Error("failed to register health sweep", "error", err)
			os.Exit(1)
		}
		sched.Start(ctx)
		defer sched.Stop()
		aggregator.RegisterHealthCheck(sched)
	}

	httpHandler := handlers.NewHTTPHandler(logger, engine, store, analyticsEngine, aggregator, catalog, hub, collector)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "port", cfg.Server.HTTPPort)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			server.Close()
		}
	}

	logger.Info("crisis monitoring service stopped")
}

func setupLogging(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
