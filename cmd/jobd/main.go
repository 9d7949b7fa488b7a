// jobd is the job orchestration daemon: it polls the object store's import
// area for job descriptors, spawns one jobd-worker per job, mirrors the
// metadata database, and serves the read-only status API.
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
	"time"

	"github.com/lmittmann/tint"

	"jobd/internal/api"
	"jobd/internal/config"
	"jobd/internal/dispatcher"
	"jobd/internal/executor"
	"jobd/internal/handler"
	"jobd/internal/health"
	"jobd/internal/metastore"
	"jobd/internal/notify"
	"jobd/internal/objstore"
	"jobd/internal/observability"
	"jobd/internal/registry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging)

	if err := os.MkdirAll(cfg.JobsDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Object store backend
	blobs, err := newObjstore(cfg.Store)
	if err != nil {
		return err
	}

	// Local metadata store and its remote mirror
	store, err := metastore.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()
	syncer := metastore.NewSyncer(store, blobs, cfg.Store.DatabaseKey, cfg.AppVersion, nil)

	// Notification sinks
	notifier, err := newNotifier(cfg.Notify, store)
	if err != nil {
		return err
	}
	defer notifier.Close()

	// Handler registry and the runner used for reconciliation
	handlers := handler.DefaultRegistry(cfg.Handlers, store, syncer, cfg.Notify.AMQPExchange, nil)
	runner := executor.NewRunner(cfg, store, syncer, blobs, notifier, handlers, nil)

	// Ops event dispatcher; an unset URL disables the stream
	var events dispatcher.Dispatcher
	var opsDispatcher *dispatcher.MemoryDispatcher
	if cfg.API.OpsEventURL != "" {
		dcfg := dispatcher.LoadConfigFromEnv()
		dcfg.URL = cfg.API.OpsEventURL
		dcfg.SigningKey = cfg.API.OpsEventSecret
		opsDispatcher = dispatcher.NewMemory(dcfg, metrics)
		events = opsDispatcher
		slog.Info("Ops event stream enabled", "url", cfg.API.OpsEventURL)
	}

	// Create health checker
	healthChecker := health.NewChecker(store, blobs, cfg.Store.DatabaseKey)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Store:         store,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.API.APIKey,
	})

	if cfg.API.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.API.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.API.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", cfg.API.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", cfg.API.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start the registry loop
	reg := registry.New(cfg, store, syncer, blobs, runner, metrics, events, nil)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	registryErr := make(chan error, 1)
	go func() {
		registryErr <- reg.Run(runCtx)
	}()

	// shutdownServers closes both HTTP servers gracefully
	shutdownServers := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal, server error, or registry exit
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		runErr = err
	case err := <-registryErr:
		// The loop only returns on its own when startup failed
		slog.Error("Registry stopped", "error", err)
		shutdownServers(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if runErr == nil && cfg.API.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.API.ShutdownDrainWait)
		time.Sleep(cfg.API.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdownServers(25 * time.Second)

	// Phase 3: Stop the registry - kills running workers, reconciles them,
	// and pushes the final database state
	cancelRun()
	if err := <-registryErr; err != nil {
		slog.Error("Registry shutdown error", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	// Phase 4: Drain the ops event dispatcher
	if opsDispatcher != nil {
		slog.Info("Draining ops event dispatcher")
		dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dispatcherCancel()
		if err := opsDispatcher.Close(dispatcherCtx); err != nil {
			slog.Warn("Dispatcher shutdown error", "error", err)
		}

		stats := opsDispatcher.Stats()
		slog.Info("Dispatcher stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	slog.Info("Shutdown complete")
	return runErr
}

// setupLogging installs the default logger per the configured format and
// level: JSON on stdout for collectors, tinted console on stderr for humans.
func setupLogging(cfg config.LoggingConfig) {
	var h slog.Handler
	if cfg.Format == "console" {
		h = tint.NewHandler(os.Stderr, &tint.Options{Level: cfg.SlogLevel()})
	} else {
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	}
	slog.SetDefault(slog.New(h))
}

// newObjstore builds the configured object store backend.
func newObjstore(cfg config.StoreConfig) (objstore.Store, error) {
	switch cfg.Backend {
	case "http":
		return objstore.NewHTTPStore(cfg.BaseURL, cfg.Token)
	default:
		return objstore.NewFSStore(cfg.Root)
	}
}

// newNotifier assembles the notification service from the enabled sinks.
func newNotifier(cfg config.NotifyConfig, store *metastore.Store) (*notify.Service, error) {
	var sinks []notify.Sink
	if cfg.AMQPURL != "" {
		amqp, err := notify.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect notification broker: %w", err)
		}
		sinks = append(sinks, amqp)
		slog.Info("AMQP notifications enabled", "exchange", cfg.AMQPExchange)
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret))
		slog.Info("Webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.LogSink {
		sinks = append(sinks, notify.NewLogSink(nil))
	}
	return notify.NewService(store, nil, sinks...), nil
}
