// jobd-worker executes a single job: it downloads the descriptor and inputs,
// runs the command handler, uploads outputs, and records the result. The
// daemon spawns one worker per job with stdout and stderr pointed at the job
// logfile; the worker exits when the job reaches a terminal status.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"

	"jobd/internal/config"
	"jobd/internal/executor"
	"jobd/internal/handler"
	"jobd/internal/metastore"
	"jobd/internal/notify"
	"jobd/internal/objstore"
)

func main() {
	descriptorKey := flag.String("descriptor", "", "object store key of the job descriptor")
	flag.Parse()

	if err := run(*descriptorKey); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run(descriptorKey string) error {
	if descriptorKey == "" {
		return fmt.Errorf("the -descriptor flag is required")
	}

	// Load configuration
	cfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging)

	// Object store backend
	blobs, err := newObjstore(cfg.Store)
	if err != nil {
		return err
	}

	// The worker shares the daemon's local database file; WAL mode and the
	// busy timeout cover cross-process access.
	store, err := metastore.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()
	syncer := metastore.NewSyncer(store, blobs, cfg.Store.DatabaseKey, cfg.AppVersion, nil)

	notifier, err := newNotifier(cfg.Notify, store)
	if err != nil {
		return err
	}
	defer notifier.Close()

	handlers := handler.DefaultRegistry(cfg.Handlers, store, syncer, cfg.Notify.AMQPExchange, nil)
	runner := executor.NewRunner(cfg, store, syncer, blobs, notifier, handlers, nil)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A kill from the daemon arrives as SIGTERM; cancelling the context lets
	// the run finalize with a killed status instead of dying mid-write.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	return runner.Run(ctx, descriptorKey)
}

// setupLogging installs the default logger. Worker output lands in the job
// logfile, so console format stays uncolored.
func setupLogging(cfg config.LoggingConfig) {
	var h slog.Handler
	if cfg.Format == "console" {
		h = tint.NewHandler(os.Stderr, &tint.Options{Level: cfg.SlogLevel(), NoColor: true})
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
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret))
	}
	if cfg.LogSink {
		sinks = append(sinks, notify.NewLogSink(nil))
	}
	return notify.NewService(store, nil, sinks...), nil
}
