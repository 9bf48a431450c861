package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sarathsp06/orderhook/db/migrations"
	"github.com/sarathsp06/orderhook/internal/config"
	"github.com/sarathsp06/orderhook/internal/engine"
	"github.com/sarathsp06/orderhook/internal/httpapi"
	"github.com/sarathsp06/orderhook/internal/logger"
	"github.com/sarathsp06/orderhook/internal/observability"
	"github.com/sarathsp06/orderhook/internal/queue"
	"github.com/sarathsp06/orderhook/internal/retry"
	"github.com/sarathsp06/orderhook/internal/signature"
	"github.com/sarathsp06/orderhook/internal/sweeper"
	"github.com/sarathsp06/orderhook/internal/webhooks"
)

// jobTimeoutSlack is added on top of the attempt deadline for River jobs so
// the engine, not River, decides when an attempt timed out.
const jobTimeoutSlack = 5 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to config file")
	envPath := flag.String("env", "", "Directory holding .env files")
	flag.Parse()

	if err := run(*configFile, *envPath); err != nil {
		logger.NewLogger("main").Error("orderhook exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configFile, envPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configFile, envPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	if cfg.Debug {
		logger.SetLevel(slog.LevelDebug)
	}
	log := logger.NewLogger("main")

	shutdownTelemetry, err := observability.Setup(ctx, &observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		EnableTracing:  cfg.Telemetry.EnableTracing,
		EnableMetrics:  cfg.Telemetry.EnableMetrics,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricInterval: cfg.Telemetry.MetricInterval,
	})
	if err != nil {
		return err
	}

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}

	metrics, err := observability.NewOrderHookMetrics()
	if err != nil {
		return err
	}

	opts := engine.Options{
		MaxRetries:        cfg.Processing.MaxRetries,
		Policy:            retry.NewPolicy(cfg.Processing.RetryBase, cfg.Processing.RetryMaxDelay),
		ProcessingTimeout: cfg.Processing.Timeout,
		LeaseGrace:        cfg.Processing.LeaseGrace,
		Workers:           cfg.Processing.PoolSize,
		QueueSize:         cfg.Processing.QueueSize,
		Metrics:           metrics,
	}

	var (
		repo    webhooks.Repository
		manager *queue.Manager
	)
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		if cfg.Storage.MigrateOnStart {
			if err := migrations.Up(ctx, cfg.Storage.DatabaseURL, logger.NewLogger("migration")); err != nil {
				return err
			}
		}
		manager, err = queue.NewManager(ctx, cfg.Storage.DatabaseURL, queue.Config{
			Name:       cfg.Queue.Name,
			MaxWorkers: cfg.Queue.MaxWorkers,
		})
		if err != nil {
			return err
		}
		repo = webhooks.NewPostgresRepository(manager.Pool())
		opts.Scheduler = manager.Scheduler()
	default:
		repo = webhooks.NewMemoryRepository()
	}

	svc := engine.NewService(repo, signature.NewVerifier(registry), engine.HandlerFunc(logOrderUpdate), opts)

	if manager != nil {
		jobTimeout := cfg.Processing.Timeout + cfg.Processing.LeaseGrace + jobTimeoutSlack
		if err := manager.RegisterProcessor(svc, jobTimeout); err != nil {
			return err
		}
		if err := manager.Start(ctx); err != nil {
			return err
		}
	}

	if _, err := svc.Recover(ctx); err != nil {
		log.Error("Failed to recover pending webhook events", "error", err)
	}

	var retention sweeper.Sweeper
	if cfg.Retention.Enabled {
		retention = sweeper.NewRetentionSweeper(sweeper.RetentionConfig{
			Interval: cfg.Retention.Interval,
			AgeHours: cfg.Retention.AgeHours,
		}, svc)
		go func() {
			if err := retention.Start(ctx); err != nil {
				log.Error("Sweeper exited with error", "sweeper", retention.Name(), "error", err)
			}
		}()
	}

	router := httpapi.NewRouter(httpapi.NewHandler(svc, registry, cfg.Server.MaxBodyBytes), cfg.Debug)
	server := httpapi.NewServer(httpapi.ServerConfig{
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, router)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	log.Info("orderhook is running",
		"address", cfg.Server.Addr(),
		"storage", cfg.Storage.Driver,
		"platforms", registry.Platforms(),
	)

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("API server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("API server did not shut down cleanly", "error", err)
	}
	if retention != nil {
		if err := retention.Stop(shutdownCtx); err != nil {
			log.Warn("Sweeper did not stop cleanly", "sweeper", retention.Name(), "error", err)
		}
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Warn("Webhook engine did not stop cleanly", "error", err)
	}
	if manager != nil {
		if err := manager.Stop(shutdownCtx); err != nil {
			log.Warn("Queue manager did not stop cleanly", "error", err)
		}
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Warn("Telemetry shutdown failed", "error", err)
	}

	log.Info("Shutdown complete")
	return nil
}

// logOrderUpdate is the order handler used until an order service is wired
// in. It only records the update.
func logOrderUpdate(ctx context.Context, event *webhooks.WebhookEvent) error {
	logger.NewLogger("order-handler").InfoContext(ctx, "Applying order update",
		"event_id", event.ID,
		"platform", event.Platform,
		"event_type", event.EventType,
		"order_id", event.OrderID,
		"location_id", event.LocationID,
	)
	return nil
}
