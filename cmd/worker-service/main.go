package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipforge/clipforge-be/internal/config"
	"github.com/clipforge/clipforge-be/internal/pipeline"
	"github.com/clipforge/clipforge-be/internal/worker"
	workerstorage "github.com/clipforge/clipforge-be/internal/worker/storage"
	"github.com/clipforge/clipforge-be/shared/logger"
	"github.com/clipforge/clipforge-be/shared/postgresql"
	"github.com/clipforge/clipforge-be/shared/rabbitmq"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	workerID := buildWorkerID()
	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := workerstorage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("failed to migrate jobs schema: %w", err)
	}

	var notifier worker.Notifier
	var wake <-chan struct{}
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		notifier = rabbitClient

		deliveries, err := rabbitClient.Consume(workerID)
		if err != nil {
			return fmt.Errorf("failed to start notification consumer: %w", err)
		}
		wake = bridgeWake(deliveries)
	} else {
		appLogger.Info("RabbitMQ disabled - relying on polling")
	}

	objects, err := pipeline.NewLocalDiskStore(cfg.Pipeline.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	registry := worker.NewRegistry()
	pipeline.Register(registry, buildPipelineDeps(&cfg.Pipeline, objects))

	ec := &worker.ExecContext{
		Store:   store,
		Objects: objects,
		Queue:   worker.NewEnqueuer(store, notifier, appLogger.Logger),
		Logger:  appLogger.Logger,
	}

	dispatcher := worker.NewDispatcher(worker.Config{
		WorkerID:           workerID,
		PollInterval:       cfg.Worker.PollInterval,
		HeartbeatInterval:  cfg.Worker.HeartbeatInterval,
		ReclaimInterval:    cfg.Worker.ReclaimInterval,
		StalenessThreshold: cfg.Worker.StalenessThreshold,
		Backoff: worker.BackoffPolicy{
			Base: cfg.Worker.BackoffBase,
			Cap:  cfg.Worker.BackoffCap,
		},
		Wake: wake,
	}, store, registry, ec, appLogger.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		dispatcher.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)
	cancel()

	select {
	case <-done:
		appLogger.Info("Worker service shutdown complete")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Shutdown timed out with work in flight; orphaned jobs will be reclaimed",
			slog.Duration("timeout", cfg.Worker.ShutdownTimeout),
		)
	}

	return nil
}

// buildWorkerID makes a process identity that is both unique and traceable to
// a host in the logs.
func buildWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
}

// bridgeWake coalesces broker deliveries into wake-up signals for the
// dispatcher. The channel has capacity one: a burst of notifications wakes
// the loop once, and the claim query finds the rest. The wake channel is
// never closed; when the broker connection drops the goroutine exits and the
// dispatcher keeps its normal poll cadence.
func bridgeWake(deliveries <-chan amqp.Delivery) <-chan struct{} {
	wake := make(chan struct{}, 1)
	go func() {
		for range deliveries {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return wake
}

func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		User:          cfg.User,
		Password:      cfg.Password,
		VHost:         cfg.VHost,
		Exchange:      cfg.Exchange,
		Queue:         cfg.Queue,
		RoutingKey:    cfg.RoutingKey,
		RetryAttempts: cfg.RetryAttempts,
		RetryInterval: cfg.RetryInterval,
		Heartbeat:     cfg.Heartbeat,
	}, logger)
}

// buildPipelineDeps wires HTTP-backed collaborators for every configured
// endpoint. Downloads need only the object store, so the downloader is always
// available.
func buildPipelineDeps(cfg *config.PipelineConfig, objects worker.ObjectStore) pipeline.Deps {
	deps := pipeline.Deps{
		Downloader: &pipeline.HTTPDownloader{Objects: objects},
	}
	if cfg.TranscriberURL != "" {
		deps.Transcriber = &pipeline.HTTPTranscriber{Endpoint: cfg.TranscriberURL}
	}
	if cfg.HighlighterURL != "" {
		deps.Highlighter = &pipeline.HTTPHighlightDetector{Endpoint: cfg.HighlighterURL}
	}
	if cfg.RendererURL != "" {
		deps.Renderer = &pipeline.HTTPRenderer{Endpoint: cfg.RendererURL}
	}
	if cfg.ThumbnailerURL != "" {
		deps.Thumbnailer = &pipeline.HTTPThumbnailer{Endpoint: cfg.ThumbnailerURL}
	}
	if cfg.YouTubePublisherURL != "" {
		deps.YouTube = &pipeline.HTTPPublisher{Endpoint: cfg.YouTubePublisherURL}
	}
	if cfg.TikTokPublisherURL != "" {
		deps.TikTok = &pipeline.HTTPPublisher{Endpoint: cfg.TikTokPublisherURL}
	}
	return deps
}
