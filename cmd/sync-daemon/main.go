package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/synle/note-synchronizer-sub000/internal/api/handler"
	"github.com/synle/note-synchronizer-sub000/internal/api/router"
	"github.com/synle/note-synchronizer-sub000/internal/config"
	"github.com/synle/note-synchronizer-sub000/internal/gdrive"
	"github.com/synle/note-synchronizer-sub000/internal/gmail"
	"github.com/synle/note-synchronizer-sub000/internal/ingest"
	"github.com/synle/note-synchronizer-sub000/internal/notify"
	"github.com/synle/note-synchronizer-sub000/internal/pipeline"
	"github.com/synle/note-synchronizer-sub000/internal/queue"
	"github.com/synle/note-synchronizer-sub000/internal/storage"
	"github.com/synle/note-synchronizer-sub000/internal/supervisor"
	"github.com/synle/note-synchronizer-sub000/internal/syncer"
	"github.com/synle/note-synchronizer-sub000/shared/logger"
	"github.com/synle/note-synchronizer-sub000/shared/postgresql"
	"github.com/synle/note-synchronizer-sub000/shared/rabbitmq"
	"github.com/synle/note-synchronizer-sub000/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("SYNC_DAEMON_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/sync/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	skipIngest := flag.Bool("skip-ingest", false, "Skip thread discovery at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateDaemonConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting sync daemon",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	// Initialize Redis set-store client
	redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	defer redisClient.Close()

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	jobRouter := queue.NewRouter(redisClient, store, appLogger.Logger)

	// Optional broker: announces threads entering the ready-to-sync queue.
	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		publisher := notify.NewPublisher(rabbitClient, appLogger.Logger)
		jobRouter.OnReadyToSync(func(ctx context.Context, id string) {
			if err := publisher.PublishThreadReady(ctx, id); err != nil {
				appLogger.Warn("Failed to publish thread-ready event",
					slog.String("thread_id", id),
					slog.String("error", err.Error()),
				)
			}
		})
	}

	gmailClient := gmail.NewClient(&gmail.Config{
		ClientID:     cfg.Gmail.ClientID,
		ClientSecret: cfg.Gmail.ClientSecret,
		RefreshToken: cfg.Gmail.RefreshToken,
		BaseURL:      cfg.Gmail.BaseURL,
		Timeout:      cfg.Gmail.Timeout,
	}, appLogger.Logger)

	pipe := pipeline.NewPipeline(&pipeline.Config{
		Logger:           appLogger.Logger,
		Provider:         gmailClient,
		Cache:            storage.NewRawCache(redisClient, appLogger.Logger),
		Store:            store,
		Status:           jobRouter,
		AttachmentDir:    cfg.Worker.AttachmentDir,
		JobBudget:        cfg.Worker.JobTimeout,
		AttachmentFanout: cfg.Worker.AttachmentFanout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Discover threads before the pool starts sweeping.
	if !*skipIngest {
		ingestor := ingest.NewIngestor(&ingest.Config{
			Logger: appLogger.Logger,
			Lister: gmailClient,
			Sink:   store,
			Queue:  jobRouter,
			Query:  cfg.Gmail.Query,
		})
		if _, err := ingestor.Run(ctx); err != nil {
			appLogger.Error("Thread discovery failed",
				slog.String("error", err.Error()),
			)
		}
	}

	pool := supervisor.NewSupervisor(&supervisor.Config{
		Logger:         appLogger.Logger,
		Router:         jobRouter,
		Runner:         pipe,
		Action:         supervisor.ActionCrawlThread,
		PoolSize:       cfg.Worker.PoolSize,
		BatchSize:      cfg.Worker.BatchSize,
		TickInterval:   cfg.Worker.TickInterval,
		RespawnBackoff: cfg.Worker.RespawnBackoff,
	})
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	// Optional document-store sync: drains the ready-to-sync queue.
	var docSyncer *syncer.Syncer
	if cfg.Drive.Enabled {
		driveClient := gdrive.NewClient(&gdrive.Config{
			ClientID:     cfg.Drive.ClientID,
			ClientSecret: cfg.Drive.ClientSecret,
			RefreshToken: cfg.Drive.RefreshToken,
			Timeout:      cfg.Drive.Timeout,
		}, appLogger.Logger)

		docSyncer = syncer.NewSyncer(&syncer.Config{
			Logger:         appLogger.Logger,
			Queue:          jobRouter,
			Store:          store,
			Uploader:       driveClient,
			ParentFolderID: cfg.Drive.ParentFolderID,
			WorkDir:        cfg.Drive.WorkDir,
			Interval:       cfg.Drive.SyncInterval,
			BatchSize:      cfg.Drive.SyncBatchSize,
		})
		docSyncer.Start(ctx)
	}

	staleAfter := cfg.Worker.ReconcileStaleAfter
	if staleAfter <= 0 {
		staleAfter = cfg.Worker.JobTimeout
	}
	reconciler := supervisor.NewReconciler(&supervisor.ReconcilerConfig{
		Logger:     appLogger.Logger,
		Store:      store,
		Router:     jobRouter,
		StaleAfter: staleAfter,
		Interval:   cfg.Worker.ReconcileInterval,
	})
	reconciler.Start(ctx)

	// Ops HTTP surface
	engine := router.SetupRouter(&handler.Dependencies{
		Logger:  appLogger.Logger,
		Router:  jobRouter,
		Storage: store,
		DB:      dbClient,
		Cache:   redisClient,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	appLogger.Info("Sync daemon started",
		slog.Int("pool_size", cfg.Worker.PoolSize),
		slog.Int("ops_port", cfg.Server.Port),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Ops server error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Ops server shutdown error",
			slog.Any("error", err),
		)
	}

	done := make(chan struct{})
	go func() {
		if docSyncer != nil {
			docSyncer.Stop()
		}
		reconciler.Stop()
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker pool shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Sync daemon shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		Service:      service,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
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
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRedis initializes the Redis set-store client
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	redisConfig := &redis.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}

	return redis.NewClient(redisConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
