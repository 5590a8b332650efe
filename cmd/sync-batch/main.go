package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/synle/note-synchronizer-sub000/internal/batch"
	"github.com/synle/note-synchronizer-sub000/internal/config"
	"github.com/synle/note-synchronizer-sub000/internal/gmail"
	"github.com/synle/note-synchronizer-sub000/internal/pipeline"
	"github.com/synle/note-synchronizer-sub000/internal/queue"
	"github.com/synle/note-synchronizer-sub000/internal/storage"
	"github.com/synle/note-synchronizer-sub000/shared/logger"
	"github.com/synle/note-synchronizer-sub000/shared/postgresql"
	"github.com/synle/note-synchronizer-sub000/shared/redis"
)

// sync-batch processes an explicit list of thread ids without the worker
// pool. Used for ad hoc and recovery runs.
func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("SYNC_BATCH_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/sync/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	idFile := flag.String("file", "", "File with one thread id per line (instead of arguments)")
	flag.Parse()

	threadIDs, err := collectThreadIDs(flag.Args(), *idFile)
	if err != nil {
		return err
	}
	if len(threadIDs) == 0 {
		return fmt.Errorf("no thread ids given: pass ids as arguments or via -file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateBatchConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		Service:      cfg.App.Name,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	dbClient, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	redisClient, err := redis.NewClient(&redis.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	defer redisClient.Close()

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	jobRouter := queue.NewRouter(redisClient, store, appLogger.Logger)

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

	runner := batch.NewBatchRunner(&batch.Config{
		Logger: appLogger.Logger,
		Runner: pipe,
		Fanout: cfg.Batch.Fanout,
	})

	summary, err := runner.Run(context.Background(), threadIDs)
	if err != nil {
		return err
	}

	appLogger.Info("Batch complete",
		slog.Int("total", summary.Total),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
	)

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d threads failed", summary.Failed, summary.Total)
	}
	return nil
}

// collectThreadIDs merges ids from arguments and an optional file.
func collectThreadIDs(args []string, idFile string) ([]string, error) {
	ids := make([]string, 0, len(args))
	for _, arg := range args {
		if id := strings.TrimSpace(arg); id != "" {
			ids = append(ids, id)
		}
	}

	if idFile != "" {
		f, err := os.Open(idFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open id file: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if id := strings.TrimSpace(scanner.Text()); id != "" {
				ids = append(ids, id)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read id file: %w", err)
		}
	}

	return ids, nil
}
