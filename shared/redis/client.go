package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Host         string
	Port         int
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// Client represents a Redis set-store client
type Client struct {
	rdb    *goredis.Client
	config *Config
	logger *slog.Logger
}

// NewClient creates a new Redis client and verifies the connection
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)

	logger.Info("Connecting to Redis",
		slog.String("addr", addr),
		slog.Int("db", config.DB),
	)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolSize:     config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		logger.Error("Failed to ping Redis",
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Successfully connected to Redis")

	return &Client{
		rdb:    rdb,
		config: config,
		logger: logger,
	}, nil
}

// AddMembers adds ids to a set. Re-adding an existing member is a no-op.
func (c *Client) AddMembers(ctx context.Context, set string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := c.rdb.SAdd(ctx, set, toAny(ids)...).Err(); err != nil {
		return fmt.Errorf("failed to add members to %s: %w", set, err)
	}
	return nil
}

// Members returns the full membership of a set.
func (c *Client) Members(ctx context.Context, set string) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read members of %s: %w", set, err)
	}
	return ids, nil
}

// PopN atomically reads and removes up to n members from a set. Two
// concurrent callers never observe the same id from the same call.
func (c *Client) PopN(ctx context.Context, set string, n int) ([]string, error) {
	ids, err := c.rdb.SPopN(ctx, set, int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop %d members from %s: %w", n, set, err)
	}
	return ids, nil
}

// Move applies a batch of set removals and additions for one id in a single
// MULTI/EXEC transaction, so queue membership never straddles two stages.
func (c *Client) Move(ctx context.Context, id string, removeFrom, addTo []string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, set := range removeFrom {
			pipe.SRem(ctx, set, id)
		}
		for _, set := range addTo {
			pipe.SAdd(ctx, set, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to move %s between sets: %w", id, err)
	}
	return nil
}

// GetRaw reads a cached raw payload by key, returning ok=false on a miss.
func (c *Client) GetRaw(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, true, nil
}

// SetRaw stores a raw payload by key with no expiry.
func (c *Client) SetRaw(ctx context.Context, key string, data []byte) error {
	if err := c.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")

	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close Redis connection",
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

func toAny(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
