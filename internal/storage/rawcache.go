package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/synle/note-synchronizer-sub000/internal/pipeline"
)

// RawKV is the key-value side of the set-store used for the raw-content
// cache. Implemented by shared/redis.Client.
type RawKV interface {
	GetRaw(ctx context.Context, key string) ([]byte, bool, error)
	SetRaw(ctx context.Context, key string, data []byte) error
}

// RawCache caches the undecoded provider payload per thread so a re-run
// after a crash skips the network fetch.
type RawCache struct {
	kv     RawKV
	logger *slog.Logger
}

// NewRawCache creates a new RawCache instance
func NewRawCache(kv RawKV, logger *slog.Logger) *RawCache {
	return &RawCache{
		kv:     kv,
		logger: logger,
	}
}

func rawThreadKey(threadID string) string {
	return "raw:thread:" + threadID
}

// GetThread returns the cached raw messages for a thread, ok=false on miss.
func (c *RawCache) GetThread(ctx context.Context, threadID string) ([]pipeline.RawThreadMessage, bool, error) {
	data, ok, err := c.kv.GetRaw(ctx, rawThreadKey(threadID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read raw cache: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var msgs []pipeline.RawThreadMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		// A corrupt entry behaves like a miss; the fresh fetch overwrites it.
		c.logger.Warn("Corrupt raw cache entry",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
		return nil, false, nil
	}

	return msgs, true, nil
}

// PutThread stores the raw messages for a thread.
func (c *RawCache) PutThread(ctx context.Context, threadID string, msgs []pipeline.RawThreadMessage) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to encode raw thread: %w", err)
	}

	if err := c.kv.SetRaw(ctx, rawThreadKey(threadID), data); err != nil {
		return fmt.Errorf("failed to write raw cache: %w", err)
	}
	return nil
}
