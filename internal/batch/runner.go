package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/synle/note-synchronizer-sub000/internal/pipeline"
)

// Runner executes one thread to a terminal status. Implemented by
// pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, threadID string) pipeline.Result
}

// Config holds batch runner configuration
type Config struct {
	Logger *slog.Logger
	Runner Runner
	// Fanout is the window size: how many pipeline invocations run at once.
	Fanout int
}

// BatchRunner drives the pipeline over a fixed list of thread ids without a
// worker pool. Ids run in windows of Fanout; each window settles completely
// (success or failure) before the next one starts. There are no persistent
// workers and no crash isolation beyond the invocation itself.
type BatchRunner struct {
	logger *slog.Logger
	runner Runner
	fanout int
}

// Summary counts the outcomes of one batch run.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

// NewBatchRunner creates a new BatchRunner instance
func NewBatchRunner(cfg *Config) *BatchRunner {
	fanout := cfg.Fanout
	if fanout <= 0 {
		fanout = 4
	}

	return &BatchRunner{
		logger: cfg.Logger,
		runner: cfg.Runner,
		fanout: fanout,
	}
}

// Run processes threadIDs window by window and returns the outcome counts.
// It stops early only when ctx is canceled; individual failures never abort
// the run.
func (b *BatchRunner) Run(ctx context.Context, threadIDs []string) (Summary, error) {
	summary := Summary{Total: len(threadIDs)}

	b.logger.Info("Starting batch run",
		slog.Int("threads", len(threadIDs)),
		slog.Int("fanout", b.fanout),
	)

	for start := 0; start < len(threadIDs); start += b.fanout {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("batch run canceled: %w", err)
		}

		end := start + b.fanout
		if end > len(threadIDs) {
			end = len(threadIDs)
		}
		window := threadIDs[start:end]

		results := make([]pipeline.Result, len(window))
		var wg sync.WaitGroup

		for i, id := range window {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				defer func() {
					// An unhandled fault aborts only this invocation.
					if r := recover(); r != nil {
						b.logger.Error("Pipeline invocation panicked",
							slog.String("thread_id", id),
							slog.Any("reason", r),
						)
					}
				}()
				results[i] = b.runner.Run(ctx, id)
			}(i, id)
		}

		// Settle the whole window before opening the next one.
		wg.Wait()

		for i, res := range results {
			if res.Success() {
				summary.Succeeded++
			} else {
				summary.Failed++
				b.logger.Warn("Thread failed in batch run",
					slog.String("thread_id", window[i]),
					slog.String("status", res.Status.String()),
					slog.Any("error", res.Err),
				)
			}
		}
	}

	b.logger.Info("Batch run finished",
		slog.Int("total", summary.Total),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
	)

	return summary, nil
}
