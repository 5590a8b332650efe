package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/synle/note-synchronizer-sub000/internal/domain"
	"github.com/synle/note-synchronizer-sub000/internal/gmail"
	"github.com/synle/note-synchronizer-sub000/internal/jobstatus"
)

// ThreadLister pages through the provider's thread listing.
type ThreadLister interface {
	ListThreads(ctx context.Context, query, pageToken string) (gmail.ThreadPage, error)
}

// JobSink records discovered threads and places them on the crawl queue.
type JobSink interface {
	UpsertThreadJobs(ctx context.Context, jobs []domain.ThreadJob) error
}

// Enqueuer adds ids to a queue.
type Enqueuer interface {
	EnqueueMany(ctx context.Context, q jobstatus.Queue, ids []string) error
}

// Config holds ingestor configuration
type Config struct {
	Logger *slog.Logger
	Lister ThreadLister
	Sink   JobSink
	Queue  Enqueuer
	// Query narrows the provider listing (provider query syntax).
	Query string
}

// Ingestor discovers threads and seeds the crawl queue. Re-discovery of a
// known thread refreshes its metadata but, because queues are sets and job
// rows keep their status, never causes duplicate work.
type Ingestor struct {
	logger *slog.Logger
	lister ThreadLister
	sink   JobSink
	queue  Enqueuer
	query  string
}

// NewIngestor creates a new Ingestor instance
func NewIngestor(cfg *Config) *Ingestor {
	return &Ingestor{
		logger: cfg.Logger,
		lister: cfg.Lister,
		sink:   cfg.Sink,
		queue:  cfg.Queue,
		query:  cfg.Query,
	}
}

// Run walks the full thread listing once and returns how many threads were
// discovered.
func (i *Ingestor) Run(ctx context.Context) (int, error) {
	total := 0
	pageToken := ""

	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("ingestion canceled: %w", err)
		}

		page, err := i.lister.ListThreads(ctx, i.query, pageToken)
		if err != nil {
			return total, fmt.Errorf("failed to list threads: %w", err)
		}

		if len(page.Threads) > 0 {
			jobs := make([]domain.ThreadJob, 0, len(page.Threads))
			ids := make([]string, 0, len(page.Threads))
			for _, t := range page.Threads {
				jobs = append(jobs, domain.ThreadJob{
					ThreadID:  t.ID,
					Status:    jobstatus.StatusPendingCrawl,
					HistoryID: t.HistoryID,
					Snippet:   t.Snippet,
				})
				ids = append(ids, t.ID)
			}

			if err := i.sink.UpsertThreadJobs(ctx, jobs); err != nil {
				return total, fmt.Errorf("failed to record discovered threads: %w", err)
			}
			if err := i.queue.EnqueueMany(ctx, jobstatus.QueuePendingCrawl, ids); err != nil {
				return total, fmt.Errorf("failed to enqueue discovered threads: %w", err)
			}

			total += len(page.Threads)
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	i.logger.Info("Thread discovery finished",
		slog.Int("discovered", total),
		slog.String("query", i.query),
	)

	return total, nil
}
