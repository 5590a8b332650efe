package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/synle/note-synchronizer-sub000/internal/domain"
	"github.com/synle/note-synchronizer-sub000/internal/jobstatus"
)

// Dequeuer is the queue-facing side of the syncer.
type Dequeuer interface {
	DequeueBatch(ctx context.Context, q jobstatus.Queue, max int) ([]string, error)
	Enqueue(ctx context.Context, q jobstatus.Queue, id string) error
}

// ThreadReader loads the persisted content of a thread.
type ThreadReader interface {
	MessagesByThread(ctx context.Context, threadID string) ([]domain.Message, error)
}

// Uploader pushes a rendered document to the remote store. Implemented by
// gdrive.Client.
type Uploader interface {
	CreateOrUpdateFile(ctx context.Context, name, mimeType, localPath, parentID string, metadata map[string]string) (string, error)
}

// Config holds syncer configuration
type Config struct {
	Logger   *slog.Logger
	Queue    Dequeuer
	Store    ThreadReader
	Uploader Uploader
	// ParentFolderID is the remote folder documents land in.
	ParentFolderID string
	// WorkDir holds rendered documents before upload.
	WorkDir string
	// Interval is the sweep cadence over the ready-to-sync queue.
	Interval time.Duration
	// BatchSize is how many threads one sweep drains.
	BatchSize int
}

// Syncer drains the ready-to-sync queue: each id is rendered to a text
// document and uploaded to the remote store. Upload failures put the id back
// on the queue for the next sweep; the queue's set semantics make that safe.
type Syncer struct {
	logger    *slog.Logger
	queue     Dequeuer
	store     ThreadReader
	uploader  Uploader
	parentID  string
	workDir   string
	interval  time.Duration
	batchSize int
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewSyncer creates a new Syncer instance
func NewSyncer(cfg *Config) *Syncer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}

	return &Syncer{
		logger:    cfg.Logger,
		queue:     cfg.Queue,
		store:     cfg.Store,
		uploader:  cfg.Uploader,
		parentID:  cfg.ParentFolderID,
		workDir:   cfg.WorkDir,
		interval:  interval,
		batchSize: batch,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the periodic sweep.
func (s *Syncer) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SyncBatch(ctx); err != nil {
					s.logger.Error("Sync sweep failed",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Syncer) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

// SyncBatch drains up to one batch from the ready-to-sync queue and returns
// how many threads were uploaded.
func (s *Syncer) SyncBatch(ctx context.Context) (int, error) {
	ids, err := s.queue.DequeueBatch(ctx, jobstatus.QueueReadyToSync, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep ready-to-sync queue: %w", err)
	}

	synced := 0
	for _, id := range ids {
		if err := s.syncThread(ctx, id); err != nil {
			s.logger.Warn("Failed to sync thread, requeueing",
				slog.String("thread_id", id),
				slog.String("error", err.Error()),
			)
			if reqErr := s.queue.Enqueue(ctx, jobstatus.QueueReadyToSync, id); reqErr != nil {
				s.logger.Error("Failed to requeue thread for sync",
					slog.String("thread_id", id),
					slog.String("error", reqErr.Error()),
				)
			}
			continue
		}
		synced++
	}

	if synced > 0 {
		s.logger.Info("Synced threads to document store",
			slog.Int("count", synced),
		)
	}

	return synced, nil
}

// syncThread renders one thread and uploads it.
func (s *Syncer) syncThread(ctx context.Context, threadID string) error {
	msgs, err := s.store.MessagesByThread(ctx, threadID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return fmt.Errorf("no persisted messages for thread %s", threadID)
	}

	name := documentName(threadID, msgs)
	localPath := filepath.Join(s.workDir, threadID+".txt")

	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		return fmt.Errorf("failed to create sync work dir: %w", err)
	}
	if err := os.WriteFile(localPath, []byte(renderThread(msgs)), 0o644); err != nil {
		return fmt.Errorf("failed to render thread document: %w", err)
	}

	_, err = s.uploader.CreateOrUpdateFile(ctx, name, "text/plain", localPath, s.parentID,
		map[string]string{"thread_id": threadID})
	if err != nil {
		return fmt.Errorf("failed to upload thread document: %w", err)
	}

	s.logger.Debug("Uploaded thread document",
		slog.String("thread_id", threadID),
		slog.String("name", name),
	)

	return nil
}

// documentName derives a stable document name: the earliest non-empty
// subject, suffixed with the thread id so distinct threads never collide.
func documentName(threadID string, msgs []domain.Message) string {
	subject := ""
	for _, m := range msgs {
		if strings.TrimSpace(m.Subject) != "" {
			subject = strings.TrimSpace(m.Subject)
			break
		}
	}
	if subject == "" {
		subject = "(no subject)"
	}
	return subject + " [" + threadID + "]"
}

// renderThread flattens a thread into a plain-text document, one block per
// message in provider order.
func renderThread(msgs []domain.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n----\n\n")
		}
		sb.WriteString("From: ")
		sb.WriteString(m.From)
		sb.WriteString("\nTo: ")
		sb.WriteString(m.To)
		sb.WriteString("\nSubject: ")
		sb.WriteString(m.Subject)
		sb.WriteString("\n\n")
		sb.WriteString(m.Body)
		sb.WriteString("\n")
	}
	return sb.String()
}
