package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synle/note-synchronizer-sub000/internal/domain"
	"github.com/synle/note-synchronizer-sub000/internal/jobstatus"
	"github.com/synle/note-synchronizer-sub000/internal/queue"
)

// RawThreadMessage is one undecoded message as returned by the content
// provider, flattened to a single list of body parts.
type RawThreadMessage struct {
	MessageID  string            `json:"messageId"`
	ThreadID   string            `json:"threadId"`
	HistoryID  string            `json:"historyId"`
	Snippet    string            `json:"snippet"`
	InternalTs int64             `json:"internalTs"`
	Headers    map[string]string `json:"headers"`
	Parts      []MessagePart     `json:"parts"`
}

// MessagePart is one body part of a raw message. Data carries the
// transport-encoded (base64url) content for inline parts; attachment parts
// carry an AttachmentID to fetch instead.
type MessagePart struct {
	PartID       string `json:"partId"`
	MimeType     string `json:"mimeType"`
	Filename     string `json:"filename"`
	AttachmentID string `json:"attachmentId"`
	Data         string `json:"data"`
}

// Provider fetches thread content from the upstream message API.
type Provider interface {
	GetThreadMessages(ctx context.Context, threadID string) ([]RawThreadMessage, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// RawCache stores the raw provider payload per thread so re-runs after a
// crash can skip the network fetch.
type RawCache interface {
	GetThread(ctx context.Context, threadID string) ([]RawThreadMessage, bool, error)
	PutThread(ctx context.Context, threadID string, msgs []RawThreadMessage) error
}

// Store is the relational persistence consumed by the pipeline.
type Store interface {
	BulkUpsertMessages(ctx context.Context, msgs []domain.Message) error
	BulkUpsertAttachments(ctx context.Context, atts []domain.Attachment) error
	MaxMessageTimestamp(ctx context.Context, threadID string) (int64, error)
}

// StatusApplier routes a job's status change through the queue router.
type StatusApplier interface {
	ApplyStatus(ctx context.Context, id string, status jobstatus.Status, extra queue.StatusExtra) error
}

// Config holds pipeline configuration
type Config struct {
	Logger        *slog.Logger
	Provider      Provider
	Cache         RawCache
	Store         Store
	Status        StatusApplier
	AttachmentDir string
	// JobBudget is the wall-clock budget for one invocation.
	JobBudget time.Duration
	// AttachmentFanout bounds concurrently in-flight attachment downloads
	// within one invocation.
	AttachmentFanout int
}

// Pipeline processes one thread at a time: fetch raw content, parse every
// message, download attachments, persist, and report a terminal status.
type Pipeline struct {
	logger        *slog.Logger
	provider      Provider
	cache         RawCache
	store         Store
	status        StatusApplier
	attachmentDir string
	jobBudget     time.Duration
	fanout        int
}

// Result is the terminal outcome of one pipeline invocation.
type Result struct {
	ThreadID      string
	Status        jobstatus.Status
	TotalMessages int
	LastOfThread  bool
	Duration      time.Duration
	Err           error
}

// Success reports whether the invocation ended in SUCCESS.
func (r Result) Success() bool {
	return r.Status == jobstatus.StatusSuccess
}

// NewPipeline creates a new Pipeline instance
func NewPipeline(cfg *Config) *Pipeline {
	budget := cfg.JobBudget
	if budget <= 0 {
		budget = 30 * time.Minute
	}
	fanout := cfg.AttachmentFanout
	if fanout <= 0 {
		fanout = 4
	}

	return &Pipeline{
		logger:        cfg.Logger,
		provider:      cfg.Provider,
		cache:         cfg.Cache,
		store:         cfg.Store,
		status:        cfg.Status,
		attachmentDir: cfg.AttachmentDir,
		jobBudget:     budget,
		fanout:        fanout,
	}
}

// Run processes one thread to a terminal status within the wall-clock
// budget. The deadline and the crawl race through a completion flag; exactly
// one of them reports, and a late crawl result after a timeout is dropped.
// In-flight collaborator calls observe the deadline through the context but
// are not forcibly aborted. Cancellation of the parent context ends the run
// without any terminal status.
func (p *Pipeline) Run(ctx context.Context, threadID string) Result {
	start := time.Now()

	// Claim the job. Concurrent dispatch of the same id is prevented at the
	// router level, not re-checked here.
	if err := p.status.ApplyStatus(ctx, threadID, jobstatus.StatusInProgress, queue.StatusExtra{}); err != nil {
		p.logger.Warn("Failed to mark job in progress",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
	}

	runCtx, cancel := context.WithTimeout(ctx, p.jobBudget)
	defer cancel()

	var completed atomic.Bool
	var parsedCount atomic.Int64
	resultCh := make(chan Result, 1)

	go func() {
		res := p.crawl(runCtx, threadID, &parsedCount)
		if completed.CompareAndSwap(false, true) {
			resultCh <- res
		}
		// Lost the race against the deadline: the job was already reported
		// as timed out, so this result is discarded.
	}()

	var res Result
	select {
	case res = <-resultCh:
	case <-runCtx.Done():
		if completed.CompareAndSwap(false, true) {
			if errors.Is(runCtx.Err(), context.Canceled) {
				// Parent cancellation, not a blown budget. No terminal
				// status; the job stays IN_PROGRESS and the reconciliation
				// sweep requeues it after restart.
				return Result{
					ThreadID:      threadID,
					TotalMessages: int(parsedCount.Load()),
					Duration:      time.Since(start),
					Err:           runCtx.Err(),
				}
			}
			res = Result{
				ThreadID:      threadID,
				Status:        jobstatus.StatusErrorTimeout,
				TotalMessages: int(parsedCount.Load()),
				Err:           domain.ErrDeadlineExceeded,
			}
		} else {
			// The crawl won the flag just as the deadline fired; its result
			// is already in flight.
			res = <-resultCh
		}
	}

	res.Duration = time.Since(start)
	p.report(res)
	return res
}

// report persists the terminal status. It runs on a fresh context so a job
// deadline or daemon shutdown cannot lose the outcome.
func (p *Pipeline) report(res Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	extra := queue.StatusExtra{
		DurationMs:    res.Duration.Milliseconds(),
		TotalMessages: res.TotalMessages,
		LastOfThread:  res.LastOfThread,
	}

	if err := p.status.ApplyStatus(ctx, res.ThreadID, res.Status, extra); err != nil {
		p.logger.Error("Failed to report job status",
			slog.String("thread_id", res.ThreadID),
			slog.String("status", res.Status.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	p.logger.Info("Thread job finished",
		slog.String("thread_id", res.ThreadID),
		slog.String("status", res.Status.String()),
		slog.Int("total_messages", res.TotalMessages),
		slog.Duration("duration", res.Duration),
	)
}

// crawl does the actual work: fetch, parse, download, persist.
func (p *Pipeline) crawl(ctx context.Context, threadID string, parsedCount *atomic.Int64) Result {
	rawMsgs, fromCache, err := p.fetchRaw(ctx, threadID)
	if err != nil {
		if errors.Is(err, domain.ErrThreadNotFound) {
			return Result{ThreadID: threadID, Status: jobstatus.StatusErrorNotFound, Err: err}
		}
		var crawlErr *domain.CrawlError
		if errors.As(err, &crawlErr) {
			return Result{ThreadID: threadID, Status: jobstatus.StatusErrorCrawl, Err: err}
		}
		return Result{ThreadID: threadID, Status: jobstatus.StatusErrorGeneric, Err: err}
	}

	if len(rawMsgs) == 0 {
		return Result{ThreadID: threadID, Status: jobstatus.StatusErrorNotFound, Err: domain.ErrThreadNotFound}
	}

	if !fromCache {
		// Persist the raw copy before parsing so a crash mid-parse never
		// forces a re-fetch.
		if err := p.cache.PutThread(ctx, threadID, rawMsgs); err != nil {
			p.logger.Warn("Failed to cache raw thread content",
				slog.String("thread_id", threadID),
				slog.String("error", err.Error()),
			)
		}
	}

	var (
		messages    []domain.Message
		attachments []domain.Attachment
		attMu       sync.Mutex
		wg          sync.WaitGroup
		sem         = make(chan struct{}, p.fanout)
	)

	for _, raw := range rawMsgs {
		msg, refs, inline, err := p.parseMessage(raw)
		if err != nil {
			// One broken message never aborts the rest of the thread.
			p.logger.Warn("Failed to parse message",
				slog.String("thread_id", threadID),
				slog.String("message_id", raw.MessageID),
				slog.String("error", err.Error()),
			)
			parsedCount.Add(1)
			continue
		}

		messages = append(messages, msg)
		attMu.Lock()
		attachments = append(attachments, inline...)
		attMu.Unlock()
		parsedCount.Add(1)

		for _, ref := range refs {
			wg.Add(1)
			go func(ref attachmentRef) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				att, err := p.downloadAttachment(ctx, ref)
				if err != nil {
					// Settle-all join: a failed download is logged and the
					// attachment is simply absent from the persisted set.
					p.logger.Warn("Failed to download attachment",
						slog.String("thread_id", threadID),
						slog.String("message_id", ref.messageID),
						slog.String("attachment_id", ref.attachmentID),
						slog.String("error", err.Error()),
					)
					return
				}

				attMu.Lock()
				attachments = append(attachments, att)
				attMu.Unlock()
			}(ref)
		}
	}

	wg.Wait()

	// Best-effort bulk writes: a persistence failure must not invalidate the
	// raw-content cache or fail the thread.
	if err := p.store.BulkUpsertMessages(ctx, messages); err != nil {
		p.logger.Error("Failed to persist parsed messages",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
	}
	if err := p.store.BulkUpsertAttachments(ctx, attachments); err != nil {
		p.logger.Error("Failed to persist attachments",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
	}

	return Result{
		ThreadID:      threadID,
		Status:        jobstatus.StatusSuccess,
		TotalMessages: len(rawMsgs),
		LastOfThread:  p.isLastOfThread(ctx, threadID, messages),
	}
}

// fetchRaw prefers the cached raw copy over the provider API.
func (p *Pipeline) fetchRaw(ctx context.Context, threadID string) ([]RawThreadMessage, bool, error) {
	cached, ok, err := p.cache.GetThread(ctx, threadID)
	if err != nil {
		p.logger.Warn("Raw cache read failed, falling back to provider",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
	}
	if ok && len(cached) > 0 {
		p.logger.Debug("Using cached raw thread content",
			slog.String("thread_id", threadID),
			slog.Int("messages", len(cached)),
		)
		return cached, true, nil
	}

	msgs, err := p.provider.GetThreadMessages(ctx, threadID)
	if err != nil {
		if errors.Is(err, domain.ErrThreadNotFound) {
			return nil, false, err
		}
		return nil, false, domain.NewCrawlError(err)
	}

	return msgs, false, nil
}

// isLastOfThread reports whether this invocation persisted the message with
// the maximum provider timestamp among all currently persisted messages of
// the thread. That message is what triggers the hand-off to the sync stage.
func (p *Pipeline) isLastOfThread(ctx context.Context, threadID string, msgs []domain.Message) bool {
	if len(msgs) == 0 {
		return false
	}

	var batchMax int64
	for _, m := range msgs {
		if m.Timestamp > batchMax {
			batchMax = m.Timestamp
		}
	}

	persistedMax, err := p.store.MaxMessageTimestamp(ctx, threadID)
	if err != nil {
		p.logger.Warn("Failed to read max message timestamp",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
		return false
	}

	return batchMax >= persistedMax
}

// downloadAttachment fetches one attachment unless its target path already
// exists, in which case the existing file is reused.
func (p *Pipeline) downloadAttachment(ctx context.Context, ref attachmentRef) (domain.Attachment, error) {
	path := p.attachmentPath(ref)

	if info, err := os.Stat(path); err == nil {
		p.logger.Debug("Attachment already on disk, skipping download",
			slog.String("path", path),
		)
		return domain.Attachment{
			AttachmentID: ref.deterministicID(),
			MessageID:    ref.messageID,
			ThreadID:     ref.threadID,
			MimeType:     ref.mimeType,
			FileName:     ref.filename,
			Path:         path,
			Size:         info.Size(),
		}, nil
	}

	data, err := p.provider.GetAttachment(ctx, ref.messageID, ref.attachmentID)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("failed to fetch attachment %s: %w", ref.attachmentID, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return domain.Attachment{}, fmt.Errorf("failed to create attachment dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return domain.Attachment{}, fmt.Errorf("failed to write attachment file: %w", err)
	}

	return domain.Attachment{
		AttachmentID: ref.deterministicID(),
		MessageID:    ref.messageID,
		ThreadID:     ref.threadID,
		MimeType:     ref.mimeType,
		FileName:     ref.filename,
		Path:         path,
		Size:         int64(len(data)),
	}, nil
}

// attachmentPath namespaces files by message and attachment id so concurrent
// workers never write the same path.
func (p *Pipeline) attachmentPath(ref attachmentRef) string {
	name := fmt.Sprintf("%s-%s-%s", ref.messageID, shortID(ref.attachmentID), sanitizeFilename(ref.filename))
	return filepath.Join(p.attachmentDir, ref.threadID, name)
}
