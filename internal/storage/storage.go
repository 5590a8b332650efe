package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/synle/note-synchronizer-sub000/internal/domain"
	"github.com/synle/note-synchronizer-sub000/internal/jobstatus"
	"github.com/synle/note-synchronizer-sub000/internal/queue"
)

// Storage handles all relational persistence for thread jobs, parsed
// messages, and attachments.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// UpsertThreadJobs records newly discovered threads. Re-discovering a known
// thread refreshes its provider metadata but never touches its status.
func (s *Storage) UpsertThreadJobs(ctx context.Context, jobs []domain.ThreadJob) error {
	if len(jobs) == 0 {
		return nil
	}

	query := `
		INSERT INTO thread_jobs (thread_id, status, history_id, snippet, created_at, updated_at)
		VALUES (:thread_id, :status, :history_id, :snippet, NOW(), NOW())
		ON CONFLICT (thread_id) DO UPDATE
		SET history_id = EXCLUDED.history_id,
		    snippet = EXCLUDED.snippet,
		    updated_at = NOW()
	`

	if _, err := s.db.NamedExecContext(ctx, query, jobs); err != nil {
		return fmt.Errorf("failed to upsert thread jobs: %w", err)
	}

	s.logger.Debug("Upserted thread jobs",
		slog.Int("count", len(jobs)),
	)

	return nil
}

// GetThreadJob retrieves one thread job by id.
func (s *Storage) GetThreadJob(ctx context.Context, threadID string) (*domain.ThreadJob, error) {
	var job domain.ThreadJob
	query := `
		SELECT thread_id, status, history_id, snippet, processed_date,
		       duration_ms, total_messages, created_at, updated_at
		FROM thread_jobs
		WHERE thread_id = $1
	`

	err := s.db.GetContext(ctx, &job, query, threadID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get thread job: %w", err)
	}

	return &job, nil
}

// JobStatus returns the current status of a thread job, used by the router
// to vet a status change before persisting it.
func (s *Storage) JobStatus(ctx context.Context, threadID string) (jobstatus.Status, error) {
	var status jobstatus.Status
	err := s.db.GetContext(ctx, &status, `SELECT status FROM thread_jobs WHERE thread_id = $1`, threadID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", domain.ErrJobNotFound
		}
		return "", fmt.Errorf("failed to get job status: %w", err)
	}

	return status, nil
}

// SetJobStatus updates a thread job's status plus the optional run metadata.
// Discovery-time statuses insert the row if it does not exist yet.
func (s *Storage) SetJobStatus(ctx context.Context, threadID string, status jobstatus.Status, extra queue.StatusExtra) error {
	query := `
		INSERT INTO thread_jobs (thread_id, status, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (thread_id) DO UPDATE
		SET status = EXCLUDED.status,
		    processed_date = CASE WHEN EXCLUDED.status IN ($3, $4) THEN NOW() ELSE thread_jobs.processed_date END,
		    duration_ms = CASE WHEN $5 > 0 THEN $5 ELSE thread_jobs.duration_ms END,
		    total_messages = CASE WHEN $6 > 0 THEN $6 ELSE thread_jobs.total_messages END,
		    updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		threadID,
		status,
		jobstatus.StatusSuccess,
		jobstatus.StatusErrorTimeout,
		extra.DurationMs,
		extra.TotalMessages,
	)
	if err != nil {
		return fmt.Errorf("failed to set job status: %w", err)
	}

	return nil
}

// ThreadIDsByStatus lists the ids of all jobs currently in any of the given
// statuses. This is the source of truth the restart action rebuilds queue
// membership from.
func (s *Storage) ThreadIDsByStatus(ctx context.Context, statuses ...jobstatus.Status) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT thread_id FROM thread_jobs WHERE status IN (?)`, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build status query: %w", err)
	}

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list thread ids by status: %w", err)
	}

	return ids, nil
}

// StaleInProgressIDs lists jobs stuck in IN_PROGRESS for longer than the
// given age. These are jobs whose worker died mid-flight.
func (s *Storage) StaleInProgressIDs(ctx context.Context, olderThan time.Duration) ([]string, error) {
	query := `
		SELECT thread_id
		FROM thread_jobs
		WHERE status = $1
		  AND updated_at < NOW() - ($2 * INTERVAL '1 second')
	`

	var ids []string
	err := s.db.SelectContext(ctx, &ids, query, jobstatus.StatusInProgress, int64(olderThan.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale in-progress jobs: %w", err)
	}

	return ids, nil
}

// MessagesByThread returns a thread's parsed messages in provider order.
func (s *Storage) MessagesByThread(ctx context.Context, threadID string) ([]domain.Message, error) {
	query := `
		SELECT message_id, thread_id, subject, sender, recipients, body, raw_headers, provider_ts, created_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY provider_ts ASC
	`

	var msgs []domain.Message
	if err := s.db.SelectContext(ctx, &msgs, query, threadID); err != nil {
		return nil, fmt.Errorf("failed to list messages for thread %s: %w", threadID, err)
	}

	return msgs, nil
}

// BulkUpsertMessages persists all parsed messages of a thread in one write.
func (s *Storage) BulkUpsertMessages(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	query := `
		INSERT INTO messages (message_id, thread_id, subject, sender, recipients, body, raw_headers, provider_ts, created_at)
		VALUES (:message_id, :thread_id, :subject, :sender, :recipients, :body, :raw_headers, :provider_ts, NOW())
		ON CONFLICT (message_id) DO UPDATE
		SET subject = EXCLUDED.subject,
		    sender = EXCLUDED.sender,
		    recipients = EXCLUDED.recipients,
		    body = EXCLUDED.body,
		    raw_headers = EXCLUDED.raw_headers,
		    provider_ts = EXCLUDED.provider_ts
	`

	if _, err := s.db.NamedExecContext(ctx, query, msgs); err != nil {
		return fmt.Errorf("failed to upsert messages: %w", err)
	}

	s.logger.Debug("Upserted messages",
		slog.Int("count", len(msgs)),
	)

	return nil
}

// BulkUpsertAttachments persists all collected attachments of a thread in
// one write. Attachment ids are deterministic, so re-runs overwrite.
func (s *Storage) BulkUpsertAttachments(ctx context.Context, atts []domain.Attachment) error {
	if len(atts) == 0 {
		return nil
	}

	query := `
		INSERT INTO attachments (attachment_id, message_id, thread_id, mime_type, file_name, path, size, created_at)
		VALUES (:attachment_id, :message_id, :thread_id, :mime_type, :file_name, :path, :size, NOW())
		ON CONFLICT (attachment_id) DO UPDATE
		SET mime_type = EXCLUDED.mime_type,
		    file_name = EXCLUDED.file_name,
		    path = EXCLUDED.path,
		    size = EXCLUDED.size
	`

	if _, err := s.db.NamedExecContext(ctx, query, atts); err != nil {
		return fmt.Errorf("failed to upsert attachments: %w", err)
	}

	s.logger.Debug("Upserted attachments",
		slog.Int("count", len(atts)),
	)

	return nil
}

// MaxMessageTimestamp returns the maximum provider timestamp among all
// persisted messages of a thread. Recomputed at write time because providers
// may return messages out of order.
func (s *Storage) MaxMessageTimestamp(ctx context.Context, threadID string) (int64, error) {
	var ts sql.NullInt64
	query := `SELECT MAX(provider_ts) FROM messages WHERE thread_id = $1`

	if err := s.db.GetContext(ctx, &ts, query, threadID); err != nil {
		return 0, fmt.Errorf("failed to get max message timestamp: %w", err)
	}

	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// CountThreadJobsByStatus returns per-status job counts for the ops surface.
func (s *Storage) CountThreadJobsByStatus(ctx context.Context) (map[jobstatus.Status]int, error) {
	rows := []struct {
		Status jobstatus.Status `db:"status"`
		Count  int              `db:"count"`
	}{}

	query := `SELECT status, COUNT(*) AS count FROM thread_jobs GROUP BY status`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count thread jobs: %w", err)
	}

	counts := make(map[jobstatus.Status]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
