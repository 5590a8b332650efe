package domain

import (
	"database/sql"
	"time"

	"github.com/synle/note-synchronizer-sub000/internal/jobstatus"
)

// ThreadJob tracks one conversation thread through the pipeline. Jobs are
// created on first discovery and never deleted; terminal statuses are kept
// for idempotent re-runs and auditing.
type ThreadJob struct {
	ThreadID      string           `db:"thread_id"`
	Status        jobstatus.Status `db:"status"`
	HistoryID     string           `db:"history_id"`
	Snippet       string           `db:"snippet"`
	ProcessedDate sql.NullTime     `db:"processed_date"`
	DurationMs    sql.NullInt64    `db:"duration_ms"`
	TotalMessages sql.NullInt64    `db:"total_messages"`
	CreatedAt     time.Time        `db:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at"`
}

// Message is one parsed message of a thread.
type Message struct {
	MessageID  string    `db:"message_id"`
	ThreadID   string    `db:"thread_id"`
	Subject    string    `db:"subject"`
	From       string    `db:"sender"`
	To         string    `db:"recipients"`
	Body       string    `db:"body"`
	RawHeaders string    `db:"raw_headers"`
	Timestamp  int64     `db:"provider_ts"`
	CreatedAt  time.Time `db:"created_at"`
}

// Attachment is one file extracted from a message. The id is deterministic
// (provider attachment id scoped by message id) so repeated runs overwrite
// rather than duplicate.
type Attachment struct {
	AttachmentID string    `db:"attachment_id"`
	MessageID    string    `db:"message_id"`
	ThreadID     string    `db:"thread_id"`
	MimeType     string    `db:"mime_type"`
	FileName     string    `db:"file_name"`
	Path         string    `db:"path"`
	Size         int64     `db:"size"`
	CreatedAt    time.Time `db:"created_at"`
}
