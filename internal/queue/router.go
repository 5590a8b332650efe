package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/synle/note-synchronizer-sub000/internal/domain"
	"github.com/synle/note-synchronizer-sub000/internal/jobstatus"
)

// SetStore is the set-semantics backing for the queues. Implemented by
// shared/redis.Client in production and by an in-memory fake in tests.
type SetStore interface {
	AddMembers(ctx context.Context, set string, ids ...string) error
	Members(ctx context.Context, set string) ([]string, error)
	PopN(ctx context.Context, set string, n int) ([]string, error)
	Move(ctx context.Context, id string, removeFrom, addTo []string) error
}

// JobStore is the relational side of a status change. Queue membership is
// rebuilt from here on restart, never from in-flight queue contents.
type JobStore interface {
	JobStatus(ctx context.Context, threadID string) (jobstatus.Status, error)
	SetJobStatus(ctx context.Context, threadID string, status jobstatus.Status, extra StatusExtra) error
	ThreadIDsByStatus(ctx context.Context, statuses ...jobstatus.Status) ([]string, error)
}

// StatusExtra carries the optional fields recorded alongside a status change.
type StatusExtra struct {
	DurationMs    int64
	TotalMessages int
	// LastOfThread marks the status change as covering the message with the
	// maximum provider timestamp in its thread, which is what hands a fully
	// parsed thread to the sync stage.
	LastOfThread bool
}

// Router moves thread ids through the stage queues as their status changes.
type Router struct {
	sets      SetStore
	jobs      JobStore
	logger    *slog.Logger
	readyHook func(ctx context.Context, id string)
}

// NewRouter creates a Router. jobs may be nil for set-store-only deployments;
// status persistence and restart re-derivation are skipped in that mode.
func NewRouter(sets SetStore, jobs JobStore, logger *slog.Logger) *Router {
	return &Router{
		sets:   sets,
		jobs:   jobs,
		logger: logger,
	}
}

// OnReadyToSync registers a hook invoked whenever an id enters the
// ready-to-sync queue. Used to publish a broker event alongside the set add.
func (r *Router) OnReadyToSync(fn func(ctx context.Context, id string)) {
	r.readyHook = fn
}

// Enqueue adds one id to a queue. Adding an id that is already a member is a
// no-op, so requeueing is always safe.
func (r *Router) Enqueue(ctx context.Context, q jobstatus.Queue, id string) error {
	return r.EnqueueMany(ctx, q, []string{id})
}

// EnqueueMany adds ids to a queue and records them in the all-known set used
// for cold-start reconciliation.
func (r *Router) EnqueueMany(ctx context.Context, q jobstatus.Queue, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := r.sets.AddMembers(ctx, q.String(), ids...); err != nil {
		return fmt.Errorf("failed to enqueue to %s: %w", q, err)
	}

	if err := r.sets.AddMembers(ctx, jobstatus.QueueAllKnown.String(), ids...); err != nil {
		return fmt.Errorf("failed to record known ids: %w", err)
	}

	r.logger.Debug("Enqueued thread ids",
		slog.String("queue", q.String()),
		slog.Int("count", len(ids)),
	)

	return nil
}

// DequeueBatch atomically reads and removes up to max ids from a queue. A
// racing writer may re-add an id immediately afterwards; that only causes a
// safe re-process, never a duplicate within one sweep.
func (r *Router) DequeueBatch(ctx context.Context, q jobstatus.Queue, max int) ([]string, error) {
	ids, err := r.sets.PopN(ctx, q.String(), max)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", q, err)
	}

	if len(ids) > 0 {
		r.logger.Debug("Dequeued batch",
			slog.String("queue", q.String()),
			slog.Int("count", len(ids)),
		)
	}

	return ids, nil
}

// ApplyStatus persists a status change and rewrites queue membership to
// match: the id leaves every queue belonging to a stale status and joins the
// queue(s) the new status implies, plus the all-known set. Applying the same
// status twice leaves membership unchanged after the first application. A
// change the status machine forbids is rejected before anything is written.
func (r *Router) ApplyStatus(ctx context.Context, id string, status jobstatus.Status, extra StatusExtra) error {
	routing, ok := jobstatus.RoutingFor(status)
	if !ok {
		return fmt.Errorf("no queue routing for status %s", status)
	}

	if r.jobs != nil {
		current, err := r.jobs.JobStatus(ctx, id)
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			// First status write for this id.
		case err != nil:
			return fmt.Errorf("failed to read current status of %s: %w", id, err)
		case !jobstatus.CanApply(current, status):
			return fmt.Errorf("cannot move %s from %s to %s", id, current, status)
		}

		if err := r.jobs.SetJobStatus(ctx, id, status, extra); err != nil {
			return fmt.Errorf("failed to persist status %s for %s: %w", status, id, err)
		}
	}

	addTo := make([]string, 0, len(routing.AddTo)+len(routing.AddToIfLast)+1)
	for _, q := range routing.AddTo {
		addTo = append(addTo, q.String())
	}
	addTo = append(addTo, jobstatus.QueueAllKnown.String())
	if extra.LastOfThread {
		for _, q := range routing.AddToIfLast {
			addTo = append(addTo, q.String())
		}
	}

	removeFrom := make([]string, 0, len(routing.RemoveFrom))
	for _, q := range routing.RemoveFrom {
		removeFrom = append(removeFrom, q.String())
	}

	if err := r.sets.Move(ctx, id, removeFrom, addTo); err != nil {
		return fmt.Errorf("failed to rebucket %s for status %s: %w", id, status, err)
	}

	enteredReady := status == jobstatus.StatusPendingSyncDrive ||
		(extra.LastOfThread && len(routing.AddToIfLast) > 0)
	if enteredReady && r.readyHook != nil {
		r.readyHook(ctx, id)
	}

	r.logger.Debug("Applied status",
		slog.String("thread_id", id),
		slog.String("status", status.String()),
		slog.Bool("last_of_thread", extra.LastOfThread),
	)

	return nil
}

// AllKnownIDs returns the full membership snapshot of a queue.
func (r *Router) AllKnownIDs(ctx context.Context, q jobstatus.Queue) ([]string, error) {
	ids, err := r.sets.Members(ctx, q.String())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", q, err)
	}
	return ids, nil
}

// RestartErrors re-queues every errored job for another attempt. Membership
// is recomputed from persisted status, not from in-flight queue contents, so
// a queue corrupted by a crash cannot poison the restart.
func (r *Router) RestartErrors(ctx context.Context) (int, error) {
	if r.jobs == nil {
		return 0, fmt.Errorf("restart requires a job store")
	}

	restartable := []jobstatus.Status{
		jobstatus.StatusErrorCrawl,
		jobstatus.StatusErrorTimeout,
		jobstatus.StatusErrorGeneric,
	}

	total := 0
	for _, errStatus := range restartable {
		ids, err := r.jobs.ThreadIDsByStatus(ctx, errStatus)
		if err != nil {
			return total, fmt.Errorf("failed to list %s jobs: %w", errStatus, err)
		}

		target, ok := jobstatus.RestartTarget(errStatus)
		if !ok {
			continue
		}

		for _, id := range ids {
			if err := r.ApplyStatus(ctx, id, target, StatusExtra{}); err != nil {
				return total, fmt.Errorf("failed to restart %s: %w", id, err)
			}
			total++
		}

		r.logger.Info("Restarted errored jobs",
			slog.String("from_status", errStatus.String()),
			slog.String("to_status", target.String()),
			slog.Int("count", len(ids)),
		)
	}

	return total, nil
}
