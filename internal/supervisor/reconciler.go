package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/synle/note-synchronizer-sub000/internal/jobstatus"
	"github.com/synle/note-synchronizer-sub000/internal/queue"
)

// StaleJobStore lists jobs stuck in IN_PROGRESS beyond a given age.
type StaleJobStore interface {
	StaleInProgressIDs(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// StatusApplier routes one job's status change through the queue router.
type StatusApplier interface {
	ApplyStatus(ctx context.Context, id string, status jobstatus.Status, extra queue.StatusExtra) error
}

// ReconcilerConfig holds reconciler configuration
type ReconcilerConfig struct {
	Logger *slog.Logger
	Store  StaleJobStore
	Router StatusApplier
	// StaleAfter is how long a job may sit in IN_PROGRESS before it is
	// considered orphaned. Should exceed the pipeline job budget.
	StaleAfter time.Duration
	// Interval is the sweep cadence.
	Interval time.Duration
}

// Reconciler periodically resets jobs orphaned by a crashed worker: any id
// stuck in IN_PROGRESS past the timeout window goes back to its preceding
// PENDING_* state so the next queue sweep picks it up again.
type Reconciler struct {
	logger     *slog.Logger
	store      StaleJobStore
	router     StatusApplier
	staleAfter time.Duration
	interval   time.Duration
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewReconciler creates a new Reconciler instance
func NewReconciler(cfg *ReconcilerConfig) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	return &Reconciler{
		logger:     cfg.Logger,
		store:      cfg.Store,
		router:     cfg.Router,
		staleAfter: cfg.StaleAfter,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}
}

// Start begins the periodic sweep. A sweep also runs immediately, covering
// cold starts after a daemon crash.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		if n, err := r.Sweep(ctx); err != nil {
			r.logger.Error("Reconciliation sweep failed",
				slog.String("error", err.Error()),
			)
		} else if n > 0 {
			r.logger.Info("Recovered orphaned jobs on startup",
				slog.Int("count", n),
			)
		}

		for {
			select {
			case <-r.stopChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil {
					r.logger.Error("Reconciliation sweep failed",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
}

// Stop halts the sweep loop.
func (r *Reconciler) Stop() {
	close(r.stopChan)
	r.wg.Wait()
}

// Sweep resets every stale IN_PROGRESS job and returns how many were reset.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	ids, err := r.store.StaleInProgressIDs(ctx, r.staleAfter)
	if err != nil {
		return 0, err
	}

	target, _ := jobstatus.PrecedingPending(jobstatus.StatusInProgress)

	reset := 0
	for _, id := range ids {
		if err := r.router.ApplyStatus(ctx, id, target, queue.StatusExtra{}); err != nil {
			r.logger.Error("Failed to reset orphaned job",
				slog.String("thread_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		reset++

		r.logger.Info("Reset orphaned job",
			slog.String("thread_id", id),
			slog.String("status", target.String()),
		)
	}

	return reset, nil
}
