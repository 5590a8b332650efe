package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/synle/note-synchronizer-sub000/internal/jobstatus"
	"github.com/synle/note-synchronizer-sub000/internal/pipeline"
)

// Action names the kind of work a pool is dedicated to.
type Action string

// Pool actions
const (
	ActionCrawlThread Action = "crawl_thread"
	ActionParseEmail  Action = "parse_email"
)

// sourceQueue returns the queue an action's pool sweeps for pending ids.
func (a Action) sourceQueue() (jobstatus.Queue, error) {
	switch a {
	case ActionCrawlThread:
		return jobstatus.QueuePendingCrawl, nil
	case ActionParseEmail:
		return jobstatus.QueuePendingParse, nil
	}
	return "", fmt.Errorf("unknown action %q", a)
}

// WorkItem is the message a slot receives; it is owned exclusively by the
// slot for the duration of execution and consumed exactly once per dispatch.
type WorkItem struct {
	Action   Action
	ThreadID string
}

// WorkResult echoes the WorkItem fields so the supervisor can correlate
// without keeping pending-call state.
type WorkResult struct {
	Action   Action
	ThreadID string
	Success  bool
	Err      error
}

// SlotStatus is the dispatch state of one worker slot.
type SlotStatus int

// Slot statuses
const (
	SlotFree SlotStatus = iota
	SlotBusy
	SlotDead
)

// Runner executes one thread to a terminal status. Implemented by
// pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, threadID string) pipeline.Result
}

// Batcher is the queue-facing side of the supervisor.
type Batcher interface {
	DequeueBatch(ctx context.Context, q jobstatus.Queue, max int) ([]string, error)
}

// slot is one unit of the fixed-size pool. The supervisor owns it
// exclusively; the items channel is the handle to its execution unit and is
// replaced, not mutated, on respawn.
type slot struct {
	index  int
	status SlotStatus
	items  chan WorkItem
	// pendingThread is the id in flight while the slot is BUSY.
	pendingThread string
}

type crashReport struct {
	slotIndex int
	reason    any
}

// Config holds supervisor configuration
type Config struct {
	Logger   *slog.Logger
	Router   Batcher
	Runner   Runner
	Action   Action
	PoolSize int
	// BatchSize is how many ids one refill pulls from the queue.
	BatchSize int
	// TickInterval is the dispatch loop cadence.
	TickInterval time.Duration
	// RespawnBackoff is how long a crashed slot stays down before its
	// execution unit is replaced.
	RespawnBackoff time.Duration
}

// Supervisor owns a fixed-size pool of worker slots and assigns buffered
// thread ids to FREE slots on a fixed tick. All pool state lives on this
// struct and is touched only by the control loop goroutine.
type Supervisor struct {
	logger         *slog.Logger
	router         Batcher
	runner         Runner
	action         Action
	poolSize       int
	batchSize      int
	tickInterval   time.Duration
	respawnBackoff time.Duration

	slots     []*slot
	buffer    []string
	resultCh  chan WorkResult
	crashCh   chan crashReport
	respawnCh chan int
	stopChan  chan struct{}
	wg        sync.WaitGroup
	unitWG    sync.WaitGroup
}

// NewSupervisor creates a new Supervisor instance
func NewSupervisor(cfg *Config) *Supervisor {
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	backoff := cfg.RespawnBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = cfg.PoolSize * 2
	}

	return &Supervisor{
		logger:         cfg.Logger,
		router:         cfg.Router,
		runner:         cfg.Runner,
		action:         cfg.Action,
		poolSize:       cfg.PoolSize,
		batchSize:      batch,
		tickInterval:   tick,
		respawnBackoff: backoff,
		resultCh:       make(chan WorkResult, cfg.PoolSize),
		crashCh:        make(chan crashReport, cfg.PoolSize),
		respawnCh:      make(chan int, cfg.PoolSize),
		stopChan:       make(chan struct{}),
	}
}

// Start spawns the pool and the control loop. It returns once everything is
// running; processing continues until ctx is canceled or Stop is called.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.poolSize <= 0 {
		return fmt.Errorf("pool size must be greater than 0")
	}
	if _, err := s.action.sourceQueue(); err != nil {
		return err
	}

	s.logger.Info("Starting supervisor",
		slog.String("action", string(s.action)),
		slog.Int("pool_size", s.poolSize),
		slog.Duration("tick_interval", s.tickInterval),
	)

	s.slots = make([]*slot, s.poolSize)
	for i := 0; i < s.poolSize; i++ {
		s.slots[i] = s.spawnUnit(ctx, i)
	}

	s.wg.Add(1)
	go s.controlLoop(ctx)

	return nil
}

// Stop shuts the pool down and waits for in-flight work to settle.
func (s *Supervisor) Stop() {
	s.logger.Info("Stopping supervisor",
		slog.String("action", string(s.action)),
	)
	close(s.stopChan)
	s.wg.Wait()
	s.unitWG.Wait()
	s.logger.Info("Supervisor stopped")
}

// spawnUnit creates a fresh execution unit for a slot index and returns the
// new slot handle.
func (s *Supervisor) spawnUnit(ctx context.Context, index int) *slot {
	sl := &slot{
		index:  index,
		status: SlotFree,
		items:  make(chan WorkItem, 1),
	}

	s.unitWG.Add(1)
	go s.runUnit(ctx, sl)

	s.logger.Debug("Spawned worker slot",
		slog.Int("slot", index),
	)

	return sl
}

// runUnit is the body of one execution unit. It shares no pool state with
// the supervisor; work arrives on the slot's items channel and outcomes
// leave on the shared result channel. A panic anywhere inside the run is
// reported as a crash so the supervisor can replace the unit; the in-flight
// item is lost and later recovered by the reconciliation sweep.
func (s *Supervisor) runUnit(ctx context.Context, sl *slot) {
	defer s.unitWG.Done()
	defer func() {
		if r := recover(); r != nil {
			s.crashCh <- crashReport{slotIndex: sl.index, reason: r}
		}
	}()

	for item := range sl.items {
		res := s.runner.Run(ctx, item.ThreadID)

		result := WorkResult{
			Action:   item.Action,
			ThreadID: item.ThreadID,
			Success:  res.Success(),
			Err:      res.Err,
		}

		select {
		case s.resultCh <- result:
		case <-s.stopChan:
			return
		}
	}
}

// controlLoop is the single goroutine that owns all slot and buffer state.
func (s *Supervisor) controlLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			s.closeSlots()
			return

		case <-ctx.Done():
			s.closeSlots()
			return

		case <-ticker.C:
			s.dispatchTick(ctx)

		case res := <-s.resultCh:
			s.onResult(res)

		case crash := <-s.crashCh:
			s.onCrash(crash)

		case index := <-s.respawnCh:
			s.slots[index] = s.spawnUnit(ctx, index)
			s.logger.Info("Worker slot respawned",
				slog.Int("slot", index),
			)
		}
	}
}

// dispatchTick assigns buffered ids to FREE slots, refilling the buffer from
// the queue whenever it runs dry so a tick never leaves FREE slots idle
// while work is pending.
func (s *Supervisor) dispatchTick(ctx context.Context) {
	for _, sl := range s.slots {
		if sl.status != SlotFree {
			continue
		}

		if len(s.buffer) == 0 {
			if !s.refill(ctx) {
				return
			}
		}

		id := s.buffer[0]
		s.buffer = s.buffer[1:]

		sl.items <- WorkItem{Action: s.action, ThreadID: id}
		sl.status = SlotBusy
		sl.pendingThread = id

		s.logger.Debug("Dispatched work item",
			slog.Int("slot", sl.index),
			slog.String("thread_id", id),
		)
	}
}

// refill pulls a fresh batch of pending ids; false means the queue is empty.
func (s *Supervisor) refill(ctx context.Context) bool {
	q, err := s.action.sourceQueue()
	if err != nil {
		return false
	}

	ids, err := s.router.DequeueBatch(ctx, q, s.batchSize)
	if err != nil {
		s.logger.Error("Failed to refill work buffer",
			slog.String("queue", q.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	if len(ids) == 0 {
		return false
	}

	s.buffer = append(s.buffer, ids...)
	s.logger.Debug("Refilled work buffer",
		slog.String("queue", q.String()),
		slog.Int("count", len(ids)),
	)
	return true
}

// onResult frees the originating slot. Failures are reported, not retried:
// the state machine already routed failed ids to an error queue, so a retry
// only happens through a later queue sweep.
func (s *Supervisor) onResult(res WorkResult) {
	sl := s.busySlotFor(res)
	if sl == nil {
		s.logger.Warn("Result for unknown slot",
			slog.String("thread_id", res.ThreadID),
		)
		return
	}

	sl.status = SlotFree
	sl.pendingThread = ""

	if !res.Success {
		s.logger.Warn("Work item failed",
			slog.Int("slot", sl.index),
			slog.String("thread_id", res.ThreadID),
			slog.Any("error", res.Err),
		)
	}
}

// onCrash marks the slot dead and schedules a replacement unit after the
// backoff. The item that was in flight is lost from the supervisor's
// perspective; the reconciliation sweep recovers its status.
func (s *Supervisor) onCrash(crash crashReport) {
	sl := s.slots[crash.slotIndex]
	sl.status = SlotDead

	s.logger.Error("Worker slot crashed",
		slog.Int("slot", crash.slotIndex),
		slog.Any("reason", crash.reason),
		slog.Duration("respawn_backoff", s.respawnBackoff),
	)

	index := crash.slotIndex
	time.AfterFunc(s.respawnBackoff, func() {
		select {
		case s.respawnCh <- index:
		case <-s.stopChan:
		}
	})
}

func (s *Supervisor) closeSlots() {
	for _, sl := range s.slots {
		close(sl.items)
	}
}

func (s *Supervisor) busySlotFor(res WorkResult) *slot {
	for _, sl := range s.slots {
		if sl.status == SlotBusy && sl.pendingThread == res.ThreadID {
			return sl
		}
	}
	return nil
}
