package queue

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synle/note-synchronizer-sub000/internal/domain"
	"github.com/synle/note-synchronizer-sub000/internal/jobstatus"
)

// fakeSetStore is an in-memory SetStore with the same atomicity guarantees
// as the real client: PopN removes what it returns under one lock, Move
// applies all removals and additions under one lock.
type fakeSetStore struct {
	mu   sync.Mutex
	sets map[string]map[string]bool
}

func newFakeSetStore() *fakeSetStore {
	return &fakeSetStore{sets: make(map[string]map[string]bool)}
}

func (f *fakeSetStore) set(name string) map[string]bool {
	if f.sets[name] == nil {
		f.sets[name] = make(map[string]bool)
	}
	return f.sets[name]
}

func (f *fakeSetStore) AddMembers(_ context.Context, set string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.set(set)
	for _, id := range ids {
		s[id] = true
	}
	return nil
}

func (f *fakeSetStore) Members(_ context.Context, set string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[set]))
	for id := range f.sets[set] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeSetStore) PopN(_ context.Context, set string, n int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.set(set)
	out := make([]string, 0, n)
	for id := range s {
		if len(out) == n {
			break
		}
		out = append(out, id)
		delete(s, id)
	}
	return out, nil
}

func (f *fakeSetStore) Move(_ context.Context, id string, removeFrom, addTo []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, set := range removeFrom {
		delete(f.set(set), id)
	}
	for _, set := range addTo {
		f.set(set)[id] = true
	}
	return nil
}

func (f *fakeSetStore) members(set string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[set]))
	for id := range f.sets[set] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// fakeJobStore records persisted statuses in memory.
type fakeJobStore struct {
	mu       sync.Mutex
	statuses map[string]jobstatus.Status
	extras   map[string]StatusExtra
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		statuses: make(map[string]jobstatus.Status),
		extras:   make(map[string]StatusExtra),
	}
}

func (f *fakeJobStore) JobStatus(_ context.Context, threadID string) (jobstatus.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[threadID]
	if !ok {
		return "", domain.ErrJobNotFound
	}
	return status, nil
}

func (f *fakeJobStore) SetJobStatus(_ context.Context, threadID string, status jobstatus.Status, extra StatusExtra) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[threadID] = status
	f.extras[threadID] = extra
	return nil
}

func (f *fakeJobStore) ThreadIDsByStatus(_ context.Context, statuses ...jobstatus.Status) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[jobstatus.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []string
	for id, s := range f.statuses {
		if want[s] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRouter_EnqueueMany(t *testing.T) {
	sets := newFakeSetStore()
	r := NewRouter(sets, newFakeJobStore(), testLogger())

	err := r.EnqueueMany(context.Background(), jobstatus.QueuePendingCrawl, []string{"t1", "t2", "t3"})
	require.NoError(t, err)

	assert.Equal(t, []string{"t1", "t2", "t3"}, sets.members(jobstatus.QueuePendingCrawl.String()))
	assert.Equal(t, []string{"t1", "t2", "t3"}, sets.members(jobstatus.QueueAllKnown.String()))

	// Re-enqueueing an existing member changes nothing.
	err = r.Enqueue(context.Background(), jobstatus.QueuePendingCrawl, "t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, sets.members(jobstatus.QueuePendingCrawl.String()))

	err = r.EnqueueMany(context.Background(), jobstatus.QueuePendingCrawl, nil)
	require.NoError(t, err)
}

func TestRouter_DequeueBatch(t *testing.T) {
	sets := newFakeSetStore()
	r := NewRouter(sets, newFakeJobStore(), testLogger())

	require.NoError(t, r.EnqueueMany(context.Background(), jobstatus.QueuePendingCrawl, []string{"t1", "t2", "t3"}))

	got, err := r.DequeueBatch(context.Background(), jobstatus.QueuePendingCrawl, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	rest, err := r.DequeueBatch(context.Background(), jobstatus.QueuePendingCrawl, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	seen := append(got, rest...)
	sort.Strings(seen)
	assert.Equal(t, []string{"t1", "t2", "t3"}, seen)

	empty, err := r.DequeueBatch(context.Background(), jobstatus.QueuePendingCrawl, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRouter_DequeueBatch_ConcurrentConsumersSeeEachIDOnce(t *testing.T) {
	sets := newFakeSetStore()
	r := NewRouter(sets, newFakeJobStore(), testLogger())

	ids := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		ids = append(ids, uniqueID(i))
	}
	require.NoError(t, r.EnqueueMany(context.Background(), jobstatus.QueuePendingCrawl, ids))

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := r.DequeueBatch(context.Background(), jobstatus.QueuePendingCrawl, 7)
				if !assert.NoError(t, err) {
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, id := range batch {
					seen[id]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 200)
	for id, n := range seen {
		assert.Equal(t, 1, n, "id %s dequeued more than once", id)
	}
}

func uniqueID(i int) string {
	const digits = "0123456789"
	return "thread-" + string(digits[i/100%10]) + string(digits[i/10%10]) + string(digits[i%10])
}

func TestRouter_ApplyStatus(t *testing.T) {
	sets := newFakeSetStore()
	jobs := newFakeJobStore()
	r := NewRouter(sets, jobs, testLogger())

	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, jobstatus.QueuePendingCrawl, "t1"))

	err := r.ApplyStatus(ctx, "t1", jobstatus.StatusInProgress, StatusExtra{})
	require.NoError(t, err)

	assert.Empty(t, sets.members(jobstatus.QueuePendingCrawl.String()))
	assert.Equal(t, []string{"t1"}, sets.members(jobstatus.QueueInProgress.String()))
	assert.Equal(t, jobstatus.StatusInProgress, jobs.statuses["t1"])

	// Status changes register the id in the all-known set and never remove it.
	assert.Equal(t, []string{"t1"}, sets.members(jobstatus.QueueAllKnown.String()))

	err = r.ApplyStatus(ctx, "t1", jobstatus.StatusErrorCrawl, StatusExtra{DurationMs: 120})
	require.NoError(t, err)
	assert.Empty(t, sets.members(jobstatus.QueueInProgress.String()))
	assert.Equal(t, []string{"t1"}, sets.members(jobstatus.QueueErrorCrawl.String()))
	assert.Equal(t, int64(120), jobs.extras["t1"].DurationMs)
}

func TestRouter_ApplyStatus_Idempotent(t *testing.T) {
	sets := newFakeSetStore()
	r := NewRouter(sets, newFakeJobStore(), testLogger())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.ApplyStatus(ctx, "t1", jobstatus.StatusSuccess, StatusExtra{}))
	}

	assert.Equal(t, []string{"t1"}, sets.members(jobstatus.QueueSuccess.String()))
}

func TestRouter_ApplyStatus_RegistersAllKnown(t *testing.T) {
	sets := newFakeSetStore()
	r := NewRouter(sets, newFakeJobStore(), testLogger())

	// The manual-enqueue path goes through ApplyStatus without a prior
	// EnqueueMany; the id must still land in the all-known set.
	err := r.ApplyStatus(context.Background(), "t9", jobstatus.StatusPendingCrawl, StatusExtra{})
	require.NoError(t, err)

	assert.Equal(t, []string{"t9"}, sets.members(jobstatus.QueuePendingCrawl.String()))
	assert.Equal(t, []string{"t9"}, sets.members(jobstatus.QueueAllKnown.String()))
}

func TestRouter_ApplyStatus_RejectsIllegalTransition(t *testing.T) {
	sets := newFakeSetStore()
	jobs := newFakeJobStore()
	r := NewRouter(sets, jobs, testLogger())

	ctx := context.Background()
	require.NoError(t, r.ApplyStatus(ctx, "t1", jobstatus.StatusSuccess, StatusExtra{}))

	// A terminal status can only follow IN_PROGRESS; jumping between
	// terminals is rejected and nothing is written.
	err := r.ApplyStatus(ctx, "t1", jobstatus.StatusErrorCrawl, StatusExtra{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot move")

	assert.Equal(t, jobstatus.StatusSuccess, jobs.statuses["t1"])
	assert.Equal(t, []string{"t1"}, sets.members(jobstatus.QueueSuccess.String()))
	assert.Empty(t, sets.members(jobstatus.QueueErrorCrawl.String()))

	// A reset back to a pending stage is an allowed operator action.
	require.NoError(t, r.ApplyStatus(ctx, "t1", jobstatus.StatusPendingCrawl, StatusExtra{}))
	assert.Equal(t, jobstatus.StatusPendingCrawl, jobs.statuses["t1"])
	assert.Equal(t, []string{"t1"}, sets.members(jobstatus.QueuePendingCrawl.String()))
}

func TestRouter_ApplyStatus_UnknownStatus(t *testing.T) {
	r := NewRouter(newFakeSetStore(), newFakeJobStore(), testLogger())

	err := r.ApplyStatus(context.Background(), "t1", jobstatus.Status("BOGUS"), StatusExtra{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no queue routing")
}

func TestRouter_ApplyStatus_LastOfThreadEntersReadyToSync(t *testing.T) {
	sets := newFakeSetStore()
	r := NewRouter(sets, newFakeJobStore(), testLogger())

	var readyIDs []string
	r.OnReadyToSync(func(_ context.Context, id string) {
		readyIDs = append(readyIDs, id)
	})

	ctx := context.Background()

	// Success for a non-final message stays out of the sync queue.
	require.NoError(t, r.ApplyStatus(ctx, "t1", jobstatus.StatusSuccess, StatusExtra{}))
	assert.Empty(t, sets.members(jobstatus.QueueReadyToSync.String()))
	assert.Empty(t, readyIDs)

	// Success for the final message lands in both queues and fires the hook.
	require.NoError(t, r.ApplyStatus(ctx, "t1", jobstatus.StatusSuccess, StatusExtra{LastOfThread: true}))
	assert.Equal(t, []string{"t1"}, sets.members(jobstatus.QueueSuccess.String()))
	assert.Equal(t, []string{"t1"}, sets.members(jobstatus.QueueReadyToSync.String()))
	assert.Equal(t, []string{"t1"}, readyIDs)

	// An explicit ready-to-sync status also fires the hook.
	require.NoError(t, r.ApplyStatus(ctx, "t2", jobstatus.StatusPendingSyncDrive, StatusExtra{}))
	assert.Equal(t, []string{"t1", "t2"}, readyIDs)
}

func TestRouter_RestartErrors(t *testing.T) {
	sets := newFakeSetStore()
	jobs := newFakeJobStore()
	r := NewRouter(sets, jobs, testLogger())

	ctx := context.Background()
	require.NoError(t, r.ApplyStatus(ctx, "t1", jobstatus.StatusErrorCrawl, StatusExtra{}))
	require.NoError(t, r.ApplyStatus(ctx, "t2", jobstatus.StatusErrorTimeout, StatusExtra{}))
	require.NoError(t, r.ApplyStatus(ctx, "t3", jobstatus.StatusErrorNotFound, StatusExtra{}))
	require.NoError(t, r.ApplyStatus(ctx, "t4", jobstatus.StatusSuccess, StatusExtra{}))

	// Simulate a corrupted queue: membership lies, persisted status is the
	// source of truth for what gets restarted.
	require.NoError(t, sets.AddMembers(ctx, jobstatus.QueueErrorCrawl.String(), "t4"))

	n, err := r.RestartErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []string{"t1", "t2"}, sets.members(jobstatus.QueuePendingCrawl.String()))
	assert.Equal(t, jobstatus.StatusPendingCrawl, jobs.statuses["t1"])
	assert.Equal(t, jobstatus.StatusPendingCrawl, jobs.statuses["t2"])

	// Not-found stays terminal; success is untouched.
	assert.Equal(t, jobstatus.StatusErrorNotFound, jobs.statuses["t3"])
	assert.Equal(t, []string{"t3"}, sets.members(jobstatus.QueueNotFound.String()))
	assert.Equal(t, jobstatus.StatusSuccess, jobs.statuses["t4"])
}

func TestRouter_RestartErrors_RequiresJobStore(t *testing.T) {
	r := NewRouter(newFakeSetStore(), nil, testLogger())

	_, err := r.RestartErrors(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job store")
}

func TestRouter_AllKnownIDs(t *testing.T) {
	sets := newFakeSetStore()
	r := NewRouter(sets, newFakeJobStore(), testLogger())

	ctx := context.Background()
	require.NoError(t, r.EnqueueMany(ctx, jobstatus.QueuePendingCrawl, []string{"t1", "t2"}))
	require.NoError(t, r.ApplyStatus(ctx, "t1", jobstatus.StatusSuccess, StatusExtra{}))

	ids, err := r.AllKnownIDs(ctx, jobstatus.QueueAllKnown)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids)
}
