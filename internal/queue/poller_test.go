package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/models"
	"github.com/ternarybob/juris/internal/queue/state"
	"go.uber.org/goleak"
)

// fakeQueueStorage implements the claim side of JobStorage in memory
type fakeQueueStorage struct {
	interfaces.JobStorage

	mu       sync.Mutex
	pending  []string
	running  map[string]time.Time
	claims   []interfaces.ClaimRequest
	sweeps   []time.Time
	countErr error
}

func newFakeQueueStorage(pending ...string) *fakeQueueStorage {
	return &fakeQueueStorage{pending: pending, running: make(map[string]time.Time)}
}

func (f *fakeQueueStorage) CountRunning(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return len(f.running), nil
}

func (f *fakeQueueStorage) ClaimPending(ctx context.Context, req interfaces.ClaimRequest) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, req)

	n := min(req.Limit, req.MaxRunning-len(f.running), len(f.pending))
	var out []*models.Job
	for _, id := range f.pending[:max(n, 0)] {
		started := req.Now
		f.running[id] = started
		out = append(out, &models.Job{ID: id, Status: models.JobStatusRunning, ClaimedBy: req.InstanceID, StartedAt: &started})
	}
	f.pending = f.pending[max(n, 0):]
	return out, nil
}

func (f *fakeQueueStorage) FailStuckJobs(ctx context.Context, startedBefore, at time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps = append(f.sweeps, startedBefore)

	var ids []string
	for id, started := range f.running {
		if started.Before(startedBefore) {
			ids = append(ids, id)
			delete(f.running, id)
		}
	}
	return ids, nil
}

func (f *fakeQueueStorage) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sweeps)
}

func (f *fakeQueueStorage) finish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, id)
}

// blockingExecutor holds every job until released
type blockingExecutor struct {
	store   *fakeQueueStorage
	tracker *state.Tracker
	release chan struct{}

	mu      sync.Mutex
	started []string
}

func (e *blockingExecutor) Execute(ctx context.Context, jobID string) (*JobOutcome, error) {
	e.mu.Lock()
	e.started = append(e.started, jobID)
	e.mu.Unlock()

	if jobID == "explode" {
		panic("runner crashed")
	}

	select {
	case <-e.release:
	case <-ctx.Done():
	}
	e.store.finish(jobID)
	e.tracker.MarkCompleted(jobID, state.Outcome{Success: true})
	return &JobOutcome{JobID: jobID, Status: models.JobStatusCompleted}, nil
}

func (e *blockingExecutor) startedJobs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.started...)
}

func newTestPoller(store *fakeQueueStorage, maxGlobal, maxLocal int) (*Poller, *blockingExecutor, *state.Tracker, *time.Time) {
	logger := arbor.NewNoOpLogger()
	cfg := NewDefaultConfig()
	cfg.MaxConcurrentJobs = maxGlobal
	cfg.LocalMaxJobs = maxLocal
	cfg.PollInterval = 10 * time.Millisecond
	cfg.InstanceID = "node-a"

	tracker := state.NewTracker(maxLocal, time.Hour, logger)
	exec := &blockingExecutor{store: store, tracker: tracker, release: make(chan struct{})}
	p := NewPoller(cfg, store, exec, tracker, logger)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	return p, exec, tracker, &now
}

func TestPoller_TickClaimsUpToCapacity(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeQueueStorage("j1", "j2", "j3", "j4", "j5")
	p, exec, tracker, _ := newTestPoller(store, 3, 4)

	n, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, store.claims, 1)
	assert.Equal(t, 3, store.claims[0].Limit)
	assert.Equal(t, 3, store.claims[0].MaxRunning)
	assert.Equal(t, "node-a", store.claims[0].InstanceID)

	require.Eventually(t, func() bool { return len(exec.startedJobs()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, tracker.RunningCount())

	// Global ceiling reached: no claim is attempted
	n, err = p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, store.claims, 1)

	close(exec.release)
	require.NoError(t, p.Stop(time.Second))
}

func TestPoller_LocalCapacityCapsClaim(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeQueueStorage("j1", "j2", "j3")
	p, exec, _, _ := newTestPoller(store, 10, 2)

	n, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, store.claims[0].Limit)

	close(exec.release)
	require.NoError(t, p.Stop(time.Second))
}

func TestPoller_StuckSweepEveryTenthTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeQueueStorage()
	p, _, _, now := newTestPoller(store, 4, 4)

	for i := 0; i < 9; i++ {
		_, err := p.Tick(context.Background())
		require.NoError(t, err)
	}
	assert.Empty(t, store.sweeps)

	_, err := p.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, store.sweeps, 1)
	assert.Equal(t, now.Add(-2*time.Hour), store.sweeps[0])

	require.NoError(t, p.Stop(time.Second))
}

func TestPoller_RecoverUsesStartupThreshold(t *testing.T) {
	store := newFakeQueueStorage()
	p, _, _, now := newTestPoller(store, 4, 4)

	store.running["old"] = now.Add(-20 * time.Minute)
	store.running["fresh"] = now.Add(-5 * time.Minute)

	n, err := p.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, now.Add(-15*time.Minute), store.sweeps[0])
	assert.Contains(t, store.running, "fresh")

	// Idempotent
	n, err = p.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, p.Stop(time.Second))
}

func TestPoller_TickErrorAbandonsTick(t *testing.T) {
	store := newFakeQueueStorage("j1")
	store.countErr = errors.New("connection refused")
	p, _, _, _ := newTestPoller(store, 4, 4)

	n, err := p.Tick(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, store.claims)
	require.NoError(t, p.Stop(time.Second))
}

func TestPoller_PanicFailsOnlyThatJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeQueueStorage("explode", "j2")
	p, exec, tracker, _ := newTestPoller(store, 4, 4)

	_, err := p.Tick(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return tracker.GetStatus("explode").Status == state.StatusFailed
	}, time.Second, 5*time.Millisecond)
	exploded := tracker.GetStatus("explode")
	require.NotNil(t, exploded.Outcome)
	assert.Contains(t, exploded.Outcome.Error, "panic:")
	require.Eventually(t, func() bool {
		return tracker.GetStatus("j2").Status == state.StatusRunning
	}, time.Second, 5*time.Millisecond)

	close(exec.release)
	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, state.StatusCompleted, tracker.GetStatus("j2").Status)
}

func TestPoller_StartAndStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeQueueStorage("j1", "j2")
	p, exec, _, _ := newTestPoller(store, 4, 4)
	p.config.StuckSweepEvery = 1000

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))

	require.Eventually(t, func() bool { return len(exec.startedJobs()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, store.sweepCount(), "startup sweep runs once")

	close(exec.release)
	require.NoError(t, p.Stop(time.Second))
}

func TestPoller_StopTimesOutAndCancelsJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeQueueStorage("slow")
	p, exec, _, _ := newTestPoller(store, 4, 4)

	_, err := p.Tick(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(exec.startedJobs()) == 1 }, time.Second, 5*time.Millisecond)

	err = p.Stop(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Equal(t, 0, p.Running())
}
