package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/clipforge/clipforge-be/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type finishCall struct {
	jobID    string
	workerID string
	result   map[string]any
}

type failCall struct {
	jobID    string
	workerID string
	errMsg   string
	delay    time.Duration
}

// fakeStore satisfies JobStore in memory so dispatcher behavior can be tested
// without a database.
type fakeStore struct {
	mu         sync.Mutex
	queue      []*domain.Job
	claimErr   error
	finishes   []finishCall
	fails      []failCall
	heartbeats int
	reclaims   []time.Duration
	claims     int
	claimed    chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{claimed: make(chan struct{}, 16)}
}

func (f *fakeStore) push(job *domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, job)
}

func (f *fakeStore) ClaimNextJob(ctx context.Context, workerID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.queue) == 0 {
		return nil, nil
	}
	job := f.queue[0]
	f.queue = f.queue[1:]
	select {
	case f.claimed <- struct{}{}:
	default:
	}
	return job, nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, jobID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeStore) Finish(ctx context.Context, jobID, workerID string, result map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishes = append(f.finishes, finishCall{jobID: jobID, workerID: workerID, result: result})
	return nil
}

func (f *fakeStore) Fail(ctx context.Context, jobID, workerID, errMsg string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = append(f.fails, failCall{jobID: jobID, workerID: workerID, errMsg: errMsg, delay: delay})
	return nil
}

func (f *fakeStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaims = append(f.reclaims, olderThan)
	return 0, nil
}

func (f *fakeStore) snapshot() ([]finishCall, []failCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]finishCall(nil), f.finishes...), append([]failCall(nil), f.fails...)
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T, store JobStore, reg *Registry, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-test"
	}
	return NewDispatcher(cfg, store, reg, &ExecContext{}, nopLogger())
}

func testJob(kind domain.JobKind) *domain.Job {
	return &domain.Job{
		JobID:       "job-1",
		WorkspaceID: "ws-1",
		Kind:        kind,
		State:       domain.StateRunning,
		Payload:     "{}",
		MaxAttempts: domain.DefaultMaxAttempts,
	}
}

func TestDispatcherFinishesSuccessfulJob(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry()
	reg.Register(domain.KindTranscribe, func(ctx context.Context, ec *ExecContext, job *domain.Job) (map[string]any, error) {
		return map[string]any{"transcript_key": "ws-1/transcripts/job-1.txt"}, nil
	})

	d := newTestDispatcher(t, store, reg, Config{})
	store.push(testJob(domain.KindTranscribe))
	d.safeTick(context.Background())

	finishes, fails := store.snapshot()
	require.Len(t, finishes, 1)
	assert.Empty(t, fails)
	assert.Equal(t, "job-1", finishes[0].jobID)
	assert.Equal(t, "worker-test", finishes[0].workerID)
	assert.Equal(t, "ws-1/transcripts/job-1.txt", finishes[0].result["transcript_key"])
}

func TestDispatcherFailsJobWithBackoff(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry()
	reg.Register(domain.KindTranscribe, func(ctx context.Context, ec *ExecContext, job *domain.Job) (map[string]any, error) {
		return nil, errors.New("transcription service unavailable")
	})

	d := newTestDispatcher(t, store, reg, Config{})

	// First failure: attempts goes 0 -> 1, delay is the base.
	store.push(testJob(domain.KindTranscribe))
	d.safeTick(context.Background())

	// Third failure: attempts goes 2 -> 3, delay has doubled twice.
	third := testJob(domain.KindTranscribe)
	third.JobID = "job-2"
	third.Attempts = 2
	store.push(third)
	d.safeTick(context.Background())

	finishes, fails := store.snapshot()
	assert.Empty(t, finishes)
	require.Len(t, fails, 2)
	assert.Equal(t, 10*time.Second, fails[0].delay)
	assert.Equal(t, "transcription service unavailable", fails[0].errMsg)
	assert.Equal(t, 40*time.Second, fails[1].delay)
}

func TestDispatcherUnknownKindFailsWithZeroDelay(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(t, store, NewRegistry(), Config{})

	store.push(testJob(domain.JobKind("FROBNICATE")))
	d.safeTick(context.Background())

	_, fails := store.snapshot()
	require.Len(t, fails, 1)
	assert.Equal(t, time.Duration(0), fails[0].delay)
	assert.Equal(t, "Unknown job kind: FROBNICATE", fails[0].errMsg)
}

func TestDispatcherHandlerPanicBecomesFailure(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry()
	reg.Register(domain.KindTranscribe, func(ctx context.Context, ec *ExecContext, job *domain.Job) (map[string]any, error) {
		panic("nil pointer somewhere deep")
	})

	d := newTestDispatcher(t, store, reg, Config{})
	store.push(testJob(domain.KindTranscribe))
	d.safeTick(context.Background())

	finishes, fails := store.snapshot()
	assert.Empty(t, finishes)
	require.Len(t, fails, 1)
	assert.Contains(t, fails[0].errMsg, "handler panicked")
	assert.Contains(t, fails[0].errMsg, "nil pointer somewhere deep")
	assert.Equal(t, 10*time.Second, fails[0].delay)
}

func TestDispatcherSurvivesClaimError(t *testing.T) {
	store := newFakeStore()
	store.claimErr = errors.New("connection refused")

	d := newTestDispatcher(t, store, NewRegistry(), Config{})
	d.safeTick(context.Background())

	finishes, fails := store.snapshot()
	assert.Empty(t, finishes)
	assert.Empty(t, fails)
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(t, store, NewRegistry(), Config{
		PollInterval: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

func TestDispatcherRunSweepsOnBoot(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(t, store, NewRegistry(), Config{
		PollInterval:       50 * time.Millisecond,
		StalenessThreshold: 120 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// The boot sweep runs before the first reclaim interval elapses.
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.reclaims) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 120*time.Second, store.reclaims[0])
}

func TestDispatcherClosedWakeChannelKeepsPollCadence(t *testing.T) {
	store := newFakeStore()

	// A dead notification source must not defeat the poll sleep.
	wake := make(chan struct{})
	close(wake)

	d := newTestDispatcher(t, store, NewRegistry(), Config{
		PollInterval: 50 * time.Millisecond,
		Wake:         wake,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done

	store.mu.Lock()
	claims := store.claims
	store.mu.Unlock()
	assert.LessOrEqual(t, claims, 20, "loop must keep sleeping between polls, not spin")
	assert.GreaterOrEqual(t, claims, 1)
}

func TestDispatcherShutdownLetsInFlightJobFinish(t *testing.T) {
	store := newFakeStore()
	started := make(chan struct{})
	release := make(chan struct{})

	reg := NewRegistry()
	reg.Register(domain.KindTranscribe, func(ctx context.Context, ec *ExecContext, job *domain.Job) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{"done": true}, nil
	})

	d := newTestDispatcher(t, store, reg, Config{
		PollInterval: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	store.push(testJob(domain.KindTranscribe))
	<-started

	// Shutdown arrives mid-execution; the handler is allowed to finish and
	// its completion must still be recorded.
	cancel()
	close(release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after the in-flight job finished")
	}

	finishes, fails := store.snapshot()
	require.Len(t, finishes, 1)
	assert.Empty(t, fails)
	assert.Equal(t, true, finishes[0].result["done"])
}

func TestDispatcherWakeTriggersImmediateClaim(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry()
	reg.Register(domain.KindTranscribe, func(ctx context.Context, ec *ExecContext, job *domain.Job) (map[string]any, error) {
		return nil, nil
	})

	wake := make(chan struct{}, 1)
	d := newTestDispatcher(t, store, reg, Config{
		PollInterval: time.Hour, // polling alone would never get there in time
		Wake:         wake,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Let the first (empty) tick pass, then enqueue and nudge.
	select {
	case <-store.claimed:
		t.Fatal("unexpected claim before any job was pushed")
	case <-time.After(200 * time.Millisecond):
	}

	store.push(testJob(domain.KindTranscribe))
	wake <- struct{}{}

	select {
	case <-store.claimed:
	case <-time.After(2 * time.Second):
		t.Fatal("wake signal did not trigger a claim")
	}

	cancel()
	<-done
}
