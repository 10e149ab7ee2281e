package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clipforge/clipforge-be/internal/worker/domain"
	"github.com/google/uuid"
)

// pollSleepFloor keeps the loop from spinning when a tick runs longer than
// the poll interval.
const pollSleepFloor = 100 * time.Millisecond

// JobStore is the slice of the storage layer the dispatcher drives. All
// methods are conditional updates; none of them require any other
// synchronization between worker processes.
type JobStore interface {
	ClaimNextJob(ctx context.Context, workerID string) (*domain.Job, error)
	Heartbeat(ctx context.Context, jobID, workerID string) error
	Finish(ctx context.Context, jobID, workerID string, result map[string]any) error
	Fail(ctx context.Context, jobID, workerID, errMsg string, delay time.Duration) error
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config holds dispatcher tuning. Zero values fall back to production
// defaults.
type Config struct {
	WorkerID           string
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	ReclaimInterval    time.Duration
	StalenessThreshold time.Duration
	Backoff            BackoffPolicy

	// Wake, when non-nil, lets an external notification source (RabbitMQ)
	// cut the poll sleep short. Never required for correctness; a closed
	// channel is treated the same as no channel at all.
	Wake <-chan struct{}
}

// Dispatcher is the per-process control loop: poll, claim, heartbeat,
// execute, finish or fail, sleep. Jobs are handled strictly one at a time;
// horizontal scale comes from running more processes against the same store.
type Dispatcher struct {
	workerID string
	cfg      Config
	store    JobStore
	registry *Registry
	ec       *ExecContext
	logger   *slog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewDispatcher wires a dispatcher. The ExecContext's WorkerID is filled in
// from the dispatcher's identity so handlers and follow-on enqueues carry it.
func NewDispatcher(cfg Config, store JobStore, registry *Registry, ec *ExecContext, logger *slog.Logger) *Dispatcher {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.New().String()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 60 * time.Second
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = 120 * time.Second
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoffPolicy()
	}
	if ec.WorkerID == "" {
		ec.WorkerID = cfg.WorkerID
	}
	if ec.Logger == nil {
		ec.Logger = logger
	}

	return &Dispatcher{
		workerID: cfg.WorkerID,
		cfg:      cfg,
		store:    store,
		registry: registry,
		ec:       ec,
		logger:   logger,
		now:      time.Now,
	}
}

// WorkerID returns the dispatcher's process identity.
func (d *Dispatcher) WorkerID() string {
	return d.workerID
}

// Run executes the dispatch loop until ctx is cancelled. The reclaim sweeper
// runs alongside it: once at boot, then on its own interval. Run returns
// only after the in-flight tick and the sweeper have stopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatcher started",
		slog.String("worker_id", d.workerID),
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Duration("heartbeat_interval", d.cfg.HeartbeatInterval),
		slog.Duration("staleness_threshold", d.cfg.StalenessThreshold),
		slog.Any("kinds", d.registry.Kinds()),
	)

	d.wg.Add(1)
	go d.runSweeper(ctx)

loop:
	for {
		tickStart := d.now()
		d.safeTick(ctx)

		if ctx.Err() != nil {
			break loop
		}

		// Hold a roughly constant poll cadence regardless of tick cost.
		sleep := d.cfg.PollInterval - d.now().Sub(tickStart)
		if sleep < pollSleepFloor {
			sleep = pollSleepFloor
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			break loop
		case _, ok := <-d.cfg.Wake:
			timer.Stop()
			if !ok {
				// A closed wake source would be permanently ready and turn
				// the loop into a busy spin; drop it and rely on polling.
				d.cfg.Wake = nil
			}
		case <-timer.C:
		}
	}

	d.wg.Wait()
	d.logger.Info("Dispatcher stopped",
		slog.String("worker_id", d.workerID),
	)
	return ctx.Err()
}

// safeTick runs one tick; a panicking tick is logged and the loop continues.
func (d *Dispatcher) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Dispatcher tick panicked",
				slog.String("worker_id", d.workerID),
				slog.Any("panic", r),
			)
		}
	}()
	d.tick(ctx)
}

func (d *Dispatcher) tick(ctx context.Context) {
	job, err := d.store.ClaimNextJob(ctx, d.workerID)
	if err != nil {
		// Transient store failure while polling; retried next tick.
		d.logger.Error("Failed to claim job",
			slog.String("worker_id", d.workerID),
			slog.String("error", err.Error()),
		)
		return
	}
	if job == nil {
		return
	}

	d.executeJob(ctx, job)
}

// executeJob runs the handler for one claimed job, heartbeating throughout
// and converting the outcome into exactly one finish or fail transition.
func (d *Dispatcher) executeJob(ctx context.Context, job *domain.Job) {
	log := d.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("workspace_id", job.WorkspaceID),
		slog.String("worker_id", d.workerID),
		slog.String("kind", string(job.Kind)),
	)

	// In-flight work is allowed to finish naturally on shutdown; the
	// process-level shutdown timeout bounds the grace period, and a job
	// orphaned by a forced exit is reclaimed by the sweeper.
	jobCtx := context.WithoutCancel(ctx)

	heartbeatDone := make(chan struct{})
	go d.runHeartbeat(jobCtx, job, heartbeatDone)
	defer close(heartbeatDone)

	start := d.now()
	result, err := d.invokeHandler(jobCtx, job)
	if err != nil {
		d.failJob(jobCtx, job, log, err)
		return
	}

	if err := d.store.Finish(jobCtx, job.JobID, d.workerID, result); err != nil {
		// The work itself succeeded; if this record is lost the job will be
		// reclaimed and the idempotent handler will run again.
		log.Error("Failed to record job completion",
			slog.String("error", err.Error()),
		)
		return
	}

	log.Info("Job completed",
		slog.Duration("duration", d.now().Sub(start)),
	)
}

// invokeHandler resolves and calls the handler, converting panics into
// ordinary handler errors so they feed the same retry policy.
func (d *Dispatcher) invokeHandler(ctx context.Context, job *domain.Job) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	h, err := d.registry.Resolve(job.Kind)
	if err != nil {
		return nil, err
	}
	return h(ctx, d.ec, job)
}

func (d *Dispatcher) failJob(ctx context.Context, job *domain.Job, log *slog.Logger, handlerErr error) {
	attempts := job.Attempts + 1
	delay := d.cfg.Backoff.Delay(attempts)
	if errors.Is(handlerErr, domain.ErrUnknownKind) {
		// An unregistered kind never resolves by waiting.
		delay = 0
	}

	if err := d.store.Fail(ctx, job.JobID, d.workerID, handlerErr.Error(), delay); err != nil {
		log.Error("Failed to record job failure",
			slog.String("error", err.Error()),
		)
		return
	}

	if attempts >= job.MaxAttempts {
		log.Error("Job dead-lettered",
			slog.Int("attempts", attempts),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.String("error", handlerErr.Error()),
		)
		return
	}

	log.Warn("Job failed - queued for retry",
		slog.Int("attempts", attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("retry_in", delay),
		slog.String("error", handlerErr.Error()),
	)
}

// runHeartbeat renews the claim on a fixed period, independent of job
// duration, until the handler finishes or the process dies. A failed or
// skipped heartbeat is never fatal; at worst the job is eventually reclaimed.
func (d *Dispatcher) runHeartbeat(ctx context.Context, job *domain.Job, done <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.Heartbeat(ctx, job.JobID, d.workerID); err != nil {
				d.logger.Warn("Failed to send heartbeat",
					slog.String("job_id", job.JobID),
					slog.String("worker_id", d.workerID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// runSweeper returns orphaned jobs to the queue: once at boot, then on a
// fixed timer.
func (d *Dispatcher) runSweeper(ctx context.Context) {
	defer d.wg.Done()

	d.sweep(ctx)

	ticker := time.NewTicker(d.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	if _, err := d.store.ReclaimStale(ctx, d.cfg.StalenessThreshold); err != nil {
		d.logger.Warn("Reclaim sweep failed",
			slog.String("worker_id", d.workerID),
			slog.String("error", err.Error()),
		)
	}
}
