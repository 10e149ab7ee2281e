package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipforge/clipforge-be/internal/worker/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `job_id, workspace_id, kind, state, priority, payload, result,
	attempts, max_attempts, dedupe_key, created_at, updated_at, next_run_at,
	locked_by, locked_at, last_error, completed_at`

// Storage owns every jobs-table state transition. The conditional UPDATE
// guards are the only cross-process coordination in the system; there are no
// in-memory locks anywhere.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger

	// now is swapped out in tests to drive virtual time.
	now func() time.Time
}

// NewStorage creates a new Storage instance.
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue inserts a new queued job. Zero-valued fields get defaults; a set
// DedupeKey refuses insertion while another queued or running job holds the
// same key.
func (s *Storage) Enqueue(ctx context.Context, job *domain.Job) error {
	now := s.now()

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.State == "" {
		job.State = domain.StateQueued
	}
	if job.Priority == 0 {
		job.Priority = domain.DefaultPriority
	}
	if job.Payload == "" {
		job.Payload = "{}"
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = domain.DefaultMaxAttempts
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	job.UpdatedAt = now

	if job.DedupeKey != nil && *job.DedupeKey != "" {
		// The dedupe check and the insert run as one statement so two
		// concurrent enqueues with the same key cannot both slip past a
		// separate existence check.
		query := `
			INSERT INTO jobs (
				job_id, workspace_id, kind, state, priority, payload,
				attempts, max_attempts, dedupe_key, created_at, updated_at, next_run_at
			)
			SELECT $1, $2, $3, $4, $5, $6,
			       $7, $8, $9, $10, $11, $12
			WHERE NOT EXISTS (
				SELECT 1 FROM jobs
				WHERE dedupe_key = $9 AND state IN ($13, $14)
			)
		`
		result, err := s.db.ExecContext(ctx, query,
			job.JobID,
			job.WorkspaceID,
			job.Kind,
			job.State,
			job.Priority,
			job.Payload,
			job.Attempts,
			job.MaxAttempts,
			job.DedupeKey,
			job.CreatedAt,
			job.UpdatedAt,
			job.NextRunAt,
			domain.StateQueued,
			domain.StateRunning,
		)
		if err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return domain.ErrDuplicateJob
		}
	} else {
		query := `
			INSERT INTO jobs (
				job_id, workspace_id, kind, state, priority, payload,
				attempts, max_attempts, dedupe_key, created_at, updated_at, next_run_at
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				$7, $8, $9, $10, $11, $12
			)
		`
		_, err := s.db.ExecContext(ctx, query,
			job.JobID,
			job.WorkspaceID,
			job.Kind,
			job.State,
			job.Priority,
			job.Payload,
			job.Attempts,
			job.MaxAttempts,
			job.DedupeKey,
			job.CreatedAt,
			job.UpdatedAt,
			job.NextRunAt,
		)
		if err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", job.JobID),
		slog.String("workspace_id", job.WorkspaceID),
		slog.String("kind", string(job.Kind)),
		slog.Int("priority", job.Priority),
	)

	return nil
}

// ClaimNextJob selects the next eligible job (queued, due, lowest priority
// value first, then oldest) and atomically transitions it to running for the
// calling worker. Returns (nil, nil) when nothing is eligible or the
// conditional update lost a race to another worker; the caller simply polls
// again next tick.
func (s *Storage) ClaimNextJob(ctx context.Context, workerID string) (*domain.Job, error) {
	now := s.now()

	var job domain.Job
	selectQuery := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE state = $1 AND next_run_at <= $2
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
	`
	err := s.db.GetContext(ctx, &job, selectQuery, domain.StateQueued, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select claimable job: %w", err)
	}

	claimQuery := `
		UPDATE jobs
		SET state = $1, locked_by = $2, locked_at = $3, updated_at = $3
		WHERE job_id = $4 AND state = $5
	`
	result, err := s.db.ExecContext(ctx, claimQuery,
		domain.StateRunning, workerID, now, job.JobID, domain.StateQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Lost the race to another worker. Never return a stale row.
		return nil, nil
	}

	job.State = domain.StateRunning
	job.LockedBy = &workerID
	job.LockedAt = &now
	job.UpdatedAt = now

	s.logger.Info("Job claimed",
		slog.String("job_id", job.JobID),
		slog.String("workspace_id", job.WorkspaceID),
		slog.String("worker_id", workerID),
		slog.String("kind", string(job.Kind)),
		slog.Int("attempts", job.Attempts),
	)

	return &job, nil
}

// Heartbeat renews the caller's claim on a running job. A mismatched owner or
// non-running state is a silent no-op: the job was reclaimed or finished and
// the holder will find out when it reports completion.
func (s *Storage) Heartbeat(ctx context.Context, jobID, workerID string) error {
	now := s.now()

	query := `
		UPDATE jobs
		SET locked_at = $1, updated_at = $1
		WHERE job_id = $2 AND state = $3 AND locked_by = $4
	`
	result, err := s.db.ExecContext(ctx, query, now, jobID, domain.StateRunning, workerID)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Heartbeat skipped - job no longer running under this worker",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
		)
	}

	return nil
}

// Finish marks a running job done, recording an optional result payload and
// clearing the lock. Finishing a job that is already done (or no longer owned
// by the caller) is a no-op.
func (s *Storage) Finish(ctx context.Context, jobID, workerID string, result map[string]any) error {
	now := s.now()

	var resultJSON *string
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		encoded := string(raw)
		resultJSON = &encoded
	}

	query := `
		UPDATE jobs
		SET state = $1, result = $2, completed_at = $3, updated_at = $3,
		    locked_by = NULL, locked_at = NULL
		WHERE job_id = $4 AND state = $5 AND locked_by = $6
	`
	res, err := s.db.ExecContext(ctx, query,
		domain.StateDone, resultJSON, now, jobID, domain.StateRunning, workerID)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Finish skipped - job no longer running under this worker",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
		)
		return nil
	}

	s.logger.Info("Job done",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)

	return nil
}

// Fail records a handler failure for a job the caller still owns: attempts is
// incremented and the job either requeues with next_run_at = now + delay or
// parks in dead_letter once the retry budget is exhausted. The whole decision
// runs inside one conditional UPDATE so a job already reclaimed by the
// sweeper cannot be corrupted by a late failure report.
func (s *Storage) Fail(ctx context.Context, jobID, workerID, errMsg string, delay time.Duration) error {
	now := s.now()
	nextRunAt := now.Add(delay)

	query := `
		UPDATE jobs
		SET attempts = attempts + 1,
		    state = CASE WHEN attempts + 1 >= max_attempts THEN $1 ELSE $2 END,
		    completed_at = CASE WHEN attempts + 1 >= max_attempts THEN $3 ELSE completed_at END,
		    next_run_at = CASE WHEN attempts + 1 >= max_attempts THEN next_run_at ELSE $4 END,
		    last_error = $5,
		    updated_at = $3,
		    locked_by = NULL,
		    locked_at = NULL
		WHERE job_id = $6 AND state = $7 AND locked_by = $8
	`
	res, err := s.db.ExecContext(ctx, query,
		domain.StateDeadLetter, domain.StateQueued, now, nextRunAt, errMsg,
		jobID, domain.StateRunning, workerID)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Fail skipped - job no longer running under this worker",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
		)
	}

	return nil
}

// ReclaimStale returns orphaned running jobs to the queue. A job is orphaned
// once its heartbeat age exceeds olderThan. Attempts is left untouched: a
// crashed worker must not consume the job's retry budget. Safe to run
// concurrently with live claims since it only touches rows still running at
// scan time.
func (s *Storage) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now()
	cutoff := now.Add(-olderThan)

	query := `
		UPDATE jobs
		SET state = $1, locked_by = NULL, locked_at = NULL, updated_at = $2
		WHERE state = $3 AND locked_at < $4
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.StateQueued, now, domain.StateRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Info("Stale jobs reclaimed",
			slog.Int64("count", rows),
			slog.Duration("staleness_threshold", olderThan),
		)
	}

	return rows, nil
}

// GetJobByID retrieves a job by its ID.
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// CountByState returns the number of jobs per state, for the operator
// surface and logs.
func (s *Storage) CountByState(ctx context.Context) (map[domain.JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobState]int)
	for rows.Next() {
		var state domain.JobState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts[state] = count
	}
	return counts, rows.Err()
}
