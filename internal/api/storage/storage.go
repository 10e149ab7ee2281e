// Package storage holds the API's read-side queries and operator actions.
// Producer inserts go through the worker storage layer so every write path
// shares the same defaults and dedupe rules.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipforge/clipforge-be/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `job_id, workspace_id, kind, state, priority, payload, result,
	attempts, max_attempts, dedupe_key, created_at, updated_at, next_run_at,
	locked_by, locked_at, last_error, completed_at`

type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{db: db, logger: logger, now: time.Now}
}

// JobFilter narrows a job listing. Zero-valued fields are ignored.
type JobFilter struct {
	WorkspaceID string
	Kind        string
	State       string
	PageSize    int
	Cursor      *JobCursor
}

// JobCursor is the keyset-pagination position: newest first, ties broken by
// job id.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 jobs so the caller can detect whether a
// next page exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.WorkspaceID != "" {
		query += fmt.Sprintf(" AND workspace_id = $%d", argIdx)
		args = append(args, filter.WorkspaceID)
		argIdx++
	}
	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}
	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, filter.State)
		argIdx++
	}
	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ListDeadLetters returns the newest dead-lettered jobs, optionally scoped
// to a workspace.
func (s *Storage) ListDeadLetters(ctx context.Context, workspaceID string, limit int) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE state = $1`
	args := []interface{}{domain.StateDeadLetter}
	argIdx := 2

	if workspaceID != "" {
		query += fmt.Sprintf(" AND workspace_id = $%d", argIdx)
		args = append(args, workspaceID)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return jobs, nil
}

// RequeueDeadLetter is the operator escape hatch for a parked job: back to
// queued with a fresh retry budget, eligible immediately. last_error is kept
// for the audit trail.
func (s *Storage) RequeueDeadLetter(ctx context.Context, jobID string) error {
	now := s.now()

	query := `
		UPDATE jobs
		SET state = $1, attempts = 0, next_run_at = $2, updated_at = $2,
		    completed_at = NULL
		WHERE job_id = $3 AND state = $4
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.StateQueued, now, jobID, domain.StateDeadLetter)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var exists int
		if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM jobs WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("failed to check job existence: %w", err)
		}
		if exists == 0 {
			return domain.ErrJobNotFound
		}
		return domain.ErrNotDeadLetter
	}

	s.logger.Info("Dead-letter job requeued",
		slog.String("job_id", jobID),
	)
	return nil
}
