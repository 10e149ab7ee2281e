package storage

import (
	"context"
	"fmt"
)

// Schema is kept to the SQL subset shared by PostgreSQL and SQLite so the
// same storage code runs against both. Timestamps are always bound as
// parameters, never produced by the database.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id        TEXT PRIMARY KEY,
		workspace_id  TEXT NOT NULL,
		kind          TEXT NOT NULL,
		state         TEXT NOT NULL DEFAULT 'queued',
		priority      INTEGER NOT NULL DEFAULT 100,
		payload       TEXT NOT NULL DEFAULT '{}',
		result        TEXT,
		attempts      INTEGER NOT NULL DEFAULT 0,
		max_attempts  INTEGER NOT NULL DEFAULT 5,
		dedupe_key    TEXT,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL,
		next_run_at   TIMESTAMP NOT NULL,
		locked_by     TEXT,
		locked_at     TIMESTAMP,
		last_error    TEXT,
		completed_at  TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_claim
		ON jobs (state, next_run_at, priority, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_dedupe
		ON jobs (dedupe_key)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_workspace
		ON jobs (workspace_id, state)`,
}

// Migrate creates the jobs table and indexes if they do not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
