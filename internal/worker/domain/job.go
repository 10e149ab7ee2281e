package domain

import "time"

// Job is the unit of work shared by every worker process. Rows live in the
// jobs table; every state transition goes through the worker storage layer.
type Job struct {
	JobID       string     `db:"job_id" json:"job_id"`
	WorkspaceID string     `db:"workspace_id" json:"workspace_id"`
	Kind        JobKind    `db:"kind" json:"kind"`
	State       JobState   `db:"state" json:"state"`
	Priority    int        `db:"priority" json:"priority"`
	Payload     string     `db:"payload" json:"payload"` // JSON object
	Result      *string    `db:"result" json:"result,omitempty"`
	Attempts    int        `db:"attempts" json:"attempts"`
	MaxAttempts int        `db:"max_attempts" json:"max_attempts"`
	DedupeKey   *string    `db:"dedupe_key" json:"dedupe_key,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	NextRunAt   time.Time  `db:"next_run_at" json:"next_run_at"`
	LockedBy    *string    `db:"locked_by" json:"locked_by,omitempty"`
	LockedAt    *time.Time `db:"locked_at" json:"locked_at,omitempty"`
	LastError   *string    `db:"last_error" json:"last_error,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Terminal reports whether the job can no longer transition.
func (j *Job) Terminal() bool {
	return j.State == StateDone || j.State == StateDeadLetter
}
