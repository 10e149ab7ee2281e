package dto

import (
	"time"

	"github.com/clipforge/clipforge-be/internal/worker/domain"
)

// CreateJobRequest is the producer interface: any kind string is accepted,
// but only kinds registered on some worker will ever complete.
type CreateJobRequest struct {
	WorkspaceID string         `json:"workspace_id" binding:"required"`
	Kind        string         `json:"kind" binding:"required"`
	Payload     map[string]any `json:"payload"`
	Priority    *int           `json:"priority"`
	RunAt       *time.Time     `json:"run_at"`
	DedupeKey   string         `json:"dedupe_key"`
	MaxAttempts *int           `json:"max_attempts"`
}

type ListJobsRequest struct {
	WorkspaceID string `form:"workspace_id"`
	Kind        string `form:"kind"`
	State       string `form:"state"`
	PageSize    int    `form:"page_size"`
	Cursor      string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []domain.Job `json:"jobs"`
	NextCursor string       `json:"next_cursor,omitempty"`
}
