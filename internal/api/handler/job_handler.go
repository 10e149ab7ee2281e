package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/clipforge/clipforge-be/internal/api/dto"
	"github.com/clipforge/clipforge-be/internal/api/storage"
	"github.com/clipforge/clipforge-be/internal/worker/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateJob handles POST /api/v1/jobs: the producer interface. The row is
// inserted queued; a notification nudges idle workers but is never required.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid create-job request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	payload := "{}"
	if req.Payload != nil {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid payload",
			})
			return
		}
		payload = string(raw)
	}

	job := domain.Job{
		WorkspaceID: req.WorkspaceID,
		Kind:        domain.JobKind(req.Kind),
		Payload:     payload,
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}
	if req.MaxAttempts != nil {
		job.MaxAttempts = *req.MaxAttempts
	}
	if req.RunAt != nil {
		job.NextRunAt = *req.RunAt
	}
	if req.DedupeKey != "" {
		job.DedupeKey = &req.DedupeKey
	}

	if err := h.enqueuer.Enqueue(c.Request.Context(), &job); err != nil {
		if errors.Is(err, domain.ErrDuplicateJob) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "A job with this dedupe_key is already queued or running",
			})
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// GetJob handles GET /api/v1/jobs/:job_id.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.jobs.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, job)
}

// ListJobs handles GET /api/v1/jobs with filtering and keyset pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		WorkspaceID: req.WorkspaceID,
		Kind:        req.Kind,
		State:       req.State,
		PageSize:    req.PageSize,
		Cursor:      cursor,
	}

	jobs, err := h.reads.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: nextCursor,
	})
}

// ListDeadLetters handles GET /api/v1/dead-letters: the operator view of
// jobs that exhausted their retry budget.
func (h *JobHandler) ListDeadLetters(c *gin.Context) {
	limit := 50
	jobs, err := h.reads.ListDeadLetters(c.Request.Context(), c.Query("workspace_id"), limit)
	if err != nil {
		h.logger.Error("Failed to list dead letters", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list dead letters",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs": jobs,
	})
}

// RequeueJob handles POST /api/v1/jobs/:job_id/requeue for dead-lettered
// jobs.
func (h *JobHandler) RequeueJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.reads.RequeueDeadLetter(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
	case errors.Is(err, domain.ErrNotDeadLetter):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job is not in dead_letter state",
		})
	case err != nil:
		h.logger.Error("Failed to requeue job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to requeue job",
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"job_id": jobID,
			"state":  domain.StateQueued,
		})
	}
}
