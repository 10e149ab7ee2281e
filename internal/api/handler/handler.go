package handler

import (
	"log/slog"

	apistorage "github.com/clipforge/clipforge-be/internal/api/storage"
	"github.com/clipforge/clipforge-be/internal/worker"
	workerstorage "github.com/clipforge/clipforge-be/internal/worker/storage"
)

// Dependencies holds everything the handlers need. Enqueuer wraps the job
// store with the optional wake-up notification; Jobs and Reads hit the same
// table.
type Dependencies struct {
	Logger   *slog.Logger
	Enqueuer worker.Enqueuer
	Jobs     *workerstorage.Storage
	Reads    *apistorage.Storage
}

// JobHandler handles job-related HTTP requests.
type JobHandler struct {
	logger   *slog.Logger
	enqueuer worker.Enqueuer
	jobs     *workerstorage.Storage
	reads    *apistorage.Storage
}

// NewJobHandler creates a new JobHandler instance.
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		enqueuer: deps.Enqueuer,
		jobs:     deps.Jobs,
		reads:    deps.Reads,
	}
}
