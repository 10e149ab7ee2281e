package worker

import (
	"context"
	"io"
	"log/slog"

	"github.com/clipforge/clipforge-be/internal/worker/domain"
	"github.com/clipforge/clipforge-be/internal/worker/storage"
)

// Enqueuer lets handlers schedule follow-on jobs (e.g. a finished transcribe
// enqueues highlight detection).
type Enqueuer interface {
	Enqueue(ctx context.Context, job *domain.Job) error
}

// ObjectStore is the storage adapter handlers use for media artifacts. Keys
// are slash-separated paths prefixed by workspace id.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Notifier announces newly enqueued work so idle workers can wake before
// their next poll. Purely a latency optimization: the database claim remains
// the sole admission boundary.
type Notifier interface {
	NotifyJobReady(ctx context.Context, jobID, kind string) error
}

// ExecContext is handed to every handler invocation alongside the job.
type ExecContext struct {
	Store    *storage.Storage
	Objects  ObjectStore
	Queue    Enqueuer
	Logger   *slog.Logger
	WorkerID string
}

type notifyingEnqueuer struct {
	store    *storage.Storage
	notifier Notifier
	logger   *slog.Logger
}

// NewEnqueuer wraps the job store with a best-effort wake-up notification.
// notifier may be nil, in which case consumers rely on polling alone.
func NewEnqueuer(store *storage.Storage, notifier Notifier, logger *slog.Logger) Enqueuer {
	return &notifyingEnqueuer{store: store, notifier: notifier, logger: logger}
}

func (e *notifyingEnqueuer) Enqueue(ctx context.Context, job *domain.Job) error {
	if err := e.store.Enqueue(ctx, job); err != nil {
		return err
	}

	if e.notifier != nil {
		if err := e.notifier.NotifyJobReady(ctx, job.JobID, string(job.Kind)); err != nil {
			// The row is durable; a missed notification only costs one
			// poll interval of latency.
			e.logger.Warn("Failed to publish job-ready notification",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}
