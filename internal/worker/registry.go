package worker

import (
	"context"
	"fmt"

	"github.com/clipforge/clipforge-be/internal/worker/domain"
)

// HandlerFunc performs the work for one job kind. The returned map, if
// non-nil, is persisted as the job's result on completion. Handlers must be
// idempotent: delivery is at-least-once and an erroneously reclaimed job can
// execute twice.
type HandlerFunc func(ctx context.Context, ec *ExecContext, job *domain.Job) (map[string]any, error)

// Registry maps job kinds to handlers. A worker process may register only a
// subset of kinds; jobs of unregistered kinds fail fast with ErrUnknownKind.
type Registry struct {
	handlers map[domain.JobKind]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.JobKind]HandlerFunc)}
}

// Register binds a handler to a kind, replacing any previous binding.
func (r *Registry) Register(kind domain.JobKind, h HandlerFunc) {
	r.handlers[kind] = h
}

// Resolve returns the handler for kind, or an ErrUnknownKind error whose
// message is persisted to last_error. Unknown kinds never resolve by
// waiting, so the dispatcher retries them with zero delay.
func (r *Registry) Resolve(kind domain.JobKind) (HandlerFunc, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownKind, kind)
	}
	return h, nil
}

// Kinds returns the registered kinds, for startup logging.
func (r *Registry) Kinds() []domain.JobKind {
	kinds := make([]domain.JobKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
