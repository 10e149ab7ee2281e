package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/clipforge/clipforge-be/internal/worker/domain"
	workerstorage "github.com/clipforge/clipforge-be/internal/worker/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	reads *Storage
	jobs  *workerstorage.Storage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := workerstorage.NewStorage(db, logger)
	require.NoError(t, jobs.Migrate(context.Background()))

	reads := NewStorage(db, logger)
	reads.now = func() time.Time { return testBase }
	return &testEnv{reads: reads, jobs: jobs}
}

func (e *testEnv) enqueue(t *testing.T, workspaceID string, kind domain.JobKind, createdAt time.Time) *domain.Job {
	t.Helper()
	job := &domain.Job{
		WorkspaceID: workspaceID,
		Kind:        kind,
		CreatedAt:   createdAt,
		NextRunAt:   createdAt,
	}
	require.NoError(t, e.jobs.Enqueue(context.Background(), job))
	return job
}

// deadLetter drives a job through claim and repeated failure until it parks.
func (e *testEnv) deadLetter(t *testing.T, job *domain.Job) {
	t.Helper()
	ctx := context.Background()
	for {
		claimed, err := e.jobs.ClaimNextJob(ctx, "worker-test")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, e.jobs.Fail(ctx, claimed.JobID, "worker-test", "boom", 0))

		stored, err := e.jobs.GetJobByID(ctx, job.JobID)
		require.NoError(t, err)
		if stored.State == domain.StateDeadLetter {
			return
		}
	}
}

func TestListJobsFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.enqueue(t, "ws-1", domain.KindTranscribe, testBase.Add(-3*time.Minute))
	env.enqueue(t, "ws-1", domain.KindClipRender, testBase.Add(-2*time.Minute))
	env.enqueue(t, "ws-2", domain.KindTranscribe, testBase.Add(-1*time.Minute))

	jobs, err := env.reads.ListJobs(ctx, JobFilter{PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	jobs, err = env.reads.ListJobs(ctx, JobFilter{WorkspaceID: "ws-1", PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = env.reads.ListJobs(ctx, JobFilter{Kind: string(domain.KindTranscribe), PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = env.reads.ListJobs(ctx, JobFilter{State: string(domain.StateDone), PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestListJobsNewestFirstWithKeysetPagination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var created []*domain.Job
	for i := 0; i < 5; i++ {
		created = append(created, env.enqueue(t, "ws-1", domain.KindTranscribe,
			testBase.Add(time.Duration(i)*time.Minute)))
	}

	// PageSize+1 rows signal another page.
	page, err := env.reads.ListJobs(ctx, JobFilter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, created[4].JobID, page[0].JobID)
	assert.Equal(t, created[3].JobID, page[1].JobID)

	cursor := &JobCursor{CreatedAt: page[1].CreatedAt, JobID: page[1].JobID}
	rest, err := env.reads.ListJobs(ctx, JobFilter{PageSize: 10, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, created[2].JobID, rest[0].JobID)
	assert.Equal(t, created[0].JobID, rest[2].JobID)
}

func TestListDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	parked := env.enqueue(t, "ws-2", domain.KindClipRender, testBase.Add(-20*time.Minute))
	env.deadLetter(t, parked)

	// Enqueued after parking, so it never interferes with the claim loop.
	env.enqueue(t, "ws-1", domain.KindTranscribe, testBase.Add(-10*time.Minute))

	all, err := env.reads.ListDeadLetters(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, parked.JobID, all[0].JobID)
	assert.Equal(t, domain.StateDeadLetter, all[0].State)

	scoped, err := env.reads.ListDeadLetters(ctx, "ws-1", 10)
	require.NoError(t, err)
	assert.Empty(t, scoped)
}

func TestRequeueDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job := env.enqueue(t, "ws-1", domain.KindTranscribe, testBase.Add(-time.Minute))
	env.deadLetter(t, job)

	require.NoError(t, env.reads.RequeueDeadLetter(ctx, job.JobID))

	stored, err := env.jobs.GetJobByID(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, stored.State)
	assert.Equal(t, 0, stored.Attempts, "requeue grants a fresh retry budget")
	assert.Nil(t, stored.CompletedAt)
	require.NotNil(t, stored.LastError, "last_error stays for the audit trail")
	assert.Equal(t, testBase.Unix(), stored.NextRunAt.Unix(), "requeued jobs are eligible immediately")
}

func TestRequeueDeadLetterNotFound(t *testing.T) {
	env := newTestEnv(t)
	err := env.reads.RequeueDeadLetter(context.Background(), "11111111-1111-1111-1111-111111111111")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRequeueDeadLetterWrongState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job := env.enqueue(t, "ws-1", domain.KindTranscribe, testBase.Add(-time.Minute))
	err := env.reads.RequeueDeadLetter(ctx, job.JobID)
	assert.ErrorIs(t, err, domain.ErrNotDeadLetter)
}
