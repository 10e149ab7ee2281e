package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/clipforge/clipforge-be/internal/worker"
	"github.com/clipforge/clipforge-be/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []*domain.Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeTranscriber struct {
	transcript string
	err        error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, mediaKey string) (string, error) {
	return f.transcript, f.err
}

type fakeDetector struct {
	highlights []Highlight
	err        error
}

func (f *fakeDetector) Detect(ctx context.Context, transcript string) ([]Highlight, error) {
	return f.highlights, f.err
}

type fakeRenderer struct {
	calls []string
	err   error
}

func (f *fakeRenderer) RenderClip(ctx context.Context, sourceKey, clipKey string, h Highlight) error {
	f.calls = append(f.calls, clipKey)
	return f.err
}

type fakePublisher struct {
	externalID string
	err        error
}

func (f *fakePublisher) Publish(ctx context.Context, clipKey, title string) (string, error) {
	return f.externalID, f.err
}

func newTestExecContext(t *testing.T, queue worker.Enqueuer) *worker.ExecContext {
	t.Helper()
	objects, err := NewLocalDiskStore(t.TempDir())
	require.NoError(t, err)
	return &worker.ExecContext{
		Objects:  objects,
		Queue:    queue,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		WorkerID: "worker-test",
	}
}

func pipelineJob(kind domain.JobKind, payload string) *domain.Job {
	return &domain.Job{
		JobID:       "job-1",
		WorkspaceID: "ws-1",
		Kind:        kind,
		Payload:     payload,
		Priority:    50,
	}
}

func TestTranscribeHandlerStoresTranscriptAndChains(t *testing.T) {
	queue := &fakeEnqueuer{}
	ec := newTestExecContext(t, queue)
	h := TranscribeHandler(&fakeTranscriber{transcript: "hello world"})

	job := pipelineJob(domain.KindTranscribe, `{"media_key":"ws-1/sources/a.mp4"}`)
	result, err := h(context.Background(), ec, job)
	require.NoError(t, err)

	transcriptKey := "ws-1/transcripts/job-1.txt"
	assert.Equal(t, transcriptKey, result["transcript_key"])

	rc, err := ec.Objects.Get(context.Background(), transcriptKey)
	require.NoError(t, err)
	raw, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(raw))

	require.Len(t, queue.jobs, 1)
	follow := queue.jobs[0]
	assert.Equal(t, domain.KindHighlightDetect, follow.Kind)
	assert.Equal(t, "ws-1", follow.WorkspaceID)
	assert.Equal(t, 50, follow.Priority, "follow-on jobs inherit the parent priority")
	require.NotNil(t, follow.DedupeKey)
	assert.Equal(t, "highlight:job-1", *follow.DedupeKey)
	assert.Contains(t, follow.Payload, transcriptKey)
}

func TestTranscribeHandlerDuplicateFollowOnIsNotAnError(t *testing.T) {
	queue := &fakeEnqueuer{err: domain.ErrDuplicateJob}
	ec := newTestExecContext(t, queue)
	h := TranscribeHandler(&fakeTranscriber{transcript: "hello"})

	job := pipelineJob(domain.KindTranscribe, `{"media_key":"ws-1/sources/a.mp4"}`)
	_, err := h(context.Background(), ec, job)
	assert.NoError(t, err, "re-execution after a reclaim must not fail on the existing follow-on")
}

func TestTranscribeHandlerRejectsBadPayload(t *testing.T) {
	ec := newTestExecContext(t, &fakeEnqueuer{})
	h := TranscribeHandler(&fakeTranscriber{})

	_, err := h(context.Background(), ec, pipelineJob(domain.KindTranscribe, `{broken`))
	assert.Error(t, err)

	_, err = h(context.Background(), ec, pipelineJob(domain.KindTranscribe, `{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "media_key")
}

func TestHighlightDetectHandlerFansOutRenderJobs(t *testing.T) {
	queue := &fakeEnqueuer{}
	ec := newTestExecContext(t, queue)

	transcriptKey := "ws-1/transcripts/parent.txt"
	require.NoError(t, ec.Objects.Put(context.Background(), transcriptKey, strings.NewReader("the transcript")))

	h := HighlightDetectHandler(&fakeDetector{highlights: []Highlight{
		{StartSeconds: 10, EndSeconds: 40, Title: "opening"},
		{StartSeconds: 90, EndSeconds: 130, Title: "payoff"},
	}})

	job := pipelineJob(domain.KindHighlightDetect,
		`{"media_key":"ws-1/sources/a.mp4","transcript_key":"`+transcriptKey+`"}`)
	result, err := h(context.Background(), ec, job)
	require.NoError(t, err)
	assert.Equal(t, 2, result["highlights"])

	require.Len(t, queue.jobs, 2)
	for i, follow := range queue.jobs {
		assert.Equal(t, domain.KindClipRender, follow.Kind)
		require.NotNil(t, follow.DedupeKey)
		assert.Contains(t, *follow.DedupeKey, "render:job-1:")
		assert.Contains(t, follow.Payload, "ws-1/sources/a.mp4")
		if i == 0 {
			assert.Contains(t, follow.Payload, "opening")
		}
	}
}

func TestHighlightDetectHandlerMissingTranscript(t *testing.T) {
	ec := newTestExecContext(t, &fakeEnqueuer{})
	h := HighlightDetectHandler(&fakeDetector{})

	job := pipelineJob(domain.KindHighlightDetect,
		`{"media_key":"ws-1/sources/a.mp4","transcript_key":"ws-1/transcripts/missing.txt"}`)
	_, err := h(context.Background(), ec, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read transcript")
}

func TestClipRenderHandlerRendersAndChainsThumbnail(t *testing.T) {
	queue := &fakeEnqueuer{}
	ec := newTestExecContext(t, queue)
	renderer := &fakeRenderer{}
	h := ClipRenderHandler(renderer)

	job := pipelineJob(domain.KindClipRender,
		`{"media_key":"ws-1/sources/a.mp4","start_seconds":10,"end_seconds":40,"title":"opening"}`)
	result, err := h(context.Background(), ec, job)
	require.NoError(t, err)

	clipKey := "ws-1/clips/job-1.mp4"
	assert.Equal(t, clipKey, result["clip_key"])
	assert.Equal(t, []string{clipKey}, renderer.calls)

	require.Len(t, queue.jobs, 1)
	assert.Equal(t, domain.KindThumbnailGen, queue.jobs[0].Kind)
	require.NotNil(t, queue.jobs[0].DedupeKey)
	assert.Equal(t, "thumb:job-1", *queue.jobs[0].DedupeKey)
}

func TestClipRenderHandlerRejectsEmptyRange(t *testing.T) {
	ec := newTestExecContext(t, &fakeEnqueuer{})
	h := ClipRenderHandler(&fakeRenderer{})

	job := pipelineJob(domain.KindClipRender,
		`{"media_key":"ws-1/sources/a.mp4","start_seconds":40,"end_seconds":40}`)
	_, err := h(context.Background(), ec, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty time range")
}

func TestPublishHandlerReturnsExternalID(t *testing.T) {
	ec := newTestExecContext(t, &fakeEnqueuer{})
	h := PublishHandler(&fakePublisher{externalID: "yt-abc123"}, "youtube")

	job := pipelineJob(domain.KindPublishYouTube,
		`{"clip_key":"ws-1/clips/job-1.mp4","title":"opening"}`)
	result, err := h(context.Background(), ec, job)
	require.NoError(t, err)
	assert.Equal(t, "youtube", result["platform"])
	assert.Equal(t, "yt-abc123", result["external_id"])
}

func TestPublishHandlerWrapsUpstreamError(t *testing.T) {
	ec := newTestExecContext(t, &fakeEnqueuer{})
	h := PublishHandler(&fakePublisher{err: errors.New("quota exceeded")}, "tiktok")

	job := pipelineJob(domain.KindPublishTikTok, `{"clip_key":"ws-1/clips/job-1.mp4"}`)
	_, err := h(context.Background(), ec, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tiktok publish failed")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestCleanupStorageHandlerDeletesWorkspace(t *testing.T) {
	ec := newTestExecContext(t, &fakeEnqueuer{})
	ctx := context.Background()

	require.NoError(t, ec.Objects.Put(ctx, "ws-1/sources/a.mp4", strings.NewReader("video")))
	require.NoError(t, ec.Objects.Put(ctx, "ws-1/clips/b.mp4", strings.NewReader("clip")))
	require.NoError(t, ec.Objects.Put(ctx, "ws-2/sources/c.mp4", strings.NewReader("other")))

	h := CleanupStorageHandler()
	result, err := h(ctx, ec, pipelineJob(domain.KindCleanupStorage, `{}`))
	require.NoError(t, err)
	assert.Equal(t, 2, result["deleted"])

	// The other workspace is untouched.
	rc, err := ec.Objects.Get(ctx, "ws-2/sources/c.mp4")
	require.NoError(t, err)
	rc.Close()
}

func TestRegisterSkipsNilCollaborators(t *testing.T) {
	reg := worker.NewRegistry()
	Register(reg, Deps{Transcriber: &fakeTranscriber{}})

	_, err := reg.Resolve(domain.KindTranscribe)
	assert.NoError(t, err)

	// Cleanup needs only the object store and is always available.
	_, err = reg.Resolve(domain.KindCleanupStorage)
	assert.NoError(t, err)

	_, err = reg.Resolve(domain.KindClipRender)
	assert.ErrorIs(t, err, domain.ErrUnknownKind)
	_, err = reg.Resolve(domain.KindPublishYouTube)
	assert.ErrorIs(t, err, domain.ErrUnknownKind)
}
