package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/clipforge/clipforge-be/internal/worker"
	"github.com/clipforge/clipforge-be/internal/worker/domain"
)

type transcribePayload struct {
	MediaKey string `json:"media_key"`
}

type highlightPayload struct {
	MediaKey      string `json:"media_key"`
	TranscriptKey string `json:"transcript_key"`
}

type renderPayload struct {
	MediaKey     string  `json:"media_key"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Title        string  `json:"title"`
}

type thumbnailPayload struct {
	ClipKey string `json:"clip_key"`
}

type publishPayload struct {
	ClipKey string `json:"clip_key"`
	Title   string `json:"title"`
}

type downloadPayload struct {
	URL string `json:"url"`
}

type cleanupPayload struct {
	Prefix string `json:"prefix"`
}

// TranscribeHandler transcribes a source media object, stores the transcript,
// and chains highlight detection.
func TranscribeHandler(t Transcriber) worker.HandlerFunc {
	return func(ctx context.Context, ec *worker.ExecContext, job *domain.Job) (map[string]any, error) {
		var p transcribePayload
		if err := decodePayload(job, &p); err != nil {
			return nil, err
		}
		if p.MediaKey == "" {
			return nil, fmt.Errorf("transcribe payload missing media_key")
		}

		transcript, err := t.Transcribe(ctx, p.MediaKey)
		if err != nil {
			return nil, fmt.Errorf("transcription failed: %w", err)
		}

		transcriptKey := path.Join(job.WorkspaceID, "transcripts", job.JobID+".txt")
		if err := ec.Objects.Put(ctx, transcriptKey, strings.NewReader(transcript)); err != nil {
			return nil, fmt.Errorf("failed to store transcript: %w", err)
		}

		if err := enqueueFollowOn(ctx, ec, job, domain.KindHighlightDetect,
			highlightPayload{MediaKey: p.MediaKey, TranscriptKey: transcriptKey},
			"highlight:"+job.JobID,
		); err != nil {
			return nil, err
		}

		return map[string]any{"transcript_key": transcriptKey}, nil
	}
}

// HighlightDetectHandler reads a transcript and fans out one render job per
// detected highlight.
func HighlightDetectHandler(d HighlightDetector) worker.HandlerFunc {
	return func(ctx context.Context, ec *worker.ExecContext, job *domain.Job) (map[string]any, error) {
		var p highlightPayload
		if err := decodePayload(job, &p); err != nil {
			return nil, err
		}
		if p.TranscriptKey == "" {
			return nil, fmt.Errorf("highlight payload missing transcript_key")
		}

		rc, err := ec.Objects.Get(ctx, p.TranscriptKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read transcript: %w", err)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read transcript: %w", err)
		}

		highlights, err := d.Detect(ctx, string(raw))
		if err != nil {
			return nil, fmt.Errorf("highlight detection failed: %w", err)
		}

		for i, h := range highlights {
			if err := enqueueFollowOn(ctx, ec, job, domain.KindClipRender,
				renderPayload{
					MediaKey:     p.MediaKey,
					StartSeconds: h.StartSeconds,
					EndSeconds:   h.EndSeconds,
					Title:        h.Title,
				},
				fmt.Sprintf("render:%s:%d", job.JobID, i),
			); err != nil {
				return nil, err
			}
		}

		return map[string]any{"highlights": len(highlights)}, nil
	}
}

// ClipRenderHandler cuts one highlight into a clip and chains thumbnail
// generation.
func ClipRenderHandler(r Renderer) worker.HandlerFunc {
	return func(ctx context.Context, ec *worker.ExecContext, job *domain.Job) (map[string]any, error) {
		var p renderPayload
		if err := decodePayload(job, &p); err != nil {
			return nil, err
		}
		if p.MediaKey == "" {
			return nil, fmt.Errorf("render payload missing media_key")
		}
		if p.EndSeconds <= p.StartSeconds {
			return nil, fmt.Errorf("render payload has empty time range: start=%v end=%v", p.StartSeconds, p.EndSeconds)
		}

		clipKey := path.Join(job.WorkspaceID, "clips", job.JobID+".mp4")
		h := Highlight{StartSeconds: p.StartSeconds, EndSeconds: p.EndSeconds, Title: p.Title}
		if err := r.RenderClip(ctx, p.MediaKey, clipKey, h); err != nil {
			return nil, fmt.Errorf("clip render failed: %w", err)
		}

		if err := enqueueFollowOn(ctx, ec, job, domain.KindThumbnailGen,
			thumbnailPayload{ClipKey: clipKey},
			"thumb:"+job.JobID,
		); err != nil {
			return nil, err
		}

		return map[string]any{"clip_key": clipKey}, nil
	}
}

// ThumbnailGenHandler writes a thumbnail next to its clip.
func ThumbnailGenHandler(t Thumbnailer) worker.HandlerFunc {
	return func(ctx context.Context, ec *worker.ExecContext, job *domain.Job) (map[string]any, error) {
		var p thumbnailPayload
		if err := decodePayload(job, &p); err != nil {
			return nil, err
		}
		if p.ClipKey == "" {
			return nil, fmt.Errorf("thumbnail payload missing clip_key")
		}

		thumbKey := path.Join(job.WorkspaceID, "thumbnails", job.JobID+".jpg")
		if err := t.GenerateThumbnail(ctx, p.ClipKey, thumbKey); err != nil {
			return nil, fmt.Errorf("thumbnail generation failed: %w", err)
		}

		return map[string]any{"thumbnail_key": thumbKey}, nil
	}
}

// PublishHandler uploads a clip to one platform. Platform publishers are
// expected to treat a repeated upload of the same clip as the same video.
func PublishHandler(p Publisher, platform string) worker.HandlerFunc {
	return func(ctx context.Context, ec *worker.ExecContext, job *domain.Job) (map[string]any, error) {
		var payload publishPayload
		if err := decodePayload(job, &payload); err != nil {
			return nil, err
		}
		if payload.ClipKey == "" {
			return nil, fmt.Errorf("publish payload missing clip_key")
		}

		externalID, err := p.Publish(ctx, payload.ClipKey, payload.Title)
		if err != nil {
			return nil, fmt.Errorf("%s publish failed: %w", platform, err)
		}

		ec.Logger.Info("Clip published",
			slog.String("job_id", job.JobID),
			slog.String("platform", platform),
			slog.String("external_id", externalID),
		)

		return map[string]any{"platform": platform, "external_id": externalID}, nil
	}
}

// DownloadHandler fetches a remote video into the object store and chains
// transcription.
func DownloadHandler(d Downloader) worker.HandlerFunc {
	return func(ctx context.Context, ec *worker.ExecContext, job *domain.Job) (map[string]any, error) {
		var p downloadPayload
		if err := decodePayload(job, &p); err != nil {
			return nil, err
		}
		if p.URL == "" {
			return nil, fmt.Errorf("download payload missing url")
		}

		mediaKey := path.Join(job.WorkspaceID, "sources", job.JobID+".mp4")
		if err := d.Download(ctx, p.URL, mediaKey); err != nil {
			return nil, fmt.Errorf("download failed: %w", err)
		}

		if err := enqueueFollowOn(ctx, ec, job, domain.KindTranscribe,
			transcribePayload{MediaKey: mediaKey},
			"transcribe:"+job.JobID,
		); err != nil {
			return nil, err
		}

		return map[string]any{"media_key": mediaKey}, nil
	}
}

// CleanupStorageHandler deletes a workspace's artifacts. The prefix defaults
// to the whole workspace.
func CleanupStorageHandler() worker.HandlerFunc {
	return func(ctx context.Context, ec *worker.ExecContext, job *domain.Job) (map[string]any, error) {
		var p cleanupPayload
		if err := decodePayload(job, &p); err != nil {
			return nil, err
		}

		prefix := p.Prefix
		if prefix == "" {
			prefix = job.WorkspaceID
		}
		if prefix == "" {
			return nil, fmt.Errorf("cleanup payload missing prefix and job has no workspace")
		}

		deleted, err := ec.Objects.DeletePrefix(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("storage cleanup failed: %w", err)
		}

		return map[string]any{"deleted": deleted}, nil
	}
}

// enqueueFollowOn schedules the next pipeline stage. The dedupe key makes
// re-execution of the parent job a no-op instead of a duplicate stage.
func enqueueFollowOn(ctx context.Context, ec *worker.ExecContext, parent *domain.Job, kind domain.JobKind, payload any, dedupeKey string) error {
	raw, err := jsonMarshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	follow := &domain.Job{
		WorkspaceID: parent.WorkspaceID,
		Kind:        kind,
		Payload:     raw,
		Priority:    parent.Priority,
		DedupeKey:   &dedupeKey,
	}

	err = ec.Queue.Enqueue(ctx, follow)
	if err != nil && !errors.Is(err, domain.ErrDuplicateJob) {
		return fmt.Errorf("failed to enqueue %s: %w", kind, err)
	}
	return nil
}
