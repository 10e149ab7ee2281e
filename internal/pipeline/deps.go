// Package pipeline holds the content handlers executed by the dispatcher.
// The heavy lifting (speech-to-text, rendering, platform uploads) happens in
// external services; handlers here validate payloads, move artifacts through
// the object store, and chain follow-on jobs. Every handler is idempotent:
// artifact keys derive from the job id and follow-on enqueues carry dedupe
// keys, so duplicate execution after an erroneous reclaim is harmless.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clipforge/clipforge-be/internal/worker"
	"github.com/clipforge/clipforge-be/internal/worker/domain"
)

// Highlight is one detected segment worth clipping.
type Highlight struct {
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Title        string  `json:"title"`
}

// Transcriber produces a transcript for a stored media object.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaKey string) (string, error)
}

// HighlightDetector finds clip-worthy segments in a transcript.
type HighlightDetector interface {
	Detect(ctx context.Context, transcript string) ([]Highlight, error)
}

// Renderer cuts a highlight out of the source media into clipKey.
type Renderer interface {
	RenderClip(ctx context.Context, sourceKey, clipKey string, h Highlight) error
}

// Thumbnailer writes a thumbnail for a rendered clip into thumbKey.
type Thumbnailer interface {
	GenerateThumbnail(ctx context.Context, clipKey, thumbKey string) error
}

// Publisher uploads a clip to one platform and returns its external id.
type Publisher interface {
	Publish(ctx context.Context, clipKey, title string) (string, error)
}

// Downloader fetches a remote video into the object store.
type Downloader interface {
	Download(ctx context.Context, url, destKey string) error
}

// Deps carries the external collaborators. A nil collaborator leaves its
// kinds unregistered on this worker, so jobs of that kind fail fast here and
// are picked up by a worker that does register them.
type Deps struct {
	Transcriber Transcriber
	Highlighter HighlightDetector
	Renderer    Renderer
	Thumbnailer Thumbnailer
	YouTube     Publisher
	TikTok      Publisher
	Downloader  Downloader
}

// Register binds the available handlers into the registry. Storage cleanup
// needs only the object store and is always registered.
func Register(reg *worker.Registry, deps Deps) {
	if deps.Transcriber != nil {
		reg.Register(domain.KindTranscribe, TranscribeHandler(deps.Transcriber))
	}
	if deps.Highlighter != nil {
		reg.Register(domain.KindHighlightDetect, HighlightDetectHandler(deps.Highlighter))
	}
	if deps.Renderer != nil {
		reg.Register(domain.KindClipRender, ClipRenderHandler(deps.Renderer))
	}
	if deps.Thumbnailer != nil {
		reg.Register(domain.KindThumbnailGen, ThumbnailGenHandler(deps.Thumbnailer))
	}
	if deps.YouTube != nil {
		reg.Register(domain.KindPublishYouTube, PublishHandler(deps.YouTube, "youtube"))
	}
	if deps.TikTok != nil {
		reg.Register(domain.KindPublishTikTok, PublishHandler(deps.TikTok, "tiktok"))
	}
	if deps.Downloader != nil {
		reg.Register(domain.KindYouTubeDownload, DownloadHandler(deps.Downloader))
	}
	reg.Register(domain.KindCleanupStorage, CleanupStorageHandler())
}

func jsonMarshal(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodePayload(job *domain.Job, v any) error {
	if err := json.Unmarshal([]byte(job.Payload), v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", job.Kind, err)
	}
	return nil
}
