package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clipforge/clipforge-be/internal/worker"
)

// The content services (speech-to-text, highlight detection, rendering,
// thumbnailing, platform uploads) run as separate deployments behind plain
// JSON-over-HTTP endpoints. These clients are the worker-side stubs.

var defaultHTTPClient = &http.Client{Timeout: 10 * time.Minute}

func postJSON(ctx context.Context, client *http.Client, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", endpoint, resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
	}
	return nil
}

// HTTPTranscriber calls a transcription service.
type HTTPTranscriber struct {
	Endpoint string
	Client   *http.Client
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, mediaKey string) (string, error) {
	var resp struct {
		Transcript string `json:"transcript"`
	}
	err := postJSON(ctx, orDefault(t.Client), t.Endpoint,
		map[string]string{"media_key": mediaKey}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Transcript, nil
}

// HTTPHighlightDetector calls a highlight-detection service.
type HTTPHighlightDetector struct {
	Endpoint string
	Client   *http.Client
}

func (d *HTTPHighlightDetector) Detect(ctx context.Context, transcript string) ([]Highlight, error) {
	var resp struct {
		Highlights []Highlight `json:"highlights"`
	}
	err := postJSON(ctx, orDefault(d.Client), d.Endpoint,
		map[string]string{"transcript": transcript}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Highlights, nil
}

// HTTPRenderer calls a rendering service that reads and writes the shared
// object store directly.
type HTTPRenderer struct {
	Endpoint string
	Client   *http.Client
}

func (r *HTTPRenderer) RenderClip(ctx context.Context, sourceKey, clipKey string, h Highlight) error {
	return postJSON(ctx, orDefault(r.Client), r.Endpoint, map[string]any{
		"source_key":    sourceKey,
		"clip_key":      clipKey,
		"start_seconds": h.StartSeconds,
		"end_seconds":   h.EndSeconds,
		"title":         h.Title,
	}, nil)
}

// HTTPThumbnailer calls a thumbnail service.
type HTTPThumbnailer struct {
	Endpoint string
	Client   *http.Client
}

func (t *HTTPThumbnailer) GenerateThumbnail(ctx context.Context, clipKey, thumbKey string) error {
	return postJSON(ctx, orDefault(t.Client), t.Endpoint, map[string]string{
		"clip_key":  clipKey,
		"thumb_key": thumbKey,
	}, nil)
}

// HTTPPublisher calls a platform-upload service.
type HTTPPublisher struct {
	Endpoint string
	Client   *http.Client
}

func (p *HTTPPublisher) Publish(ctx context.Context, clipKey, title string) (string, error) {
	var resp struct {
		ExternalID string `json:"external_id"`
	}
	err := postJSON(ctx, orDefault(p.Client), p.Endpoint, map[string]string{
		"clip_key": clipKey,
		"title":    title,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ExternalID, nil
}

// HTTPDownloader streams a remote video into the object store.
type HTTPDownloader struct {
	Objects worker.ObjectStore
	Client  *http.Client
}

func (d *HTTPDownloader) Download(ctx context.Context, url, destKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := orDefault(d.Client).Do(req)
	if err != nil {
		return fmt.Errorf("download of %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s returned %d", url, resp.StatusCode)
	}

	return d.Objects.Put(ctx, destKey, resp.Body)
}

func orDefault(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return defaultHTTPClient
}
