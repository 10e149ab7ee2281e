package domain

// JobState is the lifecycle state of a job.
type JobState string

const (
	StateQueued     JobState = "queued"
	StateRunning    JobState = "running"
	StateDone       JobState = "done"
	StateDeadLetter JobState = "dead_letter"
)

// JobKind identifies which pipeline handler processes a job.
type JobKind string

const (
	KindTranscribe      JobKind = "TRANSCRIBE"
	KindHighlightDetect JobKind = "HIGHLIGHT_DETECT"
	KindClipRender      JobKind = "CLIP_RENDER"
	KindThumbnailGen    JobKind = "THUMBNAIL_GEN"
	KindPublishYouTube  JobKind = "PUBLISH_YOUTUBE"
	KindPublishTikTok   JobKind = "PUBLISH_TIKTOK"
	KindYouTubeDownload JobKind = "YOUTUBE_DOWNLOAD"
	KindCleanupStorage  JobKind = "CLEANUP_STORAGE"
)

const (
	// DefaultPriority is assigned when a producer does not set one.
	// Lower values are claimed sooner.
	DefaultPriority = 100

	// DefaultMaxAttempts bounds the retry budget for new jobs.
	DefaultMaxAttempts = 5
)
