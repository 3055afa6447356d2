package interfaces

import (
	"context"

	"github.com/ternarybob/capto/internal/models"
)

// DownloadInput carries everything the adapter needs for one invocation of
// the external downloader. Cancellation and deadline arrive via the context.
type DownloadInput struct {
	JobID       string
	Kind        models.JobKind
	Request     models.DownloadRequest
	CookiesPath string // Plaintext cookie jar path, empty when unauthenticated

	// Progress receives monotonically non-decreasing updates. The adapter
	// closes it when the invocation ends.
	Progress chan<- models.Progress
}

// MediaInfo is the metadata-only extraction result for one item.
type MediaInfo struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Uploader    string  `json:"uploader,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
	UploadDate  string  `json:"upload_date,omitempty"` // YYYYMMDD
	ViewCount   int64   `json:"view_count,omitempty"`
	WebpageURL  string  `json:"webpage_url,omitempty"`
	Thumbnail   string  `json:"thumbnail,omitempty"`
}

// FormatInfo describes one downloadable format of a media item.
type FormatInfo struct {
	FormatID   string  `json:"format_id"`
	Extension  string  `json:"ext"`
	Resolution string  `json:"resolution,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	VCodec     string  `json:"vcodec,omitempty"`
	ACodec     string  `json:"acodec,omitempty"`
	FilesizeB  int64   `json:"filesize,omitempty"`
	Note       string  `json:"format_note,omitempty"`
}

// Downloader adapts typed download requests onto the external tool.
type Downloader interface {
	// Download runs the external tool to completion and returns the
	// produced artifact. Partial artifacts are removed on cancel/timeout.
	Download(ctx context.Context, in DownloadInput) (*models.Result, error)

	// ExtractMetadata fetches metadata without downloading.
	ExtractMetadata(ctx context.Context, url string) (*MediaInfo, error)

	// ListFormats returns the formats available for a URL.
	ListFormats(ctx context.Context, url string) ([]FormatInfo, error)

	// ListEntries returns the flat entries of a playlist or channel,
	// optionally narrowed by selection filters.
	ListEntries(ctx context.Context, url string, filters *models.SelectionFilters) ([]MediaInfo, error)
}
