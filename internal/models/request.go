package models

import (
	"time"
)

// DownloadRequest is the typed, validated payload of a single download.
// Unknown JSON keys are rejected at parse time by the handlers.
type DownloadRequest struct {
	URL           string `json:"url" validate:"required,max=2048"`
	Quality       string `json:"quality,omitempty" validate:"omitempty,oneof=best worst 2160p 1440p 1080p 720p 480p 360p audio"`
	Format        string `json:"format,omitempty" validate:"omitempty,max=64"`
	AudioOnly     bool   `json:"audio_only,omitempty"`
	Subtitles     bool   `json:"subtitles,omitempty"`
	Thumbnail     bool   `json:"thumbnail,omitempty"`
	Metadata      bool   `json:"metadata,omitempty"`
	PathTemplate  string `json:"path_template,omitempty" validate:"omitempty,max=512"`
	CookiesID     string `json:"cookies_id,omitempty" validate:"omitempty,max=128"`
	WebhookURL    string `json:"webhook_url,omitempty" validate:"omitempty,url,max=2048"`
	WebhookSecret string `json:"webhook_secret,omitempty" validate:"omitempty,max=256"`
	TimeoutSec    int    `json:"timeout_sec,omitempty" validate:"omitempty,min=1,max=86400"`

	// Playlist/channel selection filters, passed through to the downloader.
	Filters *SelectionFilters `json:"filters,omitempty"`
}

// Timeout returns the per-job deadline, or fallback when unset.
func (r *DownloadRequest) Timeout(fallback time.Duration) time.Duration {
	if r.TimeoutSec > 0 {
		return time.Duration(r.TimeoutSec) * time.Second
	}
	return fallback
}

// SelectionFilters narrow which items of a playlist or channel are fetched.
type SelectionFilters struct {
	DateAfter    string `json:"date_after,omitempty" validate:"omitempty,len=8,numeric"`  // YYYYMMDD
	DateBefore   string `json:"date_before,omitempty" validate:"omitempty,len=8,numeric"` // YYYYMMDD
	MinDuration  int    `json:"min_duration,omitempty" validate:"omitempty,min=0"`
	MaxDuration  int    `json:"max_duration,omitempty" validate:"omitempty,min=0"`
	MinViews     int64  `json:"min_views,omitempty" validate:"omitempty,min=0"`
	MaxViews     int64  `json:"max_views,omitempty" validate:"omitempty,min=0"`
	SortBy       string `json:"sort_by,omitempty" validate:"omitempty,oneof=date views duration title"`
	MaxDownloads int    `json:"max_downloads,omitempty" validate:"omitempty,min=1,max=1000"`
	Items        string `json:"items,omitempty" validate:"omitempty,max=256"` // yt-dlp item spec, e.g. "1-10,15"
}

// BatchRequest creates N single-URL children sharing one set of options.
type BatchRequest struct {
	URLs           []string        `json:"urls" validate:"required,min=1,max=100,dive,required,max=2048"`
	ConcurrencyCap int             `json:"concurrency_cap" validate:"required,min=1,max=10"`
	Policy         BatchPolicy     `json:"policy" validate:"required,oneof=stop_on_error continue_on_error"`
	SharedOptions  DownloadRequest `json:"shared_options"`
}

// CookieUploadRequest either carries a raw Netscape cookie jar or asks for
// extraction from a local browser profile.
type CookieUploadRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	Content     string `json:"content,omitempty" validate:"omitempty,max=1048576"`
	FromBrowser string `json:"from_browser,omitempty" validate:"omitempty,oneof=chrome chromium firefox edge brave safari"`
}
