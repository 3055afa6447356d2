package downloader

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/capto/internal/models"
)

func TestDownloadArgsSingle(t *testing.T) {
	req := models.DownloadRequest{URL: "https://example.test/watch?v=abc", Quality: "720p"}
	args := downloadArgs(req, models.KindSingle, "/data/out.%(ext)s", "")

	assert.Contains(t, args, "--no-playlist")
	assert.NotContains(t, args, "--yes-playlist")
	assert.NotContains(t, args, "--cookies")

	// URL comes last, after the -- terminator, so a hostile URL can never
	// be parsed as an option.
	assert.Equal(t, "--", args[len(args)-2])
	assert.Equal(t, req.URL, args[len(args)-1])

	assert.Contains(t, args, "--format")
	assert.Contains(t, args, "bestvideo[height<=720]+bestaudio/best[height<=720]")
}

func TestDownloadArgsAudioOnly(t *testing.T) {
	req := models.DownloadRequest{URL: "https://example.test/v", AudioOnly: true}
	args := downloadArgs(req, models.KindSingle, "/data/out.%(ext)s", "")

	assert.Contains(t, args, "--extract-audio")
	assert.Contains(t, args, "--audio-format")
	assert.NotContains(t, args, "--format")
}

func TestDownloadArgsCookies(t *testing.T) {
	req := models.DownloadRequest{URL: "https://example.test/v"}
	args := downloadArgs(req, models.KindSingle, "/data/out.%(ext)s", "/tmp/cookies.txt")

	assert.Contains(t, args, "--cookies")
	assert.Contains(t, args, "/tmp/cookies.txt")
}

func TestDownloadArgsPlaylistFilters(t *testing.T) {
	req := models.DownloadRequest{
		URL: "https://example.test/playlist?list=x",
		Filters: &models.SelectionFilters{
			DateAfter:    "20250101",
			MinDuration:  60,
			MaxViews:     1000000,
			MaxDownloads: 25,
			Items:        "1-10,15",
		},
	}
	args := downloadArgs(req, models.KindPlaylist, "/data/dir/%(title)s.%(ext)s", "")

	assert.Contains(t, args, "--yes-playlist")
	assert.Contains(t, args, "--dateafter")
	assert.Contains(t, args, "20250101")
	assert.Contains(t, args, "duration >= 60")
	assert.Contains(t, args, "view_count <= 1000000")
	assert.Contains(t, args, "--max-downloads")
	assert.Contains(t, args, "25")
	assert.Contains(t, args, "--playlist-items")
	assert.Contains(t, args, "1-10,15")
}

func TestQualityFormat(t *testing.T) {
	assert.Equal(t, "worst", qualityFormat("worst"))
	assert.Equal(t, "best", qualityFormat("best"))
	assert.Equal(t, "bestvideo[height<=1080]+bestaudio/best[height<=1080]", qualityFormat("1080p"))
}
