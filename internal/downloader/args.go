package downloader

import (
	"fmt"

	"github.com/ternarybob/capto/internal/models"
)

// progressTemplate makes yt-dlp emit one JSON object per progress tick on
// stdout, newline-delimited, so the adapter can parse it without scraping
// human-readable output.
const progressTemplate = `download:{"status":"downloading",` +
	`"downloaded":%(progress.downloaded_bytes|0)s,` +
	`"total":%(progress.total_bytes|0)s,` +
	`"total_estimate":%(progress.total_bytes_estimate|0)s,` +
	`"speed":%(progress.speed|0)s,` +
	`"eta":%(progress.eta|0)s}`

// baseArgs are common to every invocation. Arguments are always passed as an
// argv array; nothing user-supplied is ever concatenated into a shell string.
func baseArgs() []string {
	return []string{
		"--no-colors",
		"--no-playlist-metafiles",
		"--newline",
		"--progress-template", progressTemplate,
	}
}

// downloadArgs builds the argv tail for a download invocation. outputTemplate
// is an absolute yt-dlp output template under the storage root.
func downloadArgs(req models.DownloadRequest, kind models.JobKind, outputTemplate, cookiesPath string) []string {
	args := baseArgs()

	args = append(args, "--output", outputTemplate)

	if cookiesPath != "" {
		args = append(args, "--cookies", cookiesPath)
	}

	switch {
	case req.AudioOnly || req.Quality == "audio":
		args = append(args, "--extract-audio", "--audio-format", "mp3")
	case req.Format != "":
		args = append(args, "--format", req.Format)
	case req.Quality != "" && req.Quality != "best":
		args = append(args, "--format", qualityFormat(req.Quality))
	}

	if req.Subtitles {
		args = append(args, "--write-subs", "--sub-langs", "all")
	}
	if req.Thumbnail {
		args = append(args, "--write-thumbnail")
	}
	if req.Metadata {
		args = append(args, "--embed-metadata")
	}

	switch kind {
	case models.KindPlaylist, models.KindChannel:
		args = append(args, "--yes-playlist")
		args = append(args, filterArgs(req.Filters)...)
	default:
		args = append(args, "--no-playlist")
	}

	args = append(args, "--", req.URL)
	return args
}

// qualityFormat maps a quality label onto a yt-dlp format selector.
func qualityFormat(quality string) string {
	switch quality {
	case "worst":
		return "worst"
	case "2160p", "1440p", "1080p", "720p", "480p", "360p":
		height := quality[:len(quality)-1]
		return fmt.Sprintf("bestvideo[height<=%s]+bestaudio/best[height<=%s]", height, height)
	default:
		return "best"
	}
}

// filterArgs translates selection filters onto yt-dlp playlist options.
func filterArgs(f *models.SelectionFilters) []string {
	if f == nil {
		return nil
	}

	var args []string
	if f.DateAfter != "" {
		args = append(args, "--dateafter", f.DateAfter)
	}
	if f.DateBefore != "" {
		args = append(args, "--datebefore", f.DateBefore)
	}

	var match []string
	if f.MinDuration > 0 {
		match = append(match, fmt.Sprintf("duration >= %d", f.MinDuration))
	}
	if f.MaxDuration > 0 {
		match = append(match, fmt.Sprintf("duration <= %d", f.MaxDuration))
	}
	if f.MinViews > 0 {
		match = append(match, fmt.Sprintf("view_count >= %d", f.MinViews))
	}
	if f.MaxViews > 0 {
		match = append(match, fmt.Sprintf("view_count <= %d", f.MaxViews))
	}
	for _, m := range match {
		args = append(args, "--match-filters", m)
	}

	if f.MaxDownloads > 0 {
		args = append(args, "--max-downloads", fmt.Sprintf("%d", f.MaxDownloads))
	}
	if f.Items != "" {
		args = append(args, "--playlist-items", f.Items)
	}
	return args
}
