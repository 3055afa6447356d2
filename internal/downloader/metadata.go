package downloader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/ternarybob/capto/internal/interfaces"
	"github.com/ternarybob/capto/internal/models"
)

// rawInfo is the subset of the yt-dlp info JSON the engine cares about.
type rawInfo struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Uploader   string      `json:"uploader"`
	Duration   float64     `json:"duration"`
	UploadDate string      `json:"upload_date"`
	ViewCount  int64       `json:"view_count"`
	WebpageURL string      `json:"webpage_url"`
	Thumbnail  string      `json:"thumbnail"`
	Formats    []rawFormat `json:"formats"`
}

type rawFormat struct {
	FormatID   string  `json:"format_id"`
	Ext        string  `json:"ext"`
	Resolution string  `json:"resolution"`
	FPS        float64 `json:"fps"`
	VCodec     string  `json:"vcodec"`
	ACodec     string  `json:"acodec"`
	Filesize   int64   `json:"filesize"`
	Note       string  `json:"format_note"`
}

func (r *rawInfo) toMediaInfo() *interfaces.MediaInfo {
	return &interfaces.MediaInfo{
		ID:          r.ID,
		Title:       r.Title,
		Uploader:    r.Uploader,
		DurationSec: r.Duration,
		UploadDate:  r.UploadDate,
		ViewCount:   r.ViewCount,
		WebpageURL:  r.WebpageURL,
		Thumbnail:   r.Thumbnail,
	}
}

// ExtractMetadata fetches metadata for a single item without downloading.
func (a *Adapter) ExtractMetadata(ctx context.Context, url string) (*interfaces.MediaInfo, error) {
	out, err := a.runInfo(ctx, "--dump-single-json", "--no-playlist", "--", url)
	if err != nil {
		return nil, err
	}

	var info rawInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "failed to parse metadata output")
	}
	return info.toMediaInfo(), nil
}

// ListFormats returns the downloadable formats of a URL.
func (a *Adapter) ListFormats(ctx context.Context, url string) ([]interfaces.FormatInfo, error) {
	out, err := a.runInfo(ctx, "--dump-single-json", "--no-playlist", "--", url)
	if err != nil {
		return nil, err
	}

	var info rawInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "failed to parse format output")
	}

	formats := make([]interfaces.FormatInfo, 0, len(info.Formats))
	for _, f := range info.Formats {
		formats = append(formats, interfaces.FormatInfo{
			FormatID:   f.FormatID,
			Extension:  f.Ext,
			Resolution: f.Resolution,
			FPS:        f.FPS,
			VCodec:     f.VCodec,
			ACodec:     f.ACodec,
			FilesizeB:  f.Filesize,
			Note:       f.Note,
		})
	}
	return formats, nil
}

// ListEntries returns the flat entries of a playlist or channel. With
// --flat-playlist yt-dlp emits one JSON object per line.
func (a *Adapter) ListEntries(ctx context.Context, url string, filters *models.SelectionFilters) ([]interfaces.MediaInfo, error) {
	args := []string{"--dump-json", "--flat-playlist", "--yes-playlist"}
	args = append(args, filterArgs(filters)...)
	args = append(args, "--", url)

	out, err := a.runInfo(ctx, args...)
	if err != nil {
		return nil, err
	}

	var entries []interfaces.MediaInfo
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var info rawInfo
		if err := json.Unmarshal([]byte(line), &info); err != nil {
			continue
		}
		entries = append(entries, *info.toMediaInfo())
	}
	return entries, nil
}

// runInfo runs a metadata-only invocation and returns its stdout.
func (a *Adapter) runInfo(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, a.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctxError(ctx)
		}
		if _, ok := err.(*exec.ExitError); ok {
			return nil, models.NewError(models.ErrNonZeroExit,
				"downloader exited with error: %s", firstLine(stderr.String()))
		}
		return nil, models.WrapError(models.ErrSpawnFailed, err, "failed to start downloader")
	}
	return stdout.Bytes(), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

func ctxError(ctx context.Context) *models.Error {
	if ctx.Err() == context.DeadlineExceeded {
		return models.NewError(models.ErrTimeout, "operation deadline exceeded")
	}
	return models.NewError(models.ErrCancelled, "operation cancelled")
}
