package downloader

import (
	"encoding/json"
	"strings"

	"github.com/ternarybob/capto/internal/models"
)

// progressLine mirrors the JSON emitted by the progress template.
type progressLine struct {
	Status        string  `json:"status"`
	Downloaded    int64   `json:"downloaded"`
	Total         int64   `json:"total"`
	TotalEstimate float64 `json:"total_estimate"`
	Speed         float64 `json:"speed"`
	ETA           float64 `json:"eta"`
}

// progressTracker folds raw progress lines into monotonic Progress values.
// yt-dlp restarts its byte counter per playlist item, so the tracker carries
// bytes finished in earlier items forward.
type progressTracker struct {
	itemBase     int64
	lastItemSeen int64
	lastEmitted  models.Progress
	totalItems   int
	doneItems    int
}

// parseProgressLine decodes one stdout line, returning ok=false for
// non-progress output.
func parseProgressLine(line string) (progressLine, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return progressLine{}, false
	}
	var p progressLine
	if err := json.Unmarshal([]byte(line), &p); err != nil {
		return progressLine{}, false
	}
	return p, p.Status == "downloading"
}

// observe folds a progress line into the aggregate and reports whether a new
// value should be emitted. Downloaded bytes never decrease.
func (t *progressTracker) observe(p progressLine) (models.Progress, bool) {
	if p.Downloaded < t.lastItemSeen {
		// Counter reset: the previous item finished.
		t.itemBase += t.lastItemSeen
		t.doneItems++
	}
	t.lastItemSeen = p.Downloaded

	total := p.Total
	if total == 0 {
		total = int64(t.TotalEstimateOr(p))
	}

	out := models.Progress{
		DownloadedBytes: t.itemBase + p.Downloaded,
		TotalBytes:      t.itemBase + total,
		SpeedBPS:        p.Speed,
		ETASec:          int(p.ETA),
	}
	out.Percent = t.percent(out)

	if out.DownloadedBytes < t.lastEmitted.DownloadedBytes {
		return t.lastEmitted, false
	}
	t.lastEmitted = out
	return out, true
}

func (t *progressTracker) TotalEstimateOr(p progressLine) float64 {
	if p.TotalEstimate > 0 {
		return p.TotalEstimate
	}
	return 0
}

// percent is byte-based for single downloads and item-based when the tracker
// knows the playlist size.
func (t *progressTracker) percent(p models.Progress) float64 {
	if t.totalItems > 1 {
		pct := float64(t.doneItems) / float64(t.totalItems) * 100
		if pct > 100 {
			pct = 100
		}
		return pct
	}
	if p.TotalBytes > 0 {
		pct := float64(p.DownloadedBytes) / float64(p.TotalBytes) * 100
		if pct > 100 {
			pct = 100
		}
		return pct
	}
	return 0
}
