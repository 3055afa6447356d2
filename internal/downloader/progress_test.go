package downloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgressLine(t *testing.T) {
	p, ok := parseProgressLine(`{"status":"downloading","downloaded":512,"total":1024,"total_estimate":0,"speed":256.5,"eta":2}`)
	require.True(t, ok)
	assert.Equal(t, int64(512), p.Downloaded)
	assert.Equal(t, int64(1024), p.Total)
	assert.Equal(t, 256.5, p.Speed)

	_, ok = parseProgressLine("[download] Destination: video.mp4")
	assert.False(t, ok)

	_, ok = parseProgressLine(`{"status":"finished","downloaded":1024}`)
	assert.False(t, ok)
}

func TestProgressTrackerMonotonic(t *testing.T) {
	tr := &progressTracker{}

	p1, emit := tr.observe(progressLine{Status: "downloading", Downloaded: 100, Total: 1000})
	require.True(t, emit)
	assert.Equal(t, int64(100), p1.DownloadedBytes)
	assert.Equal(t, float64(10), p1.Percent)

	p2, emit := tr.observe(progressLine{Status: "downloading", Downloaded: 600, Total: 1000})
	require.True(t, emit)
	assert.Equal(t, int64(600), p2.DownloadedBytes)
	assert.GreaterOrEqual(t, p2.DownloadedBytes, p1.DownloadedBytes)
}

func TestProgressTrackerItemReset(t *testing.T) {
	tr := &progressTracker{totalItems: 2}

	tr.observe(progressLine{Status: "downloading", Downloaded: 1000, Total: 1000})

	// The counter resets when the next playlist item starts; aggregate
	// bytes must keep climbing.
	p, emit := tr.observe(progressLine{Status: "downloading", Downloaded: 200, Total: 500})
	require.True(t, emit)
	assert.Equal(t, int64(1200), p.DownloadedBytes)
	assert.Equal(t, float64(50), p.Percent, "item-based percent after first of two items")
}

func TestProgressTrackerEstimateFallback(t *testing.T) {
	tr := &progressTracker{}
	p, emit := tr.observe(progressLine{Status: "downloading", Downloaded: 100, TotalEstimate: 400})
	require.True(t, emit)
	assert.Equal(t, int64(400), p.TotalBytes)
	assert.Equal(t, float64(25), p.Percent)
}

func TestProgressTrackerUnknownTotal(t *testing.T) {
	tr := &progressTracker{}
	p, emit := tr.observe(progressLine{Status: "downloading", Downloaded: 100})
	require.True(t, emit)
	assert.Equal(t, float64(0), p.Percent)
}
