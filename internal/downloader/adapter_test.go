package downloader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/interfaces"
	"github.com/ternarybob/capto/internal/models"
)

// fakeTool is a stand-in for the external downloader. It answers metadata
// queries with a canned JSON object and "downloads" by emitting two progress
// lines and writing a small file at the -o location. Behaviour toggles via
// env vars set per test.
const fakeTool = `#!/usr/bin/env bash
set -u
args=("$@")
out=""
dump=0
for ((i = 0; i < ${#args[@]}; i++)); do
  case "${args[i]}" in
    --dump-single-json) dump=1 ;;
    --output) out="${args[i+1]}" ;;
  esac
done

if [[ "$dump" == 1 ]]; then
  echo '{"id":"vid1","title":"My Video","uploader":"someone","duration":12.5,"upload_date":"20260101","view_count":100,"webpage_url":"https://example.test/v","formats":[{"format_id":"22","ext":"mp4","resolution":"1280x720"}]}'
  exit 0
fi

path="${out//%(ext)s/mp4}"

if [[ "${FAKE_FAIL:-}" == 1 ]]; then
  echo "ERROR: unable to download video data" >&2
  exit 1
fi

if [[ "${FAKE_HANG:-}" == 1 ]]; then
  trap 'exit 130' INT TERM
  printf 'partial' > "${path}.part"
  echo '{"status":"downloading","downloaded":10,"total":100,"total_estimate":0,"speed":1,"eta":9}'
  sleep 60 &
  wait $!
  exit 0
fi

echo '{"status":"downloading","downloaded":100,"total":200,"total_estimate":0,"speed":50,"eta":2}'
echo '{"status":"downloading","downloaded":200,"total":200,"total_estimate":0,"speed":50,"eta":0}'

if [[ "${FAKE_NO_OUTPUT:-}" != 1 ]]; then
  printf 'data' > "$path"
fi
exit 0
`

type logCapture struct {
	mu    sync.Mutex
	lines []string
}

func (l *logCapture) sink(jobID, level, msg string) {
	l.mu.Lock()
	l.lines = append(l.lines, level+": "+msg)
	l.mu.Unlock()
}

func (l *logCapture) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

func newTestAdapter(t *testing.T, progressTimeout time.Duration) (*Adapter, string, *logCapture) {
	t.Helper()

	bin := filepath.Join(t.TempDir(), "fake-yt-dlp")
	require.NoError(t, os.WriteFile(bin, []byte(fakeTool), 0755))

	root := t.TempDir()
	logs := &logCapture{}
	a := NewAdapter(Options{
		BinaryPath:      bin,
		StorageRoot:     root,
		ProgressTimeout: progressTimeout,
		GracePeriod:     time.Second,
	}, logs.sink, arbor.NewLogger())
	return a, root, logs
}

func drainProgress(ch <-chan models.Progress) []models.Progress {
	var out []models.Progress
	for p := range ch {
		out = append(out, p)
	}
	return out
}

func singleInput(progress chan models.Progress) interfaces.DownloadInput {
	return interfaces.DownloadInput{
		JobID:    "job_ad1",
		Kind:     models.KindSingle,
		Request:  models.DownloadRequest{URL: "https://example.test/watch?v=abc"},
		Progress: progress,
	}
}

func TestAdapterDownloadSuccess(t *testing.T) {
	a, root, _ := newTestAdapter(t, time.Minute)

	progress := make(chan models.Progress, 16)
	var events []models.Progress
	done := make(chan struct{})
	go func() {
		events = drainProgress(progress)
		close(done)
	}()

	result, err := a.Download(context.Background(), singleInput(progress))
	<-done
	require.NoError(t, err)

	assert.Equal(t, "My Video-vid1.mp4", result.RelativePath)
	assert.Equal(t, int64(4), result.SizeBytes)
	assert.Equal(t, "My Video", result.Title)
	assert.Equal(t, 12.5, result.DurationSec)
	assert.Equal(t, "mp4", result.Format)

	_, statErr := os.Stat(filepath.Join(root, "My Video-vid1.mp4"))
	assert.NoError(t, statErr)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, int64(200), last.DownloadedBytes)
	assert.Equal(t, float64(100), last.Percent)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].DownloadedBytes, events[i-1].DownloadedBytes)
	}
}

func TestAdapterNonZeroExit(t *testing.T) {
	a, _, logs := newTestAdapter(t, time.Minute)
	t.Setenv("FAKE_FAIL", "1")

	progress := make(chan models.Progress, 16)
	go drainProgress(progress)

	_, err := a.Download(context.Background(), singleInput(progress))
	require.Error(t, err)
	assert.Equal(t, models.ErrNonZeroExit, models.CodeOf(err))
	assert.Contains(t, err.Error(), "unable to download")

	found := false
	for _, l := range logs.all() {
		if l == "error: ERROR: unable to download video data" {
			found = true
		}
	}
	assert.True(t, found, "stderr must reach the log sink")
}

func TestAdapterOutputMissing(t *testing.T) {
	a, _, _ := newTestAdapter(t, time.Minute)
	t.Setenv("FAKE_NO_OUTPUT", "1")

	progress := make(chan models.Progress, 16)
	go drainProgress(progress)

	_, err := a.Download(context.Background(), singleInput(progress))
	assert.Equal(t, models.ErrOutputMissing, models.CodeOf(err))
}

func TestAdapterCancelRemovesPartials(t *testing.T) {
	a, root, _ := newTestAdapter(t, time.Minute)
	t.Setenv("FAKE_HANG", "1")

	ctx, cancel := context.WithCancel(context.Background())
	progress := make(chan models.Progress, 16)
	go drainProgress(progress)

	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	_, err := a.Download(ctx, singleInput(progress))
	require.Error(t, err)
	assert.Equal(t, models.ErrCancelled, models.CodeOf(err))

	matches, _ := filepath.Glob(filepath.Join(root, "My Video-vid1.*"))
	assert.Empty(t, matches, "partial artifacts must be removed on cancel")
}

func TestAdapterDeadlineBecomesTimeout(t *testing.T) {
	a, _, _ := newTestAdapter(t, time.Minute)
	t.Setenv("FAKE_HANG", "1")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	progress := make(chan models.Progress, 16)
	go drainProgress(progress)

	_, err := a.Download(ctx, singleInput(progress))
	assert.Equal(t, models.ErrTimeout, models.CodeOf(err))
}

func TestAdapterStallTimeout(t *testing.T) {
	a, _, _ := newTestAdapter(t, 700*time.Millisecond)
	t.Setenv("FAKE_HANG", "1")

	progress := make(chan models.Progress, 16)
	go drainProgress(progress)

	_, err := a.Download(context.Background(), singleInput(progress))
	assert.Equal(t, models.ErrStallTimeout, models.CodeOf(err))
}

func TestAdapterSpawnFailed(t *testing.T) {
	a := NewAdapter(Options{
		BinaryPath:  "/nonexistent/yt-dlp",
		StorageRoot: t.TempDir(),
	}, nil, arbor.NewLogger())

	progress := make(chan models.Progress, 1)
	_, err := a.Download(context.Background(), singleInput(progress))
	assert.Equal(t, models.ErrSpawnFailed, models.CodeOf(err))

	// The channel must be closed even when the invocation never starts.
	_, open := <-progress
	assert.False(t, open)
}

func TestAdapterExtractMetadata(t *testing.T) {
	a, _, _ := newTestAdapter(t, time.Minute)

	info, err := a.ExtractMetadata(context.Background(), "https://example.test/watch?v=abc")
	require.NoError(t, err)
	assert.Equal(t, "vid1", info.ID)
	assert.Equal(t, "My Video", info.Title)
	assert.Equal(t, int64(100), info.ViewCount)
}

func TestAdapterListFormats(t *testing.T) {
	a, _, _ := newTestAdapter(t, time.Minute)

	formats, err := a.ListFormats(context.Background(), "https://example.test/watch?v=abc")
	require.NoError(t, err)
	require.Len(t, formats, 1)
	assert.Equal(t, "22", formats[0].FormatID)
	assert.Equal(t, "mp4", formats[0].Extension)
}
