package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestScheduler(t *testing.T) (*Scheduler, string) {
	t.Helper()
	root := t.TempDir()
	s := NewScheduler(root, arbor.NewLogger())
	s.Start()
	t.Cleanup(s.Stop)
	return s, root
}

func writeArtifact(t *testing.T, root, rel string) string {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte("data"), 0644))
	return abs
}

func waitGone(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %s to be deleted", path)
}

func TestSchedulerDeletesAtInstant(t *testing.T) {
	s, root := newTestScheduler(t)
	abs := writeArtifact(t, root, "video.mp4")

	s.Schedule("video.mp4", 50*time.Millisecond)
	waitGone(t, abs)
}

func TestSchedulerFiresInOrder(t *testing.T) {
	s, root := newTestScheduler(t)
	early := writeArtifact(t, root, "early.mp4")
	late := writeArtifact(t, root, "late.mp4")

	// Schedule out of order; the heap must still fire the earlier one first.
	s.Schedule("late.mp4", 300*time.Millisecond)
	s.Schedule("early.mp4", 30*time.Millisecond)

	waitGone(t, early)
	_, err := os.Stat(late)
	assert.NoError(t, err, "late entry must not fire with the early one")
	waitGone(t, late)
}

func TestSchedulerCancel(t *testing.T) {
	s, root := newTestScheduler(t)
	abs := writeArtifact(t, root, "keep.mp4")

	h := s.Schedule("keep.mp4", 50*time.Millisecond)
	s.Cancel(h)

	time.Sleep(200 * time.Millisecond)
	_, err := os.Stat(abs)
	assert.NoError(t, err, "cancelled entry must not delete the file")
	assert.Equal(t, 0, s.Pending())
}

func TestSchedulerCancelAfterFire(t *testing.T) {
	s, root := newTestScheduler(t)
	abs := writeArtifact(t, root, "gone.mp4")

	h := s.Schedule("gone.mp4", 10*time.Millisecond)
	waitGone(t, abs)

	assert.NotPanics(t, func() { s.Cancel(h) })

	// The fired handle must not leave a tombstone behind.
	s.mu.Lock()
	leaked := len(s.tombstones)
	s.mu.Unlock()
	assert.Equal(t, 0, leaked)
}

func TestSchedulerPrunesEmptyAncestors(t *testing.T) {
	s, root := newTestScheduler(t)
	writeArtifact(t, root, "a/b/c/video.mp4")

	s.Schedule("a/b/c/video.mp4", 10*time.Millisecond)
	waitGone(t, filepath.Join(root, "a"))

	// The storage root itself must survive.
	_, err := os.Stat(root)
	assert.NoError(t, err)
}

func TestSchedulerKeepsNonEmptyAncestors(t *testing.T) {
	s, root := newTestScheduler(t)
	writeArtifact(t, root, "dir/expired.mp4")
	kept := writeArtifact(t, root, "dir/kept.mp4")

	s.Schedule("dir/expired.mp4", 10*time.Millisecond)
	waitGone(t, filepath.Join(root, "dir", "expired.mp4"))

	_, err := os.Stat(kept)
	assert.NoError(t, err)
}

func TestSchedulerMissingFileIsNoop(t *testing.T) {
	s, _ := newTestScheduler(t)

	s.Schedule("never-existed.mp4", 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, s.Pending())
}

func TestSchedulerStopIdempotent(t *testing.T) {
	s := NewScheduler(t.TempDir(), arbor.NewLogger())
	s.Start()
	s.Stop()
	assert.NotPanics(t, s.Stop)
}
