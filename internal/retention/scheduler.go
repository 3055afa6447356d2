package retention

import (
	"container/heap"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// Handle identifies a scheduled deletion and can cancel it.
type Handle uint64

type entry struct {
	handle      Handle
	path        string
	fireInstant time.Time
	index       int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].fireInstant.Before(h[j].fireInstant) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler deletes artifacts under the storage root at their scheduled
// instant. A single worker drains a min-heap keyed by fire instant; schedule
// and cancel wake it so it can re-arm its timer.
type Scheduler struct {
	root   string
	logger arbor.ILogger

	mu         sync.Mutex
	entries    entryHeap
	tombstones map[Handle]bool
	nextHandle Handle

	wakeup chan struct{}
	done   chan struct{}
	closed bool
}

// NewScheduler creates a scheduler rooted at the storage directory. Call
// Start before scheduling and Stop on shutdown.
func NewScheduler(root string, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		root:       root,
		logger:     logger,
		tombstones: make(map[Handle]bool),
		wakeup:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start launches the drain worker.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop terminates the drain worker. Pending entries are abandoned; artifacts
// are reaped by the next process via directory age if needed.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// Schedule registers relPath for deletion after delay and returns a handle
// that can cancel it.
func (s *Scheduler) Schedule(relPath string, delay time.Duration) Handle {
	s.mu.Lock()
	s.nextHandle++
	h := s.nextHandle
	heap.Push(&s.entries, &entry{
		handle:      h,
		path:        relPath,
		fireInstant: time.Now().Add(delay),
	})
	s.mu.Unlock()

	s.logger.Debug().
		Str("path", relPath).
		Str("delay", delay.String()).
		Msg("Deletion scheduled")

	s.wake()
	return h
}

// Cancel tombstones the entry; the worker discards it when popped. Cancelling
// an already-fired or unknown handle is a no-op and leaves no state behind.
func (s *Scheduler) Cancel(h Handle) {
	s.mu.Lock()
	pending := false
	for _, e := range s.entries {
		if e.handle == h {
			pending = true
			break
		}
	}
	if pending {
		s.tombstones[h] = true
	}
	s.mu.Unlock()

	if pending {
		s.wake()
	}
}

// Pending reports the number of live (non-tombstoned) entries.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !s.tombstones[e.handle] {
			n++
		}
	}
	return n
}

func (s *Scheduler) wake() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due := s.drainDue()
		for _, path := range due {
			s.deleteArtifact(path)
		}

		wait := s.untilNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.done:
			return
		case <-s.wakeup:
		case <-timer.C:
		}
	}
}

// drainDue pops every entry due now, dropping tombstones. The lock is
// released before any file deletion happens.
func (s *Scheduler) drainDue() []string {
	now := time.Now()
	var due []string

	s.mu.Lock()
	for len(s.entries) > 0 {
		top := s.entries[0]
		if s.tombstones[top.handle] {
			heap.Pop(&s.entries)
			delete(s.tombstones, top.handle)
			continue
		}
		if top.fireInstant.After(now) {
			break
		}
		heap.Pop(&s.entries)
		due = append(due, top.path)
	}
	s.mu.Unlock()

	return due
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return time.Hour
	}
	wait := time.Until(s.entries[0].fireInstant)
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (s *Scheduler) deleteArtifact(relPath string) {
	abs := filepath.Join(s.root, filepath.FromSlash(relPath))

	if err := os.Remove(abs); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", relPath).Msg("Failed to delete expired artifact")
			return
		}
	} else {
		s.logger.Info().Str("path", relPath).Msg("Expired artifact deleted")
	}

	s.pruneAncestors(filepath.Dir(abs))
}

// pruneAncestors removes empty directories left behind by a deletion, walking
// up to but never including the storage root.
func (s *Scheduler) pruneAncestors(dir string) {
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return
	}
	for {
		abs, err := filepath.Abs(dir)
		if err != nil || abs == rootAbs || !isUnder(rootAbs, abs) {
			return
		}
		if err := os.Remove(abs); err != nil {
			// Non-empty or already gone; either way, stop climbing.
			return
		}
		dir = filepath.Dir(dir)
	}
}

func isUnder(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
