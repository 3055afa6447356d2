package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/common"
	"github.com/ternarybob/capto/internal/interfaces"
	"github.com/ternarybob/capto/internal/models"
)

// maxLogLines bounds the per-job log ring; older lines are dropped.
const maxLogLines = 1000

type record struct {
	mu   sync.Mutex
	job  models.Job
	logs []models.LogEntry
}

// Store is the in-memory job registry. Each record carries its own lock so a
// busy job never blocks reads of other jobs; the outer lock only guards the
// map itself.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	logger  arbor.ILogger
}

// NewStore creates an empty job store.
func NewStore(logger arbor.ILogger) *Store {
	return &Store{
		records: make(map[string]*record),
		logger:  logger,
	}
}

var _ interfaces.JobStore = (*Store)(nil)

// Create registers a new job in QUEUED and returns its ID.
func (s *Store) Create(payload models.DownloadRequest, kind models.JobKind, parentBatchID string) string {
	id := common.NewJobID()

	rec := &record{
		job: models.Job{
			ID:            id,
			Kind:          kind,
			State:         models.StateQueued,
			Payload:       payload,
			ParentBatchID: parentBatchID,
			CreatedAt:     time.Now().UTC(),
		},
	}

	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()

	s.logger.Debug().
		Str("job_id", id).
		Str("kind", string(kind)).
		Msg("Job created")

	return id
}

// Transition performs a CAS state change. Terminal states are sticky: once a
// job is COMPLETED, FAILED or CANCELLED no further transition succeeds.
func (s *Store) Transition(id string, from, to models.JobState, patch *interfaces.TransitionPatch) bool {
	rec := s.lookup(id)
	if rec == nil {
		return false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.job.State != from || rec.job.State.IsTerminal() {
		return false
	}

	rec.job.State = to
	now := time.Now().UTC()
	switch {
	case to == models.StateRunning:
		rec.job.StartedAt = &now
	case to.IsTerminal():
		rec.job.CompletedAt = &now
	}
	if patch != nil {
		if patch.Result != nil {
			rec.job.Result = patch.Result
			rec.job.Progress.Percent = 100
		}
		if patch.Error != nil {
			rec.job.Error = patch.Error
		}
	}

	return true
}

// Get returns a snapshot of the job, or nil if unknown.
func (s *Store) Get(id string) *models.Job {
	rec := s.lookup(id)
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return snapshot(&rec.job)
}

// List returns snapshots matching the filter, newest first.
func (s *Store) List(filter models.JobFilter) []*models.Job {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	var out []*models.Job
	for _, rec := range recs {
		rec.mu.Lock()
		if filter.Matches(&rec.job) {
			out = append(out, snapshot(&rec.job))
		}
		rec.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// AppendLog appends a line to the job's bounded log buffer.
func (s *Store) AppendLog(id, level, message string) {
	rec := s.lookup(id)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.logs = append(rec.logs, models.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	})
	if len(rec.logs) > maxLogLines {
		rec.logs = rec.logs[len(rec.logs)-maxLogLines:]
	}
}

// Logs returns a copy of the job's log buffer.
func (s *Store) Logs(id string) []models.LogEntry {
	rec := s.lookup(id)
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	out := make([]models.LogEntry, len(rec.logs))
	copy(out, rec.logs)
	return out
}

// PatchProgress updates progress while the job is RUNNING. Updates arriving
// after a terminal transition are dropped.
func (s *Store) PatchProgress(id string, progress models.Progress) bool {
	rec := s.lookup(id)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.job.State != models.StateRunning {
		return false
	}
	rec.job.Progress = progress
	return true
}

// PurgeOlderThan removes terminal jobs whose completion is older than maxAge.
func (s *Store) PurgeOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		rec.mu.Lock()
		purge := rec.job.State.IsTerminal() &&
			rec.job.CompletedAt != nil &&
			rec.job.CompletedAt.Before(cutoff)
		rec.mu.Unlock()
		if purge {
			delete(s.records, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info().Int("count", removed).Msg("Purged terminal jobs")
	}
	return removed
}

func (s *Store) lookup(id string) *record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id]
}

// snapshot copies the record deeply enough that later store mutations are
// invisible through it.
func snapshot(j *models.Job) *models.Job {
	out := *j
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
