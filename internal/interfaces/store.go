package interfaces

import (
	"time"

	"github.com/ternarybob/capto/internal/models"
)

// TransitionPatch carries the fields applied atomically with a state
// transition.
type TransitionPatch struct {
	Result *models.Result
	Error  *models.Error
}

// JobStore is the in-process, concurrency-safe registry of job records.
// Workers mutate state only through store-mediated transitions.
type JobStore interface {
	// Create registers a new job in QUEUED and returns its ID.
	Create(payload models.DownloadRequest, kind models.JobKind, parentBatchID string) string

	// Transition performs a CAS state change: it succeeds only if the
	// job's current state equals from.
	Transition(id string, from, to models.JobState, patch *TransitionPatch) bool

	// Get returns a snapshot of the job, or nil if unknown.
	Get(id string) *models.Job

	// List returns snapshots matching the filter, newest first.
	List(filter models.JobFilter) []*models.Job

	// AppendLog appends a line to the job's bounded log buffer.
	AppendLog(id, level, message string)

	// Logs returns a copy of the job's log buffer.
	Logs(id string) []models.LogEntry

	// PatchProgress updates progress; allowed only while RUNNING.
	PatchProgress(id string, progress models.Progress) bool

	// PurgeOlderThan removes terminal jobs older than maxAge and returns
	// the number removed.
	PurgeOlderThan(maxAge time.Duration) int
}
