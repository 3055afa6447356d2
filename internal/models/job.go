package models

import (
	"time"
)

// JobKind classifies the unit of work a job represents.
type JobKind string

const (
	KindSingle     JobKind = "single"
	KindPlaylist   JobKind = "playlist"
	KindChannel    JobKind = "channel"
	KindBatchChild JobKind = "batch_child"
)

// JobState is the lifecycle state of a job.
//
// State machine: QUEUED -> RUNNING -> {COMPLETED, FAILED, CANCELLED}.
// Terminal states are sticky; transitions are CAS-guarded by the store.
type JobState string

const (
	StateQueued    JobState = "QUEUED"
	StateRunning   JobState = "RUNNING"
	StateCompleted JobState = "COMPLETED"
	StateFailed    JobState = "FAILED"
	StateCancelled JobState = "CANCELLED"
)

// IsTerminal reports whether the state is sticky.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Progress tracks download progress for a job. Percent is monotonically
// non-decreasing within a state.
type Progress struct {
	Percent         float64 `json:"percent"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	SpeedBPS        float64 `json:"speed_bps"`
	ETASec          int     `json:"eta_sec"`
}

// Result describes a successfully produced artifact.
type Result struct {
	RelativePath    string     `json:"relative_path"`
	SizeBytes       int64      `json:"size_bytes"`
	Title           string     `json:"title"`
	DurationSec     float64    `json:"duration_sec"`
	Format          string     `json:"format"`
	DeletionInstant *time.Time `json:"deletion_instant,omitempty"`
}

// LogEntry is one line of a job's bounded log buffer.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
}

// Job is the primary unit of work tracked through the state machine.
// The store owns the canonical record; snapshots handed to callers are
// deep-enough copies that later mutations are not visible through them.
type Job struct {
	ID            string          `json:"id"`
	Kind          JobKind         `json:"kind"`
	State         JobState        `json:"state"`
	Payload       DownloadRequest `json:"payload"`
	ParentBatchID string          `json:"parent_batch_id,omitempty"`
	Progress      Progress        `json:"progress"`
	Result        *Result         `json:"result,omitempty"`
	Error         *Error          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job has reached a sticky state.
func (j *Job) IsTerminal() bool {
	return j.State.IsTerminal()
}

// JobFilter selects jobs for listing.
type JobFilter struct {
	State JobState
	Kind  JobKind
	Batch string
	Limit int
}

// Matches reports whether the job satisfies every set filter field.
func (f JobFilter) Matches(j *Job) bool {
	if f.State != "" && j.State != f.State {
		return false
	}
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.Batch != "" && j.ParentBatchID != f.Batch {
		return false
	}
	return true
}
