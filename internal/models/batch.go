package models

import (
	"time"
)

// BatchPolicy controls how a batch reacts to a failing child.
type BatchPolicy string

const (
	PolicyStopOnError     BatchPolicy = "stop_on_error"
	PolicyContinueOnError BatchPolicy = "continue_on_error"
)

// Batch is a composite job whose children are ordinary single-URL jobs.
type Batch struct {
	ID             string      `json:"id"`
	State          JobState    `json:"state"`
	ChildIDs       []string    `json:"child_ids"`
	Policy         BatchPolicy `json:"policy"`
	ConcurrencyCap int         `json:"concurrency_cap"`
	CreatedAt      time.Time   `json:"created_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// BatchStatus is the aggregate view derived from child snapshots.
type BatchStatus struct {
	Batch
	Queued    int     `json:"queued"`
	Running   int     `json:"running"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	Percent   float64 `json:"percent"`
	Children  []*Job  `json:"children,omitempty"`
}
