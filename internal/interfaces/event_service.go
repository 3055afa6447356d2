package interfaces

import (
	"context"

	"github.com/ternarybob/capto/internal/models"
)

// EventType represents different event types in the system
type EventType string

const (
	EventJobStarted    EventType = "job_started"
	EventJobProgress   EventType = "job_progress"
	EventJobCompleted  EventType = "job_completed"
	EventJobFailed     EventType = "job_failed"
	EventJobCancelled  EventType = "job_cancelled"
	EventBatchCreated  EventType = "batch_created"
	EventBatchFinished EventType = "batch_finished"
)

// JobEvent is the payload published for job lifecycle events.
type JobEvent struct {
	Job  *models.Job
	Data map[string]interface{}
}

// BatchEvent is the payload published for batch lifecycle events.
type BatchEvent struct {
	Status *models.BatchStatus
}

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages the pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers asynchronously
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
