package models

import (
	"time"
)

// Lifecycle event names delivered to webhooks and the WebSocket stream.
const (
	EventDownloadStarted   = "download.started"
	EventDownloadProgress  = "download.progress"
	EventDownloadCompleted = "download.completed"
	EventDownloadFailed    = "download.failed"
	EventBatchStarted      = "batch.started"
	EventBatchCompleted    = "batch.completed"
	EventBatchFailed       = "batch.failed"
)

// WebhookEvent is the wire payload of a lifecycle notification.
// The raw JSON body is signed with HMAC-SHA-256 and the hex digest is sent
// as "X-Webhook-Signature: sha256=<hex>".
type WebhookEvent struct {
	Event     string                 `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	JobID     string                 `json:"job_id"`
	Data      map[string]interface{} `json:"data"`
}
