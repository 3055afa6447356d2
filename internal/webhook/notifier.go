package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/interfaces"
	"github.com/ternarybob/capto/internal/models"
)

const (
	defaultAttemptTimeout = 10 * time.Second
	progressMinInterval   = time.Second
)

// Options configures the notifier.
type Options struct {
	// Secret signs bodies when a request carries no webhook_secret of its own.
	Secret string
	// MaxRetries bounds re-delivery after the first attempt. Default 3.
	MaxRetries int
	// AttemptTimeout bounds each HTTP attempt. Default 10s.
	AttemptTimeout time.Duration
	// OnDelivery, when set, observes each delivery outcome
	// ("delivered" or "abandoned").
	OnDelivery func(outcome string)
}

// Notifier delivers signed lifecycle events to per-job webhook URLs. It
// subscribes to the event bus and never blocks the job that emitted the
// event; delivery failures are logged, not surfaced.
type Notifier struct {
	client     *http.Client
	secret     string
	maxRetries int
	logger     arbor.ILogger

	onDelivery func(outcome string)

	mu           sync.Mutex
	lastProgress map[string]time.Time

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewNotifier creates a notifier. Wire it to the bus with Register.
func NewNotifier(opts Options, logger arbor.ILogger) *Notifier {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	return &Notifier{
		client:       &http.Client{Timeout: opts.AttemptTimeout},
		secret:       opts.Secret,
		maxRetries:   opts.MaxRetries,
		logger:       logger,
		onDelivery:   opts.OnDelivery,
		lastProgress: make(map[string]time.Time),
		closed:       make(chan struct{}),
	}
}

// Register subscribes the notifier to every job lifecycle event type.
func (n *Notifier) Register(bus interfaces.EventService) error {
	for _, et := range []interfaces.EventType{
		interfaces.EventJobStarted,
		interfaces.EventJobProgress,
		interfaces.EventJobCompleted,
		interfaces.EventJobFailed,
		interfaces.EventJobCancelled,
	} {
		if err := bus.Subscribe(et, n.handleEvent); err != nil {
			return err
		}
	}
	return nil
}

// Close waits for in-flight deliveries to drain.
func (n *Notifier) Close() {
	close(n.closed)
	n.wg.Wait()
}

func (n *Notifier) handleEvent(ctx context.Context, event interfaces.Event) error {
	je, ok := event.Payload.(interfaces.JobEvent)
	if !ok || je.Job == nil {
		return nil
	}
	if je.Job.Payload.WebhookURL == "" {
		return nil
	}

	name := eventName(event.Type)
	if name == "" {
		return nil
	}

	if name == models.EventDownloadProgress && n.throttled(je.Job.ID) {
		return nil
	}

	body, err := json.Marshal(models.WebhookEvent{
		Event:     name,
		Timestamp: time.Now().UTC(),
		JobID:     je.Job.ID,
		Data:      je.Data,
	})
	if err != nil {
		return err
	}

	secret := je.Job.Payload.WebhookSecret
	if secret == "" {
		secret = n.secret
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(je.Job.Payload.WebhookURL, secret, name, je.Job.ID, body)
	}()
	return nil
}

// throttled suppresses a progress event when the previous one for the same
// job was sent less than a second ago. Terminal events never pass through
// here.
func (n *Notifier) throttled(jobID string) bool {
	now := time.Now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastProgress[jobID]; ok && now.Sub(last) < progressMinInterval {
		return true
	}
	n.lastProgress[jobID] = now
	return false
}

// ForgetJob drops throttle state for a finished job.
func (n *Notifier) ForgetJob(jobID string) {
	n.mu.Lock()
	delete(n.lastProgress, jobID)
	n.mu.Unlock()
}

// deliver posts the body with retries. Connection errors and 5xx responses
// retry with 1s, 2s, 4s backoff; 4xx is terminal.
func (n *Notifier) deliver(target, secret, event, jobID string, body []byte) {
	safeURL := sanitizeURL(target)

	for attempt := 0; ; attempt++ {
		err := n.post(target, secret, body)
		if err == nil {
			n.logger.Debug().
				Str("job_id", jobID).
				Str("event", event).
				Str("url", safeURL).
				Int("attempt", attempt+1).
				Msg("Webhook delivered")
			if n.onDelivery != nil {
				n.onDelivery("delivered")
			}
			return
		}

		if _, permanent := err.(*permanentError); permanent || attempt >= n.maxRetries {
			n.logger.Warn().
				Err(err).
				Str("job_id", jobID).
				Str("event", event).
				Str("url", safeURL).
				Int("attempts", attempt+1).
				Msg("Webhook delivery abandoned")
			if n.onDelivery != nil {
				n.onDelivery("abandoned")
			}
			return
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		select {
		case <-time.After(backoff):
		case <-n.closed:
			return
		}
	}
}

type permanentError struct{ status int }

func (e *permanentError) Error() string {
	return fmt.Sprintf("webhook rejected with status %d", e.status)
}

func (n *Notifier) post(target, secret string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return &permanentError{status: 0}
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+Sign(secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &permanentError{status: resp.StatusCode}
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA-256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// sanitizeURL strips userinfo so credentials never reach the logs.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	return u.String()
}

func eventName(t interfaces.EventType) string {
	switch t {
	case interfaces.EventJobStarted:
		return models.EventDownloadStarted
	case interfaces.EventJobProgress:
		return models.EventDownloadProgress
	case interfaces.EventJobCompleted:
		return models.EventDownloadCompleted
	case interfaces.EventJobFailed, interfaces.EventJobCancelled:
		return models.EventDownloadFailed
	default:
		return ""
	}
}
