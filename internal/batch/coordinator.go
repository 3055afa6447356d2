package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/common"
	"github.com/ternarybob/capto/internal/interfaces"
	"github.com/ternarybob/capto/internal/models"
	"github.com/ternarybob/capto/internal/queue"
)

// JobRunner is the slice of the worker pool the coordinator needs.
type JobRunner interface {
	Submit(payload models.DownloadRequest, kind models.JobKind, parentBatchID string, cb queue.Callback) (string, error)
	Cancel(jobID string) bool
}

type batchState struct {
	batch   models.Batch
	sem     chan struct{}
	stopped bool
}

// Coordinator composes N single-URL jobs into one batch with aggregated
// state, a per-batch concurrency cap and a partial-failure policy.
type Coordinator struct {
	store  interfaces.JobStore
	runner JobRunner
	bus    interfaces.EventService
	logger arbor.ILogger

	mu      sync.Mutex
	batches map[string]*batchState
}

// NewCoordinator creates a coordinator.
func NewCoordinator(store interfaces.JobStore, runner JobRunner, bus interfaces.EventService, logger arbor.ILogger) *Coordinator {
	return &Coordinator{
		store:   store,
		runner:  runner,
		bus:     bus,
		logger:  logger,
		batches: make(map[string]*batchState),
	}
}

// Create registers the batch and submits one child per URL. Children run
// through the shared pool but at most ConcurrencyCap of them do adapter work
// at once. When any child cannot be enqueued the whole batch is rolled back.
func (c *Coordinator) Create(req models.BatchRequest, child queue.Callback) (*models.Batch, error) {
	if len(req.URLs) == 0 || len(req.URLs) > 100 {
		return nil, models.NewError(models.ErrValidation, "batch must contain between 1 and 100 urls")
	}
	if req.ConcurrencyCap < 1 || req.ConcurrencyCap > 10 {
		return nil, models.NewError(models.ErrValidation, "concurrency_cap must be between 1 and 10")
	}
	if req.Policy != models.PolicyStopOnError && req.Policy != models.PolicyContinueOnError {
		return nil, models.NewError(models.ErrValidation, "policy must be stop_on_error or continue_on_error")
	}

	id := common.NewBatchID()
	st := &batchState{
		batch: models.Batch{
			ID:             id,
			State:          models.StateRunning,
			Policy:         req.Policy,
			ConcurrencyCap: req.ConcurrencyCap,
			CreatedAt:      time.Now().UTC(),
		},
		sem: make(chan struct{}, req.ConcurrencyCap),
	}

	c.mu.Lock()
	c.batches[id] = st
	c.mu.Unlock()

	for _, url := range req.URLs {
		payload := req.SharedOptions
		payload.URL = url

		childID, err := c.runner.Submit(payload, models.KindBatchChild, id, c.wrap(id, child))
		if err != nil {
			c.rollback(id)
			return nil, err
		}

		c.mu.Lock()
		st.batch.ChildIDs = append(st.batch.ChildIDs, childID)
		c.mu.Unlock()
	}

	c.logger.Info().
		Str("batch_id", id).
		Int("children", len(req.URLs)).
		Str("policy", string(req.Policy)).
		Msg("Batch created")

	if status, err := c.Status(id, false); err == nil {
		c.bus.Publish(context.Background(), interfaces.Event{
			Type:    interfaces.EventBatchCreated,
			Payload: interfaces.BatchEvent{Status: status},
		})
	}

	return c.snapshot(id), nil
}

// wrap gates the child callback on the batch semaphore and drives
// aggregation when the child finishes.
func (c *Coordinator) wrap(batchID string, inner queue.Callback) queue.Callback {
	return func(ctx context.Context, job *models.Job) (*models.Result, error) {
		c.mu.Lock()
		st, ok := c.batches[batchID]
		c.mu.Unlock()
		if !ok {
			return nil, models.NewError(models.ErrCancelled, "batch no longer exists")
		}

		select {
		case st.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, models.NewError(models.ErrCancelled, "cancelled before batch slot acquired")
		}
		defer func() { <-st.sem }()

		c.mu.Lock()
		stopped := st.stopped
		c.mu.Unlock()
		if stopped {
			return nil, models.NewError(models.ErrCancelled, "batch stopped after earlier failure")
		}

		// The terminal transition happens in the worker after this callback
		// returns, so aggregation waits for it in the background. The stop
		// policy however must fire before the worker dequeues the next
		// child, hence synchronously below.
		defer func() {
			if r := recover(); r != nil {
				c.applyStopPolicy(batchID)
				go c.onChildDone(batchID, job.ID)
				panic(r)
			}
			go c.onChildDone(batchID, job.ID)
		}()

		result, err := inner(ctx, job)
		if err != nil && isFailure(err) {
			c.applyStopPolicy(batchID)
		}
		return result, err
	}
}

// isFailure reports whether the callback outcome will land the child in
// FAILED rather than CANCELLED.
func isFailure(err error) bool {
	code := models.CodeOf(err)
	return code != models.ErrCancelled && code != models.ErrTimeout
}

// onChildDone waits for the child's terminal transition, applies the
// failure policy and finalizes the batch once every child is terminal.
func (c *Coordinator) onChildDone(batchID, childID string) {
	c.awaitTerminal(childID)

	child := c.store.Get(childID)
	if child != nil && child.State == models.StateFailed {
		c.applyStopPolicy(batchID)
	}

	c.tryFinalize(batchID)
}

// awaitTerminal polls briefly for the worker's terminal CAS on the child.
func (c *Coordinator) awaitTerminal(childID string) {
	for i := 0; i < 100; i++ {
		if j := c.store.Get(childID); j == nil || j.IsTerminal() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (c *Coordinator) applyStopPolicy(batchID string) {
	c.mu.Lock()
	st, ok := c.batches[batchID]
	if !ok || st.batch.Policy != models.PolicyStopOnError || st.stopped {
		c.mu.Unlock()
		return
	}
	st.stopped = true
	children := append([]string(nil), st.batch.ChildIDs...)
	c.mu.Unlock()

	c.logger.Info().Str("batch_id", batchID).Msg("Child failed, cancelling remaining queued children")

	for _, id := range children {
		if j := c.store.Get(id); j != nil && j.State == models.StateQueued {
			c.runner.Cancel(id)
		}
	}
}

// tryFinalize transitions the batch to its terminal state once all children
// are terminal: COMPLETED iff every child completed, else FAILED.
func (c *Coordinator) tryFinalize(batchID string) {
	status, err := c.Status(batchID, false)
	if err != nil || status.State.IsTerminal() {
		return
	}
	total := len(status.ChildIDs)
	terminal := status.Completed + status.Failed + status.Cancelled
	if total == 0 || terminal < total {
		return
	}

	final := models.StateFailed
	if status.Completed == total {
		final = models.StateCompleted
	}

	c.mu.Lock()
	st, ok := c.batches[batchID]
	if !ok || st.batch.State.IsTerminal() {
		c.mu.Unlock()
		return
	}
	st.batch.State = final
	now := time.Now().UTC()
	st.batch.CompletedAt = &now
	c.mu.Unlock()

	c.logger.Info().
		Str("batch_id", batchID).
		Str("state", string(final)).
		Int("completed", status.Completed).
		Int("failed", status.Failed).
		Int("cancelled", status.Cancelled).
		Msg("Batch finished")

	if status, err := c.Status(batchID, false); err == nil {
		c.bus.Publish(context.Background(), interfaces.Event{
			Type:    interfaces.EventBatchFinished,
			Payload: interfaces.BatchEvent{Status: status},
		})
	}
}

// Status aggregates child snapshots into the batch view.
func (c *Coordinator) Status(batchID string, includeChildren bool) (*models.BatchStatus, error) {
	b := c.snapshot(batchID)
	if b == nil {
		return nil, models.NewError(models.ErrNotFound, "batch not found: %s", batchID)
	}

	status := &models.BatchStatus{Batch: *b}
	var percentSum float64
	for _, id := range b.ChildIDs {
		child := c.store.Get(id)
		if child == nil {
			continue
		}
		switch child.State {
		case models.StateQueued:
			status.Queued++
		case models.StateRunning:
			status.Running++
		case models.StateCompleted:
			status.Completed++
		case models.StateFailed:
			status.Failed++
		case models.StateCancelled:
			status.Cancelled++
		}
		percentSum += child.Progress.Percent
		if includeChildren {
			status.Children = append(status.Children, child)
		}
	}
	if n := len(b.ChildIDs); n > 0 {
		status.Percent = percentSum / float64(n)
	}
	return status, nil
}

// Cancel cancels every non-terminal child; the batch terminal state follows
// through normal aggregation.
func (c *Coordinator) Cancel(batchID string) error {
	b := c.snapshot(batchID)
	if b == nil {
		return models.NewError(models.ErrNotFound, "batch not found: %s", batchID)
	}

	c.mu.Lock()
	if st, ok := c.batches[batchID]; ok {
		st.stopped = true
	}
	c.mu.Unlock()

	for _, id := range b.ChildIDs {
		if j := c.store.Get(id); j != nil && !j.IsTerminal() {
			c.runner.Cancel(id)
		}
	}

	c.logger.Info().Str("batch_id", batchID).Msg("Batch cancellation requested")
	c.tryFinalize(batchID)
	return nil
}

// NotifyChildTerminal re-runs aggregation after a child reached a terminal
// state outside the callback path, e.g. an individual cancel while queued.
func (c *Coordinator) NotifyChildTerminal(batchID string) {
	c.tryFinalize(batchID)
}

// List returns the status of every known batch, newest first.
func (c *Coordinator) List() []*models.BatchStatus {
	c.mu.Lock()
	ids := make([]string, 0, len(c.batches))
	for id := range c.batches {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	out := make([]*models.BatchStatus, 0, len(ids))
	for _, id := range ids {
		if s, err := c.Status(id, false); err == nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// rollback cancels the partially created batch after a failed submission.
func (c *Coordinator) rollback(batchID string) {
	b := c.snapshot(batchID)
	if b == nil {
		return
	}
	c.mu.Lock()
	if st, ok := c.batches[batchID]; ok {
		st.stopped = true
	}
	c.mu.Unlock()

	for _, id := range b.ChildIDs {
		c.runner.Cancel(id)
	}

	c.mu.Lock()
	delete(c.batches, batchID)
	c.mu.Unlock()
}

func (c *Coordinator) snapshot(batchID string) *models.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.batches[batchID]
	if !ok {
		return nil
	}
	b := st.batch
	b.ChildIDs = append([]string(nil), st.batch.ChildIDs...)
	if st.batch.CompletedAt != nil {
		t := *st.batch.CompletedAt
		b.CompletedAt = &t
	}
	return &b
}
