package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/interfaces"
	"github.com/ternarybob/capto/internal/models"
)

// Callback executes one job. It returns the produced result or a typed
// error; the worker owns all state transitions around it.
type Callback func(ctx context.Context, job *models.Job) (*models.Result, error)

// FinishHook observes the fresh job snapshot right after the pool applies a
// terminal transition.
type FinishHook func(job *models.Job)

type item struct {
	jobID    string
	callback Callback
}

// Config sizes the pool. MaxConcurrent must be >= Workers.
type Config struct {
	Workers        int
	MaxConcurrent  int
	QueueSize      int
	DefaultTimeout time.Duration
}

// Pool is the bounded FIFO job queue and its workers. Submissions beyond the
// queue bound are rejected synchronously; cancellation is cooperative via
// per-job contexts.
type Pool struct {
	store  interfaces.JobStore
	logger arbor.ILogger
	cfg    Config

	queue chan item
	// slots reserves queue capacity before the job record exists, so a
	// saturated queue rejects without creating a record.
	slots chan struct{}
	sem   chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool

	onFinish FinishHook

	// runCtx signals the workers to drain and exit; job contexts are
	// independent of it so shutdown can honor the grace period.
	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool. Call Start before submitting.
func NewPool(store interfaces.JobStore, cfg Config, logger arbor.ILogger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxConcurrent < cfg.Workers {
		cfg.MaxConcurrent = cfg.Workers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 100
	}

	runCtx, stop := context.WithCancel(context.Background())
	return &Pool{
		store:   store,
		logger:  logger,
		cfg:     cfg,
		queue:   make(chan item, cfg.QueueSize),
		slots:   make(chan struct{}, cfg.QueueSize),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		cancels: make(map[string]context.CancelFunc),
		runCtx:  runCtx,
		stop:    stop,
	}
}

// SetFinishHook registers fn to run after every terminal transition the pool
// applies. Set it before any job is submitted.
func (p *Pool) SetFinishHook(fn FinishHook) {
	p.onFinish = fn
}

// Start launches the workers.
func (p *Pool) Start() {
	p.logger.Info().
		Int("workers", p.cfg.Workers).
		Int("max_concurrent", p.cfg.MaxConcurrent).
		Int("queue_size", p.cfg.QueueSize).
		Msg("Starting worker pool")

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit creates a job in QUEUED and enqueues it. A full queue rejects with
// QUEUE_FULL before any record is created.
func (p *Pool) Submit(payload models.DownloadRequest, kind models.JobKind, parentBatchID string, cb Callback) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", models.NewError(models.ErrQueueFull, "engine is shutting down")
	}
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	default:
		return "", models.NewError(models.ErrQueueFull,
			"queue is full (%d jobs pending)", p.cfg.QueueSize)
	}

	id := p.store.Create(payload, kind, parentBatchID)
	p.queue <- item{jobID: id, callback: cb}

	p.logger.Info().
		Str("job_id", id).
		Str("kind", string(kind)).
		Msg("Job enqueued")

	return id, nil
}

// Cancel signals cancellation. QUEUED jobs transition immediately; RUNNING
// jobs are signalled and the worker finishes the transition. Returns false
// when the job is unknown or already terminal.
func (p *Pool) Cancel(jobID string) bool {
	job := p.store.Get(jobID)
	if job == nil || job.IsTerminal() {
		return false
	}

	if p.store.Transition(jobID, models.StateQueued, models.StateCancelled, nil) {
		p.store.AppendLog(jobID, "info", "Cancelled while queued")
		p.logger.Info().Str("job_id", jobID).Msg("Queued job cancelled")
		p.notifyFinish(jobID)
		return true
	}

	p.mu.Lock()
	cancel, ok := p.cancels[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
		p.logger.Info().Str("job_id", jobID).Msg("Running job signalled to cancel")
		return true
	}
	return false
}

// Shutdown stops accepting jobs, drains the queued backlog as cancelled and
// lets running work finish within grace; only jobs still running past the
// grace window are cancelled. Job contexts do not descend from runCtx, so
// stopping the workers leaves running work untouched.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.logger.Info().Str("grace", grace.String()).Msg("Worker pool shutting down")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	p.stop()

	select {
	case <-done:
	case <-time.After(grace):
		p.mu.Lock()
		for id, cancel := range p.cancels {
			p.logger.Warn().Str("job_id", id).Msg("Cancelling job past shutdown grace")
			cancel()
		}
		p.mu.Unlock()
		<-done
	}

	p.logger.Info().Msg("Worker pool stopped")
}

// QueueDepth reports the number of jobs waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// ActiveCount reports the number of jobs holding a concurrency slot.
func (p *Pool) ActiveCount() int {
	return len(p.sem)
}

func (p *Pool) worker(workerID int) {
	defer p.wg.Done()

	p.logger.Debug().Int("worker_id", workerID).Msg("Worker started")

	for {
		select {
		case <-p.runCtx.Done():
			// Mark whatever is still queued as cancelled, then exit.
			for {
				select {
				case it := <-p.queue:
					<-p.slots
					p.drainCancelled(it)
				default:
					p.logger.Debug().Int("worker_id", workerID).Msg("Worker stopping")
					return
				}
			}
		case it := <-p.queue:
			<-p.slots
			if p.runCtx.Err() != nil {
				p.drainCancelled(it)
				continue
			}
			p.process(workerID, it)
		}
	}
}

// drainCancelled marks a job left in the queue at shutdown as cancelled.
func (p *Pool) drainCancelled(it item) {
	if p.store.Transition(it.jobID, models.StateQueued, models.StateCancelled, nil) {
		p.store.AppendLog(it.jobID, "info", "Cancelled at shutdown")
		p.notifyFinish(it.jobID)
	}
}

func (p *Pool) process(workerID int, it item) {
	job := p.store.Get(it.jobID)
	if job == nil || job.IsTerminal() {
		// Cancelled while queued.
		return
	}

	// A non-positive timeout means no deadline. The context is rooted at
	// Background, not runCtx: shutdown must not cancel running work before
	// its grace period elapses.
	timeout := job.Payload.Timeout(p.cfg.DefaultTimeout)
	var jobCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		jobCtx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		jobCtx, cancel = context.WithCancel(context.Background())
	}

	// Registered before the RUNNING transition so Cancel always finds a
	// cancel func once the job reports RUNNING.
	p.mu.Lock()
	p.cancels[it.jobID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, it.jobID)
		p.mu.Unlock()
		cancel()
	}()

	if !p.store.Transition(it.jobID, models.StateQueued, models.StateRunning, nil) {
		return
	}
	p.store.AppendLog(it.jobID, "info", fmt.Sprintf("Job started on worker %d", workerID))

	p.logger.Info().
		Int("worker_id", workerID).
		Str("job_id", it.jobID).
		Msg("Processing job")

	p.sem <- struct{}{}
	result, err := p.invoke(jobCtx, it, p.store.Get(it.jobID))
	<-p.sem

	p.finish(it.jobID, result, err)
}

// invoke runs the callback with panic capture; a panicking callback fails
// the job, never the worker.
func (p *Pool) invoke(ctx context.Context, it item, job *models.Job) (result *models.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("job_id", it.jobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("Job callback panicked")
			p.store.AppendLog(it.jobID, "error", fmt.Sprintf("panic: %v", r))
			err = models.NewError(models.ErrInternal, "job panicked: %v", r)
		}
	}()
	return it.callback(ctx, job)
}

// finish applies the terminal transition for the callback outcome.
func (p *Pool) finish(jobID string, result *models.Result, err error) {
	if err == nil {
		if p.store.Transition(jobID, models.StateRunning, models.StateCompleted,
			&interfaces.TransitionPatch{Result: result}) {
			p.store.AppendLog(jobID, "info", "Job completed")
			p.logger.Info().Str("job_id", jobID).Msg("Job completed")
			p.notifyFinish(jobID)
		}
		return
	}

	code := models.CodeOf(err)
	var typed *models.Error
	if e, ok := err.(*models.Error); ok {
		typed = e
	} else {
		typed = models.NewError(code, "%s", err.Error())
	}

	switch code {
	case models.ErrCancelled:
		// Plain cancellation carries no error record.
		if p.store.Transition(jobID, models.StateRunning, models.StateCancelled, nil) {
			p.store.AppendLog(jobID, "info", "Job cancelled")
			p.logger.Info().Str("job_id", jobID).Msg("Job cancelled")
			p.notifyFinish(jobID)
		}
	case models.ErrTimeout:
		// Deadline expiry is a cancellation that records why.
		if p.store.Transition(jobID, models.StateRunning, models.StateCancelled,
			&interfaces.TransitionPatch{Error: typed}) {
			p.store.AppendLog(jobID, "error", typed.Message)
			p.logger.Warn().Str("job_id", jobID).Msg("Job timed out")
			p.notifyFinish(jobID)
		}
	default:
		if p.store.Transition(jobID, models.StateRunning, models.StateFailed,
			&interfaces.TransitionPatch{Error: typed}) {
			p.store.AppendLog(jobID, "error", typed.Message)
			p.logger.Error().Err(err).Str("job_id", jobID).Msg("Job failed")
			p.notifyFinish(jobID)
		}
	}
}

// notifyFinish hands the post-transition snapshot to the finish hook.
func (p *Pool) notifyFinish(jobID string) {
	if p.onFinish == nil {
		return
	}
	if job := p.store.Get(jobID); job != nil {
		p.onFinish(job)
	}
}
