package download

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/batch"
	"github.com/ternarybob/capto/internal/interfaces"
	"github.com/ternarybob/capto/internal/models"
	"github.com/ternarybob/capto/internal/queue"
	"github.com/ternarybob/capto/internal/retention"
	"github.com/ternarybob/capto/internal/validation"
)

// Options carries the service-level knobs.
type Options struct {
	AllowedDomains []string
	Retention      time.Duration
}

// Service ties the lifecycle together: validation, credential resolution,
// queueing, adapter invocation, progress fan-out, retention scheduling and
// event emission.
type Service struct {
	opts      Options
	store     interfaces.JobStore
	pool      *queue.Pool
	coord     *batch.Coordinator
	vault     interfaces.CredentialVault
	adapter   interfaces.Downloader
	scheduler *retention.Scheduler
	bus       interfaces.EventService
	logger    arbor.ILogger

	mu      sync.Mutex
	handles map[string]retention.Handle
}

// NewService wires the lifecycle integrator.
func NewService(
	opts Options,
	store interfaces.JobStore,
	pool *queue.Pool,
	coord *batch.Coordinator,
	vault interfaces.CredentialVault,
	adapter interfaces.Downloader,
	scheduler *retention.Scheduler,
	bus interfaces.EventService,
	logger arbor.ILogger,
) *Service {
	s := &Service{
		opts:      opts,
		store:     store,
		pool:      pool,
		coord:     coord,
		vault:     vault,
		adapter:   adapter,
		scheduler: scheduler,
		bus:       bus,
		logger:    logger,
		handles:   make(map[string]retention.Handle),
	}
	// Terminal events fire from the pool's finish hook so subscribers always
	// observe the post-transition snapshot, result and error included.
	pool.SetFinishHook(s.jobFinished)
	return s
}

// SubmitSingle validates and enqueues a single-URL download.
func (s *Service) SubmitSingle(req models.DownloadRequest) (string, error) {
	return s.submit(req, models.KindSingle)
}

// SubmitPlaylist validates and enqueues a playlist download.
func (s *Service) SubmitPlaylist(req models.DownloadRequest) (string, error) {
	return s.submit(req, models.KindPlaylist)
}

// SubmitChannel validates and enqueues a channel download.
func (s *Service) SubmitChannel(req models.DownloadRequest) (string, error) {
	return s.submit(req, models.KindChannel)
}

func (s *Service) submit(req models.DownloadRequest, kind models.JobKind) (string, error) {
	if err := s.validate(req); err != nil {
		return "", err
	}
	return s.pool.Submit(req, kind, "", s.Run)
}

// SubmitBatch validates every URL and hands the batch to the coordinator.
func (s *Service) SubmitBatch(req models.BatchRequest) (*models.Batch, error) {
	for _, url := range req.URLs {
		if err := validation.ValidateURL(url, s.opts.AllowedDomains); err != nil {
			return nil, err
		}
	}
	// SharedOptions carries no URL of its own; the per-child URL is
	// substituted at dispatch. Only the template needs checking here.
	if err := validation.ValidateTemplate(req.SharedOptions.PathTemplate); err != nil {
		return nil, err
	}
	return s.coord.Create(req, s.Run)
}

func (s *Service) validate(req models.DownloadRequest) error {
	if err := validation.ValidateURL(req.URL, s.opts.AllowedDomains); err != nil {
		return err
	}
	return validation.ValidateTemplate(req.PathTemplate)
}

// Job returns the snapshot or NOT_FOUND.
func (s *Service) Job(id string) (*models.Job, error) {
	job := s.store.Get(id)
	if job == nil {
		return nil, models.NewError(models.ErrNotFound, "job not found: %s", id)
	}
	return job, nil
}

// Jobs lists snapshots by filter.
func (s *Service) Jobs(filter models.JobFilter) []*models.Job {
	return s.store.List(filter)
}

// Logs returns the job's log buffer or NOT_FOUND.
func (s *Service) Logs(id string) ([]models.LogEntry, error) {
	if s.store.Get(id) == nil {
		return nil, models.NewError(models.ErrNotFound, "job not found: %s", id)
	}
	return s.store.Logs(id), nil
}

// Cancel cancels a job. Terminal jobs report CONFLICT.
func (s *Service) Cancel(id string) error {
	job := s.store.Get(id)
	if job == nil {
		return models.NewError(models.ErrNotFound, "job not found: %s", id)
	}
	if job.IsTerminal() {
		return models.NewError(models.ErrConflict, "job %s is already %s", id, job.State)
	}

	s.pool.Cancel(id)

	if job.ParentBatchID != "" {
		// A child cancelled while queued reaches terminal without running
		// its callback, so the batch aggregation needs a nudge.
		go s.coord.NotifyChildTerminal(job.ParentBatchID)
	}
	return nil
}

// Batch returns the aggregate batch status.
func (s *Service) Batch(id string, includeChildren bool) (*models.BatchStatus, error) {
	return s.coord.Status(id, includeChildren)
}

// Batches lists all batches.
func (s *Service) Batches() []*models.BatchStatus {
	return s.coord.List()
}

// CancelBatch cancels every non-terminal child.
func (s *Service) CancelBatch(id string) error {
	return s.coord.Cancel(id)
}

// Metadata proxies metadata-only extraction.
func (s *Service) Metadata(ctx context.Context, url string) (*interfaces.MediaInfo, error) {
	if err := validation.ValidateURL(url, s.opts.AllowedDomains); err != nil {
		return nil, err
	}
	return s.adapter.ExtractMetadata(ctx, url)
}

// Formats proxies format listing.
func (s *Service) Formats(ctx context.Context, url string) ([]interfaces.FormatInfo, error) {
	if err := validation.ValidateURL(url, s.opts.AllowedDomains); err != nil {
		return nil, err
	}
	return s.adapter.ListFormats(ctx, url)
}

// Entries returns one page of a playlist or channel listing plus the total
// entry count.
func (s *Service) Entries(ctx context.Context, url string, filters *models.SelectionFilters, page, pageSize int) ([]interfaces.MediaInfo, int, error) {
	if err := validation.ValidateURL(url, s.opts.AllowedDomains); err != nil {
		return nil, 0, err
	}

	entries, err := s.adapter.ListEntries(ctx, url, filters)
	if err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= len(entries) {
		return []interfaces.MediaInfo{}, len(entries), nil
	}
	end := start + pageSize
	if end > len(entries) {
		end = len(entries)
	}
	return entries[start:end], len(entries), nil
}

// Run executes one job: resolve credentials, stream the adapter, schedule
// retention, emit the started and progress events. The terminal event is
// emitted by jobFinished once the worker applies the transition. Credential
// cleanup runs on every exit path.
func (s *Service) Run(ctx context.Context, job *models.Job) (*models.Result, error) {
	req := job.Payload

	cookiesPath := ""
	if req.CookiesID != "" {
		path, cleanup, err := s.vault.Resolve(req.CookiesID)
		if err != nil {
			return nil, err
		}
		cookiesPath = path
		defer cleanup()
	}

	s.emit(interfaces.EventJobStarted, job, map[string]interface{}{
		"url":  req.URL,
		"kind": string(job.Kind),
	})

	progress := make(chan models.Progress, 16)
	var fanout sync.WaitGroup
	fanout.Add(1)
	go func() {
		defer fanout.Done()
		for p := range progress {
			s.store.PatchProgress(job.ID, p)
			s.emit(interfaces.EventJobProgress, job, map[string]interface{}{
				"percent":          p.Percent,
				"downloaded_bytes": p.DownloadedBytes,
				"total_bytes":      p.TotalBytes,
				"speed_bps":        p.SpeedBPS,
				"eta_sec":          p.ETASec,
			})
		}
	}()

	result, err := s.adapter.Download(ctx, interfaces.DownloadInput{
		JobID:       job.ID,
		Kind:        job.Kind,
		Request:     req,
		CookiesPath: cookiesPath,
		Progress:    progress,
	})
	fanout.Wait()

	if err != nil {
		return nil, err
	}

	deletion := time.Now().Add(s.opts.Retention).UTC()
	result.DeletionInstant = &deletion

	handle := s.scheduler.Schedule(result.RelativePath, s.opts.Retention)
	s.mu.Lock()
	s.handles[job.ID] = handle
	s.mu.Unlock()

	return result, nil
}

// jobFinished emits the terminal event for a job the pool just transitioned.
// Running it from the finish hook covers every terminal path, including
// panics, timeouts and jobs cancelled while still queued.
func (s *Service) jobFinished(job *models.Job) {
	switch job.State {
	case models.StateCompleted:
		data := map[string]interface{}{}
		if r := job.Result; r != nil {
			data["relative_path"] = r.RelativePath
			data["size_bytes"] = r.SizeBytes
			data["title"] = r.Title
			data["format"] = r.Format
			if r.DeletionInstant != nil {
				data["deletion_instant"] = r.DeletionInstant.Format(time.RFC3339)
			}
		}
		s.emit(interfaces.EventJobCompleted, job, data)
	case models.StateFailed:
		s.emit(interfaces.EventJobFailed, job, errorData(job))
	case models.StateCancelled:
		s.emit(interfaces.EventJobCancelled, job, errorData(job))
	}
}

// errorData is nil for a plain cancellation, which records no error.
func errorData(job *models.Job) map[string]interface{} {
	if job.Error == nil {
		return nil
	}
	return map[string]interface{}{
		"code":    string(job.Error.Code),
		"message": job.Error.Message,
	}
}

// CancelRetention drops the scheduled deletion for a job's artifact, e.g.
// when the caller removed the file themselves.
func (s *Service) CancelRetention(jobID string) {
	s.mu.Lock()
	handle, ok := s.handles[jobID]
	if ok {
		delete(s.handles, jobID)
	}
	s.mu.Unlock()
	if ok {
		s.scheduler.Cancel(handle)
	}
}

// emit publishes synchronously so events for one job leave in order.
func (s *Service) emit(t interfaces.EventType, job *models.Job, data map[string]interface{}) {
	snap := s.store.Get(job.ID)
	if snap == nil {
		snap = job
	}
	if err := s.bus.PublishSync(context.Background(), interfaces.Event{
		Type:    t,
		Payload: interfaces.JobEvent{Job: snap, Data: data},
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Event publication failed")
	}
}
