package download

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/batch"
	"github.com/ternarybob/capto/internal/interfaces"
	"github.com/ternarybob/capto/internal/jobs"
	"github.com/ternarybob/capto/internal/models"
	"github.com/ternarybob/capto/internal/queue"
	"github.com/ternarybob/capto/internal/retention"
	"github.com/ternarybob/capto/internal/services/events"
	"github.com/ternarybob/capto/internal/vault"
)

type stubAdapter struct {
	mu         sync.Mutex
	downloadFn func(ctx context.Context, in interfaces.DownloadInput) (*models.Result, error)
	lastInput  interfaces.DownloadInput
}

func (a *stubAdapter) Download(ctx context.Context, in interfaces.DownloadInput) (*models.Result, error) {
	a.mu.Lock()
	a.lastInput = in
	fn := a.downloadFn
	a.mu.Unlock()
	defer close(in.Progress)
	if fn != nil {
		return fn(ctx, in)
	}
	return &models.Result{RelativePath: "out.mp4", SizeBytes: 1}, nil
}

func (a *stubAdapter) ExtractMetadata(ctx context.Context, url string) (*interfaces.MediaInfo, error) {
	return &interfaces.MediaInfo{ID: "vid1", Title: "stub"}, nil
}

func (a *stubAdapter) ListFormats(ctx context.Context, url string) ([]interfaces.FormatInfo, error) {
	return []interfaces.FormatInfo{{FormatID: "22", Extension: "mp4"}}, nil
}

func (a *stubAdapter) ListEntries(ctx context.Context, url string, filters *models.SelectionFilters) ([]interfaces.MediaInfo, error) {
	var out []interfaces.MediaInfo
	for i := 0; i < 7; i++ {
		out = append(out, interfaces.MediaInfo{ID: string(rune('a' + i))})
	}
	return out, nil
}

type capturedEvents struct {
	mu   sync.Mutex
	list []interfaces.Event
}

func (c *capturedEvents) handler(ctx context.Context, e interfaces.Event) error {
	c.mu.Lock()
	c.list = append(c.list, e)
	c.mu.Unlock()
	return nil
}

func (c *capturedEvents) types() []interfaces.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []interfaces.EventType
	for _, e := range c.list {
		out = append(out, e.Type)
	}
	return out
}

func (c *capturedEvents) find(et interfaces.EventType) (interfaces.JobEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.list {
		if e.Type == et {
			je, ok := e.Payload.(interfaces.JobEvent)
			return je, ok
		}
	}
	return interfaces.JobEvent{}, false
}

type fixture struct {
	svc     *Service
	store   *jobs.Store
	adapter *stubAdapter
	vault   *vault.Vault
	events  *capturedEvents
	root    string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := arbor.NewLogger()

	store := jobs.NewStore(logger)
	pool := queue.NewPool(store, queue.Config{Workers: 2, MaxConcurrent: 2, QueueSize: 20}, logger)
	pool.Start()
	t.Cleanup(func() { pool.Shutdown(2 * time.Second) })

	root := t.TempDir()
	sched := retention.NewScheduler(root, logger)
	sched.Start()
	t.Cleanup(sched.Stop)

	v, err := vault.New(filepath.Join(root, "cookies"), "", logger)
	require.NoError(t, err)

	bus := events.NewService(logger)
	captured := &capturedEvents{}
	for _, et := range []interfaces.EventType{
		interfaces.EventJobStarted, interfaces.EventJobProgress,
		interfaces.EventJobCompleted, interfaces.EventJobFailed,
		interfaces.EventJobCancelled,
	} {
		require.NoError(t, bus.Subscribe(et, captured.handler))
	}

	adapter := &stubAdapter{}
	coord := batch.NewCoordinator(store, pool, bus, logger)
	if opts.Retention == 0 {
		opts.Retention = time.Hour
	}
	svc := NewService(opts, store, pool, coord, v, adapter, sched, bus, logger)
	return &fixture{svc: svc, store: store, adapter: adapter, vault: v, events: captured, root: root}
}

// waitEvent polls for a published event: the terminal event fires just after
// the store transition, so observing the terminal state does not yet
// guarantee the event arrived.
func waitEvent(t *testing.T, c *capturedEvents, et interfaces.EventType) interfaces.JobEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if je, ok := c.find(et); ok {
			return je
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("event %s never published", et)
	return interfaces.JobEvent{}
}

func waitTerminal(t *testing.T, store *jobs.Store, id string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if j := store.Get(id); j != nil && j.IsTerminal() {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func TestServiceSingleLifecycle(t *testing.T) {
	f := newFixture(t, Options{})

	f.adapter.downloadFn = func(ctx context.Context, in interfaces.DownloadInput) (*models.Result, error) {
		in.Progress <- models.Progress{Percent: 50, DownloadedBytes: 512, TotalBytes: 1024}
		return &models.Result{RelativePath: "v1.mp4", SizeBytes: 1048576, Title: "v1"}, nil
	}

	id, err := f.svc.SubmitSingle(models.DownloadRequest{URL: "https://example.test/v/1"})
	require.NoError(t, err)

	job := waitTerminal(t, f.store, id)
	assert.Equal(t, models.StateCompleted, job.State)
	assert.Equal(t, float64(100), job.Progress.Percent)
	require.NotNil(t, job.Result)
	assert.Equal(t, int64(1048576), job.Result.SizeBytes)
	require.NotNil(t, job.Result.DeletionInstant)
	assert.True(t, job.Result.DeletionInstant.After(*job.CompletedAt))

	waitEvent(t, f.events, interfaces.EventJobCompleted)
	types := f.events.types()
	require.NotEmpty(t, types)
	assert.Equal(t, interfaces.EventJobStarted, types[0])
	assert.Contains(t, types, interfaces.EventJobProgress)
	assert.Equal(t, interfaces.EventJobCompleted, types[len(types)-1])
}

func TestServiceCompletedEventCarriesResult(t *testing.T) {
	f := newFixture(t, Options{})

	f.adapter.downloadFn = func(ctx context.Context, in interfaces.DownloadInput) (*models.Result, error) {
		return &models.Result{RelativePath: "clip.mp4", SizeBytes: 2048, Title: "clip"}, nil
	}

	id, err := f.svc.SubmitSingle(models.DownloadRequest{URL: "https://example.test/v"})
	require.NoError(t, err)
	waitTerminal(t, f.store, id)

	je := waitEvent(t, f.events, interfaces.EventJobCompleted)
	require.NotNil(t, je.Job)
	assert.Equal(t, models.StateCompleted, je.Job.State)
	require.NotNil(t, je.Job.Result, "completed event must carry the result")
	assert.Equal(t, int64(2048), je.Job.Result.SizeBytes)
	assert.Equal(t, "clip.mp4", je.Data["relative_path"])
	assert.Equal(t, int64(2048), je.Data["size_bytes"])
}

func TestServiceFailureEmitsFailedEvent(t *testing.T) {
	f := newFixture(t, Options{})

	f.adapter.downloadFn = func(ctx context.Context, in interfaces.DownloadInput) (*models.Result, error) {
		return nil, models.NewError(models.ErrNonZeroExit, "exit status 1")
	}

	id, err := f.svc.SubmitSingle(models.DownloadRequest{URL: "https://example.test/v"})
	require.NoError(t, err)

	job := waitTerminal(t, f.store, id)
	assert.Equal(t, models.StateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, models.ErrNonZeroExit, job.Error.Code)

	je := waitEvent(t, f.events, interfaces.EventJobFailed)
	assert.Equal(t, string(models.ErrNonZeroExit), je.Data["code"])
	assert.NotContains(t, f.events.types(), interfaces.EventJobCompleted)
}

func TestServicePanicFailsJobAndEmitsEvent(t *testing.T) {
	f := newFixture(t, Options{})

	f.adapter.downloadFn = func(ctx context.Context, in interfaces.DownloadInput) (*models.Result, error) {
		panic("adapter blew up")
	}

	id, err := f.svc.SubmitSingle(models.DownloadRequest{URL: "https://example.test/v"})
	require.NoError(t, err)

	job := waitTerminal(t, f.store, id)
	assert.Equal(t, models.StateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, models.ErrInternal, job.Error.Code)

	je := waitEvent(t, f.events, interfaces.EventJobFailed)
	assert.Equal(t, string(models.ErrInternal), je.Data["code"])
}

func TestServiceCredentialRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})

	jar := "# Netscape HTTP Cookie File\n.example.test\tTRUE\t/\tTRUE\t0\tSID\tsecret123\n"
	cookieID, err := f.vault.Put([]byte(jar), "test", "")
	require.NoError(t, err)

	var seenPath string
	var seenContent []byte
	f.adapter.downloadFn = func(ctx context.Context, in interfaces.DownloadInput) (*models.Result, error) {
		seenPath = in.CookiesPath
		seenContent, _ = os.ReadFile(in.CookiesPath)
		return &models.Result{RelativePath: "v.mp4"}, nil
	}

	id, err := f.svc.SubmitSingle(models.DownloadRequest{
		URL:       "https://example.test/v",
		CookiesID: cookieID,
	})
	require.NoError(t, err)
	waitTerminal(t, f.store, id)

	require.NotEmpty(t, seenPath)
	assert.Equal(t, jar, string(seenContent))

	// The plaintext temp file is removed once the job terminates.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(seenPath); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("plaintext cookie file %s still exists", seenPath)
}

func TestServiceUnknownCredentialFailsJob(t *testing.T) {
	f := newFixture(t, Options{})

	id, err := f.svc.SubmitSingle(models.DownloadRequest{
		URL:       "https://example.test/v",
		CookiesID: "cookie_missing",
	})
	require.NoError(t, err)

	job := waitTerminal(t, f.store, id)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, models.ErrNotFound, job.Error.Code)
}

func TestServiceRetentionDeletesArtifact(t *testing.T) {
	f := newFixture(t, Options{Retention: 200 * time.Millisecond})

	abs := filepath.Join(f.root, "v.mp4")
	f.adapter.downloadFn = func(ctx context.Context, in interfaces.DownloadInput) (*models.Result, error) {
		require.NoError(t, os.WriteFile(abs, []byte("data"), 0644))
		return &models.Result{RelativePath: "v.mp4", SizeBytes: 4}, nil
	}

	id, err := f.svc.SubmitSingle(models.DownloadRequest{URL: "https://example.test/v"})
	require.NoError(t, err)
	waitTerminal(t, f.store, id)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("artifact survived its retention instant")
}

func TestServiceValidation(t *testing.T) {
	f := newFixture(t, Options{AllowedDomains: []string{"example.test"}})

	_, err := f.svc.SubmitSingle(models.DownloadRequest{URL: "ftp://example.test/v"})
	assert.Equal(t, models.ErrValidation, models.CodeOf(err))

	_, err = f.svc.SubmitSingle(models.DownloadRequest{URL: "https://evil.test/v"})
	assert.Equal(t, models.ErrValidation, models.CodeOf(err))

	_, err = f.svc.SubmitSingle(models.DownloadRequest{
		URL:          "https://example.test/v",
		PathTemplate: "{bogus}.{ext}",
	})
	assert.Equal(t, models.ErrValidation, models.CodeOf(err))
}

func TestServiceCancelSemantics(t *testing.T) {
	f := newFixture(t, Options{})

	assert.Equal(t, models.ErrNotFound, models.CodeOf(f.svc.Cancel("job_missing")))

	id, err := f.svc.SubmitSingle(models.DownloadRequest{URL: "https://example.test/v"})
	require.NoError(t, err)
	waitTerminal(t, f.store, id)

	assert.Equal(t, models.ErrConflict, models.CodeOf(f.svc.Cancel(id)))
}

func TestServiceEntriesPagination(t *testing.T) {
	f := newFixture(t, Options{})

	page, total, err := f.svc.Entries(context.Background(), "https://example.test/playlist", nil, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, page, 3)

	page, total, err = f.svc.Entries(context.Background(), "https://example.test/playlist", nil, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Len(t, page, 1)

	page, _, err = f.svc.Entries(context.Background(), "https://example.test/playlist", nil, 9, 3)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestServiceBatchThroughCoordinator(t *testing.T) {
	f := newFixture(t, Options{})

	b, err := f.svc.SubmitBatch(models.BatchRequest{
		URLs:           []string{"https://example.test/1", "https://example.test/2"},
		ConcurrencyCap: 2,
		Policy:         models.PolicyContinueOnError,
	})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := f.svc.Batch(b.ID, false)
		require.NoError(t, err)
		if s.State.IsTerminal() {
			assert.Equal(t, models.StateCompleted, s.State)
			assert.Equal(t, 2, s.Completed)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("batch never finished")
}
