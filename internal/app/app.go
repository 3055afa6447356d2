package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/batch"
	"github.com/ternarybob/capto/internal/common"
	"github.com/ternarybob/capto/internal/downloader"
	"github.com/ternarybob/capto/internal/handlers"
	"github.com/ternarybob/capto/internal/interfaces"
	"github.com/ternarybob/capto/internal/jobs"
	"github.com/ternarybob/capto/internal/metrics"
	"github.com/ternarybob/capto/internal/models"
	"github.com/ternarybob/capto/internal/queue"
	"github.com/ternarybob/capto/internal/retention"
	"github.com/ternarybob/capto/internal/services/download"
	"github.com/ternarybob/capto/internal/services/events"
	"github.com/ternarybob/capto/internal/vault"
	"github.com/ternarybob/capto/internal/webhook"
)

const purgeMaxAge = 24 * time.Hour

// App holds all application components and dependencies.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Core engine
	Store           interfaces.JobStore
	Pool            *queue.Pool
	Coordinator     *batch.Coordinator
	Vault           interfaces.CredentialVault
	Adapter         interfaces.Downloader
	Scheduler       *retention.Scheduler
	EventService    interfaces.EventService
	Notifier        *webhook.Notifier
	DownloadService *download.Service
	Metrics         *metrics.Metrics

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	DownloadHandler *handlers.DownloadHandler
	BatchHandler    *handlers.BatchHandler
	CookieHandler   *handlers.CookieHandler
	MediaHandler    *handlers.MediaHandler
	FileHandler     *handlers.FileHandler
	WSHandler       *handlers.WebSocketHandler

	cron *cron.Cron
}

// New initializes the application with all dependencies.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := os.MkdirAll(cfg.Storage.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	store := jobs.NewStore(logger)
	a.Store = store

	a.EventService = events.NewService(logger)

	v, err := vault.New(cfg.Vault.Dir, cfg.Vault.EncryptionKey, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential vault: %w", err)
	}
	a.Vault = v

	a.Adapter = downloader.NewAdapter(downloader.Options{
		BinaryPath:      cfg.Download.BinaryPath,
		StorageRoot:     cfg.Storage.Dir,
		ProgressTimeout: time.Duration(cfg.Download.ProgressTimeoutSec) * time.Second,
	}, store.AppendLog, logger)

	a.Scheduler = retention.NewScheduler(cfg.Storage.Dir, logger)

	a.Pool = queue.NewPool(store, queue.Config{
		Workers:        cfg.Queue.Workers,
		MaxConcurrent:  cfg.Queue.MaxConcurrent,
		QueueSize:      cfg.Queue.Size,
		DefaultTimeout: time.Duration(cfg.Download.DefaultTimeoutSec) * time.Second,
	}, logger)

	a.Coordinator = batch.NewCoordinator(store, a.Pool, a.EventService, logger)

	a.DownloadService = download.NewService(download.Options{
		AllowedDomains: cfg.Download.AllowedDomains,
		Retention:      time.Duration(cfg.Storage.RetentionHours) * time.Hour,
	}, store, a.Pool, a.Coordinator, a.Vault, a.Adapter, a.Scheduler, a.EventService, logger)

	a.Metrics = metrics.New(a.statsSnapshot)

	if cfg.Webhook.Enable {
		a.Notifier = webhook.NewNotifier(webhook.Options{
			Secret:         cfg.Webhook.Secret,
			MaxRetries:     cfg.Webhook.MaxRetries,
			AttemptTimeout: time.Duration(cfg.Webhook.TimeoutSec) * time.Second,
			OnDelivery: func(outcome string) {
				a.Metrics.WebhooksSent.WithLabelValues(outcome).Inc()
			},
		}, logger)
		if err := a.Notifier.Register(a.EventService); err != nil {
			return nil, fmt.Errorf("failed to register webhook notifier: %w", err)
		}
	}

	if err := a.subscribeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics subscribers: %w", err)
	}

	a.initHandlers()

	a.Pool.Start()
	a.Scheduler.Start()

	a.cron = cron.New()
	if _, err := a.cron.AddFunc("@hourly", a.purgeTerminalJobs); err != nil {
		return nil, fmt.Errorf("failed to schedule job purge: %w", err)
	}
	a.cron.Start()

	logger.Info().
		Str("storage_dir", cfg.Storage.Dir).
		Int("workers", cfg.Queue.Workers).
		Int("retention_hours", cfg.Storage.RetentionHours).
		Msg("Application initialized")

	return a, nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Store, a.Pool, a.Logger)
	a.DownloadHandler = handlers.NewDownloadHandler(a.DownloadService, a.Metrics, a.Logger)
	a.BatchHandler = handlers.NewBatchHandler(a.DownloadService, a.Metrics, a.Logger)
	a.CookieHandler = handlers.NewCookieHandler(a.Vault, nil, a.Logger)
	a.MediaHandler = handlers.NewMediaHandler(a.DownloadService, a.Logger)
	a.FileHandler = handlers.NewFileHandler(a.Config.Storage.Dir, a.Logger)

	ws, err := handlers.NewWebSocketHandler(a.EventService, a.Logger)
	if err != nil {
		// Subscribe only fails on a nil handler, which cannot happen here.
		a.Logger.Error().Err(err).Msg("Failed to initialize WebSocket handler")
	}
	a.WSHandler = ws
}

// subscribeMetrics feeds the terminal-state counters from the event bus.
func (a *App) subscribeMetrics() error {
	finished := func(state models.JobState) interfaces.EventHandler {
		return func(ctx context.Context, e interfaces.Event) error {
			a.Metrics.JobsFinished.WithLabelValues(string(state)).Inc()
			if je, ok := e.Payload.(interfaces.JobEvent); ok {
				if state == models.StateCompleted && je.Job != nil && je.Job.Result != nil {
					a.Metrics.BytesTotal.Add(float64(je.Job.Result.SizeBytes))
				}
				if a.Notifier != nil && je.Job != nil {
					a.Notifier.ForgetJob(je.Job.ID)
				}
			}
			return nil
		}
	}

	subs := map[interfaces.EventType]interfaces.EventHandler{
		interfaces.EventJobCompleted: finished(models.StateCompleted),
		interfaces.EventJobFailed:    finished(models.StateFailed),
		interfaces.EventJobCancelled: finished(models.StateCancelled),
	}
	for et, handler := range subs {
		if err := a.EventService.Subscribe(et, handler); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) statsSnapshot() metrics.Stats {
	byState := make(map[models.JobState]int)
	for _, job := range a.Store.List(models.JobFilter{}) {
		byState[job.State]++
	}
	return metrics.Stats{
		QueueDepth: a.Pool.QueueDepth(),
		Active:     a.Pool.ActiveCount(),
		ByState:    byState,
	}
}

// purgeTerminalJobs drops terminal job records older than 24 hours.
func (a *App) purgeTerminalJobs() {
	if removed := a.Store.PurgeOlderThan(purgeMaxAge); removed > 0 {
		a.Logger.Info().Int("removed", removed).Msg("Purged old terminal jobs")
	}
}

// Close shuts the engine down: stop intake, drain workers, stop timers.
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down application...")

	a.cron.Stop()
	a.Pool.Shutdown(30 * time.Second)
	a.Scheduler.Stop()
	if a.Notifier != nil {
		a.Notifier.Close()
	}
	a.EventService.Close()

	a.Logger.Info().Msg("Application stopped")
	return nil
}
