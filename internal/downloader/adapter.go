package downloader

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/interfaces"
	"github.com/ternarybob/capto/internal/models"
	"github.com/ternarybob/capto/internal/validation"
)

const (
	defaultProgressTimeout = 5 * time.Minute
	defaultGracePeriod     = 5 * time.Second

	// playlistTemplate relies on yt-dlp's own sanitization for per-item
	// names; the enclosing directory is ours.
	playlistTemplate = "%(playlist_index)03d - %(title).150B [%(id)s].%(ext)s"
)

// LogSink receives subprocess output lines attributed to a job.
type LogSink func(jobID, level, message string)

// Options configures the adapter.
type Options struct {
	BinaryPath      string
	StorageRoot     string
	ProgressTimeout time.Duration
	GracePeriod     time.Duration
}

// Adapter invokes the external downloader as a subprocess. Arguments are
// always an argv array; cancellation terminates the process gracefully first
// and removes partial artifacts.
type Adapter struct {
	binary          string
	root            string
	progressTimeout time.Duration
	grace           time.Duration
	logSink         LogSink
	logger          arbor.ILogger
}

// NewAdapter creates an adapter. logSink may be nil.
func NewAdapter(opts Options, logSink LogSink, logger arbor.ILogger) *Adapter {
	if opts.BinaryPath == "" {
		opts.BinaryPath = "yt-dlp"
	}
	if opts.ProgressTimeout <= 0 {
		opts.ProgressTimeout = defaultProgressTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if logSink == nil {
		logSink = func(string, string, string) {}
	}
	return &Adapter{
		binary:          opts.BinaryPath,
		root:            opts.StorageRoot,
		progressTimeout: opts.ProgressTimeout,
		grace:           opts.GracePeriod,
		logSink:         logSink,
		logger:          logger,
	}
}

var _ interfaces.Downloader = (*Adapter)(nil)

// Download runs the external tool to completion. It owns in.Progress and
// closes it when the invocation ends on any path.
func (a *Adapter) Download(ctx context.Context, in interfaces.DownloadInput) (*models.Result, error) {
	defer close(in.Progress)

	plan, err := a.plan(ctx, in)
	if err != nil {
		return nil, err
	}

	args := downloadArgs(in.Request, in.Kind, plan.outputTemplate, in.CookiesPath)
	if plan.multiItem {
		args = append([]string{"--restrict-filenames"}, args...)
	}

	if err := a.execute(ctx, in, args, plan); err != nil {
		a.removePartials(plan)
		return nil, err
	}

	return a.collect(plan)
}

// downloadPlan fixes the output locations before the subprocess starts so
// cleanup knows what to remove.
type downloadPlan struct {
	// outputTemplate is the absolute yt-dlp -o value.
	outputTemplate string
	// relNoExt is the slash-separated relative path without extension for
	// single-item downloads; empty for multi-item.
	relNoExt string
	// dirRel is the relative output directory for multi-item downloads.
	dirRel string
	// title and durationSec come from pre-download metadata.
	title       string
	durationSec float64
	multiItem   bool
	totalItems  int
	tracker     *progressTracker
}

func (a *Adapter) plan(ctx context.Context, in interfaces.DownloadInput) (*downloadPlan, error) {
	switch in.Kind {
	case models.KindPlaylist, models.KindChannel:
		entries, err := a.ListEntries(ctx, in.Request.URL, in.Request.Filters)
		if err != nil {
			return nil, err
		}

		dirRel := in.JobID
		abs, err := validation.ResolveOutputPath(a.root, dirRel)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return nil, models.WrapError(models.ErrInternal, err, "failed to create output directory")
		}
		return &downloadPlan{
			outputTemplate: filepath.Join(abs, playlistTemplate),
			dirRel:         dirRel,
			multiItem:      true,
			totalItems:     len(entries),
			tracker:        &progressTracker{totalItems: len(entries)},
		}, nil

	default:
		meta, err := a.ExtractMetadata(ctx, in.Request.URL)
		if err != nil {
			return nil, err
		}

		// {ext} stays a yt-dlp placeholder; everything else is expanded
		// and sanitized here.
		rel := validation.ExpandTemplate(in.Request.PathTemplate, validation.TemplateVars{
			ID:       meta.ID,
			Title:    meta.Title,
			Ext:      "%(ext)s",
			Uploader: meta.Uploader,
			Date:     meta.UploadDate,
		})

		abs, err := validation.ResolveOutputPath(a.root, rel)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, models.WrapError(models.ErrInternal, err, "failed to create output directory")
		}

		return &downloadPlan{
			outputTemplate: abs,
			relNoExt:       strings.TrimSuffix(rel, ".%(ext)s"),
			title:          meta.Title,
			durationSec:    meta.DurationSec,
			tracker:        &progressTracker{},
		}, nil
	}
}

// execute runs the subprocess, streaming progress and logs, honouring
// cancellation, deadline and the stall watchdog.
func (a *Adapter) execute(ctx context.Context, in interfaces.DownloadInput, args []string, plan *downloadPlan) error {
	cmd := exec.Command(a.binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return models.WrapError(models.ErrSpawnFailed, err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return models.WrapError(models.ErrSpawnFailed, err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return models.WrapError(models.ErrSpawnFailed, err, "failed to start %s", a.binary)
	}

	a.logger.Debug().
		Str("job_id", in.JobID).
		Str("binary", a.binary).
		Int("pid", cmd.Process.Pid).
		Msg("Downloader started")

	// activity is poked on every progress line; the watchdog kills the
	// subprocess when it goes quiet for progressTimeout.
	activity := make(chan struct{}, 1)
	var killErr *models.Error
	var killMu sync.Mutex
	setKill := func(e *models.Error) {
		killMu.Lock()
		if killErr == nil {
			killErr = e
		}
		killMu.Unlock()
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()

	go func() {
		timer := time.NewTimer(a.progressTimeout)
		defer timer.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-activity:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(a.progressTimeout)
			case <-timer.C:
				setKill(models.NewError(models.ErrStallTimeout,
					"no progress within %s", a.progressTimeout))
				a.terminate(cmd)
				return
			case <-ctx.Done():
				setKill(ctxError(ctx))
				a.terminate(cmd)
				return
			}
		}
	}()

	var lastErrLine string
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			p, ok := parseProgressLine(line)
			if !ok {
				if strings.TrimSpace(line) != "" {
					a.logSink(in.JobID, "info", line)
				}
				continue
			}
			select {
			case activity <- struct{}{}:
			default:
			}
			if agg, emit := plan.tracker.observe(p); emit {
				select {
				case in.Progress <- agg:
				case <-ctx.Done():
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			level := "info"
			if strings.HasPrefix(line, "ERROR") {
				level = "error"
				lastErrLine = line
			} else if strings.HasPrefix(line, "WARNING") {
				level = "warn"
			}
			a.logSink(in.JobID, level, line)
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	stopWatch()

	killMu.Lock()
	ke := killErr
	killMu.Unlock()
	if ke != nil {
		return ke
	}
	if waitErr != nil {
		msg := lastErrLine
		if msg == "" {
			msg = waitErr.Error()
		}
		return models.NewError(models.ErrNonZeroExit, "downloader failed: %s", firstLine(msg))
	}
	return nil
}

// terminate asks the subprocess to exit, then force-kills after the grace
// period.
func (a *Adapter) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		cmd.Process.Kill()
		return
	}

	go func() {
		time.Sleep(a.grace)
		// Kill is a no-op once the process has exited.
		cmd.Process.Kill()
		a.logger.Debug().Int("pid", pid).Msg("Downloader force-killed after grace period")
	}()
}

// collect locates the produced artifacts and builds the result record.
func (a *Adapter) collect(plan *downloadPlan) (*models.Result, error) {
	if plan.multiItem {
		dirAbs := filepath.Join(a.root, filepath.FromSlash(plan.dirRel))
		var size int64
		count := 0
		filepath.Walk(dirAbs, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() || strings.HasSuffix(path, ".part") {
				return nil
			}
			size += info.Size()
			count++
			return nil
		})
		if count == 0 {
			return nil, models.NewError(models.ErrOutputMissing, "downloader produced no files")
		}
		return &models.Result{
			RelativePath: plan.dirRel,
			SizeBytes:    size,
			Title:        plan.title,
			Format:       "playlist",
		}, nil
	}

	pattern := filepath.Join(a.root, filepath.FromSlash(plan.relNoExt)) + ".*"
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "failed to locate output")
	}

	var best string
	var bestSize int64
	for _, m := range matches {
		if strings.HasSuffix(m, ".part") || strings.HasSuffix(m, ".ytdl") {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Size() >= bestSize {
			best, bestSize = m, info.Size()
		}
	}
	if best == "" {
		return nil, models.NewError(models.ErrOutputMissing, "downloader reported success but produced no file")
	}

	rel, err := filepath.Rel(a.root, best)
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "failed to relativize output path")
	}

	return &models.Result{
		RelativePath: filepath.ToSlash(rel),
		SizeBytes:    bestSize,
		Title:        plan.title,
		DurationSec:  plan.durationSec,
		Format:       strings.TrimPrefix(filepath.Ext(best), "."),
	}, nil
}

// removePartials deletes whatever the failed or cancelled invocation left
// behind.
func (a *Adapter) removePartials(plan *downloadPlan) {
	if plan.multiItem {
		dirAbs := filepath.Join(a.root, filepath.FromSlash(plan.dirRel))
		if err := os.RemoveAll(dirAbs); err != nil {
			a.logger.Warn().Err(err).Str("dir", plan.dirRel).Msg("Failed to remove partial output directory")
		}
		return
	}

	pattern := filepath.Join(a.root, filepath.FromSlash(plan.relNoExt)) + ".*"
	matches, _ := filepath.Glob(pattern)
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			a.logger.Warn().Err(err).Str("path", m).Msg("Failed to remove partial artifact")
		}
	}
}
