// Package executor runs archive jobs: it stops each selected stack, writes
// its archive, restarts it, prunes old archives and records the outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/MacJediWizard/stackarchiver/internal/archive"
	"github.com/MacJediWizard/stackarchiver/internal/docker"
	"github.com/MacJediWizard/stackarchiver/internal/joblog"
	"github.com/MacJediWizard/stackarchiver/internal/metrics"
	"github.com/MacJediWizard/stackarchiver/internal/models"
	"github.com/MacJediWizard/stackarchiver/internal/notifications"
	"github.com/MacJediWizard/stackarchiver/internal/offsite"
	"github.com/MacJediWizard/stackarchiver/internal/retention"
)

// Store persists jobs and metrics.
type Store interface {
	GetArchive(ctx context.Context, id uuid.UUID) (*models.ArchiveConfig, error)
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	AddStackMetric(ctx context.Context, m *models.JobStackMetric) error
	MarkArchiveDeleted(ctx context.Context, archivePath, deletedBy string) error
}

// Docker is the container runtime used to stop, start and pull stacks.
type Docker interface {
	IsRunning(ctx context.Context, composePath string) (bool, error)
	ComposeDown(ctx context.Context, composePath string) error
	ComposeUp(ctx context.Context, composePath string, noPull bool) error
	ComposePull(ctx context.Context, composePath string, inactivity time.Duration, onLine func(string)) (*docker.PullResult, error)
	MissingImages(ctx context.Context, composePath string) ([]string, error)
}

// StackResolver returns the runnable stacks of a selection.
type StackResolver interface {
	Resolve(ctx context.Context, selected []string) ([]models.DiscoveredStack, []models.DroppedStack, error)
}

// ArchiveWriter writes one stack directory to an artifact.
type ArchiveWriter interface {
	Create(ctx context.Context, srcDir, dest string, format models.OutputFormat) (*archive.Result, error)
}

// Uploader copies artifacts offsite.
type Uploader interface {
	Upload(ctx context.Context, localPath, rel string) (*offsite.Result, error)
}

// Notifier delivers the job report.
type Notifier interface {
	Send(ctx context.Context, msg notifications.Message) error
}

// Options are the executor's timeouts and paths.
type Options struct {
	ArchiveDir            string
	PullInactivityTimeout time.Duration
	MaxJobTimeout         time.Duration
	StackStopTimeout      time.Duration
	ArchiveWriteTimeout   time.Duration
	BaseURL               string
}

// Deps are the executor's collaborators. Uploader, Notifier, Bus and
// Metrics may be nil.
type Deps struct {
	Store    Store
	Docker   Docker
	Stacks   StackResolver
	Writer   ArchiveWriter
	Logs     *joblog.FileStore
	Bus      *joblog.Bus
	Uploader Uploader
	Notifier Notifier
	Metrics  *metrics.PrometheusMetrics
}

// Summary is the outcome of one run.
type Summary struct {
	Job       *models.Job
	Metrics   []*models.JobStackMetric
	Dropped   []models.DroppedStack
	Retention *retention.Result
}

// Executor runs archive jobs.
type Executor struct {
	deps    Deps
	opts    Options
	pruner  *retention.Pruner
	backoff func() retry.Backoff
	now     func() time.Time
	usage   func(path string) (*disk.UsageStat, error)
	logger  zerolog.Logger
}

// New creates an Executor.
func New(deps Deps, opts Options, logger zerolog.Logger) *Executor {
	if opts.MaxJobTimeout <= 0 {
		opts.MaxJobTimeout = 6 * time.Hour
	}
	if opts.StackStopTimeout <= 0 {
		opts.StackStopTimeout = 120 * time.Second
	}
	if opts.ArchiveWriteTimeout <= 0 {
		opts.ArchiveWriteTimeout = time.Hour
	}
	return &Executor{
		deps:   deps,
		opts:   opts,
		pruner: retention.NewPruner(deps.Store, logger),
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewExponential(2*time.Second))
		},
		now:    time.Now,
		usage:  disk.Usage,
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

// LogPath returns the log file a job will write.
func (e *Executor) LogPath(job *models.Job, cfg *models.ArchiveConfig) string {
	return e.deps.Logs.PathFor(job, cfg.Name, e.now())
}

// run is the state of one execution.
type run struct {
	job      *models.Job
	cfg      *models.ArchiveConfig
	log      *joblog.Writer
	phases   *phaseMachine
	dry      bool
	dryOpts  models.DryRunOptions
	deadline time.Time

	metrics   []*models.JobStackMetric
	dropped   []models.DroppedStack
	retention *retention.Result
	initFail  bool
	failed    int
	softFail  bool
	errs      []string
	cancelled bool
}

func (r *run) info(format string, args ...interface{}) {
	_ = r.log.Logf(joblog.LevelInfo, format, args...)
}

func (r *run) warn(format string, args ...interface{}) {
	_ = r.log.Logf(joblog.LevelWarning, format, args...)
}

func (r *run) fail(format string, args ...interface{}) {
	_ = r.log.Logf(joblog.LevelError, format, args...)
}

// Execute runs job for cfg. The job record must already exist. Cancelling
// ctx stops the run at the next stack boundary; a stack in progress always
// completes its stop/archive/restart sequence.
func (e *Executor) Execute(ctx context.Context, job *models.Job, cfg *models.ArchiveConfig) (*Summary, error) {
	logger := e.logger.With().
		Str("job_id", job.ID.String()).
		Str("archive", cfg.Name).
		Bool("dry_run", job.IsDryRun).
		Logger()

	if job.LogPath == "" {
		job.LogPath = e.LogPath(job, cfg)
	}
	w, err := e.deps.Logs.Open(job, job.LogPath)
	if err != nil {
		job.Finish(models.JobStateFailed, e.now(), err.Error())
		_ = e.deps.Store.UpdateJob(context.WithoutCancel(ctx), job)
		return nil, fmt.Errorf("open job log: %w", err)
	}
	defer w.Close()

	r := &run{
		job: job,
		cfg: cfg,
		log: w,
		dry: job.IsDryRun,
	}
	r.phases = newPhaseMachine(func(p Phase) {
		logger.Debug().Str("phase", string(p)).Msg("entering phase")
	})
	if r.dry {
		r.dryOpts = models.DefaultDryRunOptions()
		if job.DryRun != nil {
			r.dryOpts = *job.DryRun
		}
	}

	start := e.now()
	r.deadline = start.Add(e.opts.MaxJobTimeout)
	job.Start(start)
	if err := e.deps.Store.UpdateJob(ctx, job); err != nil {
		logger.Error().Err(err).Msg("failed to mark job running")
	}
	e.publishStatus(job)
	e.deps.Metrics.JobStarted()
	logger.Info().Msg("archive job started")

	if r.dry {
		r.info("Dry run for archive '%s'. No containers will be stopped and no files will be written.", cfg.Name)
	} else {
		r.info("Starting archive job for '%s'", cfg.Name)
	}

	runnable := e.initPhase(ctx, r)

	if len(runnable) > 0 {
		if err := r.phases.Advance(PhaseProcessingStacks); err != nil {
			return nil, err
		}
		e.processStacks(ctx, r, runnable)

		if !r.cancelled && (!r.dry || r.dryOpts.RunRetention) {
			if err := r.phases.Advance(PhaseRetention); err != nil {
				return nil, err
			}
			e.retentionPhase(ctx, r, runnable)
		}
	}

	if err := r.phases.Advance(PhaseFinalize); err != nil {
		return nil, err
	}
	e.finalize(context.WithoutCancel(ctx), r, logger)
	if err := r.phases.Advance(PhaseDone); err != nil {
		return nil, err
	}

	return &Summary{Job: job, Metrics: r.metrics, Dropped: r.dropped, Retention: r.retention}, nil
}

// initPhase prepares directories and resolves the working set.
func (e *Executor) initPhase(ctx context.Context, r *run) []models.DiscoveredStack {
	configDir := filepath.Join(e.opts.ArchiveDir, r.cfg.DirName())
	if r.dry {
		r.info("Would ensure archive directory exists: %s", configDir)
	} else if err := os.MkdirAll(configDir, 0755); err != nil {
		r.fail("Cannot create archive directory %s: %v", configDir, err)
		r.initFail = true
		r.errs = append(r.errs, (&StackError{Kind: KindConfiguration, Op: "create archive directory", Err: err}).Error())
		return nil
	}

	r.info("Selected stacks: %s", strings.Join(r.cfg.Stacks, ", "))
	runnable, dropped, err := e.deps.Stacks.Resolve(ctx, r.cfg.Stacks)
	if err != nil {
		r.fail("Stack discovery failed: %v", err)
		r.initFail = true
		r.errs = append(r.errs, (&StackError{Kind: KindConfiguration, Op: "discover stacks", Err: err}).Error())
		return nil
	}
	r.dropped = dropped
	for _, d := range dropped {
		r.warn("Skipping stack '%s': %s", d.Name, d.Reason)
	}

	if len(runnable) == 0 {
		r.fail("No valid stacks to archive")
		r.initFail = true
		r.errs = append(r.errs, ErrNoValidStacks.Error())
		return nil
	}

	names := make([]string, len(runnable))
	for i, s := range runnable {
		names[i] = s.Name
	}
	r.info("Processing %d stack(s): %s", len(runnable), strings.Join(names, ", "))
	return runnable
}

// processStacks handles each stack in order. A failing stack never stops
// its siblings; cancellation is honoured only between stacks.
func (e *Executor) processStacks(ctx context.Context, r *run, stacks []models.DiscoveredStack) {
	for i, st := range stacks {
		if ctx.Err() != nil {
			r.cancelled = true
			r.warn("Job cancelled; %d stack(s) not processed", len(stacks)-i)
			for j := i; j < len(stacks); j++ {
				m := &models.JobStackMetric{
					JobID:      r.job.ID,
					Seq:        j + 1,
					StackName:  stacks[j].Name,
					Status:     models.StackSkipped,
					SkipReason: "job cancelled",
				}
				e.recordMetric(r, m)
			}
			return
		}

		m := e.processStack(ctx, r, st, i+1)
		e.recordMetric(r, m)
	}
}

func (e *Executor) recordMetric(r *run, m *models.JobStackMetric) {
	switch {
	case m.Status == models.StackFailed:
		r.failed++
		r.errs = append(r.errs, fmt.Sprintf("%s: %s", m.StackName, m.Error))
	case m.Status == models.StackSkipped, m.SoftFailure:
		r.softFail = true
	}
	r.metrics = append(r.metrics, m)

	if err := e.deps.Store.AddStackMetric(context.Background(), m); err != nil {
		e.logger.Error().Err(err).Str("stack", m.StackName).Msg("failed to persist stack metric")
	}
	e.deps.Metrics.RecordStack(r.cfg.Name, string(m.Status), m.BytesWritten)
	e.publish(joblog.Event{Type: joblog.EventMetrics, JobID: r.job.ID.String(), Data: m})
}

// processStack runs stop, archive, pull and restart for one stack.
func (e *Executor) processStack(ctx context.Context, r *run, st models.DiscoveredStack, seq int) *models.JobStackMetric {
	started := e.now()
	m := &models.JobStackMetric{JobID: r.job.ID, Seq: seq, StackName: st.Name}

	child := models.NewJob(models.JobTypeArchiveStack, &r.cfg.ID, r.job.TriggeredBy)
	child.ParentID = &r.job.ID
	child.StackName = st.Name
	child.LogPath = r.job.LogPath
	child.IsDryRun = r.dry
	child.Start(started)
	if err := e.deps.Store.CreateJob(ctx, child); err != nil {
		e.logger.Error().Err(err).Str("stack", st.Name).Msg("failed to create stack job")
	}

	_ = r.log.BeginStack(st.Name)

	// The stack sequence runs to completion even if the job is cancelled.
	sctx := context.WithoutCancel(ctx)
	if r.dry {
		e.simulateStack(sctx, r, st, m)
	} else {
		e.archiveStack(sctx, r, st, m)
	}

	if m.Status == "" {
		m.Status = models.StackSuccess
	}
	m.ElapsedSeconds = e.now().Sub(started).Seconds()

	switch m.Status {
	case models.StackSuccess:
		r.info("Stack '%s' finished in %s", st.Name, time.Duration(m.ElapsedSeconds*float64(time.Second)).Round(time.Millisecond))
	case models.StackSkipped:
		r.warn("Stack '%s' skipped: %s", st.Name, m.SkipReason)
	case models.StackFailed:
		r.fail("Stack '%s' failed: %s", st.Name, m.Error)
	}
	_ = r.log.EndStack(st.Name)

	childState := models.JobStateSuccess
	switch {
	case m.Status == models.StackFailed:
		childState = models.JobStateFailed
	case m.Status == models.StackSkipped, m.SoftFailure:
		childState = models.JobStatePartialFailure
	}
	child.ArchiveSizeBytes = m.BytesWritten
	child.Finish(childState, e.now(), m.Error)
	if err := e.deps.Store.UpdateJob(sctx, child); err != nil {
		e.logger.Error().Err(err).Str("stack", st.Name).Msg("failed to finish stack job")
	}
	return m
}

func (e *Executor) simulateStack(ctx context.Context, r *run, st models.DiscoveredStack, m *models.JobStackMetric) {
	running, err := e.isRunning(ctx, r, st)
	if err != nil {
		r.warn("Could not determine state of '%s': %v", st.Name, err)
	}
	m.WasRunning = running

	if running && r.cfg.StopContainers && r.dryOpts.StopContainers {
		r.info("Would execute: docker compose -f %s down", st.ComposePath())
	} else if running {
		r.info("Stack '%s' is running; containers would be left up", st.Name)
	} else {
		r.info("Stack '%s' is not running", st.Name)
	}

	if r.dryOpts.CreateArchive {
		dest := e.destination(r, st)
		r.info("Would archive %s to %s (%s)", st.ContainerPath, dest, r.cfg.OutputFormat)
	}
	if r.cfg.PullPolicy == models.PullAlways {
		r.info("Would execute: docker compose -f %s pull", st.ComposePath())
	}
	if running && r.cfg.StopContainers && r.dryOpts.StopContainers {
		r.info("Would execute: docker compose -f %s up -d", st.ComposePath())
	}
}

func (e *Executor) archiveStack(ctx context.Context, r *run, st models.DiscoveredStack, m *models.JobStackMetric) {
	compose := st.ComposePath()

	running, err := e.isRunning(ctx, r, st)
	if err != nil {
		se := stackErr(st.Name, "check state", err)
		m.Status = models.StackFailed
		m.Error = se.Error()
		return
	}
	m.WasRunning = running

	if running && r.cfg.StopContainers {
		r.info("Stopping stack '%s'", st.Name)
		err := e.withRetry(ctx, r, "stop", func(ctx context.Context) error {
			opCtx, cancel := context.WithTimeout(ctx, e.opts.StackStopTimeout)
			defer cancel()
			return e.deps.Docker.ComposeDown(opCtx, compose)
		})
		if err != nil {
			m.Status = models.StackFailed
			m.Error = stackErr(st.Name, "stop", err).Error()
			return
		}
		m.Stopped = true
	} else if running {
		r.warn("Stack '%s' is running and will be archived live", st.Name)
	} else {
		r.info("Stack '%s' is not running", st.Name)
	}

	dest := e.destination(r, st)
	r.info("Archiving %s to %s", st.ContainerPath, dest)
	writeCtx, cancel := context.WithTimeout(ctx, e.opts.ArchiveWriteTimeout)
	res, err := e.deps.Writer.Create(writeCtx, st.ContainerPath, dest, r.cfg.OutputFormat)
	cancel()
	if err != nil {
		m.Status = models.StackFailed
		m.Error = stackErr(st.Name, "archive", err).Error()
		if m.Stopped {
			e.bestEffortRestart(ctx, r, st, m)
		}
		return
	}
	m.Archived = true
	m.ArchivePath = res.Path
	m.BytesWritten = res.Bytes
	r.info("Archive written: %s (%s, %d files)", res.Path, humanize.IBytes(uint64(res.Bytes)), res.Files)

	e.uploadOffsite(ctx, r, st, m)

	if !m.WasRunning || !m.Stopped {
		if r.cfg.PullPolicy == models.PullAlways {
			e.pullImages(ctx, r, st, m)
		}
		return
	}

	if r.cfg.PullPolicy == models.PullAlways {
		if timedOut := e.pullImages(ctx, r, st, m); timedOut {
			r.warn("Restart of '%s' skipped after image pull timeout; the stack remains stopped", st.Name)
			return
		}
	}

	if r.cfg.PullPolicy == models.PullNever {
		missing, err := e.deps.Docker.MissingImages(ctx, compose)
		if err != nil {
			r.warn("Could not check local images for '%s': %v", st.Name, err)
		} else if len(missing) > 0 {
			m.Status = models.StackSkipped
			m.SkipReason = fmt.Sprintf("restart skipped, images missing locally: %s", strings.Join(missing, ", "))
			return
		}
	}

	r.info("Starting stack '%s'", st.Name)
	noPull := r.cfg.PullPolicy == models.PullNever
	err = e.withRetry(ctx, r, "start", func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, e.opts.StackStopTimeout)
		defer cancel()
		return e.deps.Docker.ComposeUp(opCtx, compose, noPull)
	})
	if err != nil {
		m.Status = models.StackFailed
		m.Error = stackErr(st.Name, "restart", err).Error()
		return
	}
	m.Restarted = true
}

// pullImages pulls the stack's images and reports whether the pull timed
// out. A timeout or failure is a soft failure; the archive already exists.
func (e *Executor) pullImages(ctx context.Context, r *run, st models.DiscoveredStack, m *models.JobStackMetric) bool {
	remaining := r.deadline.Sub(e.now())
	if remaining <= 0 {
		m.Status = models.StackSkipped
		m.SoftFailure = true
		m.SkipReason = "image pull skipped, job time budget exhausted; restart skipped"
		return true
	}

	r.info("Pulling images for '%s'", st.Name)
	pctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	res, err := e.deps.Docker.ComposePull(pctx, st.ComposePath(), e.opts.PullInactivityTimeout, func(line string) {
		_ = r.log.Log(joblog.LevelDebug, line)
	})
	if res != nil {
		m.PullOutput = res.Transcript
		e.deps.Metrics.RecordPull(res.Elapsed.Seconds(), errors.Is(err, docker.ErrPullTimeout))
	}

	switch {
	case err == nil:
		m.ImagesPulled = true
		return false
	case errors.Is(err, docker.ErrPullTimeout):
		m.Status = models.StackSkipped
		m.SoftFailure = true
		m.SkipReason = err.Error() + "; restart skipped"
		return true
	default:
		m.SoftFailure = true
		m.Error = stackErr(st.Name, "pull", err).Error()
		r.warn("Image pull for '%s' failed: %v", st.Name, err)
		return false
	}
}

// bestEffortRestart brings a stopped stack back up after a failure.
func (e *Executor) bestEffortRestart(ctx context.Context, r *run, st models.DiscoveredStack, m *models.JobStackMetric) {
	r.warn("Attempting to restart '%s' after failure", st.Name)
	opCtx, cancel := context.WithTimeout(ctx, e.opts.StackStopTimeout)
	defer cancel()
	if err := e.deps.Docker.ComposeUp(opCtx, st.ComposePath(), true); err != nil {
		r.fail("Restart of '%s' failed: %v", st.Name, err)
		return
	}
	m.Restarted = true
}

func (e *Executor) uploadOffsite(ctx context.Context, r *run, st models.DiscoveredStack, m *models.JobStackMetric) {
	if e.deps.Uploader == nil {
		return
	}
	rel, err := filepath.Rel(e.opts.ArchiveDir, m.ArchivePath)
	if err != nil {
		rel = filepath.Join(r.cfg.DirName(), st.Name, filepath.Base(m.ArchivePath))
	}
	res, err := e.deps.Uploader.Upload(ctx, m.ArchivePath, rel)
	if err != nil {
		m.SoftFailure = true
		if m.Error == "" {
			m.Error = fmt.Sprintf("offsite upload: %v", err)
		}
		r.warn("Offsite upload of '%s' failed: %v", st.Name, err)
		e.deps.Metrics.RecordOffsite("failed")
		return
	}
	r.info("Uploaded to %s", res.Location)
	e.deps.Metrics.RecordOffsite("success")
}

func (e *Executor) isRunning(ctx context.Context, r *run, st models.DiscoveredStack) (bool, error) {
	var running bool
	err := e.withRetry(ctx, r, "check state", func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, e.opts.StackStopTimeout)
		defer cancel()
		var err error
		running, err = e.deps.Docker.IsRunning(opCtx, st.ComposePath())
		return err
	})
	return running, err
}

// withRetry retries transient docker errors with exponential backoff.
func (e *Executor) withRetry(ctx context.Context, r *run, op string, fn func(context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && docker.IsTransient(err) {
			r.warn("Transient docker error during %s (attempt %d): %v", op, attempt, err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (e *Executor) destination(r *run, st models.DiscoveredStack) string {
	name := retention.ArchiveName(st.Name, e.now(), r.cfg.OutputFormat)
	return filepath.Join(e.opts.ArchiveDir, r.cfg.DirName(), st.Name, name)
}

// retentionPhase prunes the series of every processed stack.
func (e *Executor) retentionPhase(ctx context.Context, r *run, stacks []models.DiscoveredStack) {
	names := make([]string, len(stacks))
	for i, s := range stacks {
		names[i] = s.Name
	}
	configDir := filepath.Join(e.opts.ArchiveDir, r.cfg.DirName())

	res, err := e.pruner.Run(context.WithoutCancel(ctx), configDir, names, r.cfg.Retention, r.dry, r.log.Func())
	if err == nil && res != nil {
		err = res.Err()
	}
	r.retention = res
	if res != nil {
		r.job.ReclaimedBytes = res.Reclaimed
		if !r.dry {
			e.deps.Metrics.RecordRetention(r.cfg.Name, res.Deleted, res.Reclaimed)
		}
	}
	if err != nil {
		se := &StackError{Kind: KindRetention, Op: "retention", Err: err}
		r.softFail = true
		r.errs = append(r.errs, se.Error())
		r.fail("Retention failed: %v", err)
	}
}

// finalize computes the terminal state, persists it and notifies.
func (e *Executor) finalize(ctx context.Context, r *run, logger zerolog.Logger) {
	var total int64
	for _, m := range r.metrics {
		total += m.BytesWritten
	}
	r.job.ArchiveSizeBytes = total

	diskLine := e.diskUsage()
	if diskLine != "" {
		r.info("Disk usage: %s", diskLine)
	}

	// A run fails outright only when init failed or every stack failed;
	// one failing stack among successful siblings is a partial failure.
	state := models.JobStateSuccess
	switch {
	case r.initFail, r.failed > 0 && r.failed == len(r.metrics):
		state = models.JobStateFailed
	case r.failed > 0, r.softFail, r.cancelled:
		state = models.JobStatePartialFailure
	}
	if r.cancelled {
		r.errs = append(r.errs, ErrCancelled.Error())
	}

	r.job.Finish(state, e.now(), strings.Join(r.errs, "; "))
	r.info("Job finished: %s. Stacks: %d, total size %s, duration %s",
		state, len(r.metrics), humanize.IBytes(uint64(total)),
		time.Duration(r.job.DurationSeconds*float64(time.Second)).Round(time.Second))

	if r.dry {
		r.info("Dry run complete; no notification sent")
	}

	if err := e.deps.Store.UpdateJob(ctx, r.job); err != nil {
		logger.Error().Err(err).Msg("failed to persist job result")
	}
	e.publishStatus(r.job)
	e.deps.Metrics.JobFinished(r.cfg.Name, string(state), r.dry, r.job.DurationSeconds)

	logger.Info().
		Str("state", string(state)).
		Int("stacks", len(r.metrics)).
		Int64("bytes", total).
		Float64("duration_seconds", r.job.DurationSeconds).
		Msg("archive job finished")

	if r.dry {
		return
	}
	e.notify(ctx, r, diskLine)
}

func (e *Executor) notify(ctx context.Context, r *run, diskLine string) {
	if e.deps.Notifier == nil {
		return
	}
	report := notifications.JobReport{
		ArchiveName: r.cfg.Name,
		JobID:       r.job.ID.String(),
		State:       r.job.State,
		Duration:    time.Duration(r.job.DurationSeconds * float64(time.Second)),
		TotalBytes:  r.job.ArchiveSizeBytes,
		Reclaimed:   r.job.ReclaimedBytes,
		Error:       r.job.Error,
		DiskUsage:   diskLine,
	}
	if e.opts.BaseURL != "" {
		report.Link = fmt.Sprintf("%s/api/v1/jobs/%s", e.opts.BaseURL, r.job.ID)
	}
	for _, m := range r.metrics {
		detail := m.SkipReason
		if m.Status == models.StackFailed {
			detail = m.Error
		}
		report.Stacks = append(report.Stacks, notifications.StackLine{
			Name: m.StackName, Status: m.Status, Bytes: m.BytesWritten, Detail: detail,
		})
	}

	nctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := e.deps.Notifier.Send(nctx, report.Message()); err != nil {
		r.warn("Notification failed: %v", err)
	}
}

func (e *Executor) diskUsage() string {
	if e.usage == nil || e.opts.ArchiveDir == "" {
		return ""
	}
	u, err := e.usage(e.opts.ArchiveDir)
	if err != nil {
		e.logger.Debug().Err(err).Msg("disk usage unavailable")
		return ""
	}
	return fmt.Sprintf("%s used of %s (%.1f%%), %s free",
		humanize.IBytes(u.Used), humanize.IBytes(u.Total), u.UsedPercent, humanize.IBytes(u.Free))
}

func (e *Executor) publishStatus(job *models.Job) {
	e.publish(joblog.Event{Type: joblog.EventStatus, JobID: job.ID.String(), Data: map[string]interface{}{
		"state":              job.State,
		"archive_size_bytes": job.ArchiveSizeBytes,
		"reclaimed_bytes":    job.ReclaimedBytes,
		"duration_seconds":   job.DurationSeconds,
		"error":              job.Error,
	}})
}

func (e *Executor) publish(ev joblog.Event) {
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(ev)
	}
}
