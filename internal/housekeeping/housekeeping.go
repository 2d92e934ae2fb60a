// Package housekeeping removes what archive jobs leave behind: archive
// directories of deleted configs, expired job records with their logs, and
// partial files from interrupted writes. It also runs standalone retention
// passes for one archive config.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/executor"
	"github.com/MacJediWizard/stackarchiver/internal/joblog"
	"github.com/MacJediWizard/stackarchiver/internal/metrics"
	"github.com/MacJediWizard/stackarchiver/internal/models"
	"github.com/MacJediWizard/stackarchiver/internal/notifications"
	"github.com/MacJediWizard/stackarchiver/internal/retention"
)

// ErrCleanupRunning is returned when another cleanup holds the lease.
var ErrCleanupRunning = errors.New("cleanup already running")

// cleanupLease is the lease id shared by every process that runs cleanup.
var cleanupLease = uuid.MustParse("5354b4a1-c1ea-4e00-8000-000000000001")

// Sweep names.
const (
	SweepOrphans = "orphans"
	SweepLogs    = "logs"
	SweepTemp    = "temp"
)

// Store is the persistence cleanup and retention jobs need.
type Store interface {
	GetArchive(ctx context.Context, id uuid.UUID) (*models.ArchiveConfig, error)
	ListArchives(ctx context.Context) ([]*models.ArchiveConfig, error)
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJob(ctx context.Context, job *models.Job) error
	ListExpiredJobs(ctx context.Context, before time.Time) ([]*models.Job, error)
	DeleteJobs(ctx context.Context, ids []uuid.UUID) (int64, error)
	MarkArchiveDeleted(ctx context.Context, archivePath, deletedBy string) error
	MarkArchivesDeletedUnder(ctx context.Context, dir, deletedBy string) (int64, error)
}

// Notifier delivers the cleanup report.
type Notifier interface {
	Send(ctx context.Context, msg notifications.Message) error
}

// Deps are the collaborators of a Service. Bus, Notifier and Metrics may
// be nil.
type Deps struct {
	Store    Store
	Logs     *joblog.FileStore
	Bus      *joblog.Bus
	Locker   executor.Locker
	Notifier Notifier
	Metrics  *metrics.PrometheusMetrics
}

// Options are the directories and ages cleanup works with.
type Options struct {
	ArchiveDir   string
	DownloadsDir string
	// LogRetention is how long finished job records and their logs are
	// kept. Zero or less keeps them forever.
	LogRetention time.Duration
	// TempGrace is the minimum age of a partial file before it is
	// considered abandoned.
	TempGrace time.Duration
	Notify    bool
	BaseURL   string
}

// SweepResult is the outcome of one sweep. In a dry run Removed and
// Reclaimed describe what would have been removed.
type SweepResult struct {
	Name      string   `json:"name"`
	Removed   int      `json:"removed"`
	Reclaimed int64    `json:"reclaimed_bytes"`
	Paths     []string `json:"paths,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

func (r *SweepResult) add(path string, size int64) {
	r.Removed++
	r.Reclaimed += size
	if path != "" {
		r.Paths = append(r.Paths, path)
	}
}

func (r *SweepResult) failf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Report is the outcome of a cleanup job.
type Report struct {
	Job       *models.Job   `json:"job"`
	DryRun    bool          `json:"dry_run"`
	Sweeps    []SweepResult `json:"sweeps"`
	Reclaimed int64         `json:"reclaimed_bytes"`
}

// Sweep returns the result of the named sweep.
func (r *Report) Sweep(name string) *SweepResult {
	for i := range r.Sweeps {
		if r.Sweeps[i].Name == name {
			return &r.Sweeps[i]
		}
	}
	return nil
}

// Service runs cleanup and retention jobs.
type Service struct {
	deps   Deps
	opts   Options
	pruner *retention.Pruner
	now    func() time.Time
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New creates a Service.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.TempGrace <= 0 {
		opts.TempGrace = 6 * time.Hour
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		pruner: retention.NewPruner(deps.Store, logger),
		now:    time.Now,
		logger: logger.With().Str("component", "housekeeping").Logger(),
	}
}

// StartCleanup records a cleanup job and runs it in the background. It
// returns ErrCleanupRunning while another cleanup is in progress.
func (s *Service) StartCleanup(ctx context.Context, dryRun bool, triggeredBy string) (*models.Job, error) {
	release, err := s.acquire(ctx, cleanupLease, ErrCleanupRunning)
	if err != nil {
		return nil, err
	}
	job := s.newJob(models.JobTypeCleanup, nil, "cleanup", dryRun, triggeredBy)
	if err := s.deps.Store.CreateJob(ctx, job); err != nil {
		release()
		return nil, fmt.Errorf("create cleanup job: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		if _, err := s.runCleanup(context.Background(), job); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("cleanup job failed")
		}
	}()
	return job, nil
}

// RunCleanup runs a cleanup job to completion.
func (s *Service) RunCleanup(ctx context.Context, dryRun bool, triggeredBy string) (*Report, error) {
	release, err := s.acquire(ctx, cleanupLease, ErrCleanupRunning)
	if err != nil {
		return nil, err
	}
	defer release()

	job := s.newJob(models.JobTypeCleanup, nil, "cleanup", dryRun, triggeredBy)
	if err := s.deps.Store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create cleanup job: %w", err)
	}
	return s.runCleanup(ctx, job)
}

// Wait blocks until background jobs have finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) runCleanup(ctx context.Context, job *models.Job) (*Report, error) {
	logger := s.logger.With().Str("job_id", job.ID.String()).Bool("dry_run", job.IsDryRun).Logger()

	w, err := s.open(ctx, job)
	if err != nil {
		return nil, err
	}
	defer w.Close()
	log := w.Func()

	s.begin(ctx, job, logger)
	if job.IsDryRun {
		log(joblog.LevelInfo, "Cleanup dry run. Nothing will be deleted.")
	} else {
		log(joblog.LevelInfo, "Starting cleanup")
	}

	rep := &Report{Job: job, DryRun: job.IsDryRun}
	run := &cleanupRun{job: job, dry: job.IsDryRun, log: log, orphaned: make(map[string]bool)}
	sweeps := []func(context.Context, *cleanupRun) SweepResult{
		s.sweepOrphans,
		s.sweepJobs,
		s.sweepTemp,
	}
	var errs []string
	cancelled := false
	for _, sweep := range sweeps {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		res := sweep(ctx, run)
		rep.Sweeps = append(rep.Sweeps, res)
		rep.Reclaimed += res.Reclaimed
		if len(res.Errors) > 0 {
			errs = append(errs, fmt.Sprintf("%s: %s", res.Name, res.Errors[0]))
		}
	}
	if cancelled {
		errs = append(errs, executor.ErrCancelled.Error())
	}

	state := models.JobStateSuccess
	if len(errs) > 0 {
		state = models.JobStatePartialFailure
	}
	job.ReclaimedBytes = rep.Reclaimed

	verb := "Freed"
	if job.IsDryRun {
		verb = "Would free"
	}
	for _, res := range rep.Sweeps {
		log(joblog.LevelInfo, fmt.Sprintf("%s: %d item(s), %s", res.Name, res.Removed, humanize.IBytes(uint64(res.Reclaimed))))
	}
	log(joblog.LevelInfo, fmt.Sprintf("Cleanup finished: %s. %s %s", state, verb, humanize.IBytes(uint64(rep.Reclaimed))))
	if job.IsDryRun {
		log(joblog.LevelInfo, "Dry run complete; nothing was deleted")
	}

	s.finish(ctx, job, state, strings.Join(errs, "; "), logger)

	if !job.IsDryRun {
		for _, res := range rep.Sweeps {
			s.deps.Metrics.RecordCleanup(res.Name, res.Removed, res.Reclaimed)
		}
		s.notify(ctx, rep, log)
	}
	return rep, nil
}

func (s *Service) notify(ctx context.Context, rep *Report, log retention.LogFunc) {
	if !s.opts.Notify || s.deps.Notifier == nil {
		return
	}
	report := notifications.CleanupReport{
		JobID:     rep.Job.ID.String(),
		State:     rep.Job.State,
		DryRun:    rep.DryRun,
		Duration:  time.Duration(rep.Job.DurationSeconds * float64(time.Second)),
		Reclaimed: rep.Reclaimed,
		Error:     rep.Job.Error,
		Link:      s.jobLink(rep.Job),
	}
	for _, res := range rep.Sweeps {
		report.Sweeps = append(report.Sweeps, notifications.SweepLine{
			Name: res.Name, Removed: res.Removed, Reclaimed: res.Reclaimed, Errors: len(res.Errors),
		})
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := s.deps.Notifier.Send(nctx, report.Message()); err != nil {
		log(joblog.LevelWarning, fmt.Sprintf("Notification failed: %v", err))
	}
}

func (s *Service) jobLink(job *models.Job) string {
	if s.opts.BaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/api/v1/jobs/%s", s.opts.BaseURL, job.ID)
}

func (s *Service) acquire(ctx context.Context, id uuid.UUID, held error) (func(), error) {
	release, err := s.deps.Locker.Acquire(ctx, id, 0)
	if err != nil {
		if errors.Is(err, models.ErrLeaseHeld) {
			return nil, held
		}
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	return release, nil
}

func (s *Service) newJob(jobType models.JobType, archiveID *uuid.UUID, name string, dryRun bool, triggeredBy string) *models.Job {
	if triggeredBy == "" {
		triggeredBy = models.TriggerManual
	}
	job := models.NewJob(jobType, archiveID, triggeredBy)
	job.IsDryRun = dryRun
	job.LogPath = s.deps.Logs.PathFor(job, name, s.now())
	return job
}

// open opens the job log, failing the job when it cannot.
func (s *Service) open(ctx context.Context, job *models.Job) (*joblog.Writer, error) {
	w, err := s.deps.Logs.Open(job, job.LogPath)
	if err == nil {
		return w, nil
	}
	job.Finish(models.JobStateFailed, s.now(), err.Error())
	if uerr := s.deps.Store.UpdateJob(context.WithoutCancel(ctx), job); uerr != nil {
		s.logger.Error().Err(uerr).Str("job_id", job.ID.String()).Msg("failed to persist job result")
	}
	s.publishStatus(job)
	return nil, fmt.Errorf("open job log: %w", err)
}

func (s *Service) begin(ctx context.Context, job *models.Job, logger zerolog.Logger) {
	job.Start(s.now())
	if err := s.deps.Store.UpdateJob(ctx, job); err != nil {
		logger.Error().Err(err).Msg("failed to mark job running")
	}
	s.publishStatus(job)
	logger.Info().Str("type", string(job.Type)).Msg("housekeeping job started")
}

func (s *Service) finish(ctx context.Context, job *models.Job, state models.JobState, errMsg string, logger zerolog.Logger) {
	job.Finish(state, s.now(), errMsg)
	if err := s.deps.Store.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		logger.Error().Err(err).Msg("failed to persist job result")
	}
	s.publishStatus(job)
	logger.Info().
		Str("type", string(job.Type)).
		Str("state", string(state)).
		Int64("reclaimed_bytes", job.ReclaimedBytes).
		Float64("duration_seconds", job.DurationSeconds).
		Msg("housekeeping job finished")
}

func (s *Service) publishStatus(job *models.Job) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(joblog.Event{Type: joblog.EventStatus, JobID: job.ID.String(), Data: map[string]interface{}{
		"state":            job.State,
		"reclaimed_bytes":  job.ReclaimedBytes,
		"duration_seconds": job.DurationSeconds,
		"error":            job.Error,
	}})
}
