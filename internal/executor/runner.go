package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// Mode selects where jobs execute.
type Mode string

const (
	// ModeInProcess runs jobs on goroutines of the server.
	ModeInProcess Mode = "inprocess"
	// ModeDetached runs each job in its own run-job process.
	ModeDetached Mode = "detached"
)

// TriggerRequest describes a requested run.
type TriggerRequest struct {
	DryRun      bool
	DryRunOpts  *models.DryRunOptions
	TriggeredBy string
}

// Spawner starts a detached run-job process and returns a handle to it.
type Spawner interface {
	Spawn(ctx context.Context, job *models.Job, archiveID uuid.UUID) (Process, error)
}

// Process is a running detached job.
type Process interface {
	Signal() error
	Wait() error
}

type activeRun struct {
	archiveID uuid.UUID
	cancel    context.CancelFunc
	proc      Process
}

// Runner accepts triggers, enforces one run per config and tracks the
// jobs this process is running.
type Runner struct {
	store     Store
	exec      *Executor
	locker    Locker
	leaseWait time.Duration
	mode      Mode
	spawner   Spawner
	logger    zerolog.Logger

	mu       sync.Mutex
	active   map[uuid.UUID]*activeRun
	claims   map[uuid.UUID]struct{} // archive ids with a live detached run
	draining bool
	wg       sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLeaseWait sets how long a trigger waits for a held lease.
func WithLeaseWait(d time.Duration) RunnerOption {
	return func(r *Runner) { r.leaseWait = d }
}

// WithDetached runs jobs through spawner.
func WithDetached(spawner Spawner) RunnerOption {
	return func(r *Runner) {
		r.mode = ModeDetached
		r.spawner = spawner
	}
}

// NewRunner creates a Runner.
func NewRunner(store Store, exec *Executor, locker Locker, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:  store,
		exec:   exec,
		locker: locker,
		mode:   ModeInProcess,
		logger: logger.With().Str("component", "runner").Logger(),
		active: make(map[uuid.UUID]*activeRun),
		claims: make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trigger creates a job for archiveID and starts it. It returns
// ErrAlreadyRunning when the config's lease cannot be taken, or in
// detached mode while a child spawned for the config is still alive.
func (r *Runner) Trigger(ctx context.Context, archiveID uuid.UUID, req TriggerRequest) (*models.Job, error) {
	r.mu.Lock()
	draining := r.draining
	r.mu.Unlock()
	if draining {
		return nil, ErrShuttingDown
	}

	cfg, err := r.store.GetArchive(ctx, archiveID)
	if err != nil {
		return nil, err
	}

	if r.mode == ModeDetached {
		if !r.claim(cfg.ID) {
			return nil, ErrAlreadyRunning
		}
		job, err := r.triggerDetached(ctx, cfg, req)
		if err != nil {
			r.unclaim(cfg.ID)
			return nil, err
		}
		return job, nil
	}

	release, err := r.acquire(ctx, archiveID, r.leaseWait)
	if err != nil {
		return nil, err
	}
	job := r.newJob(cfg, req)
	if err := r.store.CreateJob(ctx, job); err != nil {
		release()
		return nil, fmt.Errorf("create job: %w", err)
	}

	r.startInProcess(job, cfg, release)
	return job, nil
}

// triggerDetached checks the lease for runs held by other processes, then
// hands it to the child, which takes it once it starts. The caller holds
// the claim on cfg.ID until the child exits.
func (r *Runner) triggerDetached(ctx context.Context, cfg *models.ArchiveConfig, req TriggerRequest) (*models.Job, error) {
	release, err := r.acquire(ctx, cfg.ID, r.leaseWait)
	if err != nil {
		return nil, err
	}
	release()

	job := r.newJob(cfg, req)
	if err := r.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := r.startDetached(ctx, job, cfg.ID); err != nil {
		job.Finish(models.JobStateFailed, time.Now(), err.Error())
		_ = r.store.UpdateJob(context.WithoutCancel(ctx), job)
		return nil, err
	}
	return job, nil
}

func (r *Runner) newJob(cfg *models.ArchiveConfig, req TriggerRequest) *models.Job {
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = models.TriggerManual
	}
	job := models.NewJob(models.JobTypeArchiveMaster, &cfg.ID, triggeredBy)
	if req.DryRun {
		job.IsDryRun = true
		opts := models.DefaultDryRunOptions()
		if req.DryRunOpts != nil {
			opts = *req.DryRunOpts
		}
		job.DryRun = &opts
	}
	job.LogPath = r.exec.LogPath(job, cfg)
	return job
}

func (r *Runner) acquire(ctx context.Context, archiveID uuid.UUID, wait time.Duration) (func(), error) {
	release, err := r.locker.Acquire(ctx, archiveID, wait)
	if err != nil {
		if errors.Is(err, models.ErrLeaseHeld) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	return release, nil
}

func (r *Runner) startInProcess(job *models.Job, cfg *models.ArchiveConfig, release func()) {
	ctx, cancel := context.WithCancel(context.Background())
	r.track(job.ID, &activeRun{archiveID: cfg.ID, cancel: cancel})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.untrack(job.ID)
		defer release()
		defer cancel()

		if _, err := r.exec.Execute(ctx, job, cfg); err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("archive job errored")
		}
	}()
}

func (r *Runner) startDetached(ctx context.Context, job *models.Job, archiveID uuid.UUID) error {
	proc, err := r.spawner.Spawn(ctx, job, archiveID)
	if err != nil {
		return fmt.Errorf("spawn run-job: %w", err)
	}
	r.track(job.ID, &activeRun{archiveID: archiveID, proc: proc})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.unclaim(archiveID)
		defer r.untrack(job.ID)
		if err := proc.Wait(); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("run-job process exited with error")
		}
		r.reconcile(job.ID)
	}()
	return nil
}

// reconcile fails a detached job whose process exited without finishing it.
func (r *Runner) reconcile(jobID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil || job.State.Terminal() {
		return
	}
	job.Finish(models.JobStateFailed, time.Now(), "run-job process exited before the job finished")
	if err := r.store.UpdateJob(ctx, job); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to reconcile detached job")
	}
}

// RunJob executes an existing job in the calling goroutine. It is the
// entry point of a detached run-job process and waits for the lease.
func (r *Runner) RunJob(ctx context.Context, archiveID, jobID uuid.UUID, wait time.Duration) (*Summary, error) {
	cfg, err := r.store.GetArchive(ctx, archiveID)
	if err != nil {
		return nil, err
	}
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, fmt.Errorf("job %s already finished as %s", jobID, job.State)
	}

	release, err := r.acquire(ctx, archiveID, wait)
	if err != nil {
		job.Finish(models.JobStateFailed, time.Now(), err.Error())
		_ = r.store.UpdateJob(context.WithoutCancel(ctx), job)
		return nil, err
	}
	defer release()

	r.track(job.ID, &activeRun{archiveID: archiveID})
	defer r.untrack(job.ID)
	return r.exec.Execute(ctx, job, cfg)
}

// Cancel requests that a running job stop at the next stack boundary.
func (r *Runner) Cancel(jobID uuid.UUID) error {
	r.mu.Lock()
	a, ok := r.active[jobID]
	r.mu.Unlock()
	if !ok {
		return ErrJobNotRunning
	}
	r.logger.Info().Str("job_id", jobID.String()).Msg("cancelling job")
	if a.proc != nil {
		return a.proc.Signal()
	}
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

// Running reports whether jobID is running in this process.
func (r *Runner) Running(jobID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[jobID]
	return ok
}

// ActiveCount returns the number of jobs running in this process.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ActiveJobs returns the IDs of jobs running in this process.
func (r *Runner) ActiveJobs() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

// Drain stops accepting triggers and waits for running jobs or ctx.
func (r *Runner) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	n := len(r.active)
	r.mu.Unlock()

	r.logger.Info().Int("active_jobs", n).Msg("draining runner")
	return r.Wait(ctx)
}

// Wait blocks until every job started by this runner has finished and
// released its lease, or ctx ends. Unlike Drain it keeps accepting triggers.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) track(id uuid.UUID, a *activeRun) {
	r.mu.Lock()
	r.active[id] = a
	r.mu.Unlock()
}

func (r *Runner) untrack(id uuid.UUID) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// claim reserves archiveID for one detached run in this process.
func (r *Runner) claim(archiveID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.claims[archiveID]; held {
		return false
	}
	r.claims[archiveID] = struct{}{}
	return true
}

func (r *Runner) unclaim(archiveID uuid.UUID) {
	r.mu.Lock()
	delete(r.claims, archiveID)
	r.mu.Unlock()
}
