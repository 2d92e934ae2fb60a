// Package scheduler triggers archive jobs from their cron schedules and
// runs periodic housekeeping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/executor"
	"github.com/MacJediWizard/stackarchiver/internal/housekeeping"
	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// ErrStoreUnavailable is returned by Reload when the store does not answer.
var ErrStoreUnavailable = errors.New("store unavailable")

// Store loads archive configs and reconciles stale jobs.
type Store interface {
	Ping(ctx context.Context) error
	ListArchives(ctx context.Context) ([]*models.ArchiveConfig, error)
	SweepStaleJobs(ctx context.Context, startedBefore time.Time) (int64, error)
}

// Trigger starts archive jobs.
type Trigger interface {
	Trigger(ctx context.Context, archiveID uuid.UUID, req executor.TriggerRequest) (*models.Job, error)
}

// TokenSweeper removes expired download tokens.
type TokenSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Cleaner starts cleanup jobs.
type Cleaner interface {
	StartCleanup(ctx context.Context, dryRun bool, triggeredBy string) (*models.Job, error)
}

// Config holds scheduler settings.
type Config struct {
	// RefreshInterval is how often schedules are reloaded from the store.
	RefreshInterval time.Duration
	// TokenSweepSpec is the cron expression of the download token sweep.
	TokenSweepSpec string
	// CleanupSpec is the cron expression of the cleanup job. Empty
	// disables scheduled cleanup.
	CleanupSpec string
	// CleanupDryRun makes scheduled cleanups report without deleting.
	CleanupDryRun bool
	// Maintenance suppresses scheduled runs while set.
	Maintenance bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: 5 * time.Minute,
		TokenSweepSpec:  "0 2 * * *",
	}
}

type entry struct {
	id   cron.EntryID
	spec string
}

// Scheduler owns the cron registry of archive schedules.
type Scheduler struct {
	store   Store
	trigger Trigger
	sweeper TokenSweeper
	cleaner Cleaner
	config  Config
	cron    *cron.Cron
	boot    time.Time
	logger  zerolog.Logger

	mu        sync.RWMutex
	entries   map[uuid.UUID]entry
	sweepID   cron.EntryID
	cleanupID cron.EntryID
	swept     bool
	running   bool
}

// New creates a Scheduler. sweeper may be nil.
func New(store Store, trigger Trigger, sweeper TokenSweeper, config Config, logger zerolog.Logger) *Scheduler {
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultConfig().RefreshInterval
	}
	if config.TokenSweepSpec == "" {
		config.TokenSweepSpec = DefaultConfig().TokenSweepSpec
	}
	return &Scheduler{
		store:   store,
		trigger: trigger,
		sweeper: sweeper,
		config:  config,
		cron:    cron.New(),
		boot:    time.Now(),
		logger:  logger.With().Str("component", "scheduler").Logger(),
		entries: make(map[uuid.UUID]entry),
	}
}

// SetCleaner registers the cleanup job started on Config.CleanupSpec. It
// must be called before Start.
func (s *Scheduler) SetCleaner(c Cleaner) {
	s.cleaner = c
}

// Start reconciles stale jobs, loads schedules and starts the cron loop.
// A store that is not ready yet is retried by the refresh loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info().Msg("starting scheduler")

	if s.sweeper != nil {
		id, err := s.cron.AddFunc(s.config.TokenSweepSpec, s.sweepTokens)
		if err != nil {
			return fmt.Errorf("add token sweep: %w", err)
		}
		s.mu.Lock()
		s.sweepID = id
		s.mu.Unlock()
	}

	if s.cleaner != nil && s.config.CleanupSpec != "" {
		id, err := s.cron.AddFunc(s.config.CleanupSpec, s.cleanup)
		if err != nil {
			return fmt.Errorf("add cleanup schedule: %w", err)
		}
		s.mu.Lock()
		s.cleanupID = id
		s.mu.Unlock()
	}

	s.sweepStale(ctx)
	if err := s.Reload(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to load initial schedules")
	}

	s.cron.Start()
	go s.refreshLoop(ctx)
	return nil
}

// Stop stops the cron loop. The returned context is done when running
// cron callbacks have returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.running = false
	s.logger.Info().Msg("stopping scheduler")
	return s.cron.Stop()
}

// Reload syncs the registry with the enabled schedules in the store.
func (s *Scheduler) Reload(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	archives, err := s.store.ListArchives(ctx)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]bool)
	for _, a := range archives {
		if !a.ScheduleEnabled || a.ScheduleCron == "" {
			continue
		}
		seen[a.ID] = true

		if e, ok := s.entries[a.ID]; ok {
			if e.spec == a.ScheduleCron && s.cron.Entry(e.id).Valid() {
				continue
			}
			s.cron.Remove(e.id)
			delete(s.entries, a.ID)
		}

		if err := s.add(a); err != nil {
			s.logger.Error().
				Err(err).
				Str("archive_id", a.ID.String()).
				Str("archive", a.Name).
				Msg("failed to add schedule")
		}
	}

	for id, e := range s.entries {
		if !seen[id] {
			s.cron.Remove(e.id)
			delete(s.entries, id)
			s.logger.Debug().Str("archive_id", id.String()).Msg("removed schedule")
		}
	}

	s.logger.Info().Int("active_schedules", len(s.entries)).Msg("schedules reloaded")
	return nil
}

func (s *Scheduler) add(a *models.ArchiveConfig) error {
	id, name, spec := a.ID, a.Name, a.ScheduleCron
	entryID, err := s.cron.AddFunc(spec, func() {
		s.run(id, name)
	})
	if err != nil {
		return fmt.Errorf("add cron entry: %w", err)
	}
	s.entries[id] = entry{id: entryID, spec: spec}
	s.logger.Debug().
		Str("archive_id", id.String()).
		Str("archive", name).
		Str("cron_expression", spec).
		Msg("added schedule")
	return nil
}

func (s *Scheduler) run(id uuid.UUID, name string) {
	logger := s.logger.With().Str("archive_id", id.String()).Str("archive", name).Logger()
	if s.config.Maintenance {
		logger.Info().Msg("scheduled run skipped: maintenance mode active")
		return
	}

	job, err := s.trigger.Trigger(context.Background(), id, executor.TriggerRequest{
		TriggeredBy: models.TriggerSchedule,
	})
	switch {
	case errors.Is(err, executor.ErrAlreadyRunning):
		logger.Info().Msg("scheduled run skipped: previous run still in progress")
	case err != nil:
		logger.Error().Err(err).Msg("scheduled run failed to start")
	default:
		logger.Info().Str("job_id", job.ID.String()).Msg("scheduled run started")
	}
}

// NextRun returns the next activation of an archive's schedule.
func (s *Scheduler) NextRun(id uuid.UUID) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(e.id).Next, true
}

// Scheduled returns the number of registered archive schedules.
func (s *Scheduler) Scheduled() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// sweepStale fails jobs left running by a previous process. It runs once
// per process, as soon as the store answers.
func (s *Scheduler) sweepStale(ctx context.Context) {
	s.mu.RLock()
	done := s.swept
	s.mu.RUnlock()
	if done {
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("store not ready, deferring stale job sweep")
		return
	}
	n, err := s.store.SweepStaleJobs(ctx, s.boot)
	if err != nil {
		s.logger.Error().Err(err).Msg("stale job sweep failed")
		return
	}
	s.mu.Lock()
	s.swept = true
	s.mu.Unlock()
	if n > 0 {
		s.logger.Warn().Int64("count", n).Msg("reconciled stale running jobs")
	}
}

func (s *Scheduler) sweepTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := s.sweeper.SweepExpired(ctx); err != nil {
		s.logger.Error().Err(err).Msg("download token sweep failed")
	}
}

func (s *Scheduler) cleanup() {
	if s.config.Maintenance {
		s.logger.Info().Msg("scheduled cleanup skipped: maintenance mode active")
		return
	}
	job, err := s.cleaner.StartCleanup(context.Background(), s.config.CleanupDryRun, models.TriggerSchedule)
	switch {
	case errors.Is(err, housekeeping.ErrCleanupRunning):
		s.logger.Info().Msg("scheduled cleanup skipped: previous cleanup still in progress")
	case err != nil:
		s.logger.Error().Err(err).Msg("scheduled cleanup failed to start")
	default:
		s.logger.Info().Str("job_id", job.ID.String()).Bool("dry_run", job.IsDryRun).Msg("scheduled cleanup started")
	}
}

func (s *Scheduler) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			running := s.running
			s.mu.RUnlock()
			if !running {
				return
			}

			s.sweepStale(ctx)
			if err := s.Reload(ctx); err != nil {
				s.logger.Error().Err(err).Msg("failed to reload schedules")
			}
		}
	}
}
