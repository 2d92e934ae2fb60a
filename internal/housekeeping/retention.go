package housekeeping

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/MacJediWizard/stackarchiver/internal/executor"
	"github.com/MacJediWizard/stackarchiver/internal/joblog"
	"github.com/MacJediWizard/stackarchiver/internal/models"
	"github.com/MacJediWizard/stackarchiver/internal/retention"
)

// StartRetention records a retention job for one archive config and prunes
// its series in the background. It holds the config's archive lease, so it
// returns executor.ErrAlreadyRunning while an archive job for the config is
// in progress.
func (s *Service) StartRetention(ctx context.Context, archiveID uuid.UUID, dryRun bool, triggeredBy string) (*models.Job, error) {
	cfg, err := s.deps.Store.GetArchive(ctx, archiveID)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, cfg.ID, executor.ErrAlreadyRunning)
	if err != nil {
		return nil, err
	}

	job := s.newJob(models.JobTypeRetention, &cfg.ID, cfg.Name, dryRun, triggeredBy)
	if err := s.deps.Store.CreateJob(ctx, job); err != nil {
		release()
		return nil, fmt.Errorf("create retention job: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		if _, err := s.runRetention(context.Background(), job, cfg); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("retention job failed")
		}
	}()
	return job, nil
}

func (s *Service) runRetention(ctx context.Context, job *models.Job, cfg *models.ArchiveConfig) (*retention.Result, error) {
	logger := s.logger.With().
		Str("job_id", job.ID.String()).
		Str("archive", cfg.Name).
		Bool("dry_run", job.IsDryRun).
		Logger()

	w, err := s.open(ctx, job)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	s.begin(ctx, job, logger)
	if job.IsDryRun {
		_ = w.Logf(joblog.LevelInfo, "Retention dry run for archive '%s'. Nothing will be deleted.", cfg.Name)
	}

	configDir := filepath.Join(s.opts.ArchiveDir, cfg.DirName())
	res, err := s.pruner.Run(ctx, configDir, nil, cfg.Retention, job.IsDryRun, w.Func())
	if err == nil && res != nil {
		err = res.Err()
	}

	state := models.JobStateSuccess
	errMsg := ""
	if res != nil {
		job.ReclaimedBytes = res.Reclaimed
		if !job.IsDryRun {
			s.deps.Metrics.RecordRetention(cfg.Name, res.Deleted, res.Reclaimed)
		}
	}
	if err != nil {
		errMsg = err.Error()
		_ = w.Logf(joblog.LevelError, "Retention failed: %v", err)
		state = models.JobStatePartialFailure
		if res == nil {
			state = models.JobStateFailed
		}
	}
	if job.IsDryRun {
		_ = w.Log(joblog.LevelInfo, "Dry run complete; nothing was deleted")
	}

	s.finish(ctx, job, state, errMsg, logger)
	return res, nil
}
