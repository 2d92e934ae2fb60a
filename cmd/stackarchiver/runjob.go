package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MacJediWizard/stackarchiver/internal/config"
	"github.com/MacJediWizard/stackarchiver/internal/db"
	"github.com/MacJediWizard/stackarchiver/internal/models"
)

type runJobOptions struct {
	archiveID string
	jobID     string
	logPath   string
	dryRun    bool
}

func newRunJobCmd() *cobra.Command {
	var opts runJobOptions

	cmd := &cobra.Command{
		Use:    "run-job",
		Short:  "Execute one archive job (started by the server in detached mode)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(opts)
		},
	}

	cmd.Flags().StringVar(&opts.archiveID, "archive-id", "", "Archive config ID")
	cmd.Flags().StringVar(&opts.jobID, "job-id", "", "Job ID created by the server")
	cmd.Flags().StringVar(&opts.logPath, "log-path", "", "Job log file")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Job is a dry run")
	_ = cmd.MarkFlagRequired("archive-id")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}

func runJob(opts runJobOptions) error {
	archiveID, err := uuid.Parse(opts.archiveID)
	if err != nil {
		return fmt.Errorf("invalid archive id: %w", err)
	}
	jobID, err := uuid.Parse(opts.jobID)
	if err != nil {
		return fmt.Errorf("invalid job id: %w", err)
	}

	cfg := config.LoadServerConfig()
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("run-job requires DATABASE_URL")
	}
	// The child always executes in process.
	cfg.ExecutionMode = config.ExecInProcess

	logger := newLogger(cfg).With().
		Str("job_id", jobID.String()).
		Str("archive_id", archiveID.String()).
		Logger()

	// SIGTERM from the server requests cancellation at the next stack.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(context.Background(), cfg, db.RoleRunJob, fmt.Sprintf("job-%s-%d", jobID, os.Getpid()), logger)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if opts.logPath != "" && job.LogPath != opts.logPath {
		logger.Warn().Str("stored", job.LogPath).Str("flag", opts.logPath).Msg("log path differs from job record, using job record")
	}
	if job.IsDryRun != opts.dryRun {
		logger.Warn().Bool("stored", job.IsDryRun).Bool("flag", opts.dryRun).Msg("dry run flag differs from job record, using job record")
	}

	logger.Info().Str("log_path", job.LogPath).Msg("run-job started")
	sum, err := a.runner.RunJob(ctx, archiveID, jobID, cfg.LeaseWait)
	if err != nil {
		logger.Error().Err(err).Msg("run-job failed")
		return err
	}
	logger.Info().Str("state", string(sum.Job.State)).Msg("run-job finished")
	if sum.Job.State == models.JobStateFailed {
		return fmt.Errorf("job finished as %s", sum.Job.State)
	}
	return nil
}
