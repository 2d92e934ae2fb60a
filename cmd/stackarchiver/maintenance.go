package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/MacJediWizard/stackarchiver/internal/config"
	"github.com/MacJediWizard/stackarchiver/internal/db"
	"github.com/MacJediWizard/stackarchiver/internal/models"
)

func newMigrateCmd() *cobra.Command {
	var showVersion bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadServerConfig()
			logger := newLogger(cfg)
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			database, err := db.New(ctx, db.ConfigFor(cfg.DatabaseURL, db.RoleMaintenance, cfg.DBMaxConns), logger)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer database.Close()

			if !showVersion {
				logger.Info().Msg("running database migrations")
				if err := database.Migrate(ctx); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}
			version, err := database.CurrentVersion(ctx)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			cmd.Printf("schema version: %d\n", version)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showVersion, "version", false, "Show the current schema version without migrating")
	return cmd
}

func newSweepCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail stale running jobs and remove expired download tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadServerConfig()
			logger := newLogger(cfg)
			if olderThan <= 0 {
				olderThan = cfg.MaxJobTimeout
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			a, err := newApp(ctx, cfg, db.RoleMaintenance, "sweep", logger)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.store.SweepStaleJobs(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return fmt.Errorf("sweep stale jobs: %w", err)
			}
			tokens, err := a.packer.SweepExpired(ctx)
			if err != nil {
				return fmt.Errorf("sweep download tokens: %w", err)
			}
			cmd.Printf("stale jobs failed: %d, expired tokens removed: %d\n", jobs, tokens)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Fail running jobs started before this age (default MAX_JOB_TIMEOUT)")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove orphaned archive directories, expired job logs and partial files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadServerConfig()
			logger := newLogger(cfg)

			ctx, cancel := context.WithTimeout(context.Background(), cfg.MaxJobTimeout)
			defer cancel()

			a, err := newApp(ctx, cfg, db.RoleMaintenance, "cleanup", logger)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.house.RunCleanup(ctx, dryRun, models.TriggerManual)
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}

			verb := "removed"
			if rep.DryRun {
				verb = "would remove"
			}
			for _, s := range rep.Sweeps {
				cmd.Printf("%-8s %s %d (%s)\n", s.Name, verb, s.Removed, humanize.IBytes(uint64(s.Reclaimed)))
				for _, e := range s.Errors {
					cmd.Printf("         error: %s\n", e)
				}
			}
			cmd.Printf("job %s: %s, log %s\n", rep.Job.ID, rep.Job.State, rep.Job.LogPath)
			if rep.Job.State != models.JobStateSuccess {
				return fmt.Errorf("cleanup finished with state %s", rep.Job.State)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be removed without deleting anything")
	return cmd
}
