package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/MacJediWizard/stackarchiver/internal/api"
	"github.com/MacJediWizard/stackarchiver/internal/config"
	"github.com/MacJediWizard/stackarchiver/internal/db"
	"github.com/MacJediWizard/stackarchiver/internal/scheduler"
	"github.com/MacJediWizard/stackarchiver/internal/shutdown"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := serve(); code != 0 {
				return fmt.Errorf("server exited with code %d", code)
			}
			return nil
		},
	}
}

func serve() int {
	cfg := config.LoadServerConfig()
	logger := newLogger(cfg)

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("execution_mode", string(cfg.ExecutionMode)).
		Msg("Starting stackarchiver server")

	if cfg.Environment == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hostname, _ := os.Hostname()
	a, err := newApp(ctx, cfg, db.RoleServer, fmt.Sprintf("server-%s-%d", hostname, os.Getpid()), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize server")
		return 1
	}
	defer a.Close()

	if a.database != nil {
		if err := a.database.Migrate(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to run database migrations")
			return 1
		}
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Maintenance = cfg.Maintenance
	if cfg.Cleanup.Enabled {
		schedCfg.CleanupSpec = cfg.Cleanup.Schedule
		schedCfg.CleanupDryRun = cfg.Cleanup.DryRun
	}
	sched := scheduler.New(a.store, a.runner, a.packer, schedCfg, logger)
	sched.SetCleaner(a.house)
	if err := sched.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start scheduler")
		return 1
	}

	shutdownManager := shutdown.NewManager(shutdown.Config{
		Timeout:         cfg.ShutdownTimeout,
		CancelRemaining: true,
	}, a.runner, logger)

	if cfg.AutoGenerateOnStartup {
		if n, err := a.packer.ResumePending(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to resume pending downloads")
		} else if n > 0 {
			logger.Info().Int("count", n).Msg("Resumed pending downloads")
		}
	}

	router, err := api.NewRouter(api.Config{
		DownloadRateLimit: cfg.DownloadRateLimit,
		ArchiveDir:        cfg.ArchiveDir,
		Version:           Version,
		Commit:            Commit,
	}, api.Deps{
		Store:        a.store,
		Runner:       a.runner,
		Stacks:       a.stacks,
		Mounts:       a.mounts,
		Packer:       a.packer,
		Schedules:    sched,
		Shutdown:     shutdownManager,
		Housekeeping: a.house,
		Bus:          a.bus,
		Metrics:      a.metrics,
		Gatherer:     a.registry,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build API router")
		return 1
	}

	// Request contexts derive from reqCtx so live streams end on shutdown.
	reqCtx, cancelRequests := context.WithCancel(ctx)
	defer cancelRequests()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return reqCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("HTTP server failed")
		exitCode = 1
	}

	<-sched.Stop().Done()

	// Jobs drain while the API keeps serving status and logs.
	if err := shutdownManager.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}

	cancelRequests()
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown did not complete")
	}

	packCtx, packCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer packCancel()
	if err := a.packer.Wait(packCtx); err != nil {
		logger.Warn().Msg("Download packs still running at exit")
	}
	if err := a.house.Wait(packCtx); err != nil {
		logger.Warn().Msg("Housekeeping jobs still running at exit")
	}

	logger.Info().Msg("Server stopped")
	return exitCode
}
