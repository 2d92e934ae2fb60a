package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/archive"
	"github.com/MacJediWizard/stackarchiver/internal/config"
	"github.com/MacJediWizard/stackarchiver/internal/db"
	"github.com/MacJediWizard/stackarchiver/internal/db/memstore"
	"github.com/MacJediWizard/stackarchiver/internal/docker"
	"github.com/MacJediWizard/stackarchiver/internal/downloads"
	"github.com/MacJediWizard/stackarchiver/internal/executor"
	"github.com/MacJediWizard/stackarchiver/internal/housekeeping"
	"github.com/MacJediWizard/stackarchiver/internal/joblog"
	"github.com/MacJediWizard/stackarchiver/internal/metrics"
	"github.com/MacJediWizard/stackarchiver/internal/models"
	"github.com/MacJediWizard/stackarchiver/internal/mounts"
	"github.com/MacJediWizard/stackarchiver/internal/notifications"
	"github.com/MacJediWizard/stackarchiver/internal/offsite"
	"github.com/MacJediWizard/stackarchiver/internal/stacks"
)

// store is everything the server needs from persistence. Both the
// PostgreSQL store and the in-memory store satisfy it.
type store interface {
	executor.Store
	downloads.Store
	Ping(ctx context.Context) error
	ListArchives(ctx context.Context) ([]*models.ArchiveConfig, error)
	CreateArchive(ctx context.Context, a *models.ArchiveConfig) error
	UpdateArchive(ctx context.Context, a *models.ArchiveConfig) error
	DeleteArchive(ctx context.Context, id uuid.UUID) error
	ListJobs(ctx context.Context, f models.JobFilter) ([]*models.Job, error)
	SweepStaleJobs(ctx context.Context, startedBefore time.Time) (int64, error)
	ListExpiredJobs(ctx context.Context, before time.Time) ([]*models.Job, error)
	DeleteJobs(ctx context.Context, ids []uuid.UUID) (int64, error)
	MarkArchivesDeletedUnder(ctx context.Context, dir, deletedBy string) (int64, error)
}

// app holds the wired services shared by serve and run-job.
type app struct {
	cfg      config.ServerConfig
	store    store
	database *db.DB
	registry *prometheus.Registry
	metrics  *metrics.PrometheusMetrics
	bus      *joblog.Bus
	mounts   *mounts.Inspector
	stacks   *stacks.Service
	notifier *notifications.Dispatcher
	exec     *executor.Executor
	runner   *executor.Runner
	packer   *downloads.Packer
	house    *housekeeping.Service
	logger   zerolog.Logger
}

// newApp connects the store and builds the job pipeline. role sizes the
// database pool; origin names this process on the Redis event mirror.
func newApp(ctx context.Context, cfg config.ServerConfig, role db.Role, origin string, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	for _, dir := range []string{cfg.ArchiveDir, cfg.JobLogDir, cfg.DownloadsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	var locker executor.Locker
	if cfg.DatabaseURL != "" {
		database, err := db.New(ctx, db.ConfigFor(cfg.DatabaseURL, role, cfg.DBMaxConns), logger)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.database = database
		a.store = database
		locker = db.NewAdvisoryLocker(database)
	} else {
		if cfg.ExecutionMode == config.ExecDetached {
			return nil, errors.New("detached execution requires DATABASE_URL")
		}
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
		a.store = memstore.New()
		locker = executor.NewMemoryLocker()
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewPrometheusMetrics(a.registry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	a.metrics = m

	var bridge *joblog.RedisBridge
	if cfg.RedisURL != "" {
		bridge, err = joblog.NewRedisBridge(ctx, cfg.RedisURL, origin, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, observers in other processes will follow log files")
			bridge = nil
		}
	}
	a.bus = joblog.NewBus(ctx, joblog.NewHub(256), bridge, logger)

	dockerClient := docker.NewClientWithBinary(cfg.DockerBinary, logger)
	a.mounts = mounts.NewInspector(dockerClient, logger, mounts.WithMountBase(cfg.MountBase))
	a.stacks = stacks.NewService(a.mounts, cfg.RequireMatchingMounts,
		[]string{cfg.ArchiveDir, cfg.JobLogDir, cfg.DownloadsDir}, logger)
	a.notifier = notifications.FromConfig(cfg.Notify, logger)

	deps := executor.Deps{
		Store:    a.store,
		Docker:   dockerClient,
		Stacks:   a.stacks,
		Writer:   archive.NewWriter(logger),
		Logs:     joblog.NewFileStore(cfg.JobLogDir, a.bus),
		Bus:      a.bus,
		Notifier: a.notifier,
		Metrics:  a.metrics,
	}
	if cfg.Offsite.Enabled() {
		uploader, err := offsite.NewUploader(ctx, cfg.Offsite, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("offsite upload disabled")
		} else {
			deps.Uploader = uploader
		}
	}

	a.exec = executor.New(deps, executor.Options{
		ArchiveDir:            cfg.ArchiveDir,
		PullInactivityTimeout: cfg.PullInactivityTimeout,
		MaxJobTimeout:         cfg.MaxJobTimeout,
		StackStopTimeout:      cfg.StackStopTimeout,
		ArchiveWriteTimeout:   cfg.ArchiveWriteTimeout,
		BaseURL:               cfg.BaseURL,
	}, logger)

	opts := []executor.RunnerOption{executor.WithLeaseWait(cfg.LeaseWait)}
	if cfg.ExecutionMode == config.ExecDetached {
		spawner, err := executor.NewExecSpawner("", logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, executor.WithDetached(spawner))
	}
	a.runner = executor.NewRunner(a.store, a.exec, locker, logger, opts...)

	a.house = housekeeping.New(housekeeping.Deps{
		Store:    a.store,
		Logs:     deps.Logs,
		Bus:      a.bus,
		Locker:   locker,
		Notifier: a.notifier,
		Metrics:  a.metrics,
	}, housekeeping.Options{
		ArchiveDir:   cfg.ArchiveDir,
		DownloadsDir: cfg.DownloadsDir,
		LogRetention: time.Duration(cfg.Cleanup.LogRetentionDays) * 24 * time.Hour,
		TempGrace:    cfg.MaxJobTimeout,
		Notify:       cfg.Cleanup.Notify,
		BaseURL:      cfg.BaseURL,
	}, logger)

	a.packer = downloads.NewPacker(a.store, a.notifier, a.metrics, downloads.Options{
		Dir:                  filepath.Clean(cfg.DownloadsDir),
		BaseURL:              cfg.BaseURL,
		AutoGenerateOnAccess: cfg.AutoGenerateOnAccess,
	}, logger)

	return a, nil
}

// Close releases the event bus and the database pool.
func (a *app) Close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close event bus")
		}
	}
	if a.database != nil {
		a.database.Close()
	}
}
