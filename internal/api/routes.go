// Package api provides the HTTP API for the archiver server.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/api/handlers"
	"github.com/MacJediWizard/stackarchiver/internal/api/middleware"
	"github.com/MacJediWizard/stackarchiver/internal/joblog"
	"github.com/MacJediWizard/stackarchiver/internal/metrics"
)

// Config holds configuration for the API router.
type Config struct {
	// DownloadRateLimit limits token creation and downloads per client IP,
	// in limiter format (e.g. "30-M").
	DownloadRateLimit string
	// ArchiveDir is checked for free space by the health endpoint.
	ArchiveDir string
	// Version information for the version endpoint.
	Version string
	Commit  string
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		DownloadRateLimit: "30-M",
		ArchiveDir:        "/archives",
		Version:           "dev",
		Commit:            "unknown",
	}
}

// Store is the persistence the handlers share.
type Store interface {
	handlers.ArchiveStore
	handlers.JobStore
	handlers.StoreHealthChecker
}

// JobRunner starts and cancels archive jobs.
type JobRunner interface {
	handlers.JobTrigger
	handlers.JobCanceller
}

// Deps are the services behind the routes. Schedules, Shutdown,
// Housekeeping, Bus, Metrics and Gatherer may be nil.
type Deps struct {
	Store        Store
	Runner       JobRunner
	Stacks       handlers.StackLister
	Mounts       handlers.MountLister
	Packer       handlers.Packer
	Schedules    handlers.ScheduleReloader
	Shutdown     handlers.ShutdownStatus
	Housekeeping handlers.Housekeeper
	Bus          *joblog.Bus
	Metrics      *metrics.PrometheusMetrics
	Gatherer     prometheus.Gatherer
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Deps, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))

	downloadLimit, err := middleware.NewRateLimiter(cfg.DownloadRateLimit)
	if err != nil {
		return nil, err
	}

	// Health check and metrics endpoints
	healthHandler := handlers.NewHealthHandler(deps.Store, deps.Shutdown, cfg.ArchiveDir, deps.Gatherer, logger)
	healthHandler.RegisterPublicRoutes(r.Engine)

	r.Engine.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": cfg.Version, "commit": cfg.Commit})
	})

	downloadsHandler := handlers.NewDownloadsHandler(deps.Packer, logger)
	downloadsHandler.RegisterPublicRoutes(r.Engine, downloadLimit)

	// API v1 routes
	apiV1 := r.Engine.Group("/api/v1")

	archivesHandler := handlers.NewArchivesHandler(deps.Store, deps.Runner, deps.Schedules, logger)
	archivesHandler.RegisterRoutes(apiV1)

	jobsHandler := handlers.NewJobsHandler(deps.Store, deps.Runner, deps.Bus, deps.Metrics, logger)
	jobsHandler.RegisterRoutes(apiV1)

	stacksHandler := handlers.NewStacksHandler(deps.Stacks, deps.Mounts, logger)
	stacksHandler.RegisterRoutes(apiV1)

	downloadsHandler.RegisterRoutes(apiV1, downloadLimit)

	if deps.Housekeeping != nil {
		handlers.NewHousekeepingHandler(deps.Housekeeping, logger).RegisterRoutes(apiV1)
	}

	r.logger.Info().Msg("API router initialized")
	return r, nil
}
