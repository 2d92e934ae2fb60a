package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/MacJediWizard/stackarchiver/internal/shutdown"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDraining  HealthStatus = "draining"
)

// HealthCheckResult represents the result of a health check.
type HealthCheckResult struct {
	Status   HealthStatus   `json:"status"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status   HealthStatus                  `json:"status"`
	Checks   map[string]*HealthCheckResult `json:"checks,omitempty"`
	Shutdown *shutdown.Status              `json:"shutdown,omitempty"`
}

// StoreHealthChecker pings the job store.
type StoreHealthChecker interface {
	Ping(ctx context.Context) error
}

// ShutdownStatus reports the drain state.
type ShutdownStatus interface {
	GetStatus() shutdown.Status
}

// HealthHandler handles health and metrics endpoints.
type HealthHandler struct {
	store      StoreHealthChecker
	shutdown   ShutdownStatus
	archiveDir string
	gatherer   prometheus.Gatherer
	usage      func(path string) (*disk.UsageStat, error)
	logger     zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler. shutdown and gatherer may be nil.
func NewHealthHandler(store StoreHealthChecker, sd ShutdownStatus, archiveDir string, gatherer prometheus.Gatherer, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		store:      store,
		shutdown:   sd,
		archiveDir: archiveDir,
		gatherer:   gatherer,
		usage:      disk.Usage,
		logger:     logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterPublicRoutes registers health and metrics routes.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/health", h.Overall)
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

// Overall returns the server health status.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := &HealthResponse{
		Status: HealthStatusHealthy,
		Checks: map[string]*HealthCheckResult{
			"store":   h.checkStore(ctx),
			"storage": h.checkStorage(),
		},
	}
	for _, check := range resp.Checks {
		if check.Status == HealthStatusUnhealthy {
			resp.Status = HealthStatusUnhealthy
		}
	}
	if h.shutdown != nil {
		st := h.shutdown.GetStatus()
		resp.Shutdown = &st
		if !st.AcceptingNewJobs && resp.Status == HealthStatusHealthy {
			resp.Status = HealthStatusDraining
		}
	}

	if resp.Status != HealthStatusHealthy {
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HealthHandler) checkStore(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	result := &HealthCheckResult{Status: HealthStatusHealthy}

	err := h.store.Ping(ctx)
	result.Duration = time.Since(start).String()
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Error = "store ping failed"
		h.logger.Warn().Err(err).Msg("store health check failed")
		return result
	}
	if hs, ok := h.store.(interface{ Health() map[string]any }); ok {
		result.Details = hs.Health()
	}
	return result
}

func (h *HealthHandler) checkStorage() *HealthCheckResult {
	result := &HealthCheckResult{Status: HealthStatusHealthy}
	u, err := h.usage(h.archiveDir)
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Error = "archive directory unavailable"
		h.logger.Warn().Err(err).Str("path", h.archiveDir).Msg("storage health check failed")
		return result
	}
	result.Details = map[string]any{
		"path":         h.archiveDir,
		"total_bytes":  u.Total,
		"free_bytes":   u.Free,
		"used_percent": u.UsedPercent,
	}
	return result
}
