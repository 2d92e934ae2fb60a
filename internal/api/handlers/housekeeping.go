package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// Housekeeper starts cleanup and standalone retention jobs.
type Housekeeper interface {
	StartCleanup(ctx context.Context, dryRun bool, triggeredBy string) (*models.Job, error)
	StartRetention(ctx context.Context, archiveID uuid.UUID, dryRun bool, triggeredBy string) (*models.Job, error)
}

// HousekeepingHandler handles cleanup and retention triggers.
type HousekeepingHandler struct {
	housekeeper Housekeeper
	logger      zerolog.Logger
}

// NewHousekeepingHandler creates a new HousekeepingHandler.
func NewHousekeepingHandler(housekeeper Housekeeper, logger zerolog.Logger) *HousekeepingHandler {
	return &HousekeepingHandler{
		housekeeper: housekeeper,
		logger:      logger.With().Str("component", "housekeeping_handler").Logger(),
	}
}

// RegisterRoutes registers housekeeping routes on the given router group.
func (h *HousekeepingHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/cleanup/run", h.Cleanup)
	r.POST("/archives/:id/retention", h.Retention)
}

// HousekeepingRequest is the optional body of the housekeeping triggers.
type HousekeepingRequest struct {
	DryRun bool `json:"dry_run"`
}

func bindHousekeeping(c *gin.Context) (HousekeepingRequest, bool) {
	var req HousekeepingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return req, false
		}
	}
	return req, true
}

// Cleanup starts a cleanup job.
// POST /api/v1/cleanup/run
func (h *HousekeepingHandler) Cleanup(c *gin.Context) {
	req, ok := bindHousekeeping(c)
	if !ok {
		return
	}
	job, err := h.housekeeper.StartCleanup(c.Request.Context(), req.DryRun, models.TriggerManual)
	h.respond(c, job, err, "cleanup")
}

// Retention prunes one archive config's series outside an archive run.
// POST /api/v1/archives/:id/retention
func (h *HousekeepingHandler) Retention(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	req, ok := bindHousekeeping(c)
	if !ok {
		return
	}
	job, err := h.housekeeper.StartRetention(c.Request.Context(), id, req.DryRun, models.TriggerManual)
	h.respond(c, job, err, "retention")
}

func (h *HousekeepingHandler) respond(c *gin.Context, job *models.Job, err error, kind string) {
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("kind", kind).Msg("failed to start housekeeping job")
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     job.ID,
		"is_dry_run": job.IsDryRun,
		"log_path":   job.LogPath,
	})
}
