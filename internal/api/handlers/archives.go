package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/executor"
	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// ArchiveStore defines the persistence operations on archive configs.
type ArchiveStore interface {
	ListArchives(ctx context.Context) ([]*models.ArchiveConfig, error)
	GetArchive(ctx context.Context, id uuid.UUID) (*models.ArchiveConfig, error)
	CreateArchive(ctx context.Context, a *models.ArchiveConfig) error
	UpdateArchive(ctx context.Context, a *models.ArchiveConfig) error
	DeleteArchive(ctx context.Context, id uuid.UUID) error
}

// JobTrigger starts archive jobs.
type JobTrigger interface {
	Trigger(ctx context.Context, archiveID uuid.UUID, req executor.TriggerRequest) (*models.Job, error)
}

// ScheduleReloader picks up schedule changes.
type ScheduleReloader interface {
	Reload(ctx context.Context) error
}

// ArchivesHandler handles archive config and trigger endpoints.
type ArchivesHandler struct {
	store     ArchiveStore
	trigger   JobTrigger
	schedules ScheduleReloader
	logger    zerolog.Logger
}

// NewArchivesHandler creates a new ArchivesHandler. schedules may be nil.
func NewArchivesHandler(store ArchiveStore, trigger JobTrigger, schedules ScheduleReloader, logger zerolog.Logger) *ArchivesHandler {
	return &ArchivesHandler{
		store:     store,
		trigger:   trigger,
		schedules: schedules,
		logger:    logger.With().Str("component", "archives_handler").Logger(),
	}
}

// RegisterRoutes registers archive routes on the given router group.
func (h *ArchivesHandler) RegisterRoutes(r *gin.RouterGroup) {
	archives := r.Group("/archives")
	{
		archives.GET("", h.List)
		archives.POST("", h.Create)
		archives.GET("/:id", h.Get)
		archives.PUT("/:id", h.Update)
		archives.DELETE("/:id", h.Delete)
		archives.POST("/:id/run", h.Run)
		archives.POST("/:id/dry-run", h.DryRun)
	}
}

// ArchiveRequest is the body of create and update requests.
type ArchiveRequest struct {
	Name            string                  `json:"name"`
	Description     string                  `json:"description"`
	Stacks          []string                `json:"stacks"`
	ScheduleCron    string                  `json:"schedule_cron"`
	ScheduleEnabled bool                    `json:"schedule_enabled"`
	Retention       *models.RetentionPolicy `json:"retention"`
	OutputFormat    models.OutputFormat     `json:"output_format"`
	PullPolicy      models.PullPolicy       `json:"pull_policy"`
	StopContainers  *bool                   `json:"stop_containers"`
}

func (req *ArchiveRequest) apply(a *models.ArchiveConfig) {
	a.Name = req.Name
	a.Description = req.Description
	a.Stacks = req.Stacks
	a.ScheduleCron = req.ScheduleCron
	a.ScheduleEnabled = req.ScheduleEnabled
	if req.Retention != nil {
		a.Retention = *req.Retention
	}
	if req.OutputFormat != "" {
		a.OutputFormat = req.OutputFormat
	}
	if req.PullPolicy != "" {
		a.PullPolicy = req.PullPolicy
	}
	if req.StopContainers != nil {
		a.StopContainers = *req.StopContainers
	}
}

func validateArchive(a *models.ArchiveConfig) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.ScheduleCron != "" {
		if _, err := cron.ParseStandard(a.ScheduleCron); err != nil {
			return errors.New("invalid schedule_cron: " + err.Error())
		}
	}
	if a.ScheduleEnabled && a.ScheduleCron == "" {
		return errors.New("schedule_enabled requires schedule_cron")
	}
	return nil
}

// List returns every archive config.
// GET /api/v1/archives
func (h *ArchivesHandler) List(c *gin.Context) {
	archives, err := h.store.ListArchives(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list archives")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list archives"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"archives": archives})
}

// Get returns one archive config.
// GET /api/v1/archives/:id
func (h *ArchivesHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	a, err := h.store.GetArchive(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "archive not found"})
		return
	}
	c.JSON(http.StatusOK, a)
}

// Create stores a new archive config.
// POST /api/v1/archives
func (h *ArchivesHandler) Create(c *gin.Context) {
	var req ArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	a := models.NewArchiveConfig(req.Name, req.Stacks)
	req.apply(a)
	if err := validateArchive(a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.CreateArchive(c.Request.Context(), a); err != nil {
		h.logger.Error().Err(err).Str("name", a.Name).Msg("failed to create archive")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create archive"})
		return
	}
	h.reload(c.Request.Context())

	h.logger.Info().Str("archive_id", a.ID.String()).Str("name", a.Name).Msg("archive created")
	c.JSON(http.StatusCreated, a)
}

// Update replaces an archive config.
// PUT /api/v1/archives/:id
func (h *ArchivesHandler) Update(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req ArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	a, err := h.store.GetArchive(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "archive not found"})
		return
	}
	req.apply(a)
	if err := validateArchive(a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.UpdatedAt = time.Now()

	if err := h.store.UpdateArchive(c.Request.Context(), a); err != nil {
		h.logger.Error().Err(err).Str("archive_id", id.String()).Msg("failed to update archive")
		c.JSON(statusFor(err), gin.H{"error": "failed to update archive"})
		return
	}
	h.reload(c.Request.Context())
	c.JSON(http.StatusOK, a)
}

// Delete removes an archive config. Existing archives on disk are kept.
// DELETE /api/v1/archives/:id
func (h *ArchivesHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteArchive(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": "failed to delete archive"})
		return
	}
	h.reload(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"message": "archive deleted"})
}

// Run starts an archive job.
// POST /api/v1/archives/:id/run
func (h *ArchivesHandler) Run(c *gin.Context) {
	h.start(c, executor.TriggerRequest{})
}

// DryRun starts a simulated archive job. The optional body selects which
// phases are simulated.
// POST /api/v1/archives/:id/dry-run
func (h *ArchivesHandler) DryRun(c *gin.Context) {
	req := executor.TriggerRequest{DryRun: true}
	if c.Request.ContentLength > 0 {
		var opts models.DryRunOptions
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		req.DryRunOpts = &opts
	}
	h.start(c, req)
}

func (h *ArchivesHandler) start(c *gin.Context, req executor.TriggerRequest) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	req.TriggeredBy = models.TriggerManual

	job, err := h.trigger.Trigger(c.Request.Context(), id, req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("archive_id", id.String()).Msg("failed to start archive job")
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

func (h *ArchivesHandler) reload(ctx context.Context) {
	if h.schedules == nil {
		return
	}
	if err := h.schedules.Reload(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("failed to reload schedules")
	}
}
