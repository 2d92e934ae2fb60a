package handlers

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/downloads"
	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// Packer issues and serves download tokens.
type Packer interface {
	Request(ctx context.Context, jobID uuid.UUID, stack, notify string) (*models.DownloadToken, error)
	RequestPack(ctx context.Context, token string) (downloads.PackResult, error)
	Fetch(ctx context.Context, token string) (*models.DownloadToken, error)
	Link(token string) string
}

// DownloadsHandler handles download token endpoints.
type DownloadsHandler struct {
	packer Packer
	logger zerolog.Logger
}

// NewDownloadsHandler creates a new DownloadsHandler.
func NewDownloadsHandler(packer Packer, logger zerolog.Logger) *DownloadsHandler {
	return &DownloadsHandler{
		packer: packer,
		logger: logger.With().Str("component", "downloads_handler").Logger(),
	}
}

// RegisterRoutes registers token management routes on the given router group.
func (h *DownloadsHandler) RegisterRoutes(r *gin.RouterGroup, limit gin.HandlerFunc) {
	r.POST("/downloads", limit, h.Create)
	r.POST("/downloads/:token/pack", limit, h.Pack)
}

// RegisterPublicRoutes registers the token download route.
func (h *DownloadsHandler) RegisterPublicRoutes(r *gin.Engine, limit gin.HandlerFunc) {
	r.GET("/download/:token", limit, h.Download)
}

// CreateDownloadRequest is the body of a token request.
type CreateDownloadRequest struct {
	JobID     uuid.UUID `json:"job_id" binding:"required"`
	StackName string    `json:"stack_name" binding:"required"`
	Notify    string    `json:"notify" binding:"omitempty,email"`
}

// Create issues a download token for a stack archive.
// POST /api/v1/downloads
func (h *DownloadsHandler) Create(c *gin.Context) {
	var req CreateDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	t, err := h.packer.Request(c.Request.Context(), req.JobID, req.StackName, req.Notify)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("job_id", req.JobID.String()).Str("stack", req.StackName).Msg("failed to create download token")
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":         t.Token,
		"url":           h.packer.Link(t.Token),
		"is_folder":     t.IsFolder,
		"packing_state": t.PackingState,
		"expires_at":    t.ExpiresAt,
	})
}

// Pack starts packing a folder archive.
// POST /api/v1/downloads/:token/pack
func (h *DownloadsHandler) Pack(c *gin.Context) {
	res, err := h.packer.RequestPack(c.Request.Context(), c.Param("token"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	status := http.StatusAccepted
	if res == downloads.AlreadyReady {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"result": res})
}

// Download serves the artifact behind a token.
// GET /download/:token
func (h *DownloadsHandler) Download(c *gin.Context) {
	t, err := h.packer.Fetch(c.Request.Context(), c.Param("token"))
	switch {
	case errors.Is(err, downloads.ErrTokenExpired):
		c.JSON(http.StatusGone, gin.H{"error": "download link expired"})
		return
	case errors.Is(err, downloads.ErrPackingConflict):
		c.Header("Retry-After", "10")
		c.JSON(http.StatusAccepted, gin.H{"message": "archive is being prepared, retry shortly"})
		return
	case err != nil:
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.FileAttachment(t.FilePath, filepath.Base(t.FilePath))
}
