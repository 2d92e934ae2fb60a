package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/mounts"
	"github.com/MacJediWizard/stackarchiver/internal/stacks"
)

// StackLister discovers stacks.
type StackLister interface {
	List(ctx context.Context) (*stacks.Snapshot, error)
}

// MountLister reports the bind mounts visible to the server.
type MountLister interface {
	Resolve(ctx context.Context) []mounts.Mount
}

// StacksHandler serves discovery results.
type StacksHandler struct {
	stacks StackLister
	mounts MountLister
	logger zerolog.Logger
}

// NewStacksHandler creates a new StacksHandler.
func NewStacksHandler(s StackLister, m MountLister, logger zerolog.Logger) *StacksHandler {
	return &StacksHandler{
		stacks: s,
		mounts: m,
		logger: logger.With().Str("component", "stacks_handler").Logger(),
	}
}

// RegisterRoutes registers discovery routes on the given router group.
func (h *StacksHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stacks", h.List)
	r.GET("/mounts", h.Mounts)
}

// List returns every discovered stack with its mount validity.
// GET /api/v1/stacks
func (h *StacksHandler) List(c *gin.Context) {
	snap, err := h.stacks.List(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("stack discovery failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stack discovery failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stacks": snap.Stacks})
}

// Mounts returns the resolved bind mounts.
// GET /api/v1/mounts
func (h *StacksHandler) Mounts(c *gin.Context) {
	ms := h.mounts.Resolve(c.Request.Context())
	if ms == nil {
		ms = []mounts.Mount{}
	}
	c.JSON(http.StatusOK, gin.H{"mounts": ms})
}
