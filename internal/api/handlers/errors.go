package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/MacJediWizard/stackarchiver/internal/downloads"
	"github.com/MacJediWizard/stackarchiver/internal/executor"
	"github.com/MacJediWizard/stackarchiver/internal/housekeeping"
	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, downloads.ErrArchiveMissing):
		return http.StatusNotFound
	case errors.Is(err, executor.ErrAlreadyRunning), errors.Is(err, housekeeping.ErrCleanupRunning):
		return http.StatusConflict
	case errors.Is(err, executor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, executor.ErrJobNotRunning):
		return http.StatusConflict
	case errors.Is(err, downloads.ErrTokenExpired):
		return http.StatusGone
	case errors.Is(err, downloads.ErrPackingConflict):
		return http.StatusAccepted
	case errors.Is(err, downloads.ErrNotReady):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// parseID reads a uuid path parameter, writing a 400 on failure.
func parseID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}
