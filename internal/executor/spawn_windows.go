//go:build windows

package executor

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// ExecSpawner is unavailable on Windows.
type ExecSpawner struct{}

// NewExecSpawner reports that detached mode is unsupported.
func NewExecSpawner(string, zerolog.Logger) (*ExecSpawner, error) {
	return nil, errors.New("detached execution is not supported on windows")
}

// Spawn always fails.
func (s *ExecSpawner) Spawn(context.Context, *models.Job, uuid.UUID) (Process, error) {
	return nil, errors.New("detached execution is not supported on windows")
}
