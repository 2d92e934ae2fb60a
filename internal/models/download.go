package models

import (
	"time"

	"github.com/google/uuid"
)

// DownloadTokenTTL is how long a download token stays valid.
const DownloadTokenTTL = 24 * time.Hour

// PackingState is the lifecycle of the artifact behind a download token.
type PackingState string

const (
	// PackingIdle means no artifact has been produced yet.
	PackingIdle PackingState = "idle"
	// PackingInProgress means a packer owns the token.
	PackingInProgress PackingState = "packing"
	// PackingReady means FilePath can be served.
	PackingReady PackingState = "ready"
	// PackingFailed means the last attempt failed and may be retried.
	PackingFailed PackingState = "failed"
)

// DownloadToken grants time-limited access to an archive.
type DownloadToken struct {
	Token         string       `json:"token"`
	JobID         *uuid.UUID   `json:"job_id,omitempty"`
	StackName     string       `json:"stack_name"`
	ArchivePath   string       `json:"archive_path"`
	FilePath      string       `json:"file_path,omitempty"`
	IsFolder      bool         `json:"is_folder"`
	PackingState  PackingState `json:"packing_state"`
	NotifyTargets []string     `json:"notify_targets,omitempty"`
	Downloads     int          `json:"downloads"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

// NewDownloadToken creates a token for an archive path.
func NewDownloadToken(jobID *uuid.UUID, stack, archivePath string, isFolder bool, now time.Time) *DownloadToken {
	t := &DownloadToken{
		Token:        uuid.NewString(),
		JobID:        jobID,
		StackName:    stack,
		ArchivePath:  archivePath,
		IsFolder:     isFolder,
		PackingState: PackingIdle,
		CreatedAt:    now,
		ExpiresAt:    now.Add(DownloadTokenTTL),
	}
	if !isFolder {
		t.FilePath = archivePath
		t.PackingState = PackingReady
	}
	return t
}

// Expired reports whether the token is past its expiry.
func (t *DownloadToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
