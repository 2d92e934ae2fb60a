package models

import (
	"time"

	"github.com/google/uuid"
)

// JobType defines the kind of job.
type JobType string

const (
	// JobTypeArchiveMaster is the top-level job for one config run.
	JobTypeArchiveMaster JobType = "archive_master"
	// JobTypeArchiveStack is a child job for a single stack.
	JobTypeArchiveStack JobType = "archive_stack"
	// JobTypeRetention is a standalone retention run.
	JobTypeRetention JobType = "retention"
	// JobTypeCleanup is a maintenance sweep.
	JobTypeCleanup JobType = "cleanup"
)

// JobState defines the lifecycle state of a job.
type JobState string

const (
	// JobStatePending means the job was created but not started.
	JobStatePending JobState = "pending"
	// JobStateRunning means the job is executing.
	JobStateRunning JobState = "running"
	// JobStateSuccess means every step succeeded.
	JobStateSuccess JobState = "success"
	// JobStatePartialFailure means the job finished with skipped stacks or soft failures.
	JobStatePartialFailure JobState = "partial_failure"
	// JobStateFailed means at least one hard failure occurred.
	JobStateFailed JobState = "failed"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSuccess, JobStatePartialFailure, JobStateFailed:
		return true
	}
	return false
}

// Trigger sources for a job.
const (
	TriggerManual     = "manual"
	TriggerSchedule   = "schedule"
	TriggerSubprocess = "subprocess"
)

// DryRunOptions selects which phases a dry run simulates.
type DryRunOptions struct {
	StopContainers bool `json:"stop_containers"`
	CreateArchive  bool `json:"create_archive"`
	RunRetention   bool `json:"run_retention"`
}

// DefaultDryRunOptions simulates every phase.
func DefaultDryRunOptions() DryRunOptions {
	return DryRunOptions{StopContainers: true, CreateArchive: true, RunRetention: true}
}

// Job is a single execution record.
type Job struct {
	ID               uuid.UUID      `json:"id"`
	Type             JobType        `json:"type"`
	ArchiveID        *uuid.UUID     `json:"archive_id,omitempty"`
	ParentID         *uuid.UUID     `json:"parent_id,omitempty"`
	LegacyID         *int64         `json:"legacy_id,omitempty"`
	StackName        string         `json:"stack_name,omitempty"`
	State            JobState       `json:"state"`
	StartTime        *time.Time     `json:"start_time,omitempty"`
	EndTime          *time.Time     `json:"end_time,omitempty"`
	DurationSeconds  float64        `json:"duration_seconds"`
	ArchiveSizeBytes int64          `json:"archive_size_bytes"`
	ReclaimedBytes   int64          `json:"reclaimed_bytes"`
	LogPath          string         `json:"log_path,omitempty"`
	IsDryRun         bool           `json:"is_dry_run"`
	DryRun           *DryRunOptions `json:"dry_run_options,omitempty"`
	TriggeredBy      string         `json:"triggered_by"`
	Error            string         `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// NewJob creates a pending job.
func NewJob(jobType JobType, archiveID *uuid.UUID, triggeredBy string) *Job {
	return &Job{
		ID:          uuid.New(),
		Type:        jobType,
		ArchiveID:   archiveID,
		State:       JobStatePending,
		TriggeredBy: triggeredBy,
		CreatedAt:   time.Now(),
	}
}

// Start marks the job running.
func (j *Job) Start(now time.Time) {
	j.State = JobStateRunning
	j.StartTime = &now
	j.EndTime = nil
}

// Finish sets the terminal state and timing fields.
func (j *Job) Finish(state JobState, now time.Time, errMsg string) {
	j.State = state
	j.EndTime = &now
	if j.StartTime != nil {
		j.DurationSeconds = now.Sub(*j.StartTime).Seconds()
	}
	if errMsg != "" {
		j.Error = errMsg
	}
}

// Reference is the start time, or the creation time for jobs that never started.
func (j *Job) Reference() time.Time {
	if j.StartTime != nil {
		return *j.StartTime
	}
	return j.CreatedAt
}

// Stale reports whether a job record violates the running invariant: it is
// running with an end time, or it was running before startedBefore.
func (j *Job) Stale(startedBefore time.Time) bool {
	if j.State != JobStateRunning {
		return false
	}
	if j.EndTime != nil || j.StartTime == nil {
		return true
	}
	return j.StartTime.Before(startedBefore)
}

// StackStatus is the outcome of processing a single stack.
type StackStatus string

const (
	// StackSuccess means the stack was archived.
	StackSuccess StackStatus = "success"
	// StackFailed means a hard failure occurred.
	StackFailed StackStatus = "failed"
	// StackSkipped means the stack was skipped by policy or timeout.
	StackSkipped StackStatus = "skipped"
)

// JobStackMetric records what happened to one stack in a job.
type JobStackMetric struct {
	JobID          uuid.UUID   `json:"job_id"`
	Seq            int         `json:"seq"`
	StackName      string      `json:"stack_name"`
	Status         StackStatus `json:"status"`
	WasRunning     bool        `json:"was_running"`
	Stopped        bool        `json:"stopped"`
	Archived       bool        `json:"archived"`
	Restarted      bool        `json:"restarted"`
	ArchivePath    string      `json:"archive_path,omitempty"`
	BytesWritten   int64       `json:"bytes_written"`
	ElapsedSeconds float64     `json:"elapsed_seconds"`
	Error          string      `json:"error,omitempty"`
	SkipReason     string      `json:"skip_reason,omitempty"`
	ImagesPulled   bool        `json:"images_pulled"`
	PullOutput     string      `json:"pull_output,omitempty"`
	SoftFailure    bool        `json:"soft_failure"`
	DeletedAt      *time.Time  `json:"deleted_at,omitempty"`
	DeletedBy      string      `json:"deleted_by,omitempty"`
}

// JobFilter narrows a job listing.
type JobFilter struct {
	ArchiveID *uuid.UUID
	ParentID  *uuid.UUID
	Type      JobType
	State     JobState
	Limit     int
}

// DefaultJobListLimit caps listings that do not set a limit.
const DefaultJobListLimit = 50
