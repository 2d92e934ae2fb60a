package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

const jobColumns = `
	id, job_type, archive_id, parent_id, legacy_id, stack_name, status,
	start_time, end_time, duration_seconds, archive_size_bytes, reclaimed_bytes,
	log_path, is_dry_run, dry_run_config, triggered_by, error, created_at`

// CreateJob inserts a job record.
func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	dryRun, err := marshalDryRun(job.DryRun)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, job.ID, job.Type, job.ArchiveID, job.ParentID, job.LegacyID, job.StackName, job.State,
		job.StartTime, job.EndTime, job.DurationSeconds, job.ArchiveSizeBytes, job.ReclaimedBytes,
		job.LogPath, job.IsDryRun, dryRun, job.TriggeredBy, job.Error, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// UpdateJob writes the mutable fields of a job.
func (db *DB) UpdateJob(ctx context.Context, job *models.Job) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET
			status = $2, start_time = $3, end_time = $4, duration_seconds = $5,
			archive_size_bytes = $6, reclaimed_bytes = $7, log_path = $8, error = $9
		WHERE id = $1
	`, job.ID, job.State, job.StartTime, job.EndTime, job.DurationSeconds,
		job.ArchiveSizeBytes, job.ReclaimedBytes, job.LogPath, job.Error)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s: %w", job.ID, models.ErrNotFound)
	}
	return nil
}

// GetJob returns a job by ID.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get job %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (db *DB) ListJobs(ctx context.Context, f models.JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE TRUE`
	var args []interface{}
	argNum := 1

	if f.ArchiveID != nil {
		query += fmt.Sprintf(" AND archive_id = $%d", argNum)
		args = append(args, *f.ArchiveID)
		argNum++
	}
	if f.ParentID != nil {
		query += fmt.Sprintf(" AND parent_id = $%d", argNum)
		args = append(args, *f.ParentID)
		argNum++
	}
	if f.Type != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argNum)
		args = append(args, f.Type)
		argNum++
	}
	if f.State != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, f.State)
		argNum++
	}

	limit := f.Limit
	if limit <= 0 {
		limit = models.DefaultJobListLimit
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argNum)
	args = append(args, limit)

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// SweepStaleJobs marks jobs that are running with an end time, or were
// running before startedBefore, as failed. It returns the number swept.
func (db *DB) SweepStaleJobs(ctx context.Context, startedBefore time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'failed',
			end_time = COALESCE(end_time, NOW()),
			error = CASE WHEN error = '' THEN 'interrupted: process exited while job was running' ELSE error END
		WHERE status = 'running'
		  AND (end_time IS NOT NULL OR start_time IS NULL OR start_time < $1)
	`, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("sweep stale jobs: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		db.logger.Warn().Int64("count", n).Msg("swept stale running jobs to failed")
	}
	return tag.RowsAffected(), nil
}

// AddStackMetric appends a per-stack metric for a job.
func (db *DB) AddStackMetric(ctx context.Context, m *models.JobStackMetric) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO job_stack_metrics (
			job_id, seq, stack_name, status, was_running, stopped, archived, restarted,
			archive_path, bytes_written, elapsed_seconds, error, skip_reason,
			images_pulled, pull_output, soft_failure
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, m.JobID, m.Seq, m.StackName, m.Status, m.WasRunning, m.Stopped, m.Archived, m.Restarted,
		m.ArchivePath, m.BytesWritten, m.ElapsedSeconds, m.Error, m.SkipReason,
		m.ImagesPulled, m.PullOutput, m.SoftFailure)
	if err != nil {
		return fmt.Errorf("add stack metric: %w", err)
	}
	return nil
}

// ListStackMetrics returns a job's metrics in processing order.
func (db *DB) ListStackMetrics(ctx context.Context, jobID uuid.UUID) ([]*models.JobStackMetric, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT job_id, seq, stack_name, status, was_running, stopped, archived, restarted,
		       archive_path, bytes_written, elapsed_seconds, error, skip_reason,
		       images_pulled, pull_output, soft_failure, deleted_at, deleted_by
		FROM job_stack_metrics
		WHERE job_id = $1
		ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list stack metrics: %w", err)
	}
	defer rows.Close()

	var out []*models.JobStackMetric
	for rows.Next() {
		var m models.JobStackMetric
		var status string
		if err := rows.Scan(
			&m.JobID, &m.Seq, &m.StackName, &status, &m.WasRunning, &m.Stopped, &m.Archived, &m.Restarted,
			&m.ArchivePath, &m.BytesWritten, &m.ElapsedSeconds, &m.Error, &m.SkipReason,
			&m.ImagesPulled, &m.PullOutput, &m.SoftFailure, &m.DeletedAt, &m.DeletedBy,
		); err != nil {
			return nil, fmt.Errorf("scan stack metric: %w", err)
		}
		m.Status = models.StackStatus(status)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MarkArchiveDeleted records that the artifact at archivePath was removed.
func (db *DB) MarkArchiveDeleted(ctx context.Context, archivePath, deletedBy string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE job_stack_metrics SET deleted_at = NOW(), deleted_by = $2
		WHERE archive_path = $1 AND deleted_at IS NULL
	`, archivePath, deletedBy)
	if err != nil {
		return fmt.Errorf("mark archive deleted: %w", err)
	}
	return nil
}

// MarkArchivesDeletedUnder records that every artifact below dir was removed.
func (db *DB) MarkArchivesDeletedUnder(ctx context.Context, dir, deletedBy string) (int64, error) {
	prefix := strings.TrimRight(dir, "/") + "/"
	tag, err := db.Pool.Exec(ctx, `
		UPDATE job_stack_metrics SET deleted_at = NOW(), deleted_by = $2
		WHERE starts_with(archive_path, $1) AND deleted_at IS NULL
	`, prefix, deletedBy)
	if err != nil {
		return 0, fmt.Errorf("mark archives deleted under %s: %w", dir, err)
	}
	return tag.RowsAffected(), nil
}

// ListExpiredJobs returns finished jobs whose start time, or creation time
// for jobs that never started, is before the cutoff. Oldest first.
func (db *DB) ListExpiredJobs(ctx context.Context, before time.Time) ([]*models.Job, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('success', 'partial_failure', 'failed')
		  AND COALESCE(start_time, created_at) < $1
		ORDER BY created_at
	`, before)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// DeleteJobs removes jobs with their child jobs and metrics. Download tokens
// that referenced them are detached, not deleted. Returns the number of job
// rows removed, children included.
func (db *DB) DeleteJobs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		children, err := tx.Exec(ctx, `DELETE FROM jobs WHERE parent_id = ANY($1) AND NOT (id = ANY($1))`, ids)
		if err != nil {
			return fmt.Errorf("delete child jobs: %w", err)
		}
		parents, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		total = children.RowsAffected() + parents.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	var jobType, status string
	var dryRun []byte
	err := row.Scan(
		&job.ID, &jobType, &job.ArchiveID, &job.ParentID, &job.LegacyID, &job.StackName, &status,
		&job.StartTime, &job.EndTime, &job.DurationSeconds, &job.ArchiveSizeBytes, &job.ReclaimedBytes,
		&job.LogPath, &job.IsDryRun, &dryRun, &job.TriggeredBy, &job.Error, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Type = models.JobType(jobType)
	job.State = models.JobState(status)
	if len(dryRun) > 0 {
		var opts models.DryRunOptions
		if err := json.Unmarshal(dryRun, &opts); err == nil {
			job.DryRun = &opts
		}
	}
	return &job, nil
}

func marshalDryRun(opts *models.DryRunOptions) ([]byte, error) {
	if opts == nil {
		return nil, nil
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("marshal dry run options: %w", err)
	}
	return b, nil
}
