package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

const archiveColumns = `
	id, name, description, stacks, schedule_cron, schedule_enabled,
	retention_keep_days, retention_keep_weeks, retention_keep_months, retention_keep_years,
	retention_one_per_day, output_format, pull_policy, stop_containers,
	created_at, updated_at`

// CreateArchive inserts a new archive configuration.
func (db *DB) CreateArchive(ctx context.Context, a *models.ArchiveConfig) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO archives (`+archiveColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, a.ID, a.Name, a.Description, a.Stacks, a.ScheduleCron, a.ScheduleEnabled,
		a.Retention.KeepDays, a.Retention.KeepWeeks, a.Retention.KeepMonths, a.Retention.KeepYears,
		a.Retention.OnePerDay, a.OutputFormat, a.PullPolicy, a.StopContainers,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	return nil
}

// UpdateArchive replaces an archive configuration.
func (db *DB) UpdateArchive(ctx context.Context, a *models.ArchiveConfig) error {
	a.UpdatedAt = time.Now()
	tag, err := db.Pool.Exec(ctx, `
		UPDATE archives SET
			name = $2, description = $3, stacks = $4, schedule_cron = $5, schedule_enabled = $6,
			retention_keep_days = $7, retention_keep_weeks = $8, retention_keep_months = $9,
			retention_keep_years = $10, retention_one_per_day = $11, output_format = $12,
			pull_policy = $13, stop_containers = $14, updated_at = $15
		WHERE id = $1
	`, a.ID, a.Name, a.Description, a.Stacks, a.ScheduleCron, a.ScheduleEnabled,
		a.Retention.KeepDays, a.Retention.KeepWeeks, a.Retention.KeepMonths, a.Retention.KeepYears,
		a.Retention.OnePerDay, a.OutputFormat, a.PullPolicy, a.StopContainers, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update archive %s: %w", a.ID, models.ErrNotFound)
	}
	return nil
}

// DeleteArchive removes an archive configuration.
func (db *DB) DeleteArchive(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM archives WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete archive %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// GetArchive returns an archive configuration by ID.
func (db *DB) GetArchive(ctx context.Context, id uuid.UUID) (*models.ArchiveConfig, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+archiveColumns+` FROM archives WHERE id = $1`, id)
	a, err := scanArchive(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get archive %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("get archive: %w", err)
	}
	return a, nil
}

// ListArchives returns all archive configurations ordered by name.
func (db *DB) ListArchives(ctx context.Context) ([]*models.ArchiveConfig, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+archiveColumns+` FROM archives ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	defer rows.Close()

	var out []*models.ArchiveConfig
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArchive(row pgx.Row) (*models.ArchiveConfig, error) {
	var a models.ArchiveConfig
	var format, pull string
	err := row.Scan(
		&a.ID, &a.Name, &a.Description, &a.Stacks, &a.ScheduleCron, &a.ScheduleEnabled,
		&a.Retention.KeepDays, &a.Retention.KeepWeeks, &a.Retention.KeepMonths, &a.Retention.KeepYears,
		&a.Retention.OnePerDay, &format, &pull, &a.StopContainers,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.OutputFormat = models.OutputFormat(format)
	a.PullPolicy = models.PullPolicy(pull)
	return &a, nil
}
