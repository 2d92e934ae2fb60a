package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

const tokenColumns = `
	token, job_id, stack_name, archive_path, file_path, is_folder, packing_state,
	notify_targets, downloads, created_at, expires_at`

// CreateDownloadToken inserts a download token.
func (db *DB) CreateDownloadToken(ctx context.Context, t *models.DownloadToken) error {
	targets := t.NotifyTargets
	if targets == nil {
		targets = []string{}
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO download_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.Token, t.JobID, t.StackName, t.ArchivePath, t.FilePath, t.IsFolder, t.PackingState,
		targets, t.Downloads, t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create download token: %w", err)
	}
	return nil
}

// GetDownloadToken returns a token by value.
func (db *DB) GetDownloadToken(ctx context.Context, token string) (*models.DownloadToken, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM download_tokens WHERE token = $1`, token)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get download token: %w", models.ErrNotFound)
		}
		return nil, fmt.Errorf("get download token: %w", err)
	}
	return t, nil
}

// TransitionPackingState atomically moves a token from one of the from
// states to the to state. It reports false when the token was in another
// state, which means some other caller won the race.
func (db *DB) TransitionPackingState(ctx context.Context, token string, from []models.PackingState, to models.PackingState) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE download_tokens SET packing_state = $3
		WHERE token = $1 AND packing_state = ANY($2)
	`, token, states, to)
	if err != nil {
		return false, fmt.Errorf("transition packing state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompletePacking records the outcome of a packing run.
func (db *DB) CompletePacking(ctx context.Context, token string, state models.PackingState, filePath string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE download_tokens SET packing_state = $2, file_path = $3
		WHERE token = $1
	`, token, state, filePath)
	if err != nil {
		return fmt.Errorf("complete packing: %w", err)
	}
	return nil
}

// AddNotifyTarget appends a recipient to be told when packing completes.
func (db *DB) AddNotifyTarget(ctx context.Context, token, target string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE download_tokens SET notify_targets = array_append(notify_targets, $2)
		WHERE token = $1 AND NOT ($2 = ANY(notify_targets))
	`, token, target)
	if err != nil {
		return fmt.Errorf("add notify target: %w", err)
	}
	return nil
}

// IncrementDownloads counts a served download.
func (db *DB) IncrementDownloads(ctx context.Context, token string) error {
	_, err := db.Pool.Exec(ctx, `UPDATE download_tokens SET downloads = downloads + 1 WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("increment downloads: %w", err)
	}
	return nil
}

// ListPendingDownloadTokens returns unexpired folder tokens that have no
// ready artifact.
func (db *DB) ListPendingDownloadTokens(ctx context.Context, now time.Time) ([]*models.DownloadToken, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+tokenColumns+` FROM download_tokens
		WHERE expires_at > $1 AND is_folder AND packing_state <> 'ready'
		ORDER BY created_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list pending download tokens: %w", err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

// DeleteExpiredDownloadTokens removes expired tokens and returns them so
// their generated files can be cleaned up.
func (db *DB) DeleteExpiredDownloadTokens(ctx context.Context, now time.Time) ([]*models.DownloadToken, error) {
	rows, err := db.Pool.Query(ctx, `
		DELETE FROM download_tokens WHERE expires_at <= $1
		RETURNING `+tokenColumns, now)
	if err != nil {
		return nil, fmt.Errorf("delete expired download tokens: %w", err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

func scanTokens(rows pgx.Rows) ([]*models.DownloadToken, error) {
	var out []*models.DownloadToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan download token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanToken(row pgx.Row) (*models.DownloadToken, error) {
	var t models.DownloadToken
	var state string
	err := row.Scan(
		&t.Token, &t.JobID, &t.StackName, &t.ArchivePath, &t.FilePath, &t.IsFolder, &state,
		&t.NotifyTargets, &t.Downloads, &t.CreatedAt, &t.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	t.PackingState = models.PackingState(state)
	return &t, nil
}
