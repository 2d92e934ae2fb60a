// Package db provides PostgreSQL database connectivity using pgx.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockKey is the advisory lock key held while migrating. Archive
// leases use keys derived from config ids; see leaseKey.
const migrationLockKey int64 = 0x5354_4b41_0000_0001

// undefinedTable is the SQLSTATE for a missing relation.
const undefinedTable = "42P01"

// Role names the process a pool belongs to. It sizes the pool and is
// reported to PostgreSQL as application_name.
type Role string

const (
	// RoleServer serves the API, scheduler and in-process jobs.
	RoleServer Role = "server"
	// RoleRunJob is a detached run-job worker executing a single job.
	RoleRunJob Role = "run-job"
	// RoleMaintenance runs migrate, sweep and cleanup commands.
	RoleMaintenance Role = "maintenance"
)

// Config holds database connection configuration.
type Config struct {
	URL             string
	Role            Role
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// ConfigFor returns the pool settings for a process role. A run-job worker
// holds one lease connection and writes job rows, so it needs few
// connections; the server also serves API reads and packs downloads.
// maxConns overrides the role's ceiling when positive.
func ConfigFor(url string, role Role, maxConns int) Config {
	cfg := Config{
		URL:             url,
		Role:            role,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
	switch role {
	case RoleRunJob:
		cfg.MaxConns, cfg.MinConns = 4, 1
		cfg.MaxConnIdleTime = 5 * time.Minute
	case RoleMaintenance:
		cfg.MaxConns, cfg.MinConns = 3, 0
		cfg.MaxConnLifetime = 10 * time.Minute
	default:
		cfg.Role = RoleServer
		cfg.MaxConns, cfg.MinConns = 16, 2
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
		if cfg.MinConns > cfg.MaxConns {
			cfg.MinConns = cfg.MaxConns
		}
	}
	return cfg
}

// DB wraps a pgxpool.Pool with the job store queries.
type DB struct {
	Pool   *pgxpool.Pool
	role   Role
	logger zerolog.Logger

	mu            sync.Mutex
	schemaVersion int
	pending       int
}

// New creates a connection pool and verifies it with a ping.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	if _, ok := poolConfig.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = "stackarchiver-" + string(cfg.Role)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	db := &DB{
		Pool:          pool,
		role:          cfg.Role,
		logger:        logger.With().Str("component", "db").Str("role", string(cfg.Role)).Logger(),
		schemaVersion: -1,
		pending:       -1,
	}

	if err := db.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.logger.Info().Int32("max_conns", cfg.MaxConns).Msg("database connection pool established")
	return db, nil
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.Pool.Close()
	db.logger.Info().Msg("database connection pool closed")
}

// Health reports pool usage and the schema state seen by the last
// Migrate or CurrentVersion call. A saturated pool is flagged so the
// health endpoint shows why requests queue.
func (db *DB) Health() map[string]any {
	stats := db.Pool.Stat()
	db.mu.Lock()
	version, pending := db.schemaVersion, db.pending
	db.mu.Unlock()

	details := map[string]any{
		"role":             string(db.role),
		"total_conns":      stats.TotalConns(),
		"acquired_conns":   stats.AcquiredConns(),
		"idle_conns":       stats.IdleConns(),
		"max_conns":        stats.MaxConns(),
		"empty_acquires":   stats.EmptyAcquireCount(),
		"acquire_duration": stats.AcquireDuration().String(),
		"saturated":        stats.MaxConns() > 0 && stats.AcquiredConns() >= stats.MaxConns(),
	}
	if version >= 0 {
		details["schema_version"] = version
	}
	if pending >= 0 {
		details["pending_migrations"] = pending
	}
	return details
}

// inTx runs fn in a transaction, rolling back on error.
func (db *DB) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (db *DB) recordSchema(version, pending int) {
	db.mu.Lock()
	db.schemaVersion, db.pending = version, pending
	db.mu.Unlock()
}

// Migration represents a database migration.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// GetMigrations returns all embedded migrations sorted by version.
func GetMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		var version int
		var name string
		_, err = fmt.Sscanf(entry.Name(), "%d_%s", &version, &name)
		if err != nil {
			return nil, fmt.Errorf("parse migration filename %s: %w", entry.Name(), err)
		}

		name = strings.TrimSuffix(entry.Name(), ".sql")

		migrations = append(migrations, Migration{
			Version: version,
			Name:    name,
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// pending returns the migrations whose version is not in applied, in
// version order.
func pending(all []Migration, applied map[int]bool) []Migration {
	var out []Migration
	for _, m := range all {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	return out
}

// latest returns the highest version in applied, or 0.
func latest(applied map[int]bool) int {
	v := 0
	for version := range applied {
		if version > v {
			v = version
		}
	}
	return v
}

// Migrate applies pending migrations under an advisory lock so server and
// run-job processes starting together do not race.
func (db *DB) Migrate(ctx context.Context) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for migration lock: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	_, err = conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	all, err := GetMigrations()
	if err != nil {
		return err
	}
	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return err
	}

	todo := pending(all, applied)
	if len(todo) == 0 {
		db.logger.Debug().Int("version", latest(applied)).Msg("schema up to date")
	}
	for i, m := range todo {
		db.logger.Info().Int("version", m.Version).Str("name", m.Name).Msg("applying migration")

		err := db.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("execute migration SQL: %w", err)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)",
				m.Version, m.Name,
			); err != nil {
				return fmt.Errorf("record migration: %w", err)
			}
			return nil
		})
		if err != nil {
			db.recordSchema(latest(applied), len(todo)-i)
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		applied[m.Version] = true
	}

	db.recordSchema(latest(applied), 0)
	if len(todo) > 0 {
		db.logger.Info().Int("applied", len(todo)).Int("version", latest(applied)).Msg("migrations applied")
	}
	return nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := db.Pool.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// CurrentVersion returns the highest applied migration, or 0 before the
// first migration. It also refreshes the pending count reported by Health.
func (db *DB) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := db.Pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations",
	).Scan(&version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
			version = 0
		} else {
			return 0, fmt.Errorf("get current version: %w", err)
		}
	}

	all, err := GetMigrations()
	if err != nil {
		return version, err
	}
	n := 0
	for _, m := range all {
		if m.Version > version {
			n++
		}
	}
	db.recordSchema(version, n)
	return version, nil
}
