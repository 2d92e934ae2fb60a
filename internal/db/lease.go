package db

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// leaseKey maps a config id to an advisory lock key.
func leaseKey(id uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write([]byte("archive-lease:"))
	h.Write(id[:])
	return int64(h.Sum64())
}

// AdvisoryLocker grants per-config leases with session-level Postgres
// advisory locks, so runs in different processes exclude each other. Each
// held lease pins one pooled connection until it is released.
type AdvisoryLocker struct {
	db   *DB
	poll time.Duration

	mu    sync.Mutex
	conns map[uuid.UUID]*pgxpool.Conn
}

// NewAdvisoryLocker creates an AdvisoryLocker.
func NewAdvisoryLocker(db *DB) *AdvisoryLocker {
	return &AdvisoryLocker{
		db:    db,
		poll:  500 * time.Millisecond,
		conns: make(map[uuid.UUID]*pgxpool.Conn),
	}
}

// Acquire takes the lease for id, retrying until wait elapses. A zero wait
// tries once. The returned func releases the lease.
func (l *AdvisoryLocker) Acquire(ctx context.Context, id uuid.UUID, wait time.Duration) (func(), error) {
	deadline := time.Now().Add(wait)
	key := leaseKey(id)

	for {
		conn, err := l.db.Pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire connection for lease: %w", err)
		}

		var ok bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
			conn.Release()
			return nil, fmt.Errorf("try advisory lock: %w", err)
		}
		if ok {
			l.mu.Lock()
			l.conns[id] = conn
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() { l.release(id, key) })
			}, nil
		}
		conn.Release()

		if !time.Now().Before(deadline) {
			return nil, models.ErrLeaseHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

func (l *AdvisoryLocker) release(id uuid.UUID, key int64) {
	l.mu.Lock()
	conn := l.conns[id]
	delete(l.conns, id)
	l.mu.Unlock()

	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
		l.db.logger.Warn().Err(err).Str("archive_id", id.String()).Msg("failed to release lease, closing connection")
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}
