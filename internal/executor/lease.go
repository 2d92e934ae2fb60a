package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// Locker grants one lease per archive config. Acquire waits up to wait for
// a held lease and returns models.ErrLeaseHeld if it is still held.
type Locker interface {
	Acquire(ctx context.Context, id uuid.UUID, wait time.Duration) (func(), error)
}

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[uuid.UUID]chan struct{}
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[uuid.UUID]chan struct{})}
}

// Acquire takes the lease for id.
func (l *MemoryLocker) Acquire(ctx context.Context, id uuid.UUID, wait time.Duration) (func(), error) {
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}

	for {
		l.mu.Lock()
		released, busy := l.held[id]
		if !busy {
			ch := make(chan struct{})
			l.held[id] = ch
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, id)
					l.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		l.mu.Unlock()

		if timeout == nil {
			return nil, models.ErrLeaseHeld
		}
		select {
		case <-released:
		case <-timeout:
			return nil, models.ErrLeaseHeld
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Held reports whether id is leased.
func (l *MemoryLocker) Held(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[id]
	return ok
}
