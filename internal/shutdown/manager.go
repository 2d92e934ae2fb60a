// Package shutdown coordinates graceful shutdown of the archiver server.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State represents the current shutdown state.
type State string

const (
	// StateRunning indicates the server is running normally.
	StateRunning State = "running"
	// StateDraining indicates the server is waiting for running jobs and not accepting new ones.
	StateDraining State = "draining"
	// StateCancelling indicates remaining jobs were asked to stop at their next stack boundary.
	StateCancelling State = "cancelling"
	// StateComplete indicates shutdown is complete.
	StateComplete State = "complete"
)

// JobTracker is the part of the job runner the manager drives.
type JobTracker interface {
	// ActiveJobs returns the IDs of jobs running in this process.
	ActiveJobs() []uuid.UUID
	// Drain stops accepting triggers and waits for running jobs or ctx.
	Drain(ctx context.Context) error
	// Cancel asks a job to stop at its next stack boundary.
	Cancel(jobID uuid.UUID) error
}

// Status represents the current shutdown status.
type Status struct {
	State            State         `json:"state"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	TimeRemaining    time.Duration `json:"time_remaining,omitempty"`
	RunningJobs      int           `json:"running_jobs"`
	CancelledCount   int           `json:"cancelled_count"`
	AcceptingNewJobs bool          `json:"accepting_new_jobs"`
	Message          string        `json:"message,omitempty"`
}

// Config holds configuration for the shutdown manager.
type Config struct {
	// Timeout is the maximum time to wait for graceful shutdown.
	Timeout time.Duration

	// CancelRemaining cancels jobs still running once the wait share of
	// Timeout has passed.
	CancelRemaining bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Minute,
		CancelRemaining: true,
	}
}

// Manager coordinates graceful shutdown.
type Manager struct {
	config        Config
	tracker       JobTracker
	logger        zerolog.Logger
	mu            sync.RWMutex
	state         State
	startedAt     *time.Time
	cancelled     int32
	acceptingJobs atomic.Bool
	doneCh        chan struct{}
	shutdownOnce  sync.Once
}

// NewManager creates a new shutdown manager. tracker may be nil.
func NewManager(config Config, tracker JobTracker, logger zerolog.Logger) *Manager {
	m := &Manager{
		config:  config,
		tracker: tracker,
		logger:  logger.With().Str("component", "shutdown_manager").Logger(),
		state:   StateRunning,
		doneCh:  make(chan struct{}),
	}
	m.acceptingJobs.Store(true)
	return m
}

// IsAcceptingJobs returns true if the server is accepting new archive jobs.
func (m *Manager) IsAcceptingJobs() bool {
	return m.acceptingJobs.Load()
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetStatus returns the current shutdown status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		State:            m.state,
		StartedAt:        m.startedAt,
		CancelledCount:   int(atomic.LoadInt32(&m.cancelled)),
		AcceptingNewJobs: m.acceptingJobs.Load(),
	}
	if m.tracker != nil {
		status.RunningJobs = len(m.tracker.ActiveJobs())
	}
	if m.startedAt != nil {
		if remaining := m.config.Timeout - time.Since(*m.startedAt); remaining > 0 {
			status.TimeRemaining = remaining
		}
	}

	switch m.state {
	case StateRunning:
		status.Message = "Server is running normally"
	case StateDraining:
		status.Message = "Waiting for running archive jobs, not accepting new jobs"
	case StateCancelling:
		status.Message = "Cancelling remaining archive jobs at their next stack"
	case StateComplete:
		status.Message = "Shutdown complete"
	}
	return status
}

// Shutdown initiates graceful shutdown and blocks until complete or timeout.
func (m *Manager) Shutdown(ctx context.Context) error {
	var shutdownErr error
	m.shutdownOnce.Do(func() {
		shutdownErr = m.doShutdown(ctx)
	})
	return shutdownErr
}

func (m *Manager) doShutdown(ctx context.Context) error {
	m.logger.Info().
		Dur("timeout", m.config.Timeout).
		Bool("cancel_remaining", m.config.CancelRemaining).
		Msg("initiating graceful shutdown")

	now := time.Now()
	m.mu.Lock()
	m.startedAt = &now
	m.state = StateDraining
	m.mu.Unlock()

	m.acceptingJobs.Store(false)
	m.logger.Info().Msg("stopped accepting new archive jobs")

	if m.tracker == nil {
		return m.complete(now)
	}

	// A stack in progress always finishes, so cancellation gets a fifth of
	// the budget to reach the next boundary.
	waitTimeout := m.config.Timeout
	if m.config.CancelRemaining {
		waitTimeout = m.config.Timeout * 4 / 5
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, waitTimeout)
	err := m.tracker.Drain(waitCtx)
	waitCancel()
	if err == nil {
		m.logger.Info().Msg("all archive jobs completed")
		return m.complete(now)
	}
	if ctx.Err() != nil {
		m.logger.Warn().Msg("shutdown cancelled during wait phase")
		return m.forceShutdown()
	}

	if m.config.CancelRemaining {
		m.mu.Lock()
		m.state = StateCancelling
		m.mu.Unlock()

		for _, id := range m.tracker.ActiveJobs() {
			if err := m.tracker.Cancel(id); err != nil {
				m.logger.Warn().Err(err).Str("job_id", id.String()).Msg("failed to cancel job")
				continue
			}
			atomic.AddInt32(&m.cancelled, 1)
		}

		cancelCtx, cancelCancel := context.WithTimeout(ctx, m.config.Timeout-waitTimeout)
		if err := m.tracker.Drain(cancelCtx); err != nil {
			m.logger.Warn().
				Int("running_jobs", len(m.tracker.ActiveJobs())).
				Msg("shutdown timeout reached with jobs still running")
		}
		cancelCancel()
	}

	return m.complete(now)
}

func (m *Manager) complete(started time.Time) error {
	m.mu.Lock()
	m.state = StateComplete
	m.mu.Unlock()
	close(m.doneCh)

	m.logger.Info().
		Dur("duration", time.Since(started)).
		Int("cancelled", int(atomic.LoadInt32(&m.cancelled))).
		Msg("graceful shutdown complete")
	return nil
}

// forceShutdown performs immediate shutdown without waiting.
func (m *Manager) forceShutdown() error {
	m.logger.Warn().Msg("forcing immediate shutdown")

	m.mu.Lock()
	m.state = StateComplete
	m.mu.Unlock()
	close(m.doneCh)
	return nil
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}

// WaitForShutdown blocks until shutdown is complete.
func (m *Manager) WaitForShutdown() {
	<-m.doneCh
}
