// Package memstore is an in-memory implementation of the job store. It backs
// tests and single-process deployments that run without Postgres.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// Store holds archives, jobs, metrics and download tokens in maps.
type Store struct {
	mu       sync.RWMutex
	archives map[uuid.UUID]*models.ArchiveConfig
	jobs     map[uuid.UUID]*models.Job
	metrics  map[uuid.UUID][]*models.JobStackMetric
	tokens   map[string]*models.DownloadToken
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		archives: make(map[uuid.UUID]*models.ArchiveConfig),
		jobs:     make(map[uuid.UUID]*models.Job),
		metrics:  make(map[uuid.UUID][]*models.JobStackMetric),
		tokens:   make(map[string]*models.DownloadToken),
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// CreateArchive stores a copy of a.
func (s *Store) CreateArchive(_ context.Context, a *models.ArchiveConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.archives {
		if existing.Name == a.Name {
			return fmt.Errorf("create archive: name %q already exists", a.Name)
		}
	}
	s.archives[a.ID] = copyArchive(a)
	return nil
}

// UpdateArchive replaces a stored archive.
func (s *Store) UpdateArchive(_ context.Context, a *models.ArchiveConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.archives[a.ID]; !ok {
		return fmt.Errorf("update archive %s: %w", a.ID, models.ErrNotFound)
	}
	a.UpdatedAt = time.Now()
	s.archives[a.ID] = copyArchive(a)
	return nil
}

// DeleteArchive removes an archive.
func (s *Store) DeleteArchive(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.archives[id]; !ok {
		return fmt.Errorf("delete archive %s: %w", id, models.ErrNotFound)
	}
	delete(s.archives, id)
	return nil
}

// GetArchive returns a copy of an archive.
func (s *Store) GetArchive(_ context.Context, id uuid.UUID) (*models.ArchiveConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.archives[id]
	if !ok {
		return nil, fmt.Errorf("get archive %s: %w", id, models.ErrNotFound)
	}
	return copyArchive(a), nil
}

// ListArchives returns all archives ordered by name.
func (s *Store) ListArchives(_ context.Context) ([]*models.ArchiveConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ArchiveConfig, 0, len(s.archives))
	for _, a := range s.archives {
		out = append(out, copyArchive(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateJob stores a copy of job.
func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("create job: %s already exists", job.ID)
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// UpdateJob replaces the mutable fields of a stored job.
func (s *Store) UpdateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("update job %s: %w", job.ID, models.ErrNotFound)
	}
	next := copyJob(job)
	next.CreatedAt = cur.CreatedAt
	s.jobs[job.ID] = next
	return nil
}

// GetJob returns a copy of a job.
func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", id, models.ErrNotFound)
	}
	return copyJob(job), nil
}

// ListJobs returns jobs matching f, newest first.
func (s *Store) ListJobs(_ context.Context, f models.JobFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Job
	for _, job := range s.jobs {
		if f.ArchiveID != nil && (job.ArchiveID == nil || *job.ArchiveID != *f.ArchiveID) {
			continue
		}
		if f.ParentID != nil && (job.ParentID == nil || *job.ParentID != *f.ParentID) {
			continue
		}
		if f.Type != "" && job.Type != f.Type {
			continue
		}
		if f.State != "" && job.State != f.State {
			continue
		}
		out = append(out, copyJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit := f.Limit
	if limit <= 0 {
		limit = models.DefaultJobListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SweepStaleJobs fails running jobs that are stale relative to startedBefore.
func (s *Store) SweepStaleJobs(_ context.Context, startedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var n int64
	for _, job := range s.jobs {
		if !job.Stale(startedBefore) {
			continue
		}
		end := now
		if job.EndTime != nil {
			end = *job.EndTime
		}
		job.State = models.JobStateFailed
		job.EndTime = &end
		if job.Error == "" {
			job.Error = "interrupted: process exited while job was running"
		}
		n++
	}
	return n, nil
}

// ListExpiredJobs returns finished jobs that started, or were created when
// never started, before cutoff.
func (s *Store) ListExpiredJobs(_ context.Context, before time.Time) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Job
	for _, job := range s.jobs {
		if job.State.Terminal() && job.Reference().Before(before) {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteJobs removes jobs, their child jobs and their metrics.
func (s *Store) DeleteJobs(_ context.Context, ids []uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doomed := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.jobs[id]; ok {
			doomed[id] = true
		}
	}
	for id, job := range s.jobs {
		if job.ParentID != nil && doomed[*job.ParentID] {
			doomed[id] = true
		}
	}
	for id := range doomed {
		delete(s.jobs, id)
		delete(s.metrics, id)
	}
	for _, t := range s.tokens {
		if t.JobID != nil && doomed[*t.JobID] {
			t.JobID = nil
		}
	}
	return int64(len(doomed)), nil
}

// AddStackMetric appends a metric. Seq must be unique per job.
func (s *Store) AddStackMetric(_ context.Context, m *models.JobStackMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.metrics[m.JobID] {
		if existing.Seq == m.Seq {
			return fmt.Errorf("add stack metric: seq %d already recorded for job %s", m.Seq, m.JobID)
		}
	}
	cp := *m
	s.metrics[m.JobID] = append(s.metrics[m.JobID], &cp)
	return nil
}

// ListStackMetrics returns a job's metrics ordered by Seq.
func (s *Store) ListStackMetrics(_ context.Context, jobID uuid.UUID) ([]*models.JobStackMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.JobStackMetric, 0, len(s.metrics[jobID]))
	for _, m := range s.metrics[jobID] {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// MarkArchiveDeleted flags metrics that point at archivePath.
func (s *Store) MarkArchiveDeleted(_ context.Context, archivePath, deletedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, list := range s.metrics {
		for _, m := range list {
			if m.ArchivePath == archivePath && m.DeletedAt == nil {
				m.DeletedAt = &now
				m.DeletedBy = deletedBy
			}
		}
	}
	return nil
}

// MarkArchivesDeletedUnder flags metrics whose artifact lives below dir.
func (s *Store) MarkArchivesDeletedUnder(_ context.Context, dir, deletedBy string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimRight(dir, "/") + "/"
	now := time.Now()
	var n int64
	for _, list := range s.metrics {
		for _, m := range list {
			if strings.HasPrefix(m.ArchivePath, prefix) && m.DeletedAt == nil {
				m.DeletedAt = &now
				m.DeletedBy = deletedBy
				n++
			}
		}
	}
	return n, nil
}

// CreateDownloadToken stores a copy of t.
func (s *Store) CreateDownloadToken(_ context.Context, t *models.DownloadToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.Token]; ok {
		return fmt.Errorf("create download token: duplicate token")
	}
	s.tokens[t.Token] = copyToken(t)
	return nil
}

// GetDownloadToken returns a copy of a token.
func (s *Store) GetDownloadToken(_ context.Context, token string) (*models.DownloadToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, fmt.Errorf("get download token: %w", models.ErrNotFound)
	}
	return copyToken(t), nil
}

// TransitionPackingState moves a token to `to` if it is in one of `from`.
func (s *Store) TransitionPackingState(_ context.Context, token string, from []models.PackingState, to models.PackingState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if t.PackingState == st {
			t.PackingState = to
			return true, nil
		}
	}
	return false, nil
}

// CompletePacking records a packing outcome.
func (s *Store) CompletePacking(_ context.Context, token string, state models.PackingState, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return fmt.Errorf("complete packing: %w", models.ErrNotFound)
	}
	t.PackingState = state
	t.FilePath = filePath
	return nil
}

// AddNotifyTarget appends target once.
func (s *Store) AddNotifyTarget(_ context.Context, token, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return fmt.Errorf("add notify target: %w", models.ErrNotFound)
	}
	for _, existing := range t.NotifyTargets {
		if existing == target {
			return nil
		}
	}
	t.NotifyTargets = append(t.NotifyTargets, target)
	return nil
}

// IncrementDownloads counts a served download.
func (s *Store) IncrementDownloads(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[token]; ok {
		t.Downloads++
	}
	return nil
}

// ListPendingDownloadTokens returns unexpired folder tokens that are not ready.
func (s *Store) ListPendingDownloadTokens(_ context.Context, now time.Time) ([]*models.DownloadToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DownloadToken
	for _, t := range s.tokens {
		if t.IsFolder && !t.Expired(now) && t.PackingState != models.PackingReady {
			out = append(out, copyToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteExpiredDownloadTokens removes and returns expired tokens.
func (s *Store) DeleteExpiredDownloadTokens(_ context.Context, now time.Time) ([]*models.DownloadToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DownloadToken
	for key, t := range s.tokens {
		if t.Expired(now) {
			out = append(out, t)
			delete(s.tokens, key)
		}
	}
	return out, nil
}

func copyArchive(a *models.ArchiveConfig) *models.ArchiveConfig {
	cp := *a
	cp.Stacks = append([]string(nil), a.Stacks...)
	return &cp
}

func copyJob(j *models.Job) *models.Job {
	cp := *j
	if j.DryRun != nil {
		opts := *j.DryRun
		cp.DryRun = &opts
	}
	return &cp
}

func copyToken(t *models.DownloadToken) *models.DownloadToken {
	cp := *t
	cp.NotifyTargets = append([]string(nil), t.NotifyTargets...)
	return &cp
}
