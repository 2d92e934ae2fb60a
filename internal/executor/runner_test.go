package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

func drain(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

// wait blocks until r has no running jobs, leaving it open for triggers.
func wait(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestRunner_TriggerRejectsConcurrentRun(t *testing.T) {
	h := newHarness(t, "web")
	cfg := h.config(t, "web")

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	h.docker.onIsRunning = func() {
		once.Do(func() { close(started) })
		<-release
	}

	r := NewRunner(h.store, h.exec, NewMemoryLocker(), zerolog.Nop())
	job, err := r.Trigger(context.Background(), cfg.ID, TriggerRequest{})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if job.TriggeredBy != models.TriggerManual {
		t.Errorf("TriggeredBy = %q, want manual", job.TriggeredBy)
	}
	<-started

	if !r.Running(job.ID) || r.ActiveCount() != 1 {
		t.Errorf("job not tracked as running")
	}
	if _, err := r.Trigger(context.Background(), cfg.ID, TriggerRequest{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Trigger() error = %v, want ErrAlreadyRunning", err)
	}

	if got := len(r.ActiveJobs()); got != 1 {
		t.Errorf("ActiveJobs() = %d, want 1", got)
	}

	close(release)
	wait(t, r)

	stored, err := h.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if stored.State != models.JobStateSuccess {
		t.Errorf("state = %s, want success (error %q)", stored.State, stored.Error)
	}
	if r.Running(job.ID) {
		t.Error("finished job still tracked")
	}

	// the lease is free again once the run finished
	next, err := r.Trigger(context.Background(), cfg.ID, TriggerRequest{DryRun: true})
	if err != nil {
		t.Fatalf("Trigger() after finish error = %v", err)
	}
	if !next.IsDryRun || next.DryRun == nil {
		t.Errorf("dry run options not set: %+v", next)
	}
	drain(t, r)
}

func TestRunner_IndependentConfigs(t *testing.T) {
	h := newHarness(t, "web")
	first := h.config(t, "web")
	second := models.NewArchiveConfig("weekly", []string{"web"})
	second.OutputFormat = models.FormatTar
	if err := h.store.CreateArchive(context.Background(), second); err != nil {
		t.Fatalf("CreateArchive() error = %v", err)
	}

	release := make(chan struct{})
	h.docker.onIsRunning = func() { <-release }

	r := NewRunner(h.store, h.exec, NewMemoryLocker(), zerolog.Nop())
	if _, err := r.Trigger(context.Background(), first.ID, TriggerRequest{}); err != nil {
		t.Fatalf("Trigger(first) error = %v", err)
	}
	if _, err := r.Trigger(context.Background(), second.ID, TriggerRequest{}); err != nil {
		t.Fatalf("Trigger(second) error = %v", err)
	}
	close(release)
	drain(t, r)
}

func TestRunner_DrainRejectsTriggers(t *testing.T) {
	h := newHarness(t, "web")
	cfg := h.config(t, "web")
	r := NewRunner(h.store, h.exec, NewMemoryLocker(), zerolog.Nop())

	drain(t, r)
	if _, err := r.Trigger(context.Background(), cfg.ID, TriggerRequest{}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Trigger() error = %v, want ErrShuttingDown", err)
	}
}

func TestRunner_TriggerUnknownArchive(t *testing.T) {
	h := newHarness(t)
	r := NewRunner(h.store, h.exec, NewMemoryLocker(), zerolog.Nop())

	if _, err := r.Trigger(context.Background(), uuid.New(), TriggerRequest{}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Trigger() error = %v, want ErrNotFound", err)
	}
}

func TestRunner_CancelNotRunning(t *testing.T) {
	h := newHarness(t)
	r := NewRunner(h.store, h.exec, NewMemoryLocker(), zerolog.Nop())

	if err := r.Cancel(uuid.New()); !errors.Is(err, ErrJobNotRunning) {
		t.Errorf("Cancel() error = %v, want ErrJobNotRunning", err)
	}
}

func TestRunner_CancelInProcess(t *testing.T) {
	h := newHarness(t, "a", "b")
	cfg := h.config(t, "a", "b")

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	h.docker.onIsRunning = func() {
		once.Do(func() { close(started) })
		<-release
	}

	r := NewRunner(h.store, h.exec, NewMemoryLocker(), zerolog.Nop())
	job, err := r.Trigger(context.Background(), cfg.ID, TriggerRequest{})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	<-started
	if err := r.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(release)
	drain(t, r)

	ms, _ := h.store.ListStackMetrics(context.Background(), job.ID)
	if len(ms) != 2 {
		t.Fatalf("metrics = %d, want 2", len(ms))
	}
	if ms[0].Status != models.StackSuccess || ms[1].Status != models.StackSkipped {
		t.Errorf("statuses = %s, %s; want success, skipped", ms[0].Status, ms[1].Status)
	}
	stored, _ := h.store.GetJob(context.Background(), job.ID)
	if stored.State != models.JobStatePartialFailure {
		t.Errorf("state = %s, want partial_failure", stored.State)
	}
}

type fakeProcess struct {
	exit     chan struct{}
	signaled bool
}

func (p *fakeProcess) Signal() error {
	p.signaled = true
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exit
	return errors.New("exit status 1")
}

type fakeSpawner struct {
	mu    sync.Mutex
	jobs  []*models.Job
	procs []*fakeProcess
}

func (s *fakeSpawner) Spawn(_ context.Context, job *models.Job, _ uuid.UUID) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &fakeProcess{exit: make(chan struct{})}
	s.jobs = append(s.jobs, job)
	s.procs = append(s.procs, p)
	return p, nil
}

func TestRunner_DetachedReconcilesCrashedChild(t *testing.T) {
	h := newHarness(t, "web")
	cfg := h.config(t, "web")
	spawner := &fakeSpawner{}
	r := NewRunner(h.store, h.exec, NewMemoryLocker(), zerolog.Nop(), WithDetached(spawner))

	job, err := r.Trigger(context.Background(), cfg.ID, TriggerRequest{})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if len(spawner.jobs) != 1 || spawner.jobs[0].ID != job.ID {
		t.Fatalf("spawned jobs = %v", spawner.jobs)
	}
	if job.LogPath == "" {
		t.Error("log path not assigned before spawn")
	}

	if err := r.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if !spawner.procs[0].signaled {
		t.Error("detached process not signalled")
	}

	close(spawner.procs[0].exit)
	drain(t, r)

	stored, _ := h.store.GetJob(context.Background(), job.ID)
	if stored.State != models.JobStateFailed {
		t.Errorf("state = %s, want failed", stored.State)
	}
}

func TestRunner_DetachedRejectsSecondTrigger(t *testing.T) {
	h := newHarness(t, "web")
	cfg := h.config(t, "web")
	spawner := &fakeSpawner{}
	r := NewRunner(h.store, h.exec, NewMemoryLocker(), zerolog.Nop(), WithDetached(spawner))

	first, err := r.Trigger(context.Background(), cfg.ID, TriggerRequest{})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if _, err := r.Trigger(context.Background(), cfg.ID, TriggerRequest{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Trigger() error = %v, want ErrAlreadyRunning", err)
	}
	if len(spawner.jobs) != 1 {
		t.Errorf("spawned = %d, want 1", len(spawner.jobs))
	}
	if got := r.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
	jobs, err := h.store.ListJobs(context.Background(), models.JobFilter{ArchiveID: &cfg.ID})
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != first.ID {
		t.Errorf("jobs = %d, want only the first", len(jobs))
	}

	close(spawner.procs[0].exit)
	wait(t, r)

	// the claim is dropped once the child exits
	if _, err := r.Trigger(context.Background(), cfg.ID, TriggerRequest{}); err != nil {
		t.Fatalf("Trigger() after exit error = %v", err)
	}
	if len(spawner.jobs) != 2 {
		t.Errorf("spawned = %d, want 2", len(spawner.jobs))
	}
	close(spawner.procs[1].exit)
	drain(t, r)
}

func TestRunner_RunJob(t *testing.T) {
	h := newHarness(t, "web")
	cfg := h.config(t, "web")
	locker := NewMemoryLocker()
	r := NewRunner(h.store, h.exec, locker, zerolog.Nop())

	job := models.NewJob(models.JobTypeArchiveMaster, &cfg.ID, models.TriggerSubprocess)
	if err := h.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	t.Run("lease held", func(t *testing.T) {
		release, err := locker.Acquire(context.Background(), cfg.ID, 0)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		defer release()

		other := models.NewJob(models.JobTypeArchiveMaster, &cfg.ID, models.TriggerSubprocess)
		_ = h.store.CreateJob(context.Background(), other)
		if _, err := r.RunJob(context.Background(), cfg.ID, other.ID, 0); !errors.Is(err, ErrAlreadyRunning) {
			t.Errorf("RunJob() error = %v, want ErrAlreadyRunning", err)
		}
		stored, _ := h.store.GetJob(context.Background(), other.ID)
		if stored.State != models.JobStateFailed {
			t.Errorf("state = %s, want failed", stored.State)
		}
	})

	t.Run("runs", func(t *testing.T) {
		sum, err := r.RunJob(context.Background(), cfg.ID, job.ID, time.Second)
		if err != nil {
			t.Fatalf("RunJob() error = %v", err)
		}
		if sum.Job.State != models.JobStateSuccess {
			t.Errorf("state = %s, want success", sum.Job.State)
		}
		if _, err := r.RunJob(context.Background(), cfg.ID, job.ID, time.Second); err == nil {
			t.Error("RunJob() on a finished job should fail")
		}
	})
}
