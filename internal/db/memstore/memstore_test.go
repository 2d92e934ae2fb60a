package memstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

func TestSweepStaleJobs(t *testing.T) {
	ctx := context.Background()
	s := New()
	boot := time.Now()

	stale := models.NewJob(models.JobTypeArchiveMaster, nil, models.TriggerManual)
	stale.Start(boot.Add(-time.Hour))

	ended := models.NewJob(models.JobTypeArchiveStack, nil, models.TriggerManual)
	ended.Start(boot.Add(time.Minute))
	end := boot.Add(2 * time.Minute)
	ended.EndTime = &end

	live := models.NewJob(models.JobTypeArchiveMaster, nil, models.TriggerManual)
	live.Start(boot.Add(time.Minute))

	done := models.NewJob(models.JobTypeArchiveMaster, nil, models.TriggerManual)
	done.Start(boot.Add(-time.Hour))
	done.Finish(models.JobStateSuccess, boot.Add(-time.Minute), "")

	for _, j := range []*models.Job{stale, ended, live, done} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
	}

	n, err := s.SweepStaleJobs(ctx, boot)
	if err != nil {
		t.Fatalf("SweepStaleJobs() error = %v", err)
	}
	if n != 2 {
		t.Errorf("SweepStaleJobs() = %d, want 2", n)
	}

	tests := []struct {
		job  *models.Job
		want models.JobState
	}{
		{stale, models.JobStateFailed},
		{ended, models.JobStateFailed},
		{live, models.JobStateRunning},
		{done, models.JobStateSuccess},
	}
	for _, tt := range tests {
		got, err := s.GetJob(ctx, tt.job.ID)
		if err != nil {
			t.Fatalf("GetJob() error = %v", err)
		}
		if got.State != tt.want {
			t.Errorf("job %s state = %s, want %s", tt.job.ID, got.State, tt.want)
		}
		if got.State == models.JobStateFailed && got.EndTime == nil {
			t.Errorf("swept job %s has no end time", tt.job.ID)
		}
	}
}

func TestTransitionPackingStateSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := New()
	tok := models.NewDownloadToken(nil, "web", "/archives/a/web/web_20240101_000000", true, time.Now())
	if err := s.CreateDownloadToken(ctx, tok); err != nil {
		t.Fatalf("CreateDownloadToken() error = %v", err)
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TransitionPackingState(ctx, tok.Token,
				[]models.PackingState{models.PackingIdle, models.PackingFailed}, models.PackingInProgress)
			if err != nil {
				t.Errorf("TransitionPackingState() error = %v", err)
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func TestListJobsFilter(t *testing.T) {
	ctx := context.Background()
	s := New()
	archiveID := uuid.New()

	master := models.NewJob(models.JobTypeArchiveMaster, &archiveID, models.TriggerSchedule)
	child := models.NewJob(models.JobTypeArchiveStack, &archiveID, models.TriggerSchedule)
	child.ParentID = &master.ID
	child.CreatedAt = master.CreatedAt.Add(time.Second)
	other := models.NewJob(models.JobTypeArchiveMaster, nil, models.TriggerManual)

	for _, j := range []*models.Job{master, child, other} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
	}

	got, err := s.ListJobs(ctx, models.JobFilter{ArchiveID: &archiveID})
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != child.ID {
		t.Fatalf("ListJobs(archive) = %d jobs, want child first of 2", len(got))
	}

	got, _ = s.ListJobs(ctx, models.JobFilter{ParentID: &master.ID})
	if len(got) != 1 || got[0].ID != child.ID {
		t.Errorf("ListJobs(parent) returned %d jobs, want the child", len(got))
	}

	got, _ = s.ListJobs(ctx, models.JobFilter{Type: models.JobTypeArchiveMaster, Limit: 1})
	if len(got) != 1 {
		t.Errorf("ListJobs(limit 1) returned %d jobs", len(got))
	}
}

func TestGetMissing(t *testing.T) {
	s := New()
	if _, err := s.GetJob(context.Background(), uuid.New()); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetJob() error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetDownloadToken(context.Background(), "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetDownloadToken() error = %v, want ErrNotFound", err)
	}
}

func TestMarkArchiveDeleted(t *testing.T) {
	ctx := context.Background()
	s := New()
	jobID := uuid.New()
	path := "/archives/a/web/web_20240101_000000.tar.gz"
	_ = s.AddStackMetric(ctx, &models.JobStackMetric{JobID: jobID, Seq: 1, StackName: "web", ArchivePath: path})
	_ = s.AddStackMetric(ctx, &models.JobStackMetric{JobID: jobID, Seq: 2, StackName: "db", ArchivePath: "/other"})

	if err := s.AddStackMetric(ctx, &models.JobStackMetric{JobID: jobID, Seq: 1}); err == nil {
		t.Error("AddStackMetric() with duplicate seq succeeded")
	}

	if err := s.MarkArchiveDeleted(ctx, path, "retention"); err != nil {
		t.Fatalf("MarkArchiveDeleted() error = %v", err)
	}
	metrics, _ := s.ListStackMetrics(ctx, jobID)
	if metrics[0].DeletedAt == nil || metrics[0].DeletedBy != "retention" {
		t.Errorf("metric for %s not marked deleted", path)
	}
	if metrics[1].DeletedAt != nil {
		t.Error("unrelated metric marked deleted")
	}
}
