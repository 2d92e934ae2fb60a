//go:build integration

package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

var testDB *DB

func TestMain(m *testing.M) {
	if !dockerAvailable() {
		fmt.Println("Docker is not available, skipping integration tests")
		os.Exit(0)
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("stackarchiver_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		pgContainer.Terminate(ctx)
		log.Fatalf("failed to get connection string: %v", err)
	}

	cfg := ConfigFor(connStr, RoleMaintenance, 5)

	testDB, err = New(ctx, cfg, zerolog.New(zerolog.NewConsoleWriter()))
	if err != nil {
		pgContainer.Terminate(ctx)
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := testDB.Migrate(ctx); err != nil {
		testDB.Close()
		pgContainer.Terminate(ctx)
		log.Fatalf("failed to run migrations: %v", err)
	}

	code := m.Run()

	testDB.Close()
	pgContainer.Terminate(ctx)
	os.Exit(code)
}

func dockerAvailable() bool {
	return exec.Command("docker", "info").Run() == nil
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	_, err := testDB.Pool.Exec(context.Background(),
		`TRUNCATE download_tokens, job_stack_metrics, jobs, archives CASCADE`)
	require.NoError(t, err)
	return testDB
}

func createTestArchive(t *testing.T, db *DB) *models.ArchiveConfig {
	t.Helper()
	a := models.NewArchiveConfig("nightly-"+uuid.NewString()[:6], []string{"web", "db"})
	require.NoError(t, db.CreateArchive(context.Background(), a))
	return a
}

func TestArchiveCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := createTestArchive(t, db)
	got, err := db.GetArchive(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Name, got.Name)
	assert.Equal(t, []string{"web", "db"}, got.Stacks)
	assert.Equal(t, models.FormatTarGz, got.OutputFormat)
	assert.Equal(t, models.DefaultRetentionPolicy(), got.Retention)

	a.Retention.OnePerDay = true
	a.PullPolicy = models.PullAlways
	require.NoError(t, db.UpdateArchive(ctx, a))
	got, err = db.GetArchive(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Retention.OnePerDay)
	assert.Equal(t, models.PullAlways, got.PullPolicy)

	list, err := db.ListArchives(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, db.DeleteArchive(ctx, a.ID))
	_, err = db.GetArchive(ctx, a.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestJobLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	a := createTestArchive(t, db)

	job := models.NewJob(models.JobTypeArchiveMaster, &a.ID, models.TriggerManual)
	job.IsDryRun = true
	opts := models.DefaultDryRunOptions()
	job.DryRun = &opts
	require.NoError(t, db.CreateJob(ctx, job))

	job.Start(time.Now())
	require.NoError(t, db.UpdateJob(ctx, job))

	require.NoError(t, db.AddStackMetric(ctx, &models.JobStackMetric{
		JobID: job.ID, Seq: 1, StackName: "web", Status: models.StackSuccess,
		ArchivePath: "/archives/x/web/web_20240101_000000.tar.gz", BytesWritten: 42,
	}))
	require.NoError(t, db.AddStackMetric(ctx, &models.JobStackMetric{
		JobID: job.ID, Seq: 2, StackName: "db", Status: models.StackFailed, Error: "boom",
	}))
	assert.Error(t, db.AddStackMetric(ctx, &models.JobStackMetric{JobID: job.ID, Seq: 2, StackName: "dup", Status: models.StackFailed}))

	job.Finish(models.JobStatePartialFailure, time.Now(), "")
	require.NoError(t, db.UpdateJob(ctx, job))

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePartialFailure, got.State)
	assert.NotNil(t, got.EndTime)
	require.NotNil(t, got.DryRun)
	assert.True(t, got.DryRun.RunRetention)

	metrics, err := db.ListStackMetrics(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, "web", metrics[0].StackName)
	assert.Equal(t, models.StackFailed, metrics[1].Status)

	require.NoError(t, db.MarkArchiveDeleted(ctx, metrics[0].ArchivePath, "retention"))
	metrics, err = db.ListStackMetrics(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, metrics[0].DeletedAt)
	assert.Equal(t, "retention", metrics[0].DeletedBy)

	jobs, err := db.ListJobs(ctx, models.JobFilter{ArchiveID: &a.ID, Type: models.JobTypeArchiveMaster})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestHealthReportsSchema(t *testing.T) {
	db := setupTestDB(t)
	version, err := db.CurrentVersion(context.Background())
	require.NoError(t, err)

	h := db.Health()
	assert.Equal(t, "maintenance", h["role"])
	assert.Equal(t, version, h["schema_version"])
	assert.Equal(t, 0, h["pending_migrations"])
	assert.Equal(t, int32(5), h["max_conns"])
}

func TestExpiredJobsDeletion(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	a := createTestArchive(t, db)
	cutoff := time.Now().Add(-24 * time.Hour)

	old := models.NewJob(models.JobTypeArchiveMaster, &a.ID, models.TriggerSchedule)
	old.Start(cutoff.Add(-time.Hour))
	old.Finish(models.JobStateSuccess, cutoff.Add(-30*time.Minute), "")
	require.NoError(t, db.CreateJob(ctx, old))

	child := models.NewJob(models.JobTypeArchiveStack, &a.ID, models.TriggerSchedule)
	child.ParentID = &old.ID
	child.Start(time.Now())
	child.Finish(models.JobStateSuccess, time.Now(), "")
	require.NoError(t, db.CreateJob(ctx, child))
	require.NoError(t, db.AddStackMetric(ctx, &models.JobStackMetric{JobID: old.ID, Seq: 1, StackName: "web", Status: models.StackSuccess}))

	oldRunning := models.NewJob(models.JobTypeArchiveMaster, &a.ID, models.TriggerSchedule)
	oldRunning.Start(cutoff.Add(-time.Hour))
	require.NoError(t, db.CreateJob(ctx, oldRunning))

	recent := models.NewJob(models.JobTypeCleanup, nil, models.TriggerSchedule)
	recent.Start(time.Now())
	recent.Finish(models.JobStateSuccess, time.Now(), "")
	require.NoError(t, db.CreateJob(ctx, recent))

	expired, err := db.ListExpiredJobs(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)

	n, err := db.DeleteJobs(ctx, []uuid.UUID{old.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = db.GetJob(ctx, child.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	metrics, err := db.ListStackMetrics(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, metrics)

	_, err = db.GetJob(ctx, oldRunning.ID)
	assert.NoError(t, err)
	_, err = db.GetJob(ctx, recent.ID)
	assert.NoError(t, err)

	n, err = db.DeleteJobs(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarkArchivesDeletedUnder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	job := models.NewJob(models.JobTypeArchiveMaster, nil, models.TriggerManual)
	require.NoError(t, db.CreateJob(ctx, job))
	require.NoError(t, db.AddStackMetric(ctx, &models.JobStackMetric{
		JobID: job.ID, Seq: 1, StackName: "web", Status: models.StackSuccess,
		ArchivePath: "/archives/gone/web/web_20240101_000000.tar.gz",
	}))
	require.NoError(t, db.AddStackMetric(ctx, &models.JobStackMetric{
		JobID: job.ID, Seq: 2, StackName: "web", Status: models.StackSuccess,
		ArchivePath: "/archives/gone-too/web/web_20240101_000000.tar.gz",
	}))

	n, err := db.MarkArchivesDeletedUnder(ctx, "/archives/gone", "cleanup")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	metrics, err := db.ListStackMetrics(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "cleanup", metrics[0].DeletedBy)
	assert.Nil(t, metrics[1].DeletedAt)
}

func TestSweepStaleJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	boot := time.Now()

	stale := models.NewJob(models.JobTypeArchiveMaster, nil, models.TriggerSchedule)
	stale.Start(boot.Add(-time.Hour))
	require.NoError(t, db.CreateJob(ctx, stale))

	live := models.NewJob(models.JobTypeArchiveMaster, nil, models.TriggerSchedule)
	live.Start(boot.Add(time.Minute))
	require.NoError(t, db.CreateJob(ctx, live))

	n, err := db.SweepStaleJobs(ctx, boot)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := db.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, got.State)
	assert.NotNil(t, got.EndTime)
	assert.NotEmpty(t, got.Error)

	got, err = db.GetJob(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, got.State)
}

func TestDownloadTokenPackingCAS(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tok := models.NewDownloadToken(nil, "web", "/archives/x/web/web_20240101_000000", true, time.Now())
	require.NoError(t, db.CreateDownloadToken(ctx, tok))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.TransitionPackingState(ctx, tok.Token,
				[]models.PackingState{models.PackingIdle, models.PackingFailed}, models.PackingInProgress)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	require.NoError(t, db.AddNotifyTarget(ctx, tok.Token, "ops@example.com"))
	require.NoError(t, db.AddNotifyTarget(ctx, tok.Token, "ops@example.com"))
	require.NoError(t, db.CompletePacking(ctx, tok.Token, models.PackingReady, "/archives/_downloads/web.tar.gz"))

	got, err := db.GetDownloadToken(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, models.PackingReady, got.PackingState)
	assert.Equal(t, []string{"ops@example.com"}, got.NotifyTargets)

	expired, err := db.DeleteExpiredDownloadTokens(ctx, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

func TestAdvisoryLocker(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	id := uuid.New()

	first := NewAdvisoryLocker(db)
	second := NewAdvisoryLocker(db)

	release, err := first.Acquire(ctx, id, 0)
	require.NoError(t, err)

	_, err = second.Acquire(ctx, id, 0)
	assert.ErrorIs(t, err, models.ErrLeaseHeld)

	release()
	release2, err := second.Acquire(ctx, id, time.Second)
	require.NoError(t, err)
	release2()
}
