package housekeeping

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/db/memstore"
	"github.com/MacJediWizard/stackarchiver/internal/executor"
	"github.com/MacJediWizard/stackarchiver/internal/joblog"
	"github.com/MacJediWizard/stackarchiver/internal/models"
	"github.com/MacJediWizard/stackarchiver/internal/notifications"
	"github.com/MacJediWizard/stackarchiver/internal/retention"
)

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []notifications.Message
}

func (f *fakeNotifier) Send(_ context.Context, msg notifications.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

type harness struct {
	svc      *Service
	store    *memstore.Store
	locker   *executor.MemoryLocker
	notifier *fakeNotifier
	archives string
	logs     string
	dl       string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		store:    memstore.New(),
		locker:   executor.NewMemoryLocker(),
		notifier: &fakeNotifier{},
		archives: filepath.Join(root, "archives"),
		logs:     filepath.Join(root, "logs"),
		dl:       filepath.Join(root, "downloads"),
	}
	for _, d := range []string{h.archives, h.logs, h.dl} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	opts.ArchiveDir = h.archives
	opts.DownloadsDir = h.dl
	if opts.TempGrace == 0 {
		opts.TempGrace = time.Hour
	}
	h.svc = New(Deps{
		Store:    h.store,
		Logs:     joblog.NewFileStore(h.logs, nil),
		Locker:   h.locker,
		Notifier: h.notifier,
	}, opts, zerolog.Nop())
	return h
}

func (h *harness) addConfig(t *testing.T, name string) *models.ArchiveConfig {
	t.Helper()
	a := models.NewArchiveConfig(name, []string{"web"})
	if err := h.store.CreateArchive(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	return a
}

func writeFile(t *testing.T, path string, size int, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	setAge(t, path, age)
}

func setAge(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if age == 0 {
		return
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func readLog(t *testing.T, job *models.Job) string {
	t.Helper()
	b, err := os.ReadFile(job.LogPath)
	if err != nil {
		t.Fatalf("read job log: %v", err)
	}
	return string(b)
}

func TestCleanup_OrphanedArchiveDirectories(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*harness, uuid.UUID) {
		h := newHarness(t, Options{})
		h.addConfig(t, "nightly")
		writeFile(t, filepath.Join(h.archives, "nightly", "web", "web_20260101_030000.tar.gz"), 10, 0)
		orphan := filepath.Join(h.archives, "retired", "web", "web_20250101_030000.tar.gz")
		writeFile(t, orphan, 100, 0)
		writeFile(t, filepath.Join(h.archives, "_reserved", "keep.bin"), 5, 0)
		writeFile(t, filepath.Join(h.archives, ".hidden", "keep.bin"), 5, 0)

		job := models.NewJob(models.JobTypeArchiveMaster, nil, models.TriggerSchedule)
		if err := h.store.CreateJob(ctx, job); err != nil {
			t.Fatal(err)
		}
		if err := h.store.AddStackMetric(ctx, &models.JobStackMetric{
			JobID: job.ID, Seq: 1, StackName: "web", Status: models.StackSuccess, ArchivePath: orphan,
		}); err != nil {
			t.Fatal(err)
		}
		return h, job.ID
	}

	t.Run("live run removes and records", func(t *testing.T) {
		h, jobID := setup(t)
		rep, err := h.svc.RunCleanup(ctx, false, models.TriggerManual)
		if err != nil {
			t.Fatalf("RunCleanup() error = %v", err)
		}
		res := rep.Sweep(SweepOrphans)
		if res.Removed != 1 || res.Reclaimed != 100 {
			t.Errorf("orphans = %+v, want 1 removed, 100 bytes", res)
		}
		if exists(filepath.Join(h.archives, "retired")) {
			t.Error("orphaned directory still present")
		}
		for _, keep := range []string{"nightly", "_reserved", ".hidden"} {
			if !exists(filepath.Join(h.archives, keep)) {
				t.Errorf("%s removed", keep)
			}
		}

		metrics, _ := h.store.ListStackMetrics(ctx, jobID)
		if len(metrics) != 1 || metrics[0].DeletedBy != "cleanup" || metrics[0].DeletedAt == nil {
			t.Errorf("metric not marked deleted: %+v", metrics)
		}
		if rep.Job.State != models.JobStateSuccess {
			t.Errorf("State = %s, want success", rep.Job.State)
		}
	})

	t.Run("dry run reports only", func(t *testing.T) {
		h, _ := setup(t)
		rep, err := h.svc.RunCleanup(ctx, true, models.TriggerManual)
		if err != nil {
			t.Fatalf("RunCleanup() error = %v", err)
		}
		if res := rep.Sweep(SweepOrphans); res.Removed != 1 || res.Reclaimed != 100 {
			t.Errorf("orphans = %+v, want 1 would-be removal", res)
		}
		if !exists(filepath.Join(h.archives, "retired")) {
			t.Error("dry run removed the orphaned directory")
		}
		if !rep.Job.IsDryRun {
			t.Error("job not flagged as dry run")
		}
		log := readLog(t, rep.Job)
		if !strings.Contains(log, "Would remove orphaned archive directory retired") {
			t.Errorf("log missing dry run line:\n%s", log)
		}
		if !strings.Contains(log, "[SIMULATION]") {
			t.Errorf("dry run log lines not tagged:\n%s", log)
		}
	})

	t.Run("no configs skips the sweep", func(t *testing.T) {
		h := newHarness(t, Options{})
		writeFile(t, filepath.Join(h.archives, "nightly", "web", "web_20260101_030000.tar.gz"), 10, 0)
		rep, err := h.svc.RunCleanup(ctx, false, models.TriggerManual)
		if err != nil {
			t.Fatalf("RunCleanup() error = %v", err)
		}
		if res := rep.Sweep(SweepOrphans); res.Removed != 0 {
			t.Errorf("orphans = %+v, want none", res)
		}
		if !exists(filepath.Join(h.archives, "nightly")) {
			t.Error("archives removed with an empty config store")
		}
	})

	t.Run("downloads directory is never an orphan", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.svc.opts.DownloadsDir = filepath.Join(h.archives, "downloads")
		h.addConfig(t, "nightly")
		writeFile(t, filepath.Join(h.archives, "downloads", "a.tar.gz"), 10, 0)
		if _, err := h.svc.RunCleanup(ctx, false, models.TriggerManual); err != nil {
			t.Fatalf("RunCleanup() error = %v", err)
		}
		if !exists(filepath.Join(h.archives, "downloads", "a.tar.gz")) {
			t.Error("downloads directory removed")
		}
	})
}

func TestCleanup_ExpiredJobLogs(t *testing.T) {
	ctx := context.Background()
	const day = 24 * time.Hour

	h := newHarness(t, Options{LogRetention: 90 * day})
	now := time.Now()

	oldStart := now.Add(-100 * day)
	old := models.NewJob(models.JobTypeArchiveMaster, nil, models.TriggerSchedule)
	old.Start(oldStart)
	old.Finish(models.JobStateSuccess, oldStart.Add(time.Minute), "")
	old.LogPath = filepath.Join(h.logs, "old.log")
	writeFile(t, old.LogPath, 40, 100*day)
	writeFile(t, joblog.ProcessLogPath(old.LogPath), 2, 100*day)

	child := models.NewJob(models.JobTypeArchiveStack, nil, models.TriggerSchedule)
	child.ParentID = &old.ID
	child.Start(oldStart)
	child.Finish(models.JobStateSuccess, oldStart.Add(time.Minute), "")

	recent := models.NewJob(models.JobTypeArchiveMaster, nil, models.TriggerSchedule)
	recent.Start(now.Add(-day))
	recent.Finish(models.JobStateSuccess, now.Add(-day), "")
	recent.LogPath = filepath.Join(h.logs, "recent.log")
	writeFile(t, recent.LogPath, 10, 0)

	stuck := models.NewJob(models.JobTypeArchiveMaster, nil, models.TriggerSchedule)
	stuck.Start(oldStart)

	outside := models.NewJob(models.JobTypeArchiveMaster, nil, models.TriggerSchedule)
	outside.Start(oldStart)
	outside.Finish(models.JobStateFailed, oldStart, "boom")
	outside.LogPath = filepath.Join(h.archives, "not-a-log.log")
	writeFile(t, outside.LogPath, 1, 100*day)

	for _, j := range []*models.Job{old, child, recent, stuck, outside} {
		if err := h.store.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	stray := filepath.Join(h.logs, "stray.log")
	writeFile(t, stray, 7, 120*day)
	fresh := filepath.Join(h.logs, "fresh.log")
	writeFile(t, fresh, 7, 0)
	other := filepath.Join(h.logs, "notes.txt")
	writeFile(t, other, 7, 120*day)

	t.Run("dry run", func(t *testing.T) {
		rep, err := h.svc.RunCleanup(ctx, true, models.TriggerManual)
		if err != nil {
			t.Fatalf("RunCleanup() error = %v", err)
		}
		res := rep.Sweep(SweepLogs)
		// old, child and outside records plus the stray file
		if res.Removed != 4 {
			t.Errorf("Removed = %d, want 4", res.Removed)
		}
		if _, err := h.store.GetJob(ctx, old.ID); err != nil {
			t.Errorf("dry run deleted a job record: %v", err)
		}
		if !exists(old.LogPath) || !exists(stray) {
			t.Error("dry run deleted log files")
		}
	})

	t.Run("live run", func(t *testing.T) {
		rep, err := h.svc.RunCleanup(ctx, false, models.TriggerSchedule)
		if err != nil {
			t.Fatalf("RunCleanup() error = %v", err)
		}
		res := rep.Sweep(SweepLogs)
		if res.Removed != 4 {
			t.Errorf("Removed = %d, want 4", res.Removed)
		}
		if res.Reclaimed != 40+2+7 {
			t.Errorf("Reclaimed = %d, want %d", res.Reclaimed, 40+2+7)
		}

		for _, gone := range []*models.Job{old, child, outside} {
			if _, err := h.store.GetJob(ctx, gone.ID); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("job %s still present: %v", gone.Type, err)
			}
		}
		for _, kept := range []*models.Job{recent, stuck} {
			if _, err := h.store.GetJob(ctx, kept.ID); err != nil {
				t.Errorf("job %s removed: %v", kept.ID, err)
			}
		}
		for _, p := range []string{old.LogPath, joblog.ProcessLogPath(old.LogPath), stray} {
			if exists(p) {
				t.Errorf("%s still present", filepath.Base(p))
			}
		}
		for _, p := range []string{recent.LogPath, fresh, other, outside.LogPath, rep.Job.LogPath} {
			if !exists(p) {
				t.Errorf("%s removed", filepath.Base(p))
			}
		}

		// the earlier dry run record is recent and survives
		cleanups, _ := h.store.ListJobs(ctx, models.JobFilter{Type: models.JobTypeCleanup})
		if len(cleanups) != 2 {
			t.Errorf("cleanup jobs = %d, want 2", len(cleanups))
		}
	})

	t.Run("retention disabled", func(t *testing.T) {
		h := newHarness(t, Options{})
		stray := filepath.Join(h.logs, "stray.log")
		writeFile(t, stray, 7, 1000*day)
		rep, err := h.svc.RunCleanup(ctx, false, models.TriggerManual)
		if err != nil {
			t.Fatalf("RunCleanup() error = %v", err)
		}
		if res := rep.Sweep(SweepLogs); res.Removed != 0 {
			t.Errorf("Removed = %d, want 0", res.Removed)
		}
		if !exists(stray) {
			t.Error("log removed with retention disabled")
		}
	})
}

func TestCleanup_PartialFiles(t *testing.T) {
	ctx := context.Background()
	grace := time.Hour
	stale := 2 * grace

	setup := func(t *testing.T) (*harness, map[string]string) {
		h := newHarness(t, Options{TempGrace: grace})
		h.addConfig(t, "nightly")
		web := filepath.Join(h.archives, "nightly", "web")
		p := map[string]string{
			"partial":      filepath.Join(web, ".partial-web_20260101_030000.tar.gz"),
			"fresh":        filepath.Join(web, ".partial-web_20260102_030000.tar.gz"),
			"archive":      filepath.Join(web, "web_20260101_020000.tar.gz"),
			"folderTmp":    filepath.Join(web, "web_20260101_010000", "cache", "session.tmp"),
			"download":     filepath.Join(h.dl, "abc.tar.gz.partial"),
			"onlyPartial":  filepath.Join(h.archives, "nightly", "db", ".partial-db_20260101_030000.tar"),
			"emptyStack":   filepath.Join(h.archives, "nightly", "cache"),
			"partialDir":   filepath.Join(h.archives, "nightly", "files", ".partial-files_20260101_030000"),
			"partialInDir": filepath.Join(h.archives, "nightly", "files", ".partial-files_20260101_030000", "a.txt"),
		}
		writeFile(t, p["partial"], 30, stale)
		writeFile(t, p["fresh"], 30, 0)
		writeFile(t, p["archive"], 50, stale)
		writeFile(t, p["folderTmp"], 9, stale)
		writeFile(t, p["download"], 20, stale)
		writeFile(t, p["onlyPartial"], 5, stale)
		writeFile(t, p["partialInDir"], 3, stale)
		setAge(t, p["partialDir"], stale)
		if err := os.MkdirAll(p["emptyStack"], 0755); err != nil {
			t.Fatal(err)
		}
		setAge(t, p["emptyStack"], stale)
		setAge(t, filepath.Dir(p["onlyPartial"]), stale)
		setAge(t, filepath.Dir(p["partialDir"]), stale)
		return h, p
	}

	t.Run("live run", func(t *testing.T) {
		h, p := setup(t)
		rep, err := h.svc.RunCleanup(ctx, false, models.TriggerManual)
		if err != nil {
			t.Fatalf("RunCleanup() error = %v", err)
		}
		for _, k := range []string{"partial", "download", "onlyPartial", "partialDir", "emptyStack"} {
			if exists(p[k]) {
				t.Errorf("%s still present", k)
			}
		}
		for _, k := range []string{"fresh", "archive", "folderTmp"} {
			if !exists(p[k]) {
				t.Errorf("%s removed", k)
			}
		}
		for _, dir := range []string{filepath.Dir(p["onlyPartial"]), filepath.Dir(p["partialDir"])} {
			if exists(dir) {
				t.Errorf("stack directory %s left behind", filepath.Base(dir))
			}
		}
		if !exists(filepath.Dir(p["partial"])) {
			t.Error("stack directory with archives removed")
		}

		res := rep.Sweep(SweepTemp)
		// four partials and three emptied stack directories
		if res.Removed != 7 {
			t.Errorf("Removed = %d, want 7: %v", res.Removed, res.Paths)
		}
		if res.Reclaimed != 30+20+5+3 {
			t.Errorf("Reclaimed = %d, want %d", res.Reclaimed, 30+20+5+3)
		}
	})

	t.Run("dry run", func(t *testing.T) {
		h, p := setup(t)
		rep, err := h.svc.RunCleanup(ctx, true, models.TriggerManual)
		if err != nil {
			t.Fatalf("RunCleanup() error = %v", err)
		}
		if res := rep.Sweep(SweepTemp); res.Removed != 7 {
			t.Errorf("Removed = %d, want 7: %v", res.Removed, res.Paths)
		}
		for _, k := range []string{"partial", "download", "onlyPartial", "partialDir", "emptyStack"} {
			if !exists(p[k]) {
				t.Errorf("dry run removed %s", k)
			}
		}
	})
}

func TestCleanup_RejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	release, err := h.locker.Acquire(ctx, cleanupLease, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.StartCleanup(ctx, false, models.TriggerSchedule); !errors.Is(err, ErrCleanupRunning) {
		t.Errorf("StartCleanup() error = %v, want ErrCleanupRunning", err)
	}
	if _, err := h.svc.RunCleanup(ctx, false, models.TriggerManual); !errors.Is(err, ErrCleanupRunning) {
		t.Errorf("RunCleanup() error = %v, want ErrCleanupRunning", err)
	}
	jobs, _ := h.store.ListJobs(ctx, models.JobFilter{Type: models.JobTypeCleanup})
	if len(jobs) != 0 {
		t.Errorf("rejected cleanups recorded %d job(s)", len(jobs))
	}
	release()

	job, err := h.svc.StartCleanup(ctx, false, models.TriggerSchedule)
	if err != nil {
		t.Fatalf("StartCleanup() error = %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.svc.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	got, err := h.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.JobStateSuccess || got.TriggeredBy != models.TriggerSchedule {
		t.Errorf("job = %s by %s, want success by schedule", got.State, got.TriggeredBy)
	}
	if h.locker.Held(cleanupLease) {
		t.Error("cleanup lease not released")
	}
}

func TestCleanup_Notification(t *testing.T) {
	ctx := context.Background()

	t.Run("live run notifies", func(t *testing.T) {
		h := newHarness(t, Options{Notify: true})
		if _, err := h.svc.RunCleanup(ctx, false, models.TriggerManual); err != nil {
			t.Fatal(err)
		}
		if len(h.notifier.msgs) != 1 || h.notifier.msgs[0].Event != notifications.EventCleanupDone {
			t.Errorf("messages = %+v, want one cleanup report", h.notifier.msgs)
		}
	})

	t.Run("dry run stays quiet", func(t *testing.T) {
		h := newHarness(t, Options{Notify: true})
		if _, err := h.svc.RunCleanup(ctx, true, models.TriggerManual); err != nil {
			t.Fatal(err)
		}
		if len(h.notifier.msgs) != 0 {
			t.Errorf("messages = %d, want 0", len(h.notifier.msgs))
		}
	})

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, Options{})
		if _, err := h.svc.RunCleanup(ctx, false, models.TriggerManual); err != nil {
			t.Fatal(err)
		}
		if len(h.notifier.msgs) != 0 {
			t.Errorf("messages = %d, want 0", len(h.notifier.msgs))
		}
	})
}

func TestRetentionJob(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*harness, *models.ArchiveConfig, string, string) {
		h := newHarness(t, Options{})
		cfg := h.addConfig(t, "nightly")
		cfg.Retention = models.RetentionPolicy{KeepDays: 1}
		if err := h.store.UpdateArchive(ctx, cfg); err != nil {
			t.Fatal(err)
		}
		dir := filepath.Join(h.archives, cfg.DirName(), "web")
		keep := filepath.Join(dir, retention.ArchiveName("web", time.Now(), models.FormatTarGz))
		drop := filepath.Join(dir, retention.ArchiveName("web", time.Date(2020, 1, 1, 3, 0, 0, 0, time.Local), models.FormatTarGz))
		writeFile(t, keep, 10, 0)
		writeFile(t, drop, 25, 0)
		return h, cfg, keep, drop
	}

	wait := func(t *testing.T, h *harness) {
		t.Helper()
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := h.svc.Wait(waitCtx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	t.Run("prunes the series", func(t *testing.T) {
		h, cfg, keep, drop := setup(t)
		job, err := h.svc.StartRetention(ctx, cfg.ID, false, models.TriggerManual)
		if err != nil {
			t.Fatalf("StartRetention() error = %v", err)
		}
		wait(t, h)

		if !exists(keep) || exists(drop) {
			t.Errorf("keep present = %v, drop present = %v", exists(keep), exists(drop))
		}
		got, _ := h.store.GetJob(ctx, job.ID)
		if got.Type != models.JobTypeRetention || got.State != models.JobStateSuccess {
			t.Errorf("job = %s/%s, want retention/success", got.Type, got.State)
		}
		if got.ReclaimedBytes != 25 {
			t.Errorf("ReclaimedBytes = %d, want 25", got.ReclaimedBytes)
		}
		if got.ArchiveID == nil || *got.ArchiveID != cfg.ID {
			t.Error("job not linked to its archive config")
		}
	})

	t.Run("dry run keeps files", func(t *testing.T) {
		h, cfg, _, drop := setup(t)
		job, err := h.svc.StartRetention(ctx, cfg.ID, true, models.TriggerManual)
		if err != nil {
			t.Fatalf("StartRetention() error = %v", err)
		}
		wait(t, h)
		if !exists(drop) {
			t.Error("dry run deleted an archive")
		}
		got, _ := h.store.GetJob(ctx, job.ID)
		if got.ReclaimedBytes != 25 || !got.IsDryRun {
			t.Errorf("job = %+v, want dry run reporting 25 bytes", got)
		}
		if log := readLog(t, got); !strings.Contains(log, "Would delete archive") {
			t.Errorf("log missing dry run line:\n%s", log)
		}
	})

	t.Run("blocked by a running archive job", func(t *testing.T) {
		h, cfg, _, drop := setup(t)
		release, err := h.locker.Acquire(ctx, cfg.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer release()
		if _, err := h.svc.StartRetention(ctx, cfg.ID, false, models.TriggerManual); !errors.Is(err, executor.ErrAlreadyRunning) {
			t.Errorf("StartRetention() error = %v, want ErrAlreadyRunning", err)
		}
		if !exists(drop) {
			t.Error("archive deleted while the config was leased")
		}
	})

	t.Run("unknown config", func(t *testing.T) {
		h := newHarness(t, Options{})
		if _, err := h.svc.StartRetention(ctx, models.NewArchiveConfig("x", nil).ID, false, ""); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("StartRetention() error = %v, want ErrNotFound", err)
		}
	})
}
