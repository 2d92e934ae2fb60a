package joblog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

func newJob(dryRun bool) *models.Job {
	j := models.NewJob(models.JobTypeArchiveMaster, nil, models.TriggerManual)
	j.IsDryRun = dryRun
	return j
}

func TestFormatLine(t *testing.T) {
	ts := time.Date(2026, 3, 18, 12, 30, 5, 0, time.UTC)

	if got := FormatLine(ts, LevelInfo, "hello", false); got != "[2026-03-18 12:30:05] [INFO] hello" {
		t.Errorf("FormatLine() = %q", got)
	}
	if got := FormatLine(ts, LevelWarning, "a\nb", true); got != "[2026-03-18 12:30:05] [WARNING] [SIMULATION] a b" {
		t.Errorf("FormatLine(simulation) = %q", got)
	}
}

func TestFileStore_PathFor(t *testing.T) {
	s := NewFileStore("/var/log/archiver", nil)
	job := newJob(true)
	ts := time.Date(2026, 3, 18, 12, 30, 5, 0, time.UTC)

	got := s.PathFor(job, "Nightly Backup", ts)
	want := "/var/log/archiver/20260318_123005_dryrun_Nightly_Backup_" + job.ID.String()[:8] + ".log"
	if got != want {
		t.Errorf("PathFor() = %q, want %q", got, want)
	}
}

func TestWriter_TailAndStackFilter(t *testing.T) {
	s := NewFileStore(t.TempDir(), nil)
	job := newJob(false)
	path := s.PathFor(job, "cfg", time.Now())

	w, err := s.Open(job, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = w.Log(LevelInfo, "init")
	_ = w.BeginStack("app")
	_ = w.Log(LevelInfo, "archiving app")
	_ = w.EndStack("app")
	_ = w.BeginStack("myapp")
	_ = w.Log(LevelError, "myapp failed")
	_ = w.EndStack("myapp")
	_ = w.Log(LevelInfo, "done")
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Log(LevelInfo, "late"); err != ErrClosed {
		t.Errorf("Log after Close error = %v, want ErrClosed", err)
	}

	all, err := Tail(path, 0, "")
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if all.LastLine != 8 || len(all.Lines) != 8 {
		t.Fatalf("Tail() = %d lines, last %d; want 8", len(all.Lines), all.LastLine)
	}

	since, _ := Tail(path, 6, "")
	if len(since.Lines) != 2 || !strings.HasSuffix(since.Lines[1], "done") {
		t.Errorf("Tail(since=6) = %v", since.Lines)
	}

	app, _ := Tail(path, 0, "app")
	if len(app.Lines) != 3 || app.LastLine != 8 {
		t.Errorf("Tail(stack=app) = %v last %d", app.Lines, app.LastLine)
	}
	if !strings.Contains(app.Lines[1], "archiving app") {
		t.Errorf("unexpected app section: %v", app.Lines)
	}

	appAfter, _ := Tail(path, 3, "app")
	if len(appAfter.Lines) != 1 || !strings.Contains(appAfter.Lines[0], "Finished backup for stack: app") {
		t.Errorf("Tail(since=3, stack=app) = %v", appAfter.Lines)
	}
}

func TestFileStore_OpenAppendsLineNumbers(t *testing.T) {
	s := NewFileStore(t.TempDir(), nil)
	job := newJob(false)
	path := filepath.Join(s.Dir(), "job.log")

	w, _ := s.Open(job, path)
	_ = w.Log(LevelInfo, "one")
	w.Close()

	w, err := s.Open(job, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer w.Close()
	_ = w.Log(LevelInfo, "two")
	if w.Lines() != 2 {
		t.Errorf("Lines() = %d, want 2", w.Lines())
	}
}

func TestWriter_LineNumbersFollowForeignAppends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(ctx, NewHub(64), nil, zerolog.Nop())
	s := NewFileStore(t.TempDir(), bus)
	job := newJob(false)
	path := s.PathFor(job, "cfg", time.Now())

	w, err := s.Open(job, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer w.Close()
	_ = w.Log(LevelInfo, "one")
	_ = w.Log(LevelInfo, "two")

	other, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	other.WriteString(`{"level":"info","message":"run-job started"}` + "\n")
	other.WriteString(`{"level":"warn","message":"no newline"}`)
	other.Close()

	replay, err := Tail(path, 0, "")
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	last := replay.LastLine
	if last != 4 {
		t.Fatalf("LastLine = %d, want 4", last)
	}

	ch, unsub := bus.Subscribe(job.ID.String(), path, last)
	defer unsub()
	_ = w.Log(LevelInfo, "three")
	_ = w.Log(LevelInfo, "four")

	for _, want := range []struct {
		line int
		msg  string
	}{{5, "three"}, {6, "four"}} {
		select {
		case ev := <-ch:
			if ev.Line != want.line || !strings.HasSuffix(ev.Data.(string), want.msg) {
				t.Errorf("event = line %d %v, want line %d %q", ev.Line, ev.Data, want.line, want.msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want.msg)
		}
	}

	res, err := Tail(path, last, "")
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if len(res.Lines) != 2 || !strings.HasSuffix(res.Lines[0], "three") || res.LastLine != 6 {
		t.Errorf("Tail(%d) = %+v", last, res)
	}
	if w.Lines() != 6 {
		t.Errorf("Lines() = %d, want 6", w.Lines())
	}
}

func TestFileStore_OpenTerminatesPartialLine(t *testing.T) {
	s := NewFileStore(t.TempDir(), nil)
	path := filepath.Join(s.Dir(), "job.log")
	if err := os.WriteFile(path, []byte("first\npartial"), 0644); err != nil {
		t.Fatal(err)
	}

	w, err := s.Open(newJob(false), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = w.Log(LevelInfo, "next")
	w.Close()

	res, _ := Tail(path, 0, "")
	if len(res.Lines) != 3 || res.Lines[1] != "partial" || !strings.HasSuffix(res.Lines[2], "next") {
		t.Errorf("lines = %q", res.Lines)
	}
	if w.Lines() != 3 {
		t.Errorf("Lines() = %d, want 3", w.Lines())
	}
}

func TestProcessLogPath(t *testing.T) {
	if got := ProcessLogPath("/logs/20260101_archive_web_abcd.log"); got != "/logs/20260101_archive_web_abcd.process.log" {
		t.Errorf("ProcessLogPath() = %q", got)
	}
}

func TestTail_MissingFile(t *testing.T) {
	res, err := Tail(filepath.Join(t.TempDir(), "none.log"), 4, "")
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if len(res.Lines) != 0 || res.LastLine != 4 {
		t.Errorf("Tail() = %+v", res)
	}
}

func TestHub_PublishSubscribe(t *testing.T) {
	h := NewHub(4)
	ch1, cancel1 := h.Subscribe("job")
	ch2, cancel2 := h.Subscribe("job")
	defer cancel2()

	h.Publish(Event{Type: EventLog, JobID: "job", Line: 1, Data: "x"})
	h.Publish(Event{Type: EventLog, JobID: "other", Line: 1, Data: "y"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Line != 1 || ev.Data != "x" {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}

	cancel1()
	cancel1()
	if _, ok := <-ch1; ok {
		t.Error("channel should be closed after cancel")
	}
	if h.Subscribers("job") != 1 {
		t.Errorf("Subscribers() = %d, want 1", h.Subscribers("job"))
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	h := NewHub(2)
	ch, cancel := h.Subscribe("job")
	defer cancel()

	for i := 1; i <= 5; i++ {
		h.Publish(Event{Type: EventLog, JobID: "job", Line: i})
	}

	var got int
	for range ch {
		got++
	}
	if got != 2 {
		t.Errorf("received %d events before disconnect, want 2", got)
	}
	if h.Subscribers("job") != 0 {
		t.Error("slow subscriber should be removed")
	}
}

func TestBus_LocalWriterDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(ctx, NewHub(64), nil, zerolog.Nop())
	s := NewFileStore(t.TempDir(), bus)
	job := newJob(false)
	path := s.PathFor(job, "cfg", time.Now())

	w, err := s.Open(job, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer w.Close()

	ch, unsub := bus.Subscribe(job.ID.String(), path, 0)
	defer unsub()

	for i := 0; i < 10; i++ {
		_ = w.Logf(LevelInfo, "line %d", i)
	}

	for want := 1; want <= 10; want++ {
		select {
		case ev := <-ch:
			if ev.Line != want {
				t.Fatalf("event line = %d, want %d", ev.Line, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for line %d", want)
		}
	}
}

func TestBus_FollowsRemoteLogWithoutRedis(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(ctx, NewHub(64), nil, zerolog.Nop())
	bus.poll = 50 * time.Millisecond

	path := filepath.Join(t.TempDir(), "remote.log")
	if err := os.WriteFile(path, []byte("[t] [INFO] first\n"), 0644); err != nil {
		t.Fatal(err)
	}

	jobID := uuid.NewString()
	ch, unsub := bus.Subscribe(jobID, path, 1)
	defer unsub()

	// Another process appends to the log.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return
		}
		defer f.Close()
		f.WriteString("[t] [INFO] second\n")
	}()
	wg.Wait()

	select {
	case ev := <-ch:
		if ev.Line != 2 || !strings.HasSuffix(ev.Data.(string), "second") {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("follower did not deliver appended line")
	}
}

func TestRedisBridge_DecodeSkipsOwnOrigin(t *testing.T) {
	r := &RedisBridge{origin: "me", logger: zerolog.Nop()}

	if _, ok := r.decode(`{"origin":"me","event":{"type":"log","job_id":"j"}}`); ok {
		t.Error("own event should be skipped")
	}
	ev, ok := r.decode(`{"origin":"worker","event":{"type":"status","job_id":"j","data":"running"}}`)
	if !ok || ev.Type != EventStatus || ev.Data != "running" {
		t.Errorf("decode() = %+v, %v", ev, ok)
	}
	if _, ok := r.decode("not json"); ok {
		t.Error("malformed payload should be dropped")
	}
}

func TestNewRedisBridge_InvalidURL(t *testing.T) {
	if _, err := NewRedisBridge(context.Background(), "://bad", "me", zerolog.Nop()); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}
