package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

func fastBackoff() retry.Backoff {
	return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	var calls int32
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, zerolog.Nop())
	n.backoff = fastBackoff

	if err := n.Send(context.Background(), Message{Event: EventJobFinished, Title: "Archive nightly completed"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if got.Title != "Archive nightly completed" {
		t.Errorf("payload title = %q", got.Title)
	}
}

func TestWebhookNotifier_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, zerolog.Nop())
	n.backoff = fastBackoff

	if err := n.Send(context.Background(), Message{Title: "x"}); err == nil {
		t.Fatal("Send() expected error for 400")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDiscordPayload(t *testing.T) {
	msg := Message{
		Title:     "Archive nightly failed",
		Body:      "web: failed",
		Failure:   true,
		Fields:    []Field{{Name: "Duration", Value: "3s"}},
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	p := discordPayload(msg)
	if len(p.Embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(p.Embeds))
	}
	e := p.Embeds[0]
	if e.Color != discordColorFailure {
		t.Errorf("color = %x, want failure color", e.Color)
	}
	if e.Timestamp != "2024-05-01T12:00:00Z" {
		t.Errorf("timestamp = %q", e.Timestamp)
	}
	if len(e.Fields) != 1 || !e.Fields[0].Inline {
		t.Errorf("fields = %+v", e.Fields)
	}
}

func TestEmailNotifier(t *testing.T) {
	if _, err := NewEmailNotifier(SMTPConfig{Host: "smtp"}, nil, zerolog.Nop()); err == nil {
		t.Error("NewEmailNotifier() accepted config without port and from")
	}

	e, err := NewEmailNotifier(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "archiver@example.com"},
		[]string{"ops@example.com"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEmailNotifier() error = %v", err)
	}

	var gotTo []string
	var gotMsg string
	e.send = func(addr string, to []string, msg []byte) error {
		if addr != "smtp.example.com:587" {
			t.Errorf("addr = %q", addr)
		}
		gotTo = to
		gotMsg = string(msg)
		return nil
	}

	t.Run("job report uses configured recipients", func(t *testing.T) {
		if err := e.Send(context.Background(), Message{Title: "Archive nightly completed", Body: "web: success"}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		if len(gotTo) != 1 || gotTo[0] != "ops@example.com" {
			t.Errorf("to = %v", gotTo)
		}
		if !strings.Contains(gotMsg, "Subject: Archive nightly completed\r\n") {
			t.Errorf("message missing subject:\n%s", gotMsg)
		}
	})

	t.Run("message recipients override", func(t *testing.T) {
		_ = e.Send(context.Background(), Message{Title: "Download ready", Recipients: []string{"alice@example.com"}})
		if len(gotTo) != 1 || gotTo[0] != "alice@example.com" {
			t.Errorf("to = %v", gotTo)
		}
	})

	t.Run("no recipients", func(t *testing.T) {
		e.recipients = nil
		if err := e.Send(context.Background(), Message{Title: "x"}); !errors.Is(err, ErrNoRecipients) {
			t.Errorf("Send() error = %v, want ErrNoRecipients", err)
		}
	})
}

type recordingNotifier struct {
	name string
	err  error
	sent []Message
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Send(_ context.Context, msg Message) error {
	r.sent = append(r.sent, msg)
	return r.err
}

func TestDispatcher(t *testing.T) {
	ok := &recordingNotifier{name: "ok"}
	bad := &recordingNotifier{name: "bad", err: errors.New("down")}

	t.Run("fans out and joins errors", func(t *testing.T) {
		d := NewDispatcher(false, zerolog.Nop(), bad, ok)
		err := d.Send(context.Background(), Message{Event: EventJobFinished, Title: "t"})
		if err == nil || !strings.Contains(err.Error(), "bad: down") {
			t.Errorf("Send() error = %v", err)
		}
		if len(ok.sent) != 1 {
			t.Errorf("healthy channel got %d messages, want 1", len(ok.sent))
		}
		if ok.sent[0].Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	})

	t.Run("only failure skips success", func(t *testing.T) {
		rec := &recordingNotifier{name: "rec"}
		d := NewDispatcher(true, zerolog.Nop(), rec)
		_ = d.Send(context.Background(), Message{Event: EventJobFinished, Failure: false})
		_ = d.Send(context.Background(), Message{Event: EventJobFinished, Failure: true})
		_ = d.Send(context.Background(), Message{Event: EventDownloadReady})
		if len(rec.sent) != 2 {
			t.Errorf("sent %d messages, want 2", len(rec.sent))
		}
	})

	t.Run("nil dispatcher is disabled", func(t *testing.T) {
		var d *Dispatcher
		if d.Enabled() {
			t.Error("nil dispatcher reports enabled")
		}
		if err := d.Send(context.Background(), Message{}); err != nil {
			t.Errorf("Send() error = %v", err)
		}
	})
}

func TestJobReportMessage(t *testing.T) {
	tests := []struct {
		state       models.JobState
		wantTitle   string
		wantFailure bool
	}{
		{models.JobStateSuccess, "Archive nightly completed", false},
		{models.JobStatePartialFailure, "Archive nightly completed with warnings", true},
		{models.JobStateFailed, "Archive nightly failed", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			msg := JobReport{
				ArchiveName: "nightly",
				State:       tt.state,
				Duration:    90 * time.Second,
				TotalBytes:  2048,
				Stacks: []StackLine{
					{Name: "web", Status: models.StackSuccess, Bytes: 2048},
					{Name: "db", Status: models.StackSkipped, Detail: "image pull timed out"},
				},
			}.Message()
			if msg.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", msg.Title, tt.wantTitle)
			}
			if msg.Failure != tt.wantFailure {
				t.Errorf("Failure = %v, want %v", msg.Failure, tt.wantFailure)
			}
			if !strings.Contains(msg.Body, "web: success (2.0 KiB)") {
				t.Errorf("Body = %q", msg.Body)
			}
			if !strings.Contains(msg.Body, "db: skipped - image pull timed out") {
				t.Errorf("Body = %q", msg.Body)
			}
		})
	}
}

func TestCleanupReportMessage(t *testing.T) {
	t.Run("live run", func(t *testing.T) {
		msg := CleanupReport{
			State:     models.JobStateSuccess,
			Duration:  3 * time.Second,
			Reclaimed: 4096,
			Sweeps: []SweepLine{
				{Name: "orphans", Removed: 1, Reclaimed: 4096},
				{Name: "temp", Removed: 0},
			},
		}.Message()
		if msg.Event != EventCleanupDone || msg.Failure {
			t.Errorf("Event = %q, Failure = %v", msg.Event, msg.Failure)
		}
		if msg.Title != "Cleanup completed" {
			t.Errorf("Title = %q", msg.Title)
		}
		if !strings.Contains(msg.Body, "orphans: removed 1 (4.0 KiB)") {
			t.Errorf("Body = %q", msg.Body)
		}
	})

	t.Run("dry run with errors", func(t *testing.T) {
		msg := CleanupReport{
			State:  models.JobStatePartialFailure,
			DryRun: true,
			Sweeps: []SweepLine{{Name: "logs", Removed: 2, Errors: 1}},
			Error:  "logs: permission denied",
		}.Message()
		if !msg.Failure || msg.Title != "Cleanup finished with errors" {
			t.Errorf("Title = %q, Failure = %v", msg.Title, msg.Failure)
		}
		if !strings.Contains(msg.Body, "logs: would remove 2, 1 failed") {
			t.Errorf("Body = %q", msg.Body)
		}
	})
}
