// Package notifications delivers job and download reports to the configured
// channels.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/config"
	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// Event types carried by a Message.
const (
	EventJobFinished   = "job.finished"
	EventDownloadReady = "download.ready"
	EventDownloadError = "download.failed"
	EventCleanupDone   = "cleanup.finished"
)

// Field is one labelled value in a Message.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is a channel-neutral notification.
type Message struct {
	Event      string    `json:"event"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Failure    bool      `json:"failure"`
	Fields     []Field   `json:"fields,omitempty"`
	Link       string    `json:"link,omitempty"`
	Recipients []string  `json:"-"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier sends a Message over one channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Dispatcher fans a message out to every configured notifier. A failing
// channel does not stop the others.
type Dispatcher struct {
	notifiers   []Notifier
	onlyFailure bool
	logger      zerolog.Logger
}

// NewDispatcher creates a Dispatcher over notifiers.
func NewDispatcher(onlyFailure bool, logger zerolog.Logger, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		notifiers:   notifiers,
		onlyFailure: onlyFailure,
		logger:      logger.With().Str("component", "notifications").Logger(),
	}
}

// FromConfig builds a Dispatcher from the NOTIFY_* and SMTP_* settings.
func FromConfig(cfg config.NotifyConfig, logger zerolog.Logger) *Dispatcher {
	var ns []Notifier
	if cfg.WebhookURL != "" {
		ns = append(ns, NewWebhookNotifier(cfg.WebhookURL, logger))
	}
	if cfg.DiscordURL != "" {
		ns = append(ns, NewDiscordNotifier(cfg.DiscordURL, logger))
	}
	if cfg.SMTPHost != "" {
		email, err := NewEmailNotifier(SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.SMTPFrom,
			TLS:      cfg.SMTPPort == 465,
		}, cfg.Recipients, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("email notifications disabled")
		} else {
			ns = append(ns, email)
		}
	}
	return NewDispatcher(cfg.OnlyFailure, logger, ns...)
}

// Enabled reports whether any channel is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.notifiers) > 0
}

// Send delivers msg to every channel and joins their errors.
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	if !d.Enabled() {
		return nil
	}
	if d.onlyFailure && (msg.Event == EventJobFinished || msg.Event == EventCleanupDone) && !msg.Failure {
		d.logger.Debug().Str("title", msg.Title).Msg("skipping success notification")
		return nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var errs []error
	for _, n := range d.notifiers {
		if err := n.Send(ctx, msg); err != nil {
			d.logger.Error().Err(err).Str("channel", n.Name()).Msg("notification failed")
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			continue
		}
		d.logger.Debug().Str("channel", n.Name()).Str("event", msg.Event).Msg("notification sent")
	}
	return errors.Join(errs...)
}

// StackLine summarises one stack for a job report.
type StackLine struct {
	Name   string
	Status models.StackStatus
	Bytes  int64
	Detail string
}

// JobReport is the outcome of an archive run.
type JobReport struct {
	ArchiveName string
	JobID       string
	State       models.JobState
	Duration    time.Duration
	TotalBytes  int64
	Reclaimed   int64
	Stacks      []StackLine
	Error       string
	DiskUsage   string
	Link        string
}

// Message renders the report.
func (r JobReport) Message() Message {
	failure := r.State != models.JobStateSuccess

	var title string
	switch r.State {
	case models.JobStateSuccess:
		title = fmt.Sprintf("Archive %s completed", r.ArchiveName)
	case models.JobStatePartialFailure:
		title = fmt.Sprintf("Archive %s completed with warnings", r.ArchiveName)
	default:
		title = fmt.Sprintf("Archive %s failed", r.ArchiveName)
	}

	var b strings.Builder
	for _, s := range r.Stacks {
		fmt.Fprintf(&b, "%s: %s", s.Name, s.Status)
		if s.Bytes > 0 {
			fmt.Fprintf(&b, " (%s)", humanize.IBytes(uint64(s.Bytes)))
		}
		if s.Detail != "" {
			fmt.Fprintf(&b, " - %s", s.Detail)
		}
		b.WriteString("\n")
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", r.Error)
	}

	fields := []Field{
		{Name: "Duration", Value: r.Duration.Round(time.Second).String()},
		{Name: "Total size", Value: humanize.IBytes(uint64(r.TotalBytes))},
	}
	if r.Reclaimed > 0 {
		fields = append(fields, Field{Name: "Reclaimed", Value: humanize.IBytes(uint64(r.Reclaimed))})
	}
	if r.DiskUsage != "" {
		fields = append(fields, Field{Name: "Disk", Value: r.DiskUsage})
	}

	return Message{
		Event:   EventJobFinished,
		Title:   title,
		Body:    strings.TrimRight(b.String(), "\n"),
		Failure: failure,
		Fields:  fields,
		Link:    r.Link,
	}
}

// SweepLine summarises one cleanup sweep.
type SweepLine struct {
	Name      string
	Removed   int
	Reclaimed int64
	Errors    int
}

// CleanupReport is the outcome of a cleanup run.
type CleanupReport struct {
	JobID     string
	State     models.JobState
	DryRun    bool
	Duration  time.Duration
	Sweeps    []SweepLine
	Reclaimed int64
	Error     string
	Link      string
}

// Message renders the report.
func (r CleanupReport) Message() Message {
	verb := "removed"
	title := "Cleanup completed"
	if r.DryRun {
		verb = "would remove"
		title = "Cleanup dry run completed"
	}
	if r.State != models.JobStateSuccess {
		title = "Cleanup finished with errors"
	}

	var b strings.Builder
	for _, s := range r.Sweeps {
		fmt.Fprintf(&b, "%s: %s %d", s.Name, verb, s.Removed)
		if s.Reclaimed > 0 {
			fmt.Fprintf(&b, " (%s)", humanize.IBytes(uint64(s.Reclaimed)))
		}
		if s.Errors > 0 {
			fmt.Fprintf(&b, ", %d failed", s.Errors)
		}
		b.WriteString("\n")
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", r.Error)
	}

	return Message{
		Event:   EventCleanupDone,
		Title:   title,
		Body:    strings.TrimRight(b.String(), "\n"),
		Failure: r.State != models.JobStateSuccess,
		Fields: []Field{
			{Name: "Duration", Value: r.Duration.Round(time.Second).String()},
			{Name: "Reclaimed", Value: humanize.IBytes(uint64(r.Reclaimed))},
		},
		Link: r.Link,
	}
}
