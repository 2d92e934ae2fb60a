package notifications

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool
}

// Validate checks the SMTP configuration.
func (c *SMTPConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("smtp host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("smtp port is required")
	}
	if c.From == "" {
		return fmt.Errorf("smtp from address is required")
	}
	return nil
}

// ErrNoRecipients is returned when a message has nobody to go to.
var ErrNoRecipients = errors.New("no email recipients")

// EmailNotifier sends plain text mail.
type EmailNotifier struct {
	config     SMTPConfig
	recipients []string
	send       func(addr string, to []string, msg []byte) error
	logger     zerolog.Logger
}

// NewEmailNotifier creates an EmailNotifier. recipients receive job
// reports; download notices go to the message's own recipients.
func NewEmailNotifier(cfg SMTPConfig, recipients []string, logger zerolog.Logger) (*EmailNotifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid smtp config: %w", err)
	}
	e := &EmailNotifier{
		config:     cfg,
		recipients: recipients,
		logger:     logger.With().Str("component", "email_notifier").Logger(),
	}
	if cfg.TLS {
		e.send = e.sendTLS
	} else {
		e.send = e.sendPlain
	}
	return e, nil
}

// Name returns the channel name.
func (e *EmailNotifier) Name() string { return "email" }

// Send mails msg.
func (e *EmailNotifier) Send(_ context.Context, msg Message) error {
	to := msg.Recipients
	if len(to) == 0 {
		to = e.recipients
	}
	if len(to) == 0 {
		return ErrNoRecipients
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.send(addr, to, e.buildMessage(to, msg)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	e.logger.Info().Strs("to", to).Str("subject", msg.Title).Msg("email sent")
	return nil
}

func (e *EmailNotifier) buildMessage(to []string, msg Message) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", e.config.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Title)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	buf.WriteString("\r\n")
	for _, f := range msg.Fields {
		fmt.Fprintf(&buf, "%s: %s\r\n", f.Name, f.Value)
	}
	if msg.Link != "" {
		fmt.Fprintf(&buf, "\r\n%s\r\n", msg.Link)
	}
	return buf.Bytes()
}

func (e *EmailNotifier) auth() smtp.Auth {
	if e.config.Username == "" {
		return nil
	}
	return smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
}

func (e *EmailNotifier) sendPlain(addr string, to []string, msg []byte) error {
	return smtp.SendMail(addr, e.auth(), e.config.From, to, msg)
}

// sendTLS uses implicit TLS (port 465).
func (e *EmailNotifier) sendTLS(addr string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName: e.config.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("tls dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, e.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if auth := e.auth(); auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(e.config.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt to %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message writer: %w", err)
	}
	return client.Quit()
}
