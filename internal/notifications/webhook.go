package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// WebhookNotifier posts the message as JSON to a URL.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	backoff func() retry.Backoff
	logger  zerolog.Logger
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(url string, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: 30 * time.Second},
		backoff: defaultBackoff,
		logger:  logger.With().Str("component", "webhook_notifier").Logger(),
	}
}

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(2, retry.NewExponential(time.Second))
}

// Name returns the channel name.
func (w *WebhookNotifier) Name() string { return "webhook" }

// Send posts msg, retrying 5xx responses and transport errors.
func (w *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	return postJSON(ctx, w.client, w.url, body, w.backoff())
}

// postJSON sends body and treats 5xx as retryable.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, b retry.Backoff) error {
	return retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "stackarchiver")

		resp, err := client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("send request: %w", err))
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		switch {
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("server error %d: %s", resp.StatusCode, respBody))
		case resp.StatusCode >= 300:
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody)
		}
		return nil
	})
}
