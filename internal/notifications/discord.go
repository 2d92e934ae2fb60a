package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	discordColorSuccess = 0x2ecc71
	discordColorFailure = 0xe74c3c
)

// DiscordMessage is a Discord webhook payload.
type DiscordMessage struct {
	Username string         `json:"username,omitempty"`
	Embeds   []DiscordEmbed `json:"embeds"`
}

// DiscordEmbed is a Discord embed object.
type DiscordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	URL         string              `json:"url,omitempty"`
	Color       int                 `json:"color"`
	Fields      []DiscordEmbedField `json:"fields,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
}

// DiscordEmbedField is a field in a Discord embed.
type DiscordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// DiscordNotifier posts messages to a Discord webhook.
type DiscordNotifier struct {
	url     string
	client  *http.Client
	backoff func() retry.Backoff
	logger  zerolog.Logger
}

// NewDiscordNotifier creates a DiscordNotifier.
func NewDiscordNotifier(url string, logger zerolog.Logger) *DiscordNotifier {
	return &DiscordNotifier{
		url:     url,
		client:  &http.Client{Timeout: 30 * time.Second},
		backoff: defaultBackoff,
		logger:  logger.With().Str("component", "discord_notifier").Logger(),
	}
}

// Name returns the channel name.
func (d *DiscordNotifier) Name() string { return "discord" }

// Send posts msg as a single embed.
func (d *DiscordNotifier) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(discordPayload(msg))
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	return postJSON(ctx, d.client, d.url, body, d.backoff())
}

func discordPayload(msg Message) DiscordMessage {
	color := discordColorSuccess
	if msg.Failure {
		color = discordColorFailure
	}
	embed := DiscordEmbed{
		Title:       msg.Title,
		Description: truncate(msg.Body, 4000),
		URL:         msg.Link,
		Color:       color,
		Timestamp:   msg.Timestamp.UTC().Format(time.RFC3339),
	}
	for _, f := range msg.Fields {
		embed.Fields = append(embed.Fields, DiscordEmbedField{Name: f.Name, Value: f.Value, Inline: true})
	}
	return DiscordMessage{Username: "Stack Archiver", Embeds: []DiscordEmbed{embed}}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
