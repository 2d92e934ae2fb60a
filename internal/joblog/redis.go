package joblog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ChannelPrefix prefixes the per-job pub/sub channel name.
const ChannelPrefix = "job-events:"

// envelope wraps an event with the publishing process id so a process
// ignores its own messages when they come back.
type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisBridge mirrors job events through Redis pub/sub.
type RedisBridge struct {
	client *redis.Client
	origin string
	logger zerolog.Logger
}

// NewRedisBridge connects to url and verifies the connection.
func NewRedisBridge(ctx context.Context, url, origin string, logger zerolog.Logger) (*RedisBridge, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBridge{
		client: client,
		origin: origin,
		logger: logger.With().Str("component", "joblog_redis").Logger(),
	}, nil
}

// Publish sends ev on the job's channel.
func (r *RedisBridge) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return r.client.Publish(ctx, ChannelPrefix+ev.JobID, payload).Err()
}

// Listen forwards events published by other processes for jobID to fn
// until ctx is done.
func (r *RedisBridge) Listen(ctx context.Context, jobID string, fn func(Event)) error {
	sub := r.client.Subscribe(ctx, ChannelPrefix+jobID)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", jobID, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if ev, ok := r.decode(msg.Payload); ok {
				fn(ev)
			}
		}
	}
}

func (r *RedisBridge) decode(payload string) (Event, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed job event")
		return Event{}, false
	}
	if env.Origin == r.origin {
		return Event{}, false
	}
	return env.Event, true
}

// Close closes the Redis client.
func (r *RedisBridge) Close() error {
	return r.client.Close()
}
