package joblog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Bus distributes job events. Local writers publish straight to the hub.
// When a Redis bridge is configured events are mirrored through it so that
// observers attached to another process receive them too. Without Redis,
// observers of a job written by another process follow its log file.
type Bus struct {
	hub    *Hub
	redis  *RedisBridge
	poll   time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	local   map[string]int
	remote  map[string]*remoteFeed
	rootCtx context.Context
}

type remoteFeed struct {
	refs   int
	cancel context.CancelFunc
}

// NewBus creates a Bus. redis may be nil.
func NewBus(ctx context.Context, hub *Hub, redis *RedisBridge, logger zerolog.Logger) *Bus {
	return &Bus{
		hub:     hub,
		redis:   redis,
		poll:    time.Second,
		logger:  logger.With().Str("component", "joblog").Logger(),
		local:   make(map[string]int),
		remote:  make(map[string]*remoteFeed),
		rootCtx: ctx,
	}
}

// Hub returns the in-process hub.
func (b *Bus) Hub() *Hub {
	return b.hub
}

// Publish delivers ev locally and mirrors it to Redis when configured.
// A Redis failure is logged and never blocks local delivery.
func (b *Bus) Publish(ev Event) {
	b.hub.Publish(ev)
	if b.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(b.rootCtx, 2*time.Second)
	defer cancel()
	if err := b.redis.Publish(ctx, ev); err != nil {
		b.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("redis publish failed, observers in other processes will poll")
	}
}

// Subscribe attaches an observer to jobID. logPath is the job's durable
// log; since is the last line the observer already holds. The returned
// func detaches the observer.
func (b *Bus) Subscribe(jobID, logPath string, since int) (<-chan Event, func()) {
	ch, cancel := b.hub.Subscribe(jobID)

	b.mu.Lock()
	isLocal := b.local[jobID] > 0
	var feed *remoteFeed
	if !isLocal {
		feed = b.remote[jobID]
		if feed == nil {
			ctx, stop := context.WithCancel(b.rootCtx)
			feed = &remoteFeed{cancel: stop}
			b.remote[jobID] = feed
			go b.runRemote(ctx, jobID, logPath, since)
		}
		feed.refs++
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cancel()
			if feed == nil {
				return
			}
			b.mu.Lock()
			feed.refs--
			if feed.refs == 0 {
				feed.cancel()
				if b.remote[jobID] == feed {
					delete(b.remote, jobID)
				}
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) runRemote(ctx context.Context, jobID, logPath string, since int) {
	if b.redis != nil {
		err := b.redis.Listen(ctx, jobID, b.hub.Publish)
		if err == nil || ctx.Err() != nil {
			return
		}
		b.logger.Warn().Err(err).Str("job_id", jobID).Msg("redis subscribe failed, following log file")
	}
	if logPath == "" {
		return
	}
	follow(ctx, logPath, since, b.poll, func(line int, text string) {
		b.hub.Publish(Event{Type: EventLog, JobID: jobID, Line: line, Data: text})
	}, b.logger)
}

// attach records that this process is writing jobID.
func (b *Bus) attach(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.local[jobID]++
	if feed := b.remote[jobID]; feed != nil {
		feed.cancel()
		delete(b.remote, jobID)
	}
}

func (b *Bus) detach(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.local[jobID]--
	if b.local[jobID] <= 0 {
		delete(b.local, jobID)
	}
}

// Close stops remote feeds and the Redis client.
func (b *Bus) Close() error {
	b.mu.Lock()
	for id, feed := range b.remote {
		feed.cancel()
		delete(b.remote, id)
	}
	b.mu.Unlock()
	if b.redis != nil {
		return b.redis.Close()
	}
	return nil
}
