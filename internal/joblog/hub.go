package joblog

import (
	"sync"
	"sync/atomic"
)

// Event types delivered to subscribers.
const (
	EventLog       = "log"
	EventStatus    = "status"
	EventMetrics   = "metrics"
	EventConnected = "connected"
)

// Event is a live update about a job.
type Event struct {
	Type  string      `json:"type"`
	JobID string      `json:"job_id"`
	Line  int         `json:"line,omitempty"`
	Data  interface{} `json:"data"`
}

// subscriber is one observer of a job.
type subscriber struct {
	ch      chan Event
	dropped atomic.Bool
}

// Hub fans out events to in-process subscribers. Publishing never blocks:
// a subscriber whose buffer is full is disconnected and must resume from
// the durable log.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscriber]struct{}
	bufSize int
}

// NewHub creates a Hub with the given per-subscriber buffer.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Hub{
		subs:    make(map[string]map[*subscriber]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe registers an observer for jobID. The returned cancel func
// unregisters it and closes the channel.
func (h *Hub) Subscribe(jobID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, h.bufSize)}

	h.mu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[jobID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.remove(jobID, s)
		})
	}
	return s.ch, cancel
}

func (h *Hub) remove(jobID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[jobID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, jobID)
	}
	close(s.ch)
}

// Publish delivers ev to every subscriber of its job.
func (h *Hub) Publish(ev Event) {
	var slow []*subscriber

	h.mu.RLock()
	for s := range h.subs[ev.JobID] {
		select {
		case s.ch <- ev:
		default:
			if s.dropped.CompareAndSwap(false, true) {
				slow = append(slow, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.remove(ev.JobID, s)
	}
}

// Subscribers returns the number of observers of jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
