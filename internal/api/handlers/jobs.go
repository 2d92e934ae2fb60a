package handlers

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/joblog"
	"github.com/MacJediWizard/stackarchiver/internal/metrics"
	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// JobStore defines the job queries the handler needs.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, f models.JobFilter) ([]*models.Job, error)
	ListStackMetrics(ctx context.Context, jobID uuid.UUID) ([]*models.JobStackMetric, error)
}

// JobCanceller stops running jobs.
type JobCanceller interface {
	Cancel(jobID uuid.UUID) error
}

// JobsHandler serves job records, logs and live events.
type JobsHandler struct {
	store     JobStore
	canceller JobCanceller
	bus       *joblog.Bus
	metrics   *metrics.PrometheusMetrics
	upgrader  websocket.Upgrader
	poll      time.Duration
	observers atomic.Int64
	logger    zerolog.Logger
}

// NewJobsHandler creates a new JobsHandler. m may be nil.
func NewJobsHandler(store JobStore, canceller JobCanceller, bus *joblog.Bus, m *metrics.PrometheusMetrics, logger zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store:     store,
		canceller: canceller,
		bus:       bus,
		metrics:   m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		poll:   15 * time.Second,
		logger: logger.With().Str("component", "jobs_handler").Logger(),
	}
}

// RegisterRoutes registers job routes on the given router group.
func (h *JobsHandler) RegisterRoutes(r *gin.RouterGroup) {
	jobs := r.Group("/jobs")
	{
		jobs.GET("", h.List)
		jobs.GET("/:id", h.Get)
		jobs.GET("/:id/log/tail", h.Tail)
		jobs.GET("/:id/events", h.Events)
		jobs.GET("/:id/ws", h.WebSocket)
		jobs.POST("/:id/cancel", h.Cancel)
	}
}

// List returns jobs filtered by archive, type and state.
// GET /api/v1/jobs?archive_id=&type=&state=&limit=
func (h *JobsHandler) List(c *gin.Context) {
	filter := models.JobFilter{
		Type:  models.JobType(c.Query("type")),
		State: models.JobState(c.Query("state")),
	}
	if s := c.Query("archive_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid archive_id"})
			return
		}
		filter.ArchiveID = &id
	}
	if s := c.Query("limit"); s != "" {
		if limit, err := strconv.Atoi(s); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// JobDetail is a job with its stack metrics and child jobs.
type JobDetail struct {
	*models.Job
	Metrics  []*models.JobStackMetric `json:"metrics"`
	Children []*models.Job            `json:"children,omitempty"`
}

// Get returns a job with its metrics.
// GET /api/v1/jobs/:id
func (h *JobsHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	job, err := h.store.GetJob(ctx, id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "job not found"})
		return
	}
	ms, err := h.store.ListStackMetrics(ctx, id)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", id.String()).Msg("failed to list stack metrics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job metrics"})
		return
	}
	children, err := h.store.ListJobs(ctx, models.JobFilter{ParentID: &id})
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", id.String()).Msg("failed to list child jobs")
	}

	c.JSON(http.StatusOK, JobDetail{Job: job, Metrics: ms, Children: children})
}

// Tail returns log lines after last_line, optionally limited to one
// stack's section.
// GET /api/v1/jobs/:id/log/tail?last_line=&stack=
func (h *JobsHandler) Tail(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	job, err := h.store.GetJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "job not found"})
		return
	}

	since, _ := strconv.Atoi(c.DefaultQuery("last_line", "0"))
	if since < 0 {
		since = 0
	}
	res, err := joblog.Tail(job.LogPath, since, c.Query("stack"))
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", id.String()).Msg("failed to tail job log")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read job log"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"lines":     res.Lines,
		"last_line": res.LastLine,
		"state":     job.State,
		"finished":  job.State.Terminal(),
	})
}

// Cancel asks a running job to stop at its next stack boundary.
// POST /api/v1/jobs/:id/cancel
func (h *JobsHandler) Cancel(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.canceller.Cancel(id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested"})
}

// Events streams a job's log and status as server-sent events.
// GET /api/v1/jobs/:id/events?last_line=
func (h *JobsHandler) Events(c *gin.Context) {
	job, since, ok := h.lookup(c)
	if !ok {
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	send := func(ev joblog.Event) error {
		c.SSEvent(ev.Type, ev)
		c.Writer.Flush()
		return nil
	}
	h.stream(c.Request.Context(), job, since, send)
}

// WebSocket streams a job's log and status over a websocket.
// GET /api/v1/jobs/:id/ws?last_line=
func (h *JobsHandler) WebSocket(c *gin.Context) {
	job, since, ok := h.lookup(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug().Err(err).Msg("websocket read error")
				}
				return
			}
		}
	}()

	send := func(ev joblog.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(ev)
	}
	h.stream(ctx, job, since, send)

	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
}

func (h *JobsHandler) lookup(c *gin.Context) (*models.Job, int, bool) {
	id, ok := parseID(c, "id")
	if !ok {
		return nil, 0, false
	}
	job, err := h.store.GetJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "job not found"})
		return nil, 0, false
	}
	since, _ := strconv.Atoi(c.DefaultQuery("last_line", "0"))
	if since < 0 {
		since = 0
	}
	return job, since, true
}

// stream replays the durable log after since, then forwards live events
// until the job reaches a terminal state or ctx ends. Log events at or
// below the last delivered line are dropped, so replay and live feed may
// overlap without duplicates.
func (h *JobsHandler) stream(ctx context.Context, job *models.Job, since int, send func(joblog.Event) error) {
	jobID := job.ID.String()
	h.metrics.SetSubscribers(int(h.observers.Add(1)))
	defer func() { h.metrics.SetSubscribers(int(h.observers.Add(-1))) }()

	var (
		live   <-chan joblog.Event
		detach = func() {}
	)
	if h.bus != nil && !job.State.Terminal() {
		live, detach = h.bus.Subscribe(jobID, job.LogPath, since)
	}
	defer detach()

	if err := send(joblog.Event{Type: joblog.EventConnected, JobID: jobID, Line: since}); err != nil {
		return
	}

	tail, err := joblog.Tail(job.LogPath, since, "")
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to replay job log")
		tail = &joblog.TailResult{LastLine: since}
	}
	last := since
	for i, line := range tail.Lines {
		last = since + i + 1
		if err := send(joblog.Event{Type: joblog.EventLog, JobID: jobID, Line: last, Data: line}); err != nil {
			return
		}
	}

	finish := func(j *models.Job) {
		_ = send(statusEvent(j))
	}
	if job.State.Terminal() || live == nil {
		finish(job)
		return
	}

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				// dropped as a slow observer; the client resumes from last
				return
			}
			if ev.Type == joblog.EventLog {
				if ev.Line <= last {
					continue
				}
				last = ev.Line
			}
			if err := send(ev); err != nil {
				return
			}
			if ev.Type == joblog.EventStatus && terminalStatus(ev) {
				return
			}
		case <-ticker.C:
			current, err := h.store.GetJob(ctx, job.ID)
			if err == nil && current.State.Terminal() {
				finish(current)
				return
			}
		}
	}
}

func statusEvent(j *models.Job) joblog.Event {
	return joblog.Event{Type: joblog.EventStatus, JobID: j.ID.String(), Data: map[string]interface{}{
		"state":              j.State,
		"archive_size_bytes": j.ArchiveSizeBytes,
		"reclaimed_bytes":    j.ReclaimedBytes,
		"duration_seconds":   j.DurationSeconds,
		"error":              j.Error,
	}}
}

func terminalStatus(ev joblog.Event) bool {
	data, ok := ev.Data.(map[string]interface{})
	if !ok {
		return false
	}
	switch s := data["state"].(type) {
	case models.JobState:
		return s.Terminal()
	case string:
		return models.JobState(s).Terminal()
	}
	return false
}
