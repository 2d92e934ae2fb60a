// Package metrics exposes Prometheus metrics for archive jobs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stackarchiver"

// PrometheusMetrics holds the registered collectors. A nil receiver is
// valid and records nothing.
type PrometheusMetrics struct {
	JobCounter       *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	JobsRunning      prometheus.Gauge
	StackCounter     *prometheus.CounterVec
	ArchiveBytes     *prometheus.CounterVec
	PullDuration     prometheus.Histogram
	PullTimeouts     prometheus.Counter
	RetentionDeleted *prometheus.CounterVec
	RetentionReclaim *prometheus.CounterVec
	DownloadPacks    *prometheus.CounterVec
	EventSubscribers prometheus.Gauge
	OffsiteUploads   *prometheus.CounterVec
	CleanupRemoved   *prometheus.CounterVec
	CleanupReclaim   prometheus.Counter
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		JobCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Archive jobs by terminal state.",
		}, []string{"state", "dry_run"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Archive job duration in seconds.",
			Buckets:   []float64{10, 60, 300, 600, 1800, 3600, 7200, 14400, 21600},
		}, []string{"archive"}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Archive jobs currently running in this process.",
		}),
		StackCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stacks_total",
			Help:      "Processed stacks by outcome.",
		}, []string{"status"}),
		ArchiveBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_bytes_total",
			Help:      "Bytes written to archives.",
		}, []string{"archive"}),
		PullDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "image_pull_duration_seconds",
			Help:      "Image pull duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		PullTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_pull_timeouts_total",
			Help:      "Image pulls aborted by the inactivity or job timeout.",
		}),
		RetentionDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Archives removed by retention.",
		}, []string{"archive"}),
		RetentionReclaim: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_reclaimed_bytes_total",
			Help:      "Bytes reclaimed by retention.",
		}, []string{"archive"}),
		DownloadPacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_packs_total",
			Help:      "Download packing runs by outcome.",
		}, []string{"result"}),
		EventSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Live job log observers attached to this process.",
		}),
		OffsiteUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offsite_uploads_total",
			Help:      "Offsite archive uploads by outcome.",
		}, []string{"result"}),
		CleanupRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_removed_total",
			Help:      "Items removed by cleanup sweeps.",
		}, []string{"sweep"}),
		CleanupReclaim: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_reclaimed_bytes_total",
			Help:      "Bytes reclaimed by cleanup sweeps.",
		}),
	}

	collectors := []prometheus.Collector{
		m.JobCounter, m.JobDuration, m.JobsRunning, m.StackCounter, m.ArchiveBytes,
		m.PullDuration, m.PullTimeouts, m.RetentionDeleted, m.RetentionReclaim,
		m.DownloadPacks, m.EventSubscribers, m.OffsiteUploads, m.CleanupRemoved, m.CleanupReclaim,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// JobStarted increments the running gauge.
func (m *PrometheusMetrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsRunning.Inc()
}

// JobFinished records a terminal job.
func (m *PrometheusMetrics) JobFinished(archive, state string, dryRun bool, seconds float64) {
	if m == nil {
		return
	}
	m.JobsRunning.Dec()
	dr := "false"
	if dryRun {
		dr = "true"
	}
	m.JobCounter.WithLabelValues(state, dr).Inc()
	if !dryRun {
		m.JobDuration.WithLabelValues(archive).Observe(seconds)
	}
}

// RecordStack records one stack outcome and the bytes it produced.
func (m *PrometheusMetrics) RecordStack(archive, status string, bytes int64) {
	if m == nil {
		return
	}
	m.StackCounter.WithLabelValues(status).Inc()
	if bytes > 0 {
		m.ArchiveBytes.WithLabelValues(archive).Add(float64(bytes))
	}
}

// RecordPull records an image pull.
func (m *PrometheusMetrics) RecordPull(seconds float64, timedOut bool) {
	if m == nil {
		return
	}
	m.PullDuration.Observe(seconds)
	if timedOut {
		m.PullTimeouts.Inc()
	}
}

// RecordRetention records archives deleted by retention.
func (m *PrometheusMetrics) RecordRetention(archive string, deleted int, reclaimed int64) {
	if m == nil {
		return
	}
	m.RetentionDeleted.WithLabelValues(archive).Add(float64(deleted))
	m.RetentionReclaim.WithLabelValues(archive).Add(float64(reclaimed))
}

// RecordPack records a download packing outcome.
func (m *PrometheusMetrics) RecordPack(result string) {
	if m == nil {
		return
	}
	m.DownloadPacks.WithLabelValues(result).Inc()
}

// RecordOffsite records an offsite upload outcome.
func (m *PrometheusMetrics) RecordOffsite(result string) {
	if m == nil {
		return
	}
	m.OffsiteUploads.WithLabelValues(result).Inc()
}

// RecordCleanup records one live cleanup sweep.
func (m *PrometheusMetrics) RecordCleanup(sweep string, removed int, reclaimed int64) {
	if m == nil {
		return
	}
	m.CleanupRemoved.WithLabelValues(sweep).Add(float64(removed))
	m.CleanupReclaim.Add(float64(reclaimed))
}

// SetSubscribers sets the live observer gauge.
func (m *PrometheusMetrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.EventSubscribers.Set(float64(n))
}
