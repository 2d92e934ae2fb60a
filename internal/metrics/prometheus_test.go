package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheus_JobCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	t.Run("counts terminal states", func(t *testing.T) {
		m.JobStarted()
		m.JobStarted()
		m.JobFinished("nightly", "success", false, 12)
		m.JobFinished("nightly", "failed", false, 3)

		if val := getCounterValue(t, m.JobCounter, "success", "false"); val != 1 {
			t.Errorf("expected 1 success, got %f", val)
		}
		if val := getCounterValue(t, m.JobCounter, "failed", "false"); val != 1 {
			t.Errorf("expected 1 failed, got %f", val)
		}
		if val := getGaugeValue(t, m.JobsRunning); val != 0 {
			t.Errorf("expected 0 running, got %f", val)
		}
	})

	t.Run("dry runs are not timed", func(t *testing.T) {
		m.JobStarted()
		m.JobFinished("weekly", "success", true, 1)

		if val := getCounterValue(t, m.JobCounter, "success", "true"); val != 1 {
			t.Errorf("expected 1 dry run, got %f", val)
		}
		count, _ := getHistogramValues(t, m.JobDuration, "weekly")
		if count != 0 {
			t.Errorf("expected no duration samples for dry run, got %d", count)
		}
		count, sum := getHistogramValues(t, m.JobDuration, "nightly")
		if count != 2 || sum != 15 {
			t.Errorf("expected 2 samples summing 15, got %d / %f", count, sum)
		}
	})
}

func TestPrometheus_StackAndRetention(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordStack("nightly", "success", 1024)
	m.RecordStack("nightly", "skipped", 0)
	m.RecordRetention("nightly", 3, 4096)

	if val := getCounterValue(t, m.StackCounter, "success"); val != 1 {
		t.Errorf("expected 1 success stack, got %f", val)
	}
	if val := getCounterValue(t, m.ArchiveBytes, "nightly"); val != 1024 {
		t.Errorf("expected 1024 bytes, got %f", val)
	}
	if val := getCounterValue(t, m.RetentionDeleted, "nightly"); val != 3 {
		t.Errorf("expected 3 deleted, got %f", val)
	}
}

func TestPrometheus_Cleanup(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordCleanup("orphans", 2, 4096)
	m.RecordCleanup("temp", 3, 100)
	m.RecordCleanup("temp", 1, 0)

	if val := getCounterValue(t, m.CleanupRemoved, "temp"); val != 4 {
		t.Errorf("expected 4 temp removals, got %f", val)
	}
	var out dto.Metric
	if err := m.CleanupReclaim.Write(&out); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if got := out.GetCounter().GetValue(); got != 4196 {
		t.Errorf("expected 4196 reclaimed bytes, got %f", got)
	}
}

func TestPrometheus_NilSafe(t *testing.T) {
	var m *PrometheusMetrics
	m.JobStarted()
	m.JobFinished("a", "success", false, 1)
	m.RecordStack("a", "success", 1)
	m.RecordPull(1, true)
	m.RecordPack("ready")
	m.SetSubscribers(2)
	m.RecordCleanup("temp", 1, 1)
}

func TestPrometheus_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusMetrics(reg); err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	if _, err := NewPrometheusMetrics(reg); err == nil {
		t.Error("expected error registering metrics twice")
	}
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := counter.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := gauge.Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func getHistogramValues(t *testing.T, hist *prometheus.HistogramVec, label string) (uint64, float64) {
	t.Helper()
	var m dto.Metric
	if err := hist.WithLabelValues(label).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}
