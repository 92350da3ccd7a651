package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.Registry() == nil {
		t.Error("Registry() returned nil")
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "" {
			t.Error("metric family without name")
		}
	}
}

func TestGlobalMetrics(t *testing.T) {
	SetGlobal(nil)
	if Global() != nil {
		t.Error("Global() should be nil before SetGlobal")
	}

	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	if Global() != m {
		t.Error("Global() did not return the set metrics")
	}
}

func TestFormCounters(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncFormSubmission("contact", true)
	IncFormSubmission("contact", false)
	IncFormSubmission("contact", false)
	IncRuleHits([]string{"honeypot", "content_urls", "honeypot"})
	IncAuditWrite(false)

	blocked, _ := m.FormSubmissionsTotal.GetMetricWithLabelValues("contact", "blocked")
	if got := counterValue(t, blocked); got != 2 {
		t.Errorf("blocked submissions = %v, want 2", got)
	}

	honeypot, _ := m.FilterRuleHitsTotal.GetMetricWithLabelValues("honeypot")
	if got := counterValue(t, honeypot); got != 2 {
		t.Errorf("honeypot hits = %v, want 2", got)
	}

	failed, _ := m.AuditWritesTotal.GetMetricWithLabelValues("failed")
	if got := counterValue(t, failed); got != 1 {
		t.Errorf("failed audit writes = %v, want 1", got)
	}
}

func TestQueueCounters(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncEmailsEnqueued("high")
	IncEmailsSent("smtp")
	IncEmailsSent("smtp")
	IncEmailsRetried("timeout")
	IncEmailsFailed("rejected")
	AddEmailsReclaimed(3)
	AddEmailsReclaimed(0)
	ObserveBatch("ok", 150*time.Millisecond)

	sent, _ := m.EmailsSentTotal.GetMetricWithLabelValues("smtp")
	if got := counterValue(t, sent); got != 2 {
		t.Errorf("sent = %v, want 2", got)
	}
	if got := counterValue(t, m.EmailsReclaimedTotal); got != 3 {
		t.Errorf("reclaimed = %v, want 3", got)
	}

	var metric dto.Metric
	if err := m.QueueBatchDurationSeconds.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 1 {
		t.Errorf("batch samples = %d, want 1", metric.Histogram.GetSampleCount())
	}
}

func TestGlobalNilSafe(t *testing.T) {
	SetGlobal(nil)

	// None of these should panic
	IncFormSubmission("contact", true)
	IncRuleHits([]string{"honeypot"})
	IncAuditWrite(true)
	IncRateLimitError(true)
	IncEmailsEnqueued("normal")
	IncEmailsSent("log")
	IncEmailsRetried("network")
	IncEmailsFailed("network")
	AddEmailsReclaimed(1)
	ObserveBatch("error", time.Second)
	IncAPIErrors("server_error")
}

type stubStats struct {
	stats *QueueStats
	err   error
}

func (s *stubStats) QueueStats(ctx context.Context) (*QueueStats, error) {
	return s.stats, s.err
}

func TestCollectorCollect(t *testing.T) {
	m := New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := NewCollector(m, &stubStats{stats: &QueueStats{Pending: 4, Processing: 1, Sent: 10, Failed: 2}}, time.Minute, logger)
	c.collect(context.Background())

	var metric dto.Metric
	gauge, _ := m.QueueEmails.GetMetricWithLabelValues("pending")
	if err := gauge.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() != 4 {
		t.Errorf("pending gauge = %v, want 4", metric.Gauge.GetValue())
	}

	// A failing provider keeps the previous values
	c.queueStats = &stubStats{err: errors.New("db down")}
	c.collect(context.Background())
	metric.Reset()
	if err := gauge.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() != 4 {
		t.Errorf("pending gauge = %v, want 4 after failed collect", metric.Gauge.GetValue())
	}
}

func TestCollectorStartStop(t *testing.T) {
	m := New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := NewCollector(m, nil, 10*time.Millisecond, logger)
	c.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	c.Stop()

	var metric dto.Metric
	if err := m.UptimeSeconds.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() <= 0 {
		t.Error("uptime gauge not updated")
	}
}
