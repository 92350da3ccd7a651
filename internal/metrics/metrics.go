package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for mailgate
type Metrics struct {
	// Form filter
	FormSubmissionsTotal *prometheus.CounterVec
	FilterRuleHitsTotal  *prometheus.CounterVec
	AuditWritesTotal     *prometheus.CounterVec
	RateLimitErrorsTotal *prometheus.CounterVec

	// Email queue counters
	EmailsEnqueuedTotal  *prometheus.CounterVec
	EmailsSentTotal      *prometheus.CounterVec
	EmailsRetriedTotal   *prometheus.CounterVec
	EmailsFailedTotal    *prometheus.CounterVec
	EmailsReclaimedTotal prometheus.Counter

	// Worker batches
	QueueBatchesTotal         *prometheus.CounterVec
	QueueBatchDurationSeconds prometheus.Histogram

	// Queue gauges
	QueueEmails *prometheus.GaugeVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		FormSubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_form_submissions_total",
				Help: "Total number of form submissions by verdict",
			},
			[]string{"form", "verdict"},
		),
		FilterRuleHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_filter_rule_hits_total",
				Help: "Total number of abuse filter rule hits",
			},
			[]string{"rule"},
		),
		AuditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_audit_writes_total",
				Help: "Total number of blocked request audit writes by outcome",
			},
			[]string{"outcome"},
		),
		RateLimitErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_ratelimit_errors_total",
				Help: "Total number of rate limiter backend errors",
			},
			[]string{"policy"},
		),

		EmailsEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_emails_enqueued_total",
				Help: "Total number of emails added to the queue",
			},
			[]string{"priority"},
		),
		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_emails_sent_total",
				Help: "Total number of successfully sent emails",
			},
			[]string{"provider"},
		),
		EmailsRetriedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_emails_retried_total",
				Help: "Total number of failed attempts scheduled for retry",
			},
			[]string{"error_type"},
		),
		EmailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_emails_failed_total",
				Help: "Total number of emails that exhausted their attempts",
			},
			[]string{"error_type"},
		),
		EmailsReclaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailgate_emails_reclaimed_total",
				Help: "Total number of emails reclaimed from a stale processing state",
			},
		),

		QueueBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_queue_batches_total",
				Help: "Total number of worker batches by result",
			},
			[]string{"result"},
		),
		QueueBatchDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailgate_queue_batch_duration_seconds",
				Help:    "Worker batch duration in seconds",
				Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60, 120, 300},
			},
		),

		QueueEmails: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailgate_queue_emails",
				Help: "Current number of emails in the queue by status",
			},
			[]string{"status"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_api_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailgate_api_request_duration_seconds",
				Help:    "HTTP API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_api_errors_total",
				Help: "Total number of HTTP API errors",
			},
			[]string{"type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailgate_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailgate_goroutines",
				Help: "Current number of goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.FormSubmissionsTotal,
		m.FilterRuleHitsTotal,
		m.AuditWritesTotal,
		m.RateLimitErrorsTotal,
		m.EmailsEnqueuedTotal,
		m.EmailsSentTotal,
		m.EmailsRetriedTotal,
		m.EmailsFailedTotal,
		m.EmailsReclaimedTotal,
		m.QueueBatchesTotal,
		m.QueueBatchDurationSeconds,
		m.QueueEmails,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncFormSubmission counts a filtered form submission
func IncFormSubmission(form string, allowed bool) {
	m := Global()
	if m == nil {
		return
	}
	verdict := "blocked"
	if allowed {
		verdict = "allowed"
	}
	m.FormSubmissionsTotal.WithLabelValues(form, verdict).Inc()
}

// IncRuleHits counts each triggered filter rule
func IncRuleHits(rules []string) {
	m := Global()
	if m == nil {
		return
	}
	for _, rule := range rules {
		m.FilterRuleHitsTotal.WithLabelValues(rule).Inc()
	}
}

// IncAuditWrite counts a blocked request audit write
func IncAuditWrite(ok bool) {
	m := Global()
	if m == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	m.AuditWritesTotal.WithLabelValues(outcome).Inc()
}

// IncRateLimitError counts a rate limiter backend error
func IncRateLimitError(failOpen bool) {
	m := Global()
	if m == nil {
		return
	}
	policy := "fail_closed"
	if failOpen {
		policy = "fail_open"
	}
	m.RateLimitErrorsTotal.WithLabelValues(policy).Inc()
}

// IncEmailsEnqueued increments the enqueued email counter
func IncEmailsEnqueued(priority string) {
	m := Global()
	if m != nil {
		m.EmailsEnqueuedTotal.WithLabelValues(priority).Inc()
	}
}

// IncEmailsSent increments the sent email counter
func IncEmailsSent(provider string) {
	m := Global()
	if m != nil {
		m.EmailsSentTotal.WithLabelValues(provider).Inc()
	}
}

// IncEmailsRetried increments the retried email counter
func IncEmailsRetried(errorType string) {
	m := Global()
	if m != nil {
		m.EmailsRetriedTotal.WithLabelValues(errorType).Inc()
	}
}

// IncEmailsFailed increments the failed email counter
func IncEmailsFailed(errorType string) {
	m := Global()
	if m != nil {
		m.EmailsFailedTotal.WithLabelValues(errorType).Inc()
	}
}

// AddEmailsReclaimed adds reclaimed emails to the counter
func AddEmailsReclaimed(n int) {
	m := Global()
	if m != nil && n > 0 {
		m.EmailsReclaimedTotal.Add(float64(n))
	}
}

// ObserveBatch records a finished worker batch
func ObserveBatch(result string, duration time.Duration) {
	m := Global()
	if m == nil {
		return
	}
	m.QueueBatchesTotal.WithLabelValues(result).Inc()
	m.QueueBatchDurationSeconds.Observe(duration.Seconds())
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
