package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// QueueStats contains queue statistics for metrics
type QueueStats struct {
	Pending    int64
	Processing int64
	Sent       int64
	Failed     int64
}

// QueueStatsProvider provides queue statistics for metrics
type QueueStatsProvider interface {
	QueueStats(ctx context.Context) (*QueueStats, error)
}

// Collector periodically refreshes gauges that are sampled rather than counted
type Collector struct {
	metrics       *Metrics
	queueStats    QueueStatsProvider
	flushInterval time.Duration
	startTime     time.Time
	logger        *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, queueStats QueueStatsProvider, flushInterval time.Duration, logger *slog.Logger) *Collector {
	if flushInterval == 0 {
		flushInterval = 30 * time.Second
	}

	return &Collector{
		metrics:       m,
		queueStats:    queueStats,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the collector background loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.updateLoop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) updateLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	c.collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// collect samples system state and queue depth
func (c *Collector) collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.queueStats == nil {
		return
	}

	stats, err := c.queueStats.QueueStats(ctx)
	if err != nil {
		c.logger.Warn("failed to collect queue stats", "error", err)
		return
	}

	c.metrics.QueueEmails.WithLabelValues("pending").Set(float64(stats.Pending))
	c.metrics.QueueEmails.WithLabelValues("processing").Set(float64(stats.Processing))
	c.metrics.QueueEmails.WithLabelValues("sent").Set(float64(stats.Sent))
	c.metrics.QueueEmails.WithLabelValues("failed").Set(float64(stats.Failed))
}
