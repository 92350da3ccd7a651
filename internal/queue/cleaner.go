package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings
type CleanerConfig struct {
	SentMaxAge time.Duration // Delete sent emails older than this (0 = keep forever)
	Interval   time.Duration
}

// Cleaner removes sent emails past their retention period.
// Pending and failed emails are never touched.
type Cleaner struct {
	store  Store
	cfg    CleanerConfig
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(store Store, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "cleaner"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Start starts the cleanup loop if retention is configured
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.SentMaxAge <= 0 || c.cfg.Interval <= 0 {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"sent_max_age", c.cfg.SentMaxAge,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the loop to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce deletes sent emails older than SentMaxAge
func (c *Cleaner) RunOnce(ctx context.Context) int {
	if c.cfg.SentMaxAge <= 0 {
		return 0
	}

	deleted, err := c.store.CleanupSent(ctx, c.now().UTC().Add(-c.cfg.SentMaxAge))
	if err != nil {
		c.logger.Error("failed to cleanup sent emails", "error", err)
		return 0
	}

	if deleted > 0 {
		c.logger.Info("cleaned up sent emails", "deleted", deleted)
	}
	return deleted
}
