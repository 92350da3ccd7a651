// Package ratelimit provides sliding window limits on accepted form submissions
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// Limiter counts events per key over a sliding window
type Limiter interface {
	// Allow records an event for key if the window has room.
	// Check and record happen atomically.
	Allow(ctx context.Context, key string) (bool, error)

	// Count returns the events recorded for key within the window
	Count(ctx context.Context, key string) (int, error)

	// Undo removes the most recent event recorded for key
	Undo(ctx context.Context, key string) error

	// Close releases resources held by the limiter
	Close() error
}

// Config contains rate limit configuration
type Config struct {
	Limit  int
	Window time.Duration

	// Sweep and persistence interval (memory limiter only)
	FlushInterval time.Duration
}

// Key builds the limiter key for a form and client IP
func Key(form, ip string) string {
	return form + ":" + ip
}

// MemoryLimiter keeps sliding windows in process memory.
// When a bolt DB is given, windows survive restarts.
type MemoryLimiter struct {
	db       *bolt.DB
	config   Config
	windows  map[string][]time.Time // key -> event times, oldest first
	mu       sync.Mutex
	logger   *slog.Logger
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemoryLimiter creates a new in-memory rate limiter. db may be nil.
func NewMemoryLimiter(db *bolt.DB, cfg Config, logger *slog.Logger) (*MemoryLimiter, error) {
	if cfg.Limit <= 0 {
		cfg.Limit = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	l := &MemoryLimiter{
		db:      db,
		config:  cfg,
		windows: make(map[string][]time.Time),
		logger:  logger.With("component", "ratelimit", "backend", "memory"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	if db != nil {
		err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
		}

		if err := l.loadWindows(); err != nil {
			return nil, fmt.Errorf("failed to load rate limit state: %w", err)
		}
	}

	l.wg.Add(1)
	go l.maintainLoop()

	return l, nil
}

// Allow records an event if fewer than Limit events fall within the window
func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	events := l.prune(key, now)
	if len(events) >= l.config.Limit {
		return false, nil
	}

	l.windows[key] = append(events, now)
	return true, nil
}

// Count returns the events within the window without recording one
func (l *MemoryLimiter) Count(ctx context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.prune(key, l.now())), nil
}

// Undo removes the most recent event for key
func (l *MemoryLimiter) Undo(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.windows[key]
	switch len(events) {
	case 0:
	case 1:
		delete(l.windows, key)
	default:
		l.windows[key] = events[:len(events)-1]
	}
	return nil
}

// prune drops events that left the window. Must hold l.mu.
func (l *MemoryLimiter) prune(key string, now time.Time) []time.Time {
	events := l.windows[key]
	cutoff := now.Add(-l.config.Window)

	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == len(events) {
		delete(l.windows, key)
		return nil
	}
	if i > 0 {
		events = append([]time.Time(nil), events[i:]...)
		l.windows[key] = events
	}
	return events
}

// sweep drops every key whose events all left the window and
// returns the number of keys removed
func (l *MemoryLimiter) sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	before := len(l.windows)
	for key := range l.windows {
		l.prune(key, now)
	}
	return before - len(l.windows)
}

// Close stops the background loop and flushes the current state
func (l *MemoryLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	if l.db == nil {
		return nil
	}
	return l.persistWindows()
}

func (l *MemoryLimiter) loadWindows() error {
	now := l.now()
	cutoff := now.Add(-l.config.Window)

	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).ForEach(func(k, v []byte) error {
			var events []time.Time
			if err := json.Unmarshal(v, &events); err != nil {
				return nil // Skip invalid entries
			}
			var live []time.Time
			for _, e := range events {
				if e.After(cutoff) {
					live = append(live, e)
				}
			}
			if len(live) > 0 {
				l.windows[string(k)] = live
			}
			return nil
		})
	})
}

func (l *MemoryLimiter) persistWindows() error {
	l.mu.Lock()
	now := l.now()
	snapshot := make(map[string][]byte, len(l.windows))
	for key := range l.windows {
		events := l.prune(key, now)
		if len(events) == 0 {
			continue
		}
		data, err := json.Marshal(events)
		if err != nil {
			continue
		}
		snapshot[key] = data
	}
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketRateLimits); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		bucket, err := tx.CreateBucket(bucketRateLimits)
		if err != nil {
			return err
		}
		for key, data := range snapshot {
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// maintainLoop evicts expired windows and, with a bolt DB, persists the rest
func (l *MemoryLimiter) maintainLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if l.db == nil {
				if n := l.sweep(); n > 0 {
					l.logger.Debug("evicted expired rate limit windows", "count", n)
				}
				continue
			}
			// persistWindows prunes every key while taking its snapshot
			if err := l.persistWindows(); err != nil {
				l.logger.Warn("failed to persist rate limit state", "error", err)
			}
		}
	}
}
