package ratelimit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "ratelimit.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestKey(t *testing.T) {
	if got := Key("contact", "203.0.113.5"); got != "contact:203.0.113.5" {
		t.Errorf("Key() = %q", got)
	}
}

func TestMemoryLimiterAllow(t *testing.T) {
	l, err := NewMemoryLimiter(nil, Config{Limit: 3, Window: time.Hour}, newTestLogger())
	if err != nil {
		t.Fatalf("NewMemoryLimiter() error = %v", err)
	}
	defer l.Close()

	clock := newClock()
	l.now = clock.Now
	ctx := context.Background()
	key := Key("contact", "203.0.113.5")

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, key)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !allowed {
			t.Fatalf("Allow() #%d = false, want true", i+1)
		}
		clock.Advance(time.Minute)
	}

	allowed, _ := l.Allow(ctx, key)
	if allowed {
		t.Error("Allow() #4 = true, want false")
	}

	// Denied events are not recorded
	if n, _ := l.Count(ctx, key); n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}

	// Other keys are independent
	if allowed, _ := l.Allow(ctx, Key("project-request", "203.0.113.5")); !allowed {
		t.Error("Allow() for another form = false, want true")
	}
	if allowed, _ := l.Allow(ctx, Key("contact", "203.0.113.6")); !allowed {
		t.Error("Allow() for another IP = false, want true")
	}
}

func TestMemoryLimiterSlidingWindow(t *testing.T) {
	l, _ := NewMemoryLimiter(nil, Config{Limit: 2, Window: time.Hour}, newTestLogger())
	clock := newClock()
	l.now = clock.Now
	ctx := context.Background()

	l.Allow(ctx, "k") // t=0
	clock.Advance(30 * time.Minute)
	l.Allow(ctx, "k") // t=30m

	clock.Advance(20 * time.Minute) // t=50m
	if allowed, _ := l.Allow(ctx, "k"); allowed {
		t.Error("Allow() at 50m = true, want false")
	}

	clock.Advance(10 * time.Minute) // t=60m, first event leaves the window
	if allowed, _ := l.Allow(ctx, "k"); !allowed {
		t.Error("Allow() at 60m = false, want true")
	}
	if n, _ := l.Count(ctx, "k"); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	clock.Advance(2 * time.Hour)
	if n, _ := l.Count(ctx, "k"); n != 0 {
		t.Errorf("Count() after window = %d, want 0", n)
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	l, _ := NewMemoryLimiter(nil, Config{Limit: 5, Window: time.Hour}, newTestLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow(ctx, "k"); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 5 {
		t.Errorf("allowed = %d, want 5", allowed)
	}
}

func TestMemoryLimiterPersistence(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	// State is reloaded against the wall clock
	clock := &fakeClock{now: time.Now()}

	l, err := NewMemoryLimiter(db, Config{Limit: 2, Window: time.Hour, FlushInterval: time.Hour}, newTestLogger())
	if err != nil {
		t.Fatalf("NewMemoryLimiter() error = %v", err)
	}
	l.now = clock.Now
	l.Allow(ctx, "k")
	l.Allow(ctx, "k")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Reload picks up the recorded events
	l2, err := NewMemoryLimiter(db, Config{Limit: 2, Window: time.Hour, FlushInterval: time.Hour}, newTestLogger())
	if err != nil {
		t.Fatalf("NewMemoryLimiter() reload error = %v", err)
	}
	defer l2.Close()
	l2.now = clock.Now

	if allowed, _ := l2.Allow(ctx, "k"); allowed {
		t.Error("Allow() after reload = true, want false")
	}
}

func TestMemoryLimiterDefaults(t *testing.T) {
	l, _ := NewMemoryLimiter(nil, Config{}, newTestLogger())
	if l.config.Limit != 3 || l.config.Window != time.Hour {
		t.Errorf("defaults = %+v, want limit 3 per hour", l.config)
	}
}

func TestMemoryLimiterSweepEvictsExpiredKeys(t *testing.T) {
	l, _ := NewMemoryLimiter(nil, Config{Limit: 3, Window: time.Hour}, newTestLogger())
	defer l.Close()
	clock := newClock()
	l.now = clock.Now
	ctx := context.Background()

	for i := 0; i < 10000; i++ {
		l.Allow(ctx, Key("contact", fmt.Sprintf("2001:db8::%x", i)))
	}
	clock.Advance(30 * time.Minute)
	l.Allow(ctx, Key("contact", "198.51.100.7"))

	clock.Advance(45 * time.Minute)
	if n := l.sweep(); n != 10000 {
		t.Errorf("sweep() removed %d keys, want 10000", n)
	}
	if len(l.windows) != 1 {
		t.Errorf("windows = %d keys, want only the live one", len(l.windows))
	}
	if n, _ := l.Count(ctx, Key("contact", "198.51.100.7")); n != 1 {
		t.Errorf("Count(live) = %d, want 1", n)
	}
}

func TestMemoryLimiterBackgroundSweepWithoutDB(t *testing.T) {
	clock := newClock()
	l, _ := NewMemoryLimiter(nil, Config{Limit: 3, Window: time.Minute, FlushInterval: 10 * time.Millisecond}, newTestLogger())
	l.mu.Lock()
	l.now = clock.Now
	l.mu.Unlock()
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		l.Allow(ctx, Key("contact", fmt.Sprintf("2001:db8::%x", i)))
	}
	clock.Advance(2 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		n := len(l.windows)
		l.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expired windows were not evicted without a state DB")
}

func TestMemoryLimiterUndo(t *testing.T) {
	l, _ := NewMemoryLimiter(nil, Config{Limit: 2, Window: time.Hour}, newTestLogger())
	defer l.Close()
	ctx := context.Background()

	l.Allow(ctx, "k")
	l.Allow(ctx, "k")
	if allowed, _ := l.Allow(ctx, "k"); allowed {
		t.Fatal("Allow() on a full window = true")
	}

	if err := l.Undo(ctx, "k"); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if allowed, _ := l.Allow(ctx, "k"); !allowed {
		t.Error("Allow() after Undo = false, want true")
	}

	l.Undo(ctx, "k")
	l.Undo(ctx, "k")
	l.Undo(ctx, "k")
	if _, ok := l.windows["k"]; ok {
		t.Error("emptied key still held")
	}
}
