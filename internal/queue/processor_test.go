package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockSender implements Sender for testing
type mockSender struct {
	mu       sync.Mutex
	sendFunc func(ctx context.Context, email *Email) (*SendResult, error)
	sent     []string
}

func (m *mockSender) Send(ctx context.Context, email *Email) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, email.ID)
	m.mu.Unlock()
	if m.sendFunc != nil {
		return m.sendFunc(ctx, email)
	}
	return &SendResult{Provider: "mock", MessageID: "mock-" + email.ID}, nil
}

func failingSender(err error) *mockSender {
	return &mockSender{sendFunc: func(ctx context.Context, email *Email) (*SendResult, error) {
		return nil, err
	}}
}

// testClock is a manually advanced clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestProcessor(t *testing.T, store Store, sender Sender, cfg ProcessorConfig) (*Processor, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := NewProcessor(store, sender, cfg, newTestLogger())
	p.now = clock.Now
	return p, clock
}

func insertEmail(t *testing.T, store Store, id string, priority Priority, createdAt time.Time) *Email {
	t.Helper()
	email := &Email{
		ID:          id,
		To:          []string{"client@example.com"},
		Subject:     "Subject " + id,
		HTMLContent: "<p>Body</p>",
		Priority:    priority,
		Status:      StatusPending,
		MaxAttempts: 3,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	if err := store.Insert(context.Background(), email); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	return email
}

func TestRunBatchSendsAndMarksSent(t *testing.T) {
	storage := newTestStorage(t)
	sender := &mockSender{}
	p, clock := newTestProcessor(t, storage, sender, ProcessorConfig{})
	ctx := context.Background()

	insertEmail(t, storage, "e1", PriorityNormal, clock.Now().Add(-time.Minute))

	result, err := p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if result.Processed != 1 || result.Sent != 1 {
		t.Errorf("result = %+v, want 1 processed and sent", result)
	}

	got, _ := storage.Get(ctx, "e1")
	if got.Status != StatusSent {
		t.Errorf("Status = %v, want sent", got.Status)
	}
	if got.SentAt == nil {
		t.Error("SentAt not set")
	}
	if got.ProviderID != "mock-e1" || got.Provider != "mock" {
		t.Errorf("Provider/ProviderID = %q/%q", got.Provider, got.ProviderID)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}

	// Sent emails are never selected again
	clock.Advance(24 * time.Hour)
	due, err := storage.ListDue(ctx, clock.Now(), 50)
	if err != nil {
		t.Fatalf("ListDue() error = %v", err)
	}
	if len(due) != 0 {
		t.Errorf("ListDue() returned %d emails after send, want 0", len(due))
	}

	result, err = p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if result.Processed != 0 || len(sender.sent) != 1 {
		t.Errorf("sent email was processed again: result=%+v sends=%d", result, len(sender.sent))
	}
}

func TestRunBatchFirstFailureSchedulesRetry(t *testing.T) {
	storage := newTestStorage(t)
	p, clock := newTestProcessor(t, storage, failingSender(errors.New("connection refused")), ProcessorConfig{})
	ctx := context.Background()

	insertEmail(t, storage, "e1", PriorityNormal, clock.Now())

	result, err := p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if result.Retried != 1 || len(result.Errors) != 1 {
		t.Errorf("result = %+v, want 1 retried with 1 error", result)
	}

	got, _ := storage.Get(ctx, "e1")
	if got.Status != StatusPending {
		t.Errorf("Status = %v, want pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.NextRetryAt == nil {
		t.Fatal("NextRetryAt not set")
	}
	want := clock.Now().Add(10 * time.Minute)
	if !got.NextRetryAt.Equal(want) {
		t.Errorf("NextRetryAt = %v, want %v", got.NextRetryAt, want)
	}
	if got.Error != "connection refused" {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestRunBatchFailsAfterMaxAttempts(t *testing.T) {
	storage := newTestStorage(t)
	sender := failingSender(errors.New("mailbox unavailable"))
	p, clock := newTestProcessor(t, storage, sender, ProcessorConfig{})
	ctx := context.Background()

	insertEmail(t, storage, "e1", PriorityNormal, clock.Now())

	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := p.RunBatch(ctx); err != nil {
			t.Fatalf("RunBatch() attempt %d error = %v", attempt, err)
		}
		got, _ := storage.Get(ctx, "e1")
		if got.Attempts != attempt {
			t.Fatalf("after attempt %d: Attempts = %d", attempt, got.Attempts)
		}
		if got.Attempts > got.MaxAttempts {
			t.Fatalf("Attempts %d exceeds MaxAttempts %d", got.Attempts, got.MaxAttempts)
		}
		clock.Advance(2 * time.Hour)
	}

	got, _ := storage.Get(ctx, "e1")
	if got.Status != StatusFailed {
		t.Errorf("Status = %v, want failed", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", got.Attempts)
	}
	if got.NextRetryAt != nil {
		t.Errorf("NextRetryAt = %v, want nil", got.NextRetryAt)
	}

	// Failed is terminal for the worker
	if _, err := p.RunBatch(ctx); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if len(sender.sent) != 3 {
		t.Errorf("sends = %d, want 3", len(sender.sent))
	}
}

// rejectedError is a provider rejection that no retry can fix
type rejectedError struct{}

func (rejectedError) Error() string   { return "550 mailbox does not exist" }
func (rejectedError) Permanent() bool { return true }

func TestRunBatchPermanentFailureFailsImmediately(t *testing.T) {
	storage := newTestStorage(t)
	sender := failingSender(fmt.Errorf("smtp: %w", rejectedError{}))
	p, clock := newTestProcessor(t, storage, sender, ProcessorConfig{})
	ctx := context.Background()

	insertEmail(t, storage, "e1", PriorityNormal, clock.Now())

	result, err := p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if result.Failed != 1 || result.Retried != 0 {
		t.Errorf("result = %+v, want 1 failed", result)
	}

	got, _ := storage.Get(ctx, "e1")
	if got.Status != StatusFailed || got.Attempts != 1 || got.NextRetryAt != nil {
		t.Errorf("status/attempts/next = %v/%d/%v, want failed/1/nil", got.Status, got.Attempts, got.NextRetryAt)
	}

	clock.Advance(2 * time.Hour)
	if _, err := p.RunBatch(ctx); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("sends = %d, want 1", len(sender.sent))
	}
}

func TestRunBatchRespectsNextRetryAt(t *testing.T) {
	storage := newTestStorage(t)
	sender := &mockSender{}
	p, clock := newTestProcessor(t, storage, sender, ProcessorConfig{})
	ctx := context.Background()

	email := insertEmail(t, storage, "later", PriorityHigh, clock.Now().Add(-time.Hour))
	future := clock.Now().Add(5 * time.Minute)
	email.NextRetryAt = &future
	email.Attempts = 1
	// Rewrite the row with a future retry time through a claim/complete cycle
	if ok, err := storage.Claim(ctx, email.ID, 0, clock.Now()); err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}
	email.Status = StatusPending
	if err := storage.Complete(ctx, email); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	due, err := storage.ListDue(ctx, clock.Now(), 50)
	if err != nil {
		t.Fatalf("ListDue() error = %v", err)
	}
	for _, e := range due {
		if e.NextRetryAt != nil && e.NextRetryAt.After(clock.Now()) {
			t.Errorf("ListDue() returned email %s with future retry", e.ID)
		}
	}

	if _, err := p.RunBatch(ctx); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("email sent before next_retry_at")
	}

	clock.Advance(5 * time.Minute)
	if _, err := p.RunBatch(ctx); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("email not sent once next_retry_at passed")
	}
}

func TestRunBatchOrdering(t *testing.T) {
	storage := newTestStorage(t)
	sender := &mockSender{}
	p, clock := newTestProcessor(t, storage, sender, ProcessorConfig{})
	ctx := context.Background()

	base := clock.Now().Add(-time.Hour)
	insertEmail(t, storage, "low-1", PriorityLow, base)
	insertEmail(t, storage, "normal-2", PriorityNormal, base.Add(2*time.Second))
	insertEmail(t, storage, "high-2", PriorityHigh, base.Add(3*time.Second))
	insertEmail(t, storage, "normal-1", PriorityNormal, base.Add(time.Second))
	insertEmail(t, storage, "high-1", PriorityHigh, base.Add(500*time.Millisecond))

	if _, err := p.RunBatch(ctx); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	want := []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}
	if fmt.Sprint(sender.sent) != fmt.Sprint(want) {
		t.Errorf("send order = %v, want %v", sender.sent, want)
	}
}

func TestRunBatchSize(t *testing.T) {
	storage := newTestStorage(t)
	sender := &mockSender{}
	p, clock := newTestProcessor(t, storage, sender, ProcessorConfig{BatchSize: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		insertEmail(t, storage, fmt.Sprintf("e%d", i), PriorityNormal, clock.Now().Add(time.Duration(i)*time.Second))
	}

	result, err := p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if result.Processed != 2 {
		t.Errorf("Processed = %d, want 2", result.Processed)
	}
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	storage := newTestStorage(t)
	sender := &mockSender{sendFunc: func(ctx context.Context, email *Email) (*SendResult, error) {
		switch email.ID {
		case "boom":
			panic("nil map write")
		case "bad":
			return nil, errors.New("rejected")
		}
		return &SendResult{Provider: "mock", MessageID: "ok"}, nil
	}}
	p, clock := newTestProcessor(t, storage, sender, ProcessorConfig{})
	ctx := context.Background()

	insertEmail(t, storage, "boom", PriorityHigh, clock.Now())
	insertEmail(t, storage, "bad", PriorityNormal, clock.Now())
	insertEmail(t, storage, "good", PriorityLow, clock.Now())

	result, err := p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if result.Processed != 3 || result.Sent != 1 || result.Retried != 2 {
		t.Errorf("result = %+v, want 3 processed, 1 sent, 2 retried", result)
	}

	boom, _ := storage.Get(ctx, "boom")
	if boom.Status != StatusPending || boom.Error == "" {
		t.Errorf("panicking email: status=%v error=%q", boom.Status, boom.Error)
	}
	good, _ := storage.Get(ctx, "good")
	if good.Status != StatusSent {
		t.Errorf("good email status = %v, want sent", good.Status)
	}
}

// lossyStore loses every claim to a competing worker
type lossyStore struct {
	Store
}

func (s *lossyStore) Claim(ctx context.Context, id string, attempts int, now time.Time) (bool, error) {
	return false, nil
}

func TestRunBatchLostClaimIsSkipped(t *testing.T) {
	storage := newTestStorage(t)
	sender := &mockSender{}
	p, clock := newTestProcessor(t, &lossyStore{Store: storage}, sender, ProcessorConfig{})

	insertEmail(t, storage, "e1", PriorityNormal, clock.Now())

	result, err := p.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if result.Skipped != 1 || result.Processed != 0 {
		t.Errorf("result = %+v, want 1 skipped", result)
	}
	if len(sender.sent) != 0 {
		t.Error("unclaimed email was sent")
	}
}

func TestClaimIsSingleWinner(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()
	insertEmail(t, storage, "e1", PriorityNormal, now)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := storage.Claim(ctx, "e1", 0, now)
			if err != nil {
				t.Errorf("Claim() error = %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
}

// racingStore runs another worker between listing and claiming
type racingStore struct {
	Store
	between func()
}

func (s *racingStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Email, error) {
	due, err := s.Store.ListDue(ctx, now, limit)
	if err == nil && s.between != nil {
		s.between()
		s.between = nil
	}
	return due, err
}

func TestRunBatchStaleListingDoesNotResend(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	otherSender := failingSender(errors.New("connection refused"))
	other, clock := newTestProcessor(t, storage, otherSender, ProcessorConfig{})

	sender := &mockSender{}
	store := &racingStore{Store: storage}
	p := NewProcessor(store, sender, ProcessorConfig{}, newTestLogger())
	p.now = clock.Now

	insertEmail(t, storage, "e1", PriorityNormal, clock.Now())

	store.between = func() {
		if _, err := other.RunBatch(ctx); err != nil {
			t.Errorf("other RunBatch() error = %v", err)
		}
	}

	result, err := p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if result.Processed != 0 || result.Skipped != 1 {
		t.Errorf("result = %+v, want the listed email skipped", result)
	}
	if len(sender.sent) != 0 || len(otherSender.sent) != 1 {
		t.Errorf("sends = %d+%d, want exactly one", len(sender.sent), len(otherSender.sent))
	}

	got, _ := storage.Get(ctx, "e1")
	if got.Status != StatusPending || got.Attempts != 1 {
		t.Errorf("status/attempts = %v/%d, want pending/1", got.Status, got.Attempts)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.After(clock.Now()) {
		t.Errorf("NextRetryAt = %v, want a future retry", got.NextRetryAt)
	}
}

func TestClaimRechecksListedState(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	email := insertEmail(t, storage, "e1", PriorityNormal, now)
	if ok, _ := storage.Claim(ctx, email.ID, 0, now); !ok {
		t.Fatal("Claim() failed")
	}
	retryAt := now.Add(10 * time.Minute)
	email.Status = StatusPending
	email.Attempts = 1
	email.NextRetryAt = &retryAt
	if err := storage.Complete(ctx, email); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if ok, _ := storage.Claim(ctx, email.ID, 0, now); ok {
		t.Error("Claim() with a stale attempts count succeeded")
	}
	if ok, _ := storage.Claim(ctx, email.ID, 1, now); ok {
		t.Error("Claim() before next_retry_at succeeded")
	}
	if ok, _ := storage.Claim(ctx, email.ID, 1, retryAt); !ok {
		t.Error("Claim() of a due email failed")
	}
}

// brokenStore fails on listing
type brokenStore struct {
	Store
}

func (s *brokenStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Email, error) {
	return nil, errors.New("database is locked")
}

func TestRunBatchPersistenceErrorIsFatal(t *testing.T) {
	storage := newTestStorage(t)
	p, _ := newTestProcessor(t, &brokenStore{Store: storage}, &mockSender{}, ProcessorConfig{})

	if _, err := p.RunBatch(context.Background()); err == nil {
		t.Error("RunBatch() expected error when the store fails")
	}
}

func TestRunBatchReclaimsStaleProcessing(t *testing.T) {
	storage := newTestStorage(t)
	sender := &mockSender{}
	p, clock := newTestProcessor(t, storage, sender, ProcessorConfig{StaleAfter: 10 * time.Minute})
	ctx := context.Background()

	insertEmail(t, storage, "stuck", PriorityNormal, clock.Now().Add(-time.Hour))
	insertEmail(t, storage, "busy", PriorityNormal, clock.Now().Add(-time.Hour))

	// A crashed worker claimed "stuck" long ago; "busy" was claimed just now
	if ok, _ := storage.Claim(ctx, "stuck", 0, clock.Now().Add(-30*time.Minute)); !ok {
		t.Fatal("failed to claim stuck email")
	}
	if ok, _ := storage.Claim(ctx, "busy", 0, clock.Now().Add(-time.Minute)); !ok {
		t.Fatal("failed to claim busy email")
	}

	result, err := p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if result.Reclaimed != 1 {
		t.Errorf("Reclaimed = %d, want 1", result.Reclaimed)
	}

	stuck, _ := storage.Get(ctx, "stuck")
	if stuck.Status != StatusSent {
		t.Errorf("stuck email status = %v, want sent after reclaim", stuck.Status)
	}
	if stuck.Attempts != 2 {
		t.Errorf("stuck email attempts = %d, want 2 (abandoned + delivered)", stuck.Attempts)
	}

	busy, _ := storage.Get(ctx, "busy")
	if busy.Status != StatusProcessing {
		t.Errorf("busy email status = %v, want processing", busy.Status)
	}
}

func TestReclaimStaleExhaustsAttempts(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	email := &Email{
		ID:          "e1",
		To:          []string{"client@example.com"},
		Subject:     "Subject",
		HTMLContent: "<p>Body</p>",
		Status:      StatusPending,
		Attempts:    2,
		MaxAttempts: 3,
		CreatedAt:   now.Add(-2 * time.Hour),
		UpdatedAt:   now.Add(-2 * time.Hour),
	}
	if err := storage.Insert(ctx, email); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if ok, _ := storage.Claim(ctx, email.ID, 2, now.Add(-time.Hour)); !ok {
		t.Fatal("Claim() failed")
	}
	if ok, _ := storage.Claim(ctx, email.ID, 2, now); ok {
		t.Fatal("processing email should not be claimable")
	}

	n, err := storage.ReclaimStale(ctx, now.Add(-10*time.Minute), now)
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ReclaimStale() = %d, want 1", n)
	}

	got, _ := storage.Get(ctx, "e1")
	if got.Status != StatusFailed || got.Attempts != 3 {
		t.Errorf("status/attempts = %v/%d, want failed/3", got.Status, got.Attempts)
	}
	if got.Error != AbandonedError {
		t.Errorf("Error = %q", got.Error)
	}
}

type stubLocker struct {
	acquired bool
	err      error
	released int
}

func (l *stubLocker) Acquire(ctx context.Context) (bool, error) { return l.acquired, l.err }
func (l *stubLocker) Release(ctx context.Context) error {
	l.released++
	return nil
}

func TestRunBatchLock(t *testing.T) {
	storage := newTestStorage(t)
	sender := &mockSender{}
	p, clock := newTestProcessor(t, storage, sender, ProcessorConfig{})
	ctx := context.Background()
	insertEmail(t, storage, "e1", PriorityNormal, clock.Now())

	held := &stubLocker{acquired: false}
	p.SetLocker(held)
	result, err := p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if !result.SkippedLocked || len(sender.sent) != 0 {
		t.Errorf("batch ran without the lock: %+v", result)
	}

	free := &stubLocker{acquired: true}
	p.SetLocker(free)
	result, err = p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if result.Sent != 1 || free.released != 1 {
		t.Errorf("result = %+v, released = %d", result, free.released)
	}

	p.SetLocker(&stubLocker{err: errors.New("redis down")})
	if _, err := p.RunBatch(ctx); err == nil {
		t.Error("RunBatch() expected error when the lock backend fails")
	}
}

func TestRunBatchBudgetTruncates(t *testing.T) {
	storage := newTestStorage(t)
	var clock *testClock
	sender := &mockSender{sendFunc: func(ctx context.Context, email *Email) (*SendResult, error) {
		clock.Advance(40 * time.Second)
		return &SendResult{Provider: "mock"}, nil
	}}
	p, c := newTestProcessor(t, storage, sender, ProcessorConfig{BatchBudget: time.Minute})
	clock = c
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		insertEmail(t, storage, fmt.Sprintf("e%d", i), PriorityNormal, clock.Now().Add(time.Duration(i)*time.Second))
	}

	result, err := p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if !result.Truncated {
		t.Error("Truncated = false, want true")
	}
	if result.Sent != 2 {
		t.Errorf("Sent = %d, want 2 within the budget", result.Sent)
	}

	stats, _ := storage.Stats(ctx)
	if stats.Pending != 2 {
		t.Errorf("Pending = %d, want 2 left for the next trigger", stats.Pending)
	}
}

func TestApplyOutcome(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("success", func(t *testing.T) {
		e := &Email{Status: StatusProcessing, Attempts: 1, MaxAttempts: 3, Error: "old"}
		applyOutcome(e, &SendResult{Provider: "smtp", MessageID: "abc"}, nil, now, DefaultBackoff)
		if e.Status != StatusSent || e.Attempts != 2 || e.ProviderID != "abc" || e.Error != "" {
			t.Errorf("unexpected email state: %+v", e)
		}
	})

	t.Run("retry", func(t *testing.T) {
		e := &Email{Status: StatusProcessing, Attempts: 1, MaxAttempts: 3}
		applyOutcome(e, nil, errors.New("timeout"), now, DefaultBackoff)
		if e.Status != StatusPending || e.Attempts != 2 {
			t.Fatalf("unexpected email state: %+v", e)
		}
		if want := now.Add(20 * time.Minute); !e.NextRetryAt.Equal(want) {
			t.Errorf("NextRetryAt = %v, want %v", e.NextRetryAt, want)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		e := &Email{Status: StatusProcessing, Attempts: 2, MaxAttempts: 3}
		applyOutcome(e, nil, errors.New("timeout"), now, DefaultBackoff)
		if e.Status != StatusFailed || e.Attempts != 3 || e.NextRetryAt != nil {
			t.Errorf("unexpected email state: %+v", e)
		}
	})

	t.Run("details", func(t *testing.T) {
		e := &Email{Status: StatusProcessing, MaxAttempts: 3}
		applyOutcome(e, nil, fmt.Errorf("send: %w", detailedErr{}), now, DefaultBackoff)
		if e.ErrorDetails != "550 5.1.1 user unknown" {
			t.Errorf("ErrorDetails = %q", e.ErrorDetails)
		}
	})
}

type detailedErr struct{}

func (detailedErr) Error() string   { return "rejected" }
func (detailedErr) Details() string { return "550 5.1.1 user unknown" }

func TestProcessorPollLoop(t *testing.T) {
	storage := newTestStorage(t)
	sender := &mockSender{}
	p := NewProcessor(storage, sender, ProcessorConfig{PollInterval: 10 * time.Millisecond}, newTestLogger())
	insertEmail(t, storage, "e1", PriorityNormal, time.Now().UTC().Add(-time.Second))

	p.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := storage.Get(context.Background(), "e1")
		if got.Status == StatusSent {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.Stop()

	got, _ := storage.Get(context.Background(), "e1")
	if got.Status != StatusSent {
		t.Errorf("Status = %v, want sent by poll loop", got.Status)
	}
}
