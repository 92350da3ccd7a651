package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/mailgate/internal/metrics"
)

// maxErrorLength bounds the error text stored on an email
const maxErrorLength = 1000

// SendResult is what a sender reports for a delivered email
type SendResult struct {
	Provider  string
	MessageID string
}

// Sender delivers a single email
type Sender interface {
	Send(ctx context.Context, email *Email) (*SendResult, error)
}

// ErrorClassifier labels a send error for metrics
type ErrorClassifier func(err error) string

// Locker guards a batch across processes
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	BatchSize    int
	BatchBudget  time.Duration
	SendTimeout  time.Duration
	StaleAfter   time.Duration
	PollInterval time.Duration
	Backoff      Backoff
}

// BatchResult summarizes one worker run
type BatchResult struct {
	Processed     int           `json:"processed"`
	Sent          int           `json:"sent"`
	Retried       int           `json:"retried"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	Reclaimed     int           `json:"reclaimed"`
	Errors        []string      `json:"errors,omitempty"`
	Truncated     bool          `json:"truncated,omitempty"`
	SkippedLocked bool          `json:"skipped_locked,omitempty"`
	Duration      time.Duration `json:"-"`
	DurationMS    int64         `json:"duration_ms"`
}

// Processor drains due emails from the store
type Processor struct {
	store    Store
	sender   Sender
	cfg      ProcessorConfig
	classify ErrorClassifier
	locker   Locker
	logger   *slog.Logger
	now      func() time.Time

	running sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewProcessor creates a new queue processor
func NewProcessor(store Store, sender Sender, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}

	return &Processor{
		store:    store,
		sender:   sender,
		cfg:      cfg,
		classify: func(error) string { return "unknown" },
		logger:   logger.With("component", "processor"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// SetLocker sets a cross-process batch lock
func (p *Processor) SetLocker(l Locker) {
	p.locker = l
}

// SetErrorClassifier sets the error labeling used for metrics
func (p *Processor) SetErrorClassifier(c ErrorClassifier) {
	if c != nil {
		p.classify = c
	}
}

// RunBatch claims and sends up to BatchSize due emails.
// Send failures are recorded per email; only storage errors are returned.
func (p *Processor) RunBatch(ctx context.Context) (*BatchResult, error) {
	start := p.now()
	result := &BatchResult{}

	// Overlapping triggers in this process
	if !p.running.TryLock() {
		result.SkippedLocked = true
		return result, nil
	}
	defer p.running.Unlock()

	if p.locker != nil {
		acquired, err := p.locker.Acquire(ctx)
		if err != nil {
			metrics.ObserveBatch("error", p.now().Sub(start))
			return result, fmt.Errorf("failed to acquire batch lock: %w", err)
		}
		if !acquired {
			p.logger.Info("batch skipped, lock held elsewhere")
			metrics.ObserveBatch("locked", p.now().Sub(start))
			result.SkippedLocked = true
			return result, nil
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.locker.Release(releaseCtx); err != nil {
				p.logger.Warn("failed to release batch lock", "error", err)
			}
		}()
	}

	err := p.runBatch(ctx, start, result)

	result.Duration = p.now().Sub(start)
	result.DurationMS = result.Duration.Milliseconds()

	if err != nil {
		metrics.ObserveBatch("error", result.Duration)
		p.logger.Error("batch aborted", "error", err, "processed", result.Processed)
		return result, err
	}

	metrics.ObserveBatch("ok", result.Duration)
	if result.Processed > 0 || result.Reclaimed > 0 {
		p.logger.Info("batch finished",
			"processed", result.Processed,
			"sent", result.Sent,
			"retried", result.Retried,
			"failed", result.Failed,
			"skipped", result.Skipped,
			"reclaimed", result.Reclaimed,
			"truncated", result.Truncated,
			"duration", result.Duration,
		)
	}

	return result, nil
}

func (p *Processor) runBatch(ctx context.Context, start time.Time, result *BatchResult) error {
	now := start.UTC()

	if p.cfg.StaleAfter > 0 {
		reclaimed, err := p.store.ReclaimStale(ctx, now.Add(-p.cfg.StaleAfter), now)
		if err != nil {
			return fmt.Errorf("failed to reclaim stale emails: %w", err)
		}
		if reclaimed > 0 {
			p.logger.Warn("reclaimed stale processing emails", "count", reclaimed)
			metrics.AddEmailsReclaimed(reclaimed)
		}
		result.Reclaimed = reclaimed
	}

	emails, err := p.store.ListDue(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list due emails: %w", err)
	}

	var deadline time.Time
	if p.cfg.BatchBudget > 0 {
		deadline = start.Add(p.cfg.BatchBudget)
	}

	for _, email := range emails {
		if ctx.Err() != nil || (!deadline.IsZero() && p.now().After(deadline)) {
			result.Truncated = true
			break
		}
		if err := p.processOne(ctx, email, result); err != nil {
			return err
		}
	}

	return nil
}

// processOne claims, sends and records a single email
func (p *Processor) processOne(ctx context.Context, email *Email, result *BatchResult) error {
	logger := p.logger.With("email_id", email.ID)

	claimedAt := p.now().UTC()
	claimed, err := p.store.Claim(ctx, email.ID, email.Attempts, claimedAt)
	if err != nil {
		return fmt.Errorf("failed to claim email %s: %w", email.ID, err)
	}
	if !claimed {
		logger.Debug("email claimed by another worker")
		result.Skipped++
		return nil
	}

	email.Status = StatusProcessing
	email.ClaimedAt = &claimedAt
	result.Processed++

	sent, sendErr := p.send(ctx, email)
	applyOutcome(email, sent, sendErr, p.now().UTC(), p.cfg.Backoff)

	// The outcome write must not be cut short by a cancelled trigger
	completeCtx := context.WithoutCancel(ctx)
	if err := p.store.Complete(completeCtx, email); err != nil {
		if errors.Is(err, ErrNotClaimed) {
			logger.Warn("email was reclaimed before its outcome was recorded")
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", email.ID, err))
			return nil
		}
		return fmt.Errorf("failed to record outcome for email %s: %w", email.ID, err)
	}

	switch email.Status {
	case StatusSent:
		result.Sent++
		metrics.IncEmailsSent(email.Provider)
		logger.Info("email sent",
			"provider", email.Provider,
			"provider_id", email.ProviderID,
			"attempts", email.Attempts,
		)
	case StatusPending:
		result.Retried++
		metrics.IncEmailsRetried(p.classify(sendErr))
		logger.Warn("email send failed, retry scheduled",
			"error", sendErr,
			"attempts", email.Attempts,
			"next_retry_at", email.NextRetryAt,
		)
	case StatusFailed:
		result.Failed++
		metrics.IncEmailsFailed(p.classify(sendErr))
		logger.Error("email failed permanently",
			"error", sendErr,
			"attempts", email.Attempts,
			"max_attempts", email.MaxAttempts,
		)
	}

	if sendErr != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", email.ID, sendErr))
	}

	return nil
}

// send calls the sender with a timeout and turns a panic into an error
func (p *Processor) send(ctx context.Context, email *Email) (res *SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("sender panicked", "email_id", email.ID, "panic", r)
			res, err = nil, fmt.Errorf("sender panic: %v", r)
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	res, err = p.sender.Send(sendCtx, email)
	if err == nil && res == nil {
		res = &SendResult{}
	}
	return res, err
}

// detailer is implemented by errors that carry provider diagnostics
type detailer interface {
	Details() string
}

// permanent is implemented by errors that no retry can fix
type permanent interface {
	Permanent() bool
}

func isPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// applyOutcome moves a processing email to its next state.
// A failure is retried with backoff until attempts reach MaxAttempts,
// unless the error is permanent.
func applyOutcome(email *Email, sent *SendResult, sendErr error, now time.Time, backoff Backoff) {
	email.Attempts++
	email.ClaimedAt = nil
	email.UpdatedAt = now

	if sendErr == nil {
		email.Status = StatusSent
		email.SentAt = &now
		email.NextRetryAt = nil
		email.Provider = sent.Provider
		email.ProviderID = sent.MessageID
		email.Error = ""
		email.ErrorDetails = ""
		return
	}

	email.Error = truncate(sendErr.Error(), maxErrorLength)
	email.ErrorDetails = ""
	var d detailer
	if errors.As(sendErr, &d) {
		email.ErrorDetails = truncate(d.Details(), maxErrorLength)
	}

	if email.Attempts >= email.MaxAttempts || isPermanent(sendErr) {
		email.Status = StatusFailed
		email.NextRetryAt = nil
		return
	}

	next := now.Add(backoff(email.Attempts))
	email.Status = StatusPending
	email.NextRetryAt = &next
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Start runs batches every PollInterval until Stop.
// It does nothing when PollInterval is zero.
func (p *Processor) Start(ctx context.Context) {
	if p.cfg.PollInterval <= 0 {
		p.logger.Info("queue polling disabled, waiting for cron trigger")
		return
	}

	p.logger.Info("starting queue processor", "poll_interval", p.cfg.PollInterval, "batch_size", p.cfg.BatchSize)

	p.wg.Add(1)
	go p.pollLoop(ctx)
}

// Stop stops the processor gracefully
func (p *Processor) Stop() {
	p.logger.Info("stopping queue processor")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("queue processor stopped")
}

func (p *Processor) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			// Errors are logged inside RunBatch; the next tick retries
			p.RunBatch(ctx)
		}
	}
}
