package queue

import (
	"context"
	"time"
)

// Store persists queued emails.
// Implementations must make Claim a single-winner compare-and-swap and
// must only apply Complete to emails that are still processing.
type Store interface {
	// Insert persists a new email
	Insert(ctx context.Context, email *Email) error

	// ListDue returns up to limit pending emails whose next_retry_at is unset
	// or not after now, ordered by priority descending then created_at ascending
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Email, error)

	// Claim moves a pending email to processing if it is still due at now
	// and still has the attempts count it was listed with.
	// Returns false when another worker claimed or attempted it first.
	Claim(ctx context.Context, id string, attempts int, now time.Time) (bool, error)

	// Complete writes the outcome of an attempt.
	// Returns ErrNotClaimed if the email is no longer processing.
	Complete(ctx context.Context, email *Email) error

	// ReclaimStale returns emails stuck in processing since before cutoff
	// to pending, counting the abandoned attempt. Emails that run out of
	// attempts are failed instead.
	ReclaimStale(ctx context.Context, cutoff, now time.Time) (int, error)

	// Get retrieves an email by ID. Returns nil, nil if it does not exist.
	Get(ctx context.Context, id string) (*Email, error)

	// List returns emails newest first with optional filtering
	List(ctx context.Context, filter ListFilter) ([]*Email, error)

	// Stats returns queue statistics
	Stats(ctx context.Context) (*Stats, error)

	// Requeue resets a failed email to pending with no attempts
	Requeue(ctx context.Context, id string, now time.Time) error

	// CleanupSent deletes sent emails created before cutoff
	CleanupSent(ctx context.Context, cutoff time.Time) (int, error)

	// Close closes the storage connection
	Close() error
}

// AbandonedError is recorded on emails reclaimed from a dead worker
const AbandonedError = "delivery attempt abandoned while processing"

// reclaim applies the stale reclaim policy to an email in memory
func reclaim(email *Email, now time.Time) {
	email.Attempts++
	email.ClaimedAt = nil
	email.Error = AbandonedError
	email.UpdatedAt = now
	if email.Attempts >= email.MaxAttempts {
		email.Status = StatusFailed
		email.NextRetryAt = nil
		return
	}
	email.Status = StatusPending
	email.NextRetryAt = &now
}
