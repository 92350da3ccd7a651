package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEmails     = []byte("emails")
	bucketPending    = []byte("pending")
	bucketProcessing = []byte("processing")
)

// BoltStorage implements Store using BoltDB.
// Write transactions are serialized, which makes Claim a compare-and-swap.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEmails, bucketPending, bucketProcessing} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Insert persists a new email
func (s *BoltStorage) Insert(ctx context.Context, email *Email) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		emails := tx.Bucket(bucketEmails)
		if emails.Get([]byte(email.ID)) != nil {
			return fmt.Errorf("email %s already exists", email.ID)
		}
		if err := putEmail(tx, email); err != nil {
			return err
		}
		if email.Status == StatusPending {
			return tx.Bucket(bucketPending).Put(pendingKey(email), []byte(email.ID))
		}
		return nil
	})
}

// ListDue returns due pending emails in priority then FIFO order
func (s *BoltStorage) ListDue(ctx context.Context, now time.Time, limit int) ([]*Email, error) {
	var due []*Email

	err := s.db.View(func(tx *bolt.Tx) error {
		emails := tx.Bucket(bucketEmails)
		c := tx.Bucket(bucketPending).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := emails.Get(v)
			if data == nil {
				continue
			}

			var email Email
			if err := json.Unmarshal(data, &email); err != nil {
				return fmt.Errorf("failed to unmarshal email %s: %w", v, err)
			}
			if !email.Due(now) {
				continue
			}

			due = append(due, &email)
			if limit > 0 && len(due) >= limit {
				break
			}
		}
		return nil
	})

	return due, err
}

// Claim moves a pending email to processing
func (s *BoltStorage) Claim(ctx context.Context, id string, attempts int, now time.Time) (bool, error) {
	claimed := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		email, err := getEmail(tx, id)
		if err != nil || email == nil {
			return err
		}
		if email.Attempts != attempts || !email.Due(now) {
			return nil
		}

		if err := tx.Bucket(bucketPending).Delete(pendingKey(email)); err != nil {
			return err
		}

		claimedAt := now.UTC()
		email.Status = StatusProcessing
		email.ClaimedAt = &claimedAt
		email.UpdatedAt = claimedAt

		if err := putEmail(tx, email); err != nil {
			return err
		}
		if err := tx.Bucket(bucketProcessing).Put([]byte(email.ID), []byte(claimedAt.Format(time.RFC3339Nano))); err != nil {
			return err
		}

		claimed = true
		return nil
	})

	return claimed, err
}

// Complete writes the outcome of an attempt
func (s *BoltStorage) Complete(ctx context.Context, email *Email) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		current, err := getEmail(tx, email.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}
		if current.Status != StatusProcessing {
			return ErrNotClaimed
		}

		if err := tx.Bucket(bucketProcessing).Delete([]byte(email.ID)); err != nil {
			return err
		}
		if err := putEmail(tx, email); err != nil {
			return err
		}
		if email.Status == StatusPending {
			return tx.Bucket(bucketPending).Put(pendingKey(email), []byte(email.ID))
		}
		return nil
	})
}

// ReclaimStale returns emails stuck in processing to pending or failed
func (s *BoltStorage) ReclaimStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	reclaimed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		processing := tx.Bucket(bucketProcessing)

		var stale [][]byte
		c := processing.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			claimedAt, err := time.Parse(time.RFC3339Nano, string(v))
			if err != nil || claimedAt.Before(cutoff) {
				stale = append(stale, append([]byte{}, k...))
			}
		}

		for _, id := range stale {
			if err := processing.Delete(id); err != nil {
				return err
			}

			email, err := getEmail(tx, string(id))
			if err != nil {
				return err
			}
			if email == nil || email.Status != StatusProcessing {
				continue
			}

			reclaim(email, now.UTC())
			if err := putEmail(tx, email); err != nil {
				return err
			}
			if email.Status == StatusPending {
				if err := tx.Bucket(bucketPending).Put(pendingKey(email), []byte(email.ID)); err != nil {
					return err
				}
			}
			reclaimed++
		}
		return nil
	})

	return reclaimed, err
}

// Get retrieves an email by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Email, error) {
	var email *Email
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		email, err = getEmail(tx, id)
		return err
	})
	return email, err
}

// List returns emails newest first with optional filtering
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Email, error) {
	var emails []*Email

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEmails).ForEach(func(k, v []byte) error {
			var email Email
			if err := json.Unmarshal(v, &email); err != nil {
				return nil
			}
			if filter.Status != "" && email.Status != filter.Status {
				return nil
			}
			emails = append(emails, &email)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(emails, func(i, j int) bool {
		return emails[i].CreatedAt.After(emails[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(emails) {
			return nil, nil
		}
		emails = emails[filter.Offset:]
	}
	if filter.Limit > 0 && len(emails) > filter.Limit {
		emails = emails[:filter.Limit]
	}

	return emails, nil
}

// Stats returns queue statistics
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEmails).ForEach(func(k, v []byte) error {
			var email Email
			if err := json.Unmarshal(v, &email); err != nil {
				return nil
			}

			stats.Total++
			switch email.Status {
			case StatusPending:
				stats.Pending++
			case StatusProcessing:
				stats.Processing++
			case StatusSent:
				stats.Sent++
			case StatusFailed:
				stats.Failed++
			}
			return nil
		})
	})

	return stats, err
}

// Requeue resets a failed email to pending with no attempts
func (s *BoltStorage) Requeue(ctx context.Context, id string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		email, err := getEmail(tx, id)
		if err != nil {
			return err
		}
		if email == nil {
			return ErrNotFound
		}
		if email.Status != StatusFailed {
			return ErrNotFailed
		}

		email.Status = StatusPending
		email.Attempts = 0
		email.NextRetryAt = nil
		email.Error = ""
		email.ErrorDetails = ""
		email.UpdatedAt = now.UTC()

		if err := putEmail(tx, email); err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Put(pendingKey(email), []byte(email.ID))
	})
}

// CleanupSent deletes sent emails that were sent before cutoff
func (s *BoltStorage) CleanupSent(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		emails := tx.Bucket(bucketEmails)

		var toDelete [][]byte
		err := emails.ForEach(func(k, v []byte) error {
			var email Email
			if err := json.Unmarshal(v, &email); err != nil {
				return nil
			}
			if email.Status != StatusSent {
				return nil
			}
			sentAt := email.UpdatedAt
			if email.SentAt != nil {
				sentAt = *email.SentAt
			}
			if sentAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range toDelete {
			if err := emails.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func getEmail(tx *bolt.Tx, id string) (*Email, error) {
	data := tx.Bucket(bucketEmails).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	email := &Email{}
	if err := json.Unmarshal(data, email); err != nil {
		return nil, fmt.Errorf("failed to unmarshal email %s: %w", id, err)
	}
	return email, nil
}

func putEmail(tx *bolt.Tx, email *Email) error {
	data, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("failed to marshal email: %w", err)
	}
	if err := tx.Bucket(bucketEmails).Put([]byte(email.ID), data); err != nil {
		return fmt.Errorf("failed to store email: %w", err)
	}
	return nil
}

// pendingKey sorts high priority first, then oldest first.
// Format: rank + fixed-width UTC creation time + id
func pendingKey(email *Email) []byte {
	rank := byte('0' + (PriorityHigh - email.Priority))
	ts := email.CreatedAt.UTC().Format("20060102150405.000000000")
	return []byte(string(rank) + ts + ":" + email.ID)
}
