package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/foxzi/mailgate/internal/queue"
)

// EmailRepository implements queue.Store on a SQL database
type EmailRepository struct {
	db   *Database
	conn *sqlx.DB
}

// NewEmailRepository creates an email queue repository
func NewEmailRepository(db *Database) *EmailRepository {
	return &EmailRepository{db: db, conn: db.conn}
}

// emailRow is the email_queue table layout
type emailRow struct {
	ID           string       `db:"id"`
	To           string       `db:"to_addrs"`
	CC           string       `db:"cc_addrs"`
	BCC          string       `db:"bcc_addrs"`
	ReplyTo      string       `db:"reply_to"`
	Subject      string       `db:"subject"`
	HTMLContent  string       `db:"html_content"`
	TextContent  string       `db:"text_content"`
	Priority     int          `db:"priority"`
	Status       string       `db:"status"`
	Attempts     int          `db:"attempts"`
	MaxAttempts  int          `db:"max_attempts"`
	NextRetryAt  sql.NullTime `db:"next_retry_at"`
	ClaimedAt    sql.NullTime `db:"claimed_at"`
	Provider     string       `db:"provider"`
	ProviderID   string       `db:"provider_id"`
	SentAt       sql.NullTime `db:"sent_at"`
	Error        string       `db:"error"`
	ErrorDetails string       `db:"error_details"`
	Metadata     string       `db:"metadata"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

const emailColumns = `id, to_addrs, cc_addrs, bcc_addrs, reply_to, subject, html_content, text_content,
	priority, status, attempts, max_attempts, next_retry_at, claimed_at, provider, provider_id,
	sent_at, error, error_details, metadata, created_at, updated_at`

// Priorities are stored shifted so low, normal and high are 0, 1 and 2
func encodePriority(p queue.Priority) int {
	return int(p) + 1
}

func decodePriority(v int) queue.Priority {
	return queue.Priority(v - 1)
}

func toRow(email *queue.Email) (*emailRow, error) {
	to, err := encodeList(email.To)
	if err != nil {
		return nil, err
	}
	cc, err := encodeList(email.CC)
	if err != nil {
		return nil, err
	}
	bcc, err := encodeList(email.BCC)
	if err != nil {
		return nil, err
	}

	metadata := "{}"
	if len(email.Metadata) > 0 {
		data, err := json.Marshal(email.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(data)
	}

	return &emailRow{
		ID:           email.ID,
		To:           to,
		CC:           cc,
		BCC:          bcc,
		ReplyTo:      email.ReplyTo,
		Subject:      email.Subject,
		HTMLContent:  email.HTMLContent,
		TextContent:  email.TextContent,
		Priority:     encodePriority(email.Priority),
		Status:       string(email.Status),
		Attempts:     email.Attempts,
		MaxAttempts:  email.MaxAttempts,
		NextRetryAt:  nullTime(email.NextRetryAt),
		ClaimedAt:    nullTime(email.ClaimedAt),
		Provider:     email.Provider,
		ProviderID:   email.ProviderID,
		SentAt:       nullTime(email.SentAt),
		Error:        email.Error,
		ErrorDetails: email.ErrorDetails,
		Metadata:     metadata,
		CreatedAt:    email.CreatedAt.UTC(),
		UpdatedAt:    email.UpdatedAt.UTC(),
	}, nil
}

func (r *emailRow) toEmail() (*queue.Email, error) {
	email := &queue.Email{
		ID:           r.ID,
		ReplyTo:      r.ReplyTo,
		Subject:      r.Subject,
		HTMLContent:  r.HTMLContent,
		TextContent:  r.TextContent,
		Priority:     decodePriority(r.Priority),
		Status:       queue.Status(r.Status),
		Attempts:     r.Attempts,
		MaxAttempts:  r.MaxAttempts,
		NextRetryAt:  timePtr(r.NextRetryAt),
		ClaimedAt:    timePtr(r.ClaimedAt),
		Provider:     r.Provider,
		ProviderID:   r.ProviderID,
		SentAt:       timePtr(r.SentAt),
		Error:        r.Error,
		ErrorDetails: r.ErrorDetails,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}

	for _, f := range []struct {
		src string
		dst *[]string
	}{{r.To, &email.To}, {r.CC, &email.CC}, {r.BCC, &email.BCC}} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode recipients of %s: %w", r.ID, err)
		}
	}

	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &email.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", r.ID, err)
		}
	}

	return email, nil
}

func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to marshal recipients: %w", err)
	}
	return string(data), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// Insert persists a new email
func (r *EmailRepository) Insert(ctx context.Context, email *queue.Email) error {
	row, err := toRow(email)
	if err != nil {
		return err
	}

	query := `INSERT INTO email_queue (` + emailColumns + `) VALUES (
		:id, :to_addrs, :cc_addrs, :bcc_addrs, :reply_to, :subject, :html_content, :text_content,
		:priority, :status, :attempts, :max_attempts, :next_retry_at, :claimed_at, :provider, :provider_id,
		:sent_at, :error, :error_details, :metadata, :created_at, :updated_at)`

	if _, err := r.conn.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to insert email: %w", err)
	}
	return nil
}

// ListDue returns due pending emails in priority then FIFO order
func (r *EmailRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*queue.Email, error) {
	query := `SELECT ` + emailColumns + ` FROM email_queue
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY priority DESC, created_at ASC, id ASC`
	args := []any{now.UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return r.selectEmails(ctx, query, args...)
}

// Claim moves a pending email to processing.
// The status, attempts and retry predicates make the update a compare-and-swap
// against the row as it was listed.
func (r *EmailRepository) Claim(ctx context.Context, id string, attempts int, now time.Time) (bool, error) {
	now = now.UTC()
	res, err := r.conn.ExecContext(ctx, r.conn.Rebind(`UPDATE email_queue
		SET status = 'processing', claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND attempts = ?
			AND (next_retry_at IS NULL OR next_retry_at <= ?)`), now, now, id, attempts, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim email: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim email: %w", err)
	}
	return n == 1, nil
}

// Complete writes the outcome of an attempt if the email is still processing
func (r *EmailRepository) Complete(ctx context.Context, email *queue.Email) error {
	res, err := r.conn.ExecContext(ctx, r.conn.Rebind(`UPDATE email_queue
		SET status = ?, attempts = ?, next_retry_at = ?, claimed_at = NULL,
			provider = ?, provider_id = ?, sent_at = ?, error = ?, error_details = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`),
		string(email.Status), email.Attempts, nullTime(email.NextRetryAt),
		email.Provider, email.ProviderID, nullTime(email.SentAt), email.Error, email.ErrorDetails,
		email.UpdatedAt.UTC(), email.ID)
	if err != nil {
		return fmt.Errorf("failed to complete email: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete email: %w", err)
	}
	if n == 1 {
		return nil
	}

	exists, err := r.exists(ctx, email.ID)
	if err != nil {
		return err
	}
	if !exists {
		return queue.ErrNotFound
	}
	return queue.ErrNotClaimed
}

// ReclaimStale returns emails stuck in processing to pending or failed
func (r *EmailRepository) ReclaimStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	cutoff, now = cutoff.UTC(), now.UTC()

	tx, err := r.conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Rows whose abandoned attempt was their last fail first
	failed, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE email_queue
		SET status = 'failed', attempts = attempts + 1, claimed_at = NULL, next_retry_at = NULL,
			error = ?, updated_at = ?
		WHERE status = 'processing' AND claimed_at < ? AND attempts + 1 >= max_attempts`),
		queue.AbandonedError, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale emails: %w", err)
	}

	retried, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE email_queue
		SET status = 'pending', attempts = attempts + 1, claimed_at = NULL, next_retry_at = ?,
			error = ?, updated_at = ?
		WHERE status = 'processing' AND claimed_at < ?`),
		now, queue.AbandonedError, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale emails: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reclaim: %w", err)
	}

	nFailed, _ := failed.RowsAffected()
	nRetried, _ := retried.RowsAffected()
	return int(nFailed + nRetried), nil
}

// Get retrieves an email by ID
func (r *EmailRepository) Get(ctx context.Context, id string) (*queue.Email, error) {
	var row emailRow
	err := r.conn.GetContext(ctx, &row, r.conn.Rebind(`SELECT `+emailColumns+` FROM email_queue WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return row.toEmail()
}

// List returns emails newest first with optional filtering
func (r *EmailRepository) List(ctx context.Context, filter queue.ListFilter) ([]*queue.Email, error) {
	query := `SELECT ` + emailColumns + ` FROM email_queue`
	var args []any

	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 && filter.Offset > 0 {
		limit = -1
	}
	if limit != 0 {
		if limit < 0 {
			query += ` LIMIT ` + r.unlimited()
		} else {
			query += ` LIMIT ?`
			args = append(args, limit)
		}
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	return r.selectEmails(ctx, query, args...)
}

// unlimited is the LIMIT value meaning no limit in the current dialect
func (r *EmailRepository) unlimited() string {
	if r.db.driver == DriverPostgres {
		return "ALL"
	}
	return "-1"
}

// Stats returns queue statistics
func (r *EmailRepository) Stats(ctx context.Context) (*queue.Stats, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int64  `db:"n"`
	}
	if err := r.conn.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM email_queue GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	stats := &queue.Stats{}
	for _, row := range rows {
		switch queue.Status(row.Status) {
		case queue.StatusPending:
			stats.Pending = row.Count
		case queue.StatusProcessing:
			stats.Processing = row.Count
		case queue.StatusSent:
			stats.Sent = row.Count
		case queue.StatusFailed:
			stats.Failed = row.Count
		}
		stats.Total += row.Count
	}
	return stats, nil
}

// Requeue resets a failed email to pending with no attempts
func (r *EmailRepository) Requeue(ctx context.Context, id string, now time.Time) error {
	res, err := r.conn.ExecContext(ctx, r.conn.Rebind(`UPDATE email_queue
		SET status = 'pending', attempts = 0, next_retry_at = NULL, error = '', error_details = '', updated_at = ?
		WHERE id = ? AND status = 'failed'`), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to requeue email: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to requeue email: %w", err)
	}
	if n == 1 {
		return nil
	}

	exists, err := r.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return queue.ErrNotFound
	}
	return queue.ErrNotFailed
}

// CleanupSent deletes sent emails that were sent before cutoff
func (r *EmailRepository) CleanupSent(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.conn.ExecContext(ctx, r.conn.Rebind(`DELETE FROM email_queue
		WHERE status = 'sent' AND COALESCE(sent_at, updated_at) < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sent emails: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sent emails: %w", err)
	}
	return int(n), nil
}

// Close is a no-op; the Database owns the connection
func (r *EmailRepository) Close() error {
	return nil
}

func (r *EmailRepository) exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.conn.GetContext(ctx, &n, r.conn.Rebind(`SELECT COUNT(*) FROM email_queue WHERE id = ?`), id); err != nil {
		return false, fmt.Errorf("failed to look up email: %w", err)
	}
	return n > 0, nil
}

func (r *EmailRepository) selectEmails(ctx context.Context, query string, args ...any) ([]*queue.Email, error) {
	var rows []emailRow
	if err := r.conn.SelectContext(ctx, &rows, r.conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to select emails: %w", err)
	}

	emails := make([]*queue.Email, 0, len(rows))
	for i := range rows {
		email, err := rows[i].toEmail()
		if err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, nil
}
