package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/foxzi/mailgate/internal/queue"
)

func setupMockDB(t *testing.T) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &Database{
		conn:    sqlx.NewDb(db, "postgres"),
		driver:  DriverPostgres,
		dialect: "postgres",
		logger:  newTestLogger(),
	}, mock
}

func TestPostgresClaimUsesConditionalUpdate(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewEmailRepository(db)
	now := time.Now()

	mock.ExpectExec(`UPDATE email_queue SET status = 'processing', claimed_at = \$1, updated_at = \$2 WHERE id = \$3 AND status = 'pending' AND attempts = \$4 AND \(next_retry_at IS NULL OR next_retry_at <= \$5\)`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "e1", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE email_queue SET status = 'processing'`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "e1", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Claim(context.Background(), "e1", 0, now)
	if err != nil || !ok {
		t.Errorf("Claim() = %v, %v, want true", ok, err)
	}
	ok, err = repo.Claim(context.Background(), "e1", 0, now)
	if err != nil || ok {
		t.Errorf("lost Claim() = %v, %v, want false", ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresCompleteNotClaimed(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewEmailRepository(db)
	now := time.Now()

	mock.ExpectExec(`UPDATE email_queue SET status = \$1, .* WHERE id = \$10 AND status = 'processing'`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM email_queue WHERE id = \$1`).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := repo.Complete(context.Background(), &queue.Email{ID: "e1", Status: queue.StatusSent, Attempts: 1, UpdatedAt: now})
	if !errors.Is(err, queue.ErrNotClaimed) {
		t.Errorf("Complete() error = %v, want ErrNotClaimed", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresListUsesLimitAll(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewEmailRepository(db)

	mock.ExpectQuery(`FROM email_queue WHERE status = \$1 ORDER BY created_at DESC, id DESC LIMIT ALL OFFSET \$2`).
		WithArgs("failed", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := repo.List(context.Background(), queue.ListFilter{Status: queue.StatusFailed, Offset: 5}); err != nil {
		t.Errorf("List() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresReclaimStaleRunsInTransaction(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewEmailRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE email_queue SET status = 'failed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE email_queue SET status = 'pending'`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := repo.ReclaimStale(context.Background(), now.Add(-10*time.Minute), now)
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if n != 3 {
		t.Errorf("ReclaimStale() = %d, want 3", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
