package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/mailgate/internal/abuse"
	"github.com/foxzi/mailgate/internal/config"
	"github.com/foxzi/mailgate/internal/metrics"
	"github.com/foxzi/mailgate/internal/queue"
	"github.com/foxzi/mailgate/internal/repository"
)

// Storage holds the queue and audit stores of the configured driver
type Storage struct {
	Queue queue.Store
	Audit abuse.AuditStore

	// Set for the sqlite and postgres drivers
	DB *repository.Database

	// Set for the bolt driver
	Bolt *queue.BoltStorage
}

// OpenStorage opens the configured storage driver and applies pending
// SQL migrations
func OpenStorage(cfg *config.Config, logger *slog.Logger) (*Storage, error) {
	switch cfg.Storage.Driver {
	case "bolt":
		boltStorage, err := queue.NewBoltStorage(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
		audit, err := abuse.NewBoltAuditStore(boltStorage.DB())
		if err != nil {
			boltStorage.Close()
			return nil, fmt.Errorf("failed to create audit store: %w", err)
		}
		return &Storage{Queue: boltStorage, Audit: audit, Bolt: boltStorage}, nil

	case repository.DriverSQLite, repository.DriverPostgres:
		db, err := repository.Open(cfg.Storage.Driver, cfg.Storage.DSN, logger)
		if err != nil {
			return nil, err
		}
		if _, err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return &Storage{
			Queue: repository.NewEmailRepository(db),
			Audit: repository.NewBlockedRequestRepository(db),
			DB:    db,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}

// BoltDB returns the bolt handle of the bolt driver, nil otherwise
func (s *Storage) BoltDB() *bolt.DB {
	if s.Bolt == nil {
		return nil
	}
	return s.Bolt.DB()
}

// Close closes the underlying database
func (s *Storage) Close() error {
	var errs []error
	if s.Bolt != nil {
		errs = append(errs, s.Bolt.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}

// queueStats adapts a queue store to the metrics collector
type queueStats struct {
	store queue.Store
}

func (q queueStats) QueueStats(ctx context.Context) (*metrics.QueueStats, error) {
	stats, err := q.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.QueueStats{
		Pending:    stats.Pending,
		Processing: stats.Processing,
		Sent:       stats.Sent,
		Failed:     stats.Failed,
	}, nil
}
