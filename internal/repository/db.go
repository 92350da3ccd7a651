package repository

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

// Supported storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database is a SQL connection with its dialect
type Database struct {
	conn    *sqlx.DB
	driver  string
	dialect string
	logger  *slog.Logger
}

// Open connects to a SQLite file or a Postgres server
func Open(driver, dsn string, logger *slog.Logger) (*Database, error) {
	logger = logger.With("component", "database")

	var (
		conn *sqlx.DB
		err  error
	)

	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		conn, err = sqlx.Open("sqlite3", sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// SQLite allows a single writer; a shared connection avoids busy errors
		conn.SetMaxOpenConns(1)
	case DriverPostgres:
		conn, err = sqlx.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(30 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("connected to database", "driver", driver)

	return &Database{
		conn:    conn,
		driver:  driver,
		dialect: conn.DriverName(),
		logger:  logger,
	}, nil
}

// sqliteDSN builds a file: URI with the pragmas the queue relies on
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}

	opts := make(url.Values)
	opts.Add("_foreign_keys", "true")
	opts.Add("_journal_mode", "WAL")
	opts.Add("_busy_timeout", "5000")

	dsn := url.URL{
		Scheme:   "file",
		Opaque:   path,
		RawQuery: opts.Encode(),
	}
	return dsn.String()
}

// Migrate applies pending schema migrations and returns how many ran
func (d *Database) Migrate() (int, error) {
	n, err := d.migrationSet().Exec(d.conn.DB, d.dialect, d.migrations(), migrate.Up)
	if err != nil {
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if n > 0 {
		d.logger.Info("database migrations applied", "migrations", n)
	}
	return n, nil
}

// Rollback reverts up to max migrations (0 = all)
func (d *Database) Rollback(max int) (int, error) {
	n, err := d.migrationSet().ExecMax(d.conn.DB, d.dialect, d.migrations(), migrate.Down, max)
	if err != nil {
		return 0, fmt.Errorf("failed to roll back migrations: %w", err)
	}
	d.logger.Info("database migrations rolled back", "migrations", n)
	return n, nil
}

// MigrationStatus returns applied migration ids
func (d *Database) MigrationStatus() ([]string, error) {
	records, err := d.migrationSet().GetMigrationRecords(d.conn.DB, d.dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration records: %w", err)
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.Id)
	}
	return ids, nil
}

func (d *Database) migrationSet() migrate.MigrationSet {
	return migrate.MigrationSet{TableName: migrationsTable}
}

func (d *Database) migrations() migrate.MigrationSource {
	root := "migrations/sqlite"
	if d.driver == DriverPostgres {
		root = "migrations/postgres"
	}
	return &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationsFS,
		Root:       root,
	}
}

// Conn returns the underlying connection
func (d *Database) Conn() *sqlx.DB {
	return d.conn
}

// Driver returns the configured driver name
func (d *Database) Driver() string {
	return d.driver
}

// Ping checks the connection
func (d *Database) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// Close closes the connection pool
func (d *Database) Close() error {
	return d.conn.Close()
}
