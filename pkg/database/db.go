package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DB is the surface the repositories use. It is satisfied by *sqlx.DB and by
// the wrapped DatabaseInstance, which is what gets injected everywhere.
type DB interface {
	Beginx() (*sqlx.Tx, error)
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	Close() error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	PingContext(ctx context.Context) error
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	SetConnMaxLifetime(d time.Duration)
	SetMaxIdleConns(n int)
	SetMaxOpenConns(n int)
	Unsafe() *sqlx.DB
}

type DatabaseInstance struct {
	*sqlx.DB
	logger ectologger.Logger
}

func NewDatabaseInstance(db *sqlx.DB, logger ectologger.Logger) DB {
	return &DatabaseInstance{
		DB:     db,
		logger: logger,
	}
}

// OpenConfig holds the knobs for opening the local store file.
type OpenConfig struct {
	Path         string
	MaxOpenConns int
	BusyTimeout  time.Duration
}

// Open opens (creating if needed) the embedded SQLite store with WAL
// journaling and foreign keys enforced. WAL lets the warmer and the admin
// surface read while the reconciler writes.
func Open(cfg OpenConfig, logger ectologger.Logger) (DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 1
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?%s", cfg.Path, url.Values{
		"_journal_mode": {"WAL"},
		"_foreign_keys": {"on"},
		"_busy_timeout": {fmt.Sprintf("%d", cfg.BusyTimeout.Milliseconds())},
		"_loc":          {"UTC"},
	}.Encode())

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		logger.WithError(err).Errorf("Failed to open local store at %s", cfg.Path)
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)

	logger.WithField("path", cfg.Path).Info("Opened local store")
	return NewDatabaseInstance(db, logger), nil
}
