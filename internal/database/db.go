package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

// DefaultQueryTimeout bounds every store call when no timeout is configured
const DefaultQueryTimeout = 5 * time.Second

// DB is the record store adapter. One instance is built at startup and shared
// by every service.
type DB struct {
	conn         *sql.DB
	queryTimeout time.Duration
}

// Option configures a DB
type Option func(*DB)

// WithQueryTimeout sets the deadline applied to each store call
func WithQueryTimeout(d time.Duration) Option {
	return func(db *DB) {
		db.queryTimeout = d
	}
}

// WithPool sets connection pool limits
func WithPool(maxOpen, maxIdle int, maxLifetime time.Duration) Option {
	return func(db *DB) {
		if maxOpen > 0 {
			db.conn.SetMaxOpenConns(maxOpen)
		}
		if maxIdle > 0 {
			db.conn.SetMaxIdleConns(maxIdle)
		}
		if maxLifetime > 0 {
			db.conn.SetConnMaxLifetime(maxLifetime)
		}
	}
}

// New opens a pooled PostgreSQL connection and verifies it with a ping
func New(connStr string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, queryTimeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(db)
	}

	ctx, cancel := db.withTimeout(context.Background())
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Close closes the connection pool
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	if err := db.conn.PingContext(ctx); err != nil {
		return storeErr("ping database", err)
	}
	return nil
}

// RunMigrations applies all migrations found in dir
func (db *DB) RunMigrations(dir string) error {
	driver, err := postgres.WithInstance(db.conn, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := db.queryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// withTx runs fn inside a transaction, committing when fn succeeds
func (db *DB) withTx(ctx context.Context, op string, opts *sql.TxOptions, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, opts)
	if err != nil {
		return storeErr(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeErr(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// storeErr maps a driver error to the store taxonomy. Sentinel and
// validation errors pass through untouched.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if models.IsNotFound(err) || models.IsStoreUnavailable(err) {
		return err
	}
	if _, ok := models.AsValidation(err); ok {
		return err
	}
	return &models.StoreError{Op: op, Err: err}
}
