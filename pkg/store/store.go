// Package store keeps notebooks, notes and shares in sqlite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a notebook or note does not exist.
var ErrNotFound = errors.New("not found")

// querier is the part of *sql.DB and *sql.Tx the store uses.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db querier
	// conn is nil for a store bound to a transaction.
	conn *sql.DB
	now  func() time.Time
}

func open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

// Open opens (creating if needed) the sqlite database at path and applies
// any pending migrations.
func Open(path string) (*Store, error) {
	db, err := open(fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, err
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("Ensured database schema", "path", path)
	return &Store{db: db, conn: db, now: time.Now}, nil
}

// OpenReadOnly opens an existing database without creating or migrating
// it. Every write through the returned store fails.
func OpenReadOnly(path string) (*Store, error) {
	db, err := open(fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open %s read-only: %w", path, err)
	}
	return &Store{db: db, conn: db, now: time.Now}, nil
}

// WithTx runs fn against a store bound to one transaction, committing if fn
// succeeds. fn's error is returned unchanged. Inside a transaction fn runs
// on the same one.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.conn == nil {
		return fn(s)
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	if err := fn(&Store{db: tx, now: s.now}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to prepare migrations: %w", err)
	}
	// m.Close would close db as well, so only the source is released.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("failed to prepare migrations: %w", err)
	}
	defer src.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.conn == nil {
		return errors.New("cannot close a transaction-bound store")
	}
	return s.conn.Close()
}

// wrapErr marks missing rows with ErrNotFound.
func wrapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Join(err, ErrNotFound)
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stored time %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func checkAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
