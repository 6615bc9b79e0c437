// Package sqlstore implements store.Store on database/sql for SQLite and
// PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/alfredjeanlab/gados/internal/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect selects placeholder syntax and the migration set.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// SQLStore implements store.Store backed by a SQL database.
type SQLStore struct {
	db *sql.DB
	q  querier
}

var _ store.Store = (*SQLStore)(nil)

// Open connects to databaseURL and applies pending migrations.
// "sqlite://<path>" (or a bare path) selects SQLite; "postgres://" and
// "postgresql://" select PostgreSQL.
func Open(ctx context.Context, databaseURL string) (*SQLStore, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return openPostgres(ctx, databaseURL)
	case databaseURL == "":
		return nil, errors.New("empty database url")
	default:
		return openSQLite(ctx, strings.TrimPrefix(databaseURL, "sqlite://"))
	}
}

func openPostgres(ctx context.Context, url string) (*SQLStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return finishOpen(db, Postgres)
}

func openSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", pragma, err)
		}
	}
	return finishOpen(db, SQLite)
}

func finishOpen(db *sql.DB, d Dialect) (*SQLStore, error) {
	if err := runMigrations(db, d); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return New(db, d), nil
}

// New wraps an already migrated database.
func New(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, q: querier{ex: db, d: d}}
}

func runMigrations(db *sql.DB, d Dialect) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+string(d))
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	var dbDriver database.Driver
	switch d {
	case Postgres:
		dbDriver, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		dbDriver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	}
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, string(d), dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) InsertMessage(ctx context.Context, m *store.Message) (bool, error) {
	return s.q.insertMessage(ctx, m)
}

func (s *SQLStore) MessageIDForKey(ctx context.Context, fromRole, fromAgentID, key string) (string, error) {
	return s.q.messageIDForKey(ctx, fromRole, fromAgentID, key)
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	return s.q.getMessage(ctx, id)
}

func (s *SQLStore) Inbox(ctx context.Context, role, agentID string, limit int) ([]*store.Message, error) {
	return s.q.inbox(ctx, role, agentID, limit)
}

func (s *SQLStore) AckMessage(ctx context.Context, id, notes string) error {
	return s.q.ackMessage(ctx, id, notes)
}

func (s *SQLStore) NackMessage(ctx context.Context, id, reason string) error {
	return s.q.nackMessage(ctx, id, reason)
}

func (s *SQLStore) RecordHeartbeat(ctx context.Context, hb store.Heartbeat) error {
	return s.q.recordHeartbeat(ctx, hb)
}

func (s *SQLStore) LastHeartbeat(ctx context.Context, role, agentID string) (time.Time, error) {
	return s.q.lastHeartbeat(ctx, role, agentID)
}

func (s *SQLStore) ListHeartbeats(ctx context.Context) ([]store.Heartbeat, error) {
	return s.q.listHeartbeats(ctx)
}

// RunInTransaction calls fn with a store bound to one transaction, committing
// when fn succeeds and rolling back otherwise.
func (s *SQLStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&txStore{q: querier{ex: tx, d: s.q.d}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store inside a transaction.
type txStore struct {
	q querier
}

var _ store.Store = (*txStore)(nil)

func (s *txStore) InsertMessage(ctx context.Context, m *store.Message) (bool, error) {
	return s.q.insertMessage(ctx, m)
}

func (s *txStore) MessageIDForKey(ctx context.Context, fromRole, fromAgentID, key string) (string, error) {
	return s.q.messageIDForKey(ctx, fromRole, fromAgentID, key)
}

func (s *txStore) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	return s.q.getMessage(ctx, id)
}

func (s *txStore) Inbox(ctx context.Context, role, agentID string, limit int) ([]*store.Message, error) {
	return s.q.inbox(ctx, role, agentID, limit)
}

func (s *txStore) AckMessage(ctx context.Context, id, notes string) error {
	return s.q.ackMessage(ctx, id, notes)
}

func (s *txStore) NackMessage(ctx context.Context, id, reason string) error {
	return s.q.nackMessage(ctx, id, reason)
}

func (s *txStore) RecordHeartbeat(ctx context.Context, hb store.Heartbeat) error {
	return s.q.recordHeartbeat(ctx, hb)
}

func (s *txStore) LastHeartbeat(ctx context.Context, role, agentID string) (time.Time, error) {
	return s.q.lastHeartbeat(ctx, role, agentID)
}

func (s *txStore) ListHeartbeats(ctx context.Context) ([]store.Heartbeat, error) {
	return s.q.listHeartbeats(ctx)
}

func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

func (s *txStore) Close() error { return nil }
