// Package sqlstore persists the event log and the message log in SQL
// databases. SQLite (modernc.org/sqlite) suits a single process; PostgreSQL
// (lib/pq) suits deployments sharing one database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/courier/pkg/courier/eventlog"
	"github.com/randalmurphal/courier/pkg/courier/msglog"
)

// ErrStoreClosed indicates the store has been closed.
var ErrStoreClosed = errors.New("sql store closed")

// Dialect captures the differences between supported databases.
type Dialect struct {
	name        string
	driver      string
	numbered    bool // $1 placeholders instead of ?
	timeAsText  bool // timestamps stored as fixed-width UTC text
	payloadType string
	timeType    string
}

// Name returns the dialect name.
func (d Dialect) Name() string {
	return d.name
}

// Supported dialects.
var (
	SQLite = Dialect{
		name:        "sqlite",
		driver:      "sqlite",
		timeAsText:  true,
		payloadType: "TEXT",
		timeType:    "TEXT",
	}
	Postgres = Dialect{
		name:        "postgres",
		driver:      "postgres",
		numbered:    true,
		payloadType: "JSONB",
		timeType:    "TIMESTAMPTZ",
	}
)

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	}
	return Dialect{}, fmt.Errorf("unsupported store driver %q", name)
}

// rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) schema() []string {
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			payload %s,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			error TEXT,
			created_at %s NOT NULL,
			last_attempt_at %s
		)`, d.payloadType, d.timeType, d.timeType),
		`CREATE INDEX IF NOT EXISTS idx_events_status ON events(status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS message_logs (
			id BIGINT PRIMARY KEY,
			sender TEXT,
			recipient TEXT,
			direction TEXT NOT NULL,
			content TEXT NOT NULL,
			command TEXT,
			response TEXT,
			created_at %s NOT NULL
		)`, d.timeType),
		`CREATE INDEX IF NOT EXISTS idx_message_logs_created_at ON message_logs(created_at)`,
	}
}

// Store implements eventlog.Store and msglog.Store on a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect

	mu     sync.RWMutex
	closed bool
}

var (
	_ eventlog.Store = (*Store)(nil)
	_ msglog.Store   = (*Store)(nil)
)

// NewSQLite opens (creating if needed) a SQLite database at path.
// Use ":memory:" for a throwaway database.
func NewSQLite(path string) (*Store, error) {
	db, err := sql.Open(SQLite.driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := New(db, SQLite)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres connects to PostgreSQL using dsn and creates the schema.
func NewPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open(Postgres.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(db, Postgres)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Open opens a store for the named driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if d.name == SQLite.name {
		return NewSQLite(dsn)
	}
	return NewPostgres(ctx, dsn)
}

// New wraps an open database. The schema is not created; call Migrate.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Migrate creates tables and indexes that do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the database. Closing twice is safe.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// exec runs a statement unless the store is closed.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

// query runs fn over the rows of a query unless the store is closed.
func (s *Store) query(ctx context.Context, fn func(*sql.Rows) error, query string, args ...any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
