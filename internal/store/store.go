// Package store owns the on-disk indexed store: an FTS5 message index,
// conversation metadata, search audit and import history tables, behind a
// bounded connection pool.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/crothmeier/search/internal/logging"

	_ "modernc.org/sqlite"
)

var storeLog = logging.ForComponent(logging.CompStore)

// Failure conditions callers can retry or map to user-facing errors.
var (
	// ErrPoolExhausted means no connection became free within the acquire
	// timeout. Retriable.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrQueryTimeout means a query exceeded its deadline. Retriable.
	ErrQueryTimeout = errors.New("query timeout")

	// ErrNotFound means the requested conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
)

// timeLayout is RFC3339 with a fixed-width 9-digit fraction so that stored
// timestamps sort lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Options configures the store.
type Options struct {
	// PoolSize caps concurrent connections (default: 10)
	PoolSize int

	// AcquireTimeout bounds waiting for a free connection (default: 5s)
	AcquireTimeout time.Duration

	// BusyTimeout is the SQLite busy handler timeout (default: 5s)
	BusyTimeout time.Duration
}

// Store wraps the SQLite database. Thread-safe for concurrent use from
// multiple goroutines; WAL mode keeps readers unblocked by the single
// writer.
type Store struct {
	db             *sql.DB
	path           string
	acquireTimeout time.Duration
}

// Open creates or opens the database at path with WAL mode and a bounded
// connection pool, and creates the schema if missing.
func Open(path string, opts Options) (*Store, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 10
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	// _txlock=immediate serializes writer transactions at BEGIN, which keeps
	// concurrent same-id ingests from racing past the checksum check.
	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate"+
			"&_pragma=journal_mode(WAL)"+
			"&_pragma=busy_timeout(%d)"+
			"&_pragma=foreign_keys(1)"+
			"&_pragma=cache_size(-64000)"+
			"&_pragma=temp_store(2)",
		path, opts.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(opts.PoolSize)
	db.SetMaxIdleConns(opts.PoolSize)

	s := &Store{
		db:             db,
		path:           path,
		acquireTimeout: opts.AcquireTimeout,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close checkpoints WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// migrate creates tables and indexes if they don't exist.
func (s *Store) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Message-level full-text index. conversation_id and timestamp are
	// stored but not tokenized.
	if _, err := tx.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS messages USING fts5(
			conversation_id UNINDEXED,
			timestamp UNINDEXED,
			sender,
			content,
			tokenize='porter unicode61 remove_diacritics 2'
		)
	`); err != nil {
		return fmt.Errorf("store: create messages index: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			title           TEXT NOT NULL,
			message_count   INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			checksum        TEXT,
			indexed_at      TEXT DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("store: create conversations: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS search_audit (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			query_hash   TEXT NOT NULL,
			user_id      TEXT,
			query_length INTEGER NOT NULL,
			from_cache   BOOLEAN DEFAULT 0,
			duration_ms  REAL,
			error        TEXT,
			searched_at  TEXT DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("store: create search_audit: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS import_history (
			id                     INTEGER PRIMARY KEY AUTOINCREMENT,
			file_path              TEXT NOT NULL,
			file_size              INTEGER NOT NULL,
			file_checksum          TEXT NOT NULL,
			conversations_imported INTEGER NOT NULL DEFAULT 0,
			messages_imported      INTEGER NOT NULL DEFAULT 0,
			errors_count           INTEGER NOT NULL DEFAULT 0,
			duration_seconds       REAL,
			imported_at            TEXT DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("store: create import_history: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_conversations_checksum ON conversations(checksum)",
		"CREATE INDEX IF NOT EXISTS idx_audit_searched_at ON search_audit(searched_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_audit_query_hash ON search_audit(query_hash)",
		"CREATE INDEX IF NOT EXISTS idx_audit_user_id ON search_audit(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_import_checksum ON import_history(file_checksum)",
		"CREATE INDEX IF NOT EXISTS idx_import_date ON import_history(imported_at DESC)",
	}
	for _, idx := range indexes {
		if _, err := tx.Exec(idx); err != nil {
			return fmt.Errorf("store: create index: %w", err)
		}
	}

	return tx.Commit()
}

// conn checks a connection out of the pool, waiting at most the acquire
// timeout. Callers must Close the returned connection.
func (s *Store) conn(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()

	conn, err := s.db.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrPoolExhausted
		}
		return nil, fmt.Errorf("store: acquire connection: %w", err)
	}
	return conn, nil
}

// translateErr maps a context deadline hit during query execution to the
// retriable ErrQueryTimeout.
func translateErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("store: %s: %w", op, ErrQueryTimeout)
	}
	return fmt.Errorf("store: %s: %w", op, err)
}

// Optimize checkpoints the WAL, refreshes planner statistics and reclaims
// space. Safe to run at any time; not part of the request path.
func (s *Store) Optimize(ctx context.Context) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, stmt := range []string{
		"PRAGMA wal_checkpoint(TRUNCATE)",
		"ANALYZE",
		"VACUUM",
	} {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return translateErr("optimize", err)
		}
	}

	storeLog.Info("optimized", "path", s.path)
	return nil
}
