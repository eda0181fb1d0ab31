// Package store provides the SQLite-backed persistence the Plugin Host (L5)
// needs for its settings keyspace and the provider-health tracker needs for
// its error-rate window, grounded in the same jmoiron/sqlx + mattn/go-sqlite3
// pattern the rest of the pack's stores use.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const defaultBusyTimeout = 5 * time.Second

// Store wraps a single SQLite connection backing the plugin settings
// keyspace and the provider error-rate window. Unlike a multi-table
// application database, both tables here are small and low-write-volume
// (settings changes, occasional error rows), so one connection is enough —
// no reader/writer pool split.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the SQLite database at path and runs the
// schema migration. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn, err := dsnFor(path)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows only one writer at a time; serialize through a single
	// connection rather than hitting SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema init: %w", err)
	}
	return s, nil
}

func dsnFor(path string) (string, error) {
	if path == ":memory:" {
		return "file::memory:?cache=shared&_busy_timeout=5000", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(abs); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf(
		"file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		abs, int(defaultBusyTimeout/time.Millisecond),
	), nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plugin_settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS provider_errors (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_type   TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		occurred_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_provider_errors_tool_type ON provider_errors(tool_type, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_provider_errors_session ON provider_errors(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
