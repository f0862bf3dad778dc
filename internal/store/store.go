// Package store is the durable SQLite backend beneath the Registry. It
// knows nothing about agents, tasks, or workflows — it persists namespaced,
// self-describing documents and their tags, and leaves the meaning of a
// document's payload entirely to its caller.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fenwick-ops/conductor/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS records (
			namespace   TEXT NOT NULL,
			id          TEXT NOT NULL,
			kind        TEXT NOT NULL,
			type        TEXT,
			status      TEXT,
			membership  TEXT,
			version     INTEGER NOT NULL DEFAULT 1,
			payload     TEXT NOT NULL,
			archived    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_type ON records(namespace, type)`,
		`CREATE INDEX IF NOT EXISTS idx_records_status ON records(namespace, status)`,
		`CREATE INDEX IF NOT EXISTS idx_records_membership ON records(namespace, membership)`,
		`CREATE INDEX IF NOT EXISTS idx_records_archived ON records(namespace, archived)`,
		`CREATE TABLE IF NOT EXISTS record_tags (
			namespace TEXT NOT NULL,
			id        TEXT NOT NULL,
			tag       TEXT NOT NULL,
			PRIMARY KEY (namespace, id, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_record_tags_tag ON record_tags(namespace, tag)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id           TEXT PRIMARY KEY,
			workflow     TEXT NOT NULL,
			name         TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			expression   TEXT NOT NULL,
			status       TEXT DEFAULT 'active',
			next_run_at  DATETIME,
			last_run_at  DATETIME,
			last_status  TEXT,
			last_error   TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
