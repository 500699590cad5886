package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store is the SQLite-backed run store. A single writer connection
// serializes mutations; reads go through a read-only pool.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// Open opens (and migrates) the run store at dbPath.
func Open(dbPath string) (*Store, error) {
	writer, err := openWriter(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := openReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}

	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	if err := s.ro.Close(); err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS requests (
		request_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL DEFAULT '',
		skill_id TEXT NOT NULL,
		engine TEXT NOT NULL,
		run_source TEXT NOT NULL DEFAULT 'installed',
		model TEXT NOT NULL DEFAULT '',
		input TEXT NOT NULL DEFAULT '{}',
		parameter TEXT NOT NULL DEFAULT '{}',
		engine_options TEXT NOT NULL DEFAULT '{}',
		runtime_options TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL UNIQUE,
		skill_id TEXT NOT NULL,
		engine TEXT NOT NULL,
		run_source TEXT NOT NULL DEFAULT 'installed',
		status TEXT NOT NULL DEFAULT 'queued',
		warnings TEXT NOT NULL DEFAULT '[]',
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		recovery_state TEXT NOT NULL DEFAULT 'none',
		attempt INTEGER NOT NULL DEFAULT 0,
		session_timeout_sec INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (request_id) REFERENCES requests(request_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS pending_interactions (
		run_id TEXT PRIMARY KEY,
		interaction_id INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS interaction_history (
		run_id TEXT NOT NULL,
		interaction_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		prompt TEXT NOT NULL,
		response TEXT NOT NULL DEFAULT '{}',
		resolution_mode TEXT NOT NULL,
		resolved_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, interaction_id),
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS run_events (
		run_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		stream TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		ts TIMESTAMP NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (run_id, attempt, stream, seq),
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS auto_decisions (
		run_id TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS session_handles (
		run_id TEXT PRIMARY KEY,
		engine TEXT NOT NULL,
		handle_type TEXT NOT NULL,
		handle_value TEXT NOT NULL,
		created_at_turn INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_updated_at ON runs(updated_at);
	CREATE INDEX IF NOT EXISTS idx_run_events_ts ON run_events(run_id, stream, ts);
	`)
	return err
}
