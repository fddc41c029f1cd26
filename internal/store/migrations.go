package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS execution_records (
		execution_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		stage_type TEXT NOT NULL,
		success INTEGER NOT NULL,
		provider_used TEXT NOT NULL DEFAULT '',
		fallback_used INTEGER NOT NULL DEFAULT 0,
		cost_actual REAL NOT NULL DEFAULT 0,
		error TEXT,
		reservation_job_id TEXT,
		record TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exec_project ON execution_records(project_id, finished_at);

	CREATE TABLE IF NOT EXISTS project_state (
		project_id TEXT PRIMARY KEY,
		budget_remaining REAL NOT NULL,
		stages_planned INTEGER NOT NULL DEFAULT 0,
		stages_executed INTEGER NOT NULL DEFAULT 0,
		stages_success INTEGER NOT NULL DEFAULT 0,
		stages_error INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS asset_lifecycle (
		asset_id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		pinned INTEGER NOT NULL DEFAULT 0,
		ephemeral INTEGER NOT NULL DEFAULT 1,
		cold INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		cold_transition_at INTEGER,
		CHECK (NOT (pinned = 1 AND ephemeral = 1))
	);

	CREATE INDEX IF NOT EXISTS idx_asset_warm ON asset_lifecycle(cold, created_at);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		ref_type TEXT NOT NULL,
		ref_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		chain_index INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (kind, chain_index)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS idempotency_responses (
		idem_key TEXT PRIMARY KEY,
		response BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_idem_created ON idempotency_responses(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
