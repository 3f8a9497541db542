// Package store provides the SQL persistence layer: Postgres for deployments,
// SQLite for single-node and tests. All statements use $n placeholders and
// RETURNING, which both drivers accept, so every store works on either
// backend unchanged.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ontoforge/oms/pkg/contracts"
)

// OpenPostgres opens and pings a Postgres database.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &contracts.StoreUnavailableError{Store: "postgres", Cause: err}
	}
	return db, nil
}

// OpenSQLite opens a SQLite database at path (":memory:" for ephemeral).
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// Serialized access; the driver is not safe for concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, &contracts.StoreUnavailableError{Store: "sqlite", Cause: err}
	}
	return db, nil
}

// uniqueViolation reports whether err is a unique/primary-key constraint
// failure on either backend.
func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// unavailable wraps a driver error in the stable store-down error.
func unavailable(store string, err error) error {
	return &contracts.StoreUnavailableError{Store: store, Cause: err}
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS outbox (
		id           BIGSERIAL PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		subject      TEXT NOT NULL,
		envelope     TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		retry_count  INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_pending ON outbox (status, id)`,

	`CREATE TABLE IF NOT EXISTS consumer_states (
		consumer_id      TEXT PRIMARY KEY,
		consumer_version TEXT NOT NULL,
		state            TEXT NOT NULL,
		state_commit     TEXT NOT NULL,
		state_version    BIGINT NOT NULL DEFAULT 0,
		last_event_id    TEXT NOT NULL DEFAULT '',
		events_processed BIGINT NOT NULL DEFAULT 0,
		events_skipped   BIGINT NOT NULL DEFAULT 0,
		events_failed    BIGINT NOT NULL DEFAULT 0,
		error_count      INTEGER NOT NULL DEFAULT 0,
		healthy          BOOLEAN NOT NULL DEFAULT TRUE,
		last_heartbeat   TIMESTAMPTZ NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS consumer_leases (
		consumer_id TEXT PRIMARY KEY,
		owner       TEXT NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS event_processing_records (
		consumer_id      TEXT NOT NULL,
		event_id         TEXT NOT NULL,
		event_type       TEXT NOT NULL,
		event_version    TEXT NOT NULL DEFAULT '',
		consumer_version TEXT NOT NULL DEFAULT '',
		input_commit     TEXT NOT NULL,
		output_commit    TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		error            TEXT NOT NULL DEFAULT '',
		retry_count      INTEGER NOT NULL DEFAULT 0,
		side_effects     TEXT NOT NULL DEFAULT '[]',
		idempotency_key  TEXT NOT NULL DEFAULT '',
		duration_ms      BIGINT NOT NULL DEFAULT 0,
		processed_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (consumer_id, event_id)
	)`,

	`CREATE TABLE IF NOT EXISTS consumer_checkpoints (
		id           BIGSERIAL PRIMARY KEY,
		consumer_id  TEXT NOT NULL,
		event_id     TEXT NOT NULL,
		state_commit TEXT NOT NULL,
		state_data   TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL,
		expires_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS checkpoints_latest ON consumer_checkpoints (consumer_id, id)`,

	`CREATE TABLE IF NOT EXISTS branch_states (
		branch                TEXT PRIMARY KEY,
		state                 TEXT NOT NULL,
		prev_state            TEXT NOT NULL DEFAULT '',
		changed_at            TIMESTAMPTZ NOT NULL,
		changed_by            TEXT NOT NULL,
		reason                TEXT NOT NULL DEFAULT '',
		active_locks          TEXT NOT NULL DEFAULT '[]',
		indexing_started_at   TIMESTAMPTZ,
		indexing_completed_at TIMESTAMPTZ,
		auto_merge_enabled    BOOLEAN NOT NULL DEFAULT FALSE,
		version               BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS branch_transitions (
		id         BIGSERIAL PRIMARY KEY,
		branch     TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		changed_by TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		lock_id    TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS transitions_by_branch ON branch_transitions (branch, id)`,

	`CREATE TABLE IF NOT EXISTS override_requests (
		id              TEXT PRIMARY KEY,
		requester_id    TEXT NOT NULL,
		requester_roles TEXT NOT NULL DEFAULT '[]',
		resource        TEXT NOT NULL,
		action          TEXT NOT NULL,
		branch          TEXT NOT NULL DEFAULT '',
		justification   TEXT NOT NULL,
		status          TEXT NOT NULL,
		approved_by     TEXT NOT NULL DEFAULT '',
		approved_at     TIMESTAMPTZ,
		expires_at      TIMESTAMPTZ,
		override_token  TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id         BIGSERIAL PRIMARY KEY,
		event_id   TEXT NOT NULL UNIQUE,
		action     TEXT NOT NULL,
		actor_id   TEXT NOT NULL,
		resource   TEXT NOT NULL,
		branch     TEXT NOT NULL DEFAULT '',
		body       TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_by_action ON audit_events (action, occurred_at)`,
}

// Migrate creates every table the service persists to. BIGSERIAL and
// TIMESTAMPTZ are rewritten for SQLite, whose types are advisory anyway.
func Migrate(ctx context.Context, db *sql.DB, sqliteDialect bool) error {
	for _, stmt := range migrations {
		if sqliteDialect {
			stmt = strings.ReplaceAll(stmt, "BIGSERIAL PRIMARY KEY", "INTEGER PRIMARY KEY AUTOINCREMENT")
			stmt = strings.ReplaceAll(stmt, "BIGSERIAL", "INTEGER")
			stmt = strings.ReplaceAll(stmt, "TIMESTAMPTZ", "TEXT")
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
