package occ

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
)

// Structural scope tags for advisory locks. Ordinary document updates must
// not take advisory locks; conflict detection is cheaper than blocking.
const (
	ScopeBranchCreate = "branch-create"
	ScopeBranchDelete = "branch-delete"
	ScopeBranchMerge  = "branch-merge"
	ScopeMigration    = "schema-migration"
	ScopeIndexRebuild = "index-rebuild"
)

// AdvisoryLocker serializes structural operations through Postgres
// transaction-scoped advisory locks. The lock is keyed on the operation scope
// and the resource, held exactly for the duration of the transaction, and
// released by Postgres even if the holder dies mid-flight.
type AdvisoryLocker struct {
	db *sql.DB
}

// NewAdvisoryLocker wraps an open Postgres handle.
func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

// WithLock runs fn inside a transaction that holds the advisory lock for
// (scopeTag, resourceID). It blocks until the lock is granted or the context
// is cancelled. The transaction commits when fn returns nil and rolls back
// otherwise.
func (a *AdvisoryLocker) WithLock(ctx context.Context, scopeTag, resourceID string, fn func(tx *sql.Tx) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("occ: begin structural tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock($1)`, advisoryKey(scopeTag, resourceID)); err != nil {
		return fmt.Errorf("occ: advisory lock %s/%s: %w", scopeTag, resourceID, err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("occ: commit structural tx: %w", err)
	}
	return nil
}

// TryLock is the non-blocking variant; held reports whether the lock was
// granted. When it was not, fn never runs and the transaction is discarded.
func (a *AdvisoryLocker) TryLock(ctx context.Context, scopeTag, resourceID string, fn func(tx *sql.Tx) error) (held bool, err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("occ: begin structural tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, advisoryKey(scopeTag, resourceID)).Scan(&held); err != nil {
		return false, fmt.Errorf("occ: advisory trylock %s/%s: %w", scopeTag, resourceID, err)
	}
	if !held {
		return false, nil
	}
	if err := fn(tx); err != nil {
		return true, err
	}
	return true, tx.Commit()
}

// advisoryKey maps (scope_tag, resource_id) into the signed 64-bit keyspace
// Postgres advisory locks use.
func advisoryKey(scopeTag, resourceID string) int64 {
	sum := sha256.Sum256([]byte(scopeTag + "|" + resourceID))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
