package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ontoforge/oms/pkg/branchstate"
	"github.com/ontoforge/oms/pkg/contracts"
)

// SQLBranchStateStore implements branchstate.Store. The version column carries
// the compare-and-swap: the UPDATE is guarded on it, so a lost race changes
// zero rows and surfaces as VersionConflictError.
type SQLBranchStateStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLBranchStateStore creates the store.
func NewSQLBranchStateStore(db *sql.DB) *SQLBranchStateStore {
	return &SQLBranchStateStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *SQLBranchStateStore) WithClock(clock func() time.Time) *SQLBranchStateStore {
	s.clock = clock
	return s
}

func (s *SQLBranchStateStore) Get(ctx context.Context, branch string) (*contracts.BranchStateInfo, error) {
	info, err := s.get(ctx, branch)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, contracts.ErrNotFound) {
		return nil, err
	}

	// Lazy init: first touch creates an ACTIVE row at version 1. A racing
	// creator wins via the conflict clause and the re-read returns its row.
	_, ierr := s.db.ExecContext(ctx, `
		INSERT INTO branch_states (branch, state, changed_at, changed_by, reason, version)
		VALUES ($1, $2, $3, 'system', 'lazy init', 1)
		ON CONFLICT (branch) DO NOTHING`,
		branch, contracts.BranchActive, s.clock().UTC())
	if ierr != nil {
		return nil, unavailable("branch-states", ierr)
	}
	return s.get(ctx, branch)
}

func (s *SQLBranchStateStore) get(ctx context.Context, branch string) (*contracts.BranchStateInfo, error) {
	var info contracts.BranchStateInfo
	var locks string
	err := s.db.QueryRowContext(ctx, `
		SELECT branch, state, prev_state, changed_at, changed_by, reason, active_locks,
		       indexing_started_at, indexing_completed_at, auto_merge_enabled, version
		FROM branch_states WHERE branch = $1`, branch,
	).Scan(&info.Branch, &info.State, &info.PrevState, &info.ChangedAt, &info.ChangedBy,
		&info.Reason, &locks, &info.IndexingStartedAt, &info.IndexingCompletedAt,
		&info.AutoMergeEnabled, &info.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("branch-states", err)
	}
	if err := json.Unmarshal([]byte(locks), &info.ActiveLocks); err != nil {
		return nil, &contracts.IntegrityError{Reason: fmt.Sprintf("corrupt lock list on branch %s: %v", branch, err)}
	}
	return &info, nil
}

func (s *SQLBranchStateStore) CASUpdate(ctx context.Context, branch string, expectedVersion int64, mut branchstate.Mutator) (*contracts.BranchStateInfo, error) {
	current, err := s.Get(ctx, branch)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, &contracts.VersionConflictError{Branch: branch, Expected: expectedVersion, Actual: current.Version}
	}

	next := *current
	next.ActiveLocks = append([]string(nil), current.ActiveLocks...)
	if err := mut(&next); err != nil {
		return nil, err
	}
	if next.State != current.State && !contracts.CanTransition(current.State, next.State) {
		return nil, &contracts.InvalidTransitionError{Branch: branch, From: current.State, To: next.State}
	}
	next.Version = current.Version + 1
	next.ChangedAt = s.clock().UTC()
	if next.State != current.State {
		next.PrevState = current.State
	}
	locks, err := json.Marshal(next.ActiveLocks)
	if err != nil {
		return nil, fmt.Errorf("store: lock list: %w", err)
	}
	if next.ActiveLocks == nil {
		locks = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("branch-states", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE branch_states SET state = $3, prev_state = $4, changed_at = $5,
			changed_by = $6, reason = $7, active_locks = $8,
			indexing_started_at = $9, indexing_completed_at = $10,
			auto_merge_enabled = $11, version = $12
		WHERE branch = $1 AND version = $2`,
		branch, expectedVersion, next.State, next.PrevState, next.ChangedAt,
		next.ChangedBy, next.Reason, string(locks),
		next.IndexingStartedAt, next.IndexingCompletedAt,
		next.AutoMergeEnabled, next.Version)
	if err != nil {
		return nil, unavailable("branch-states", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		fresh, gerr := s.get(ctx, branch)
		actual := int64(-1)
		if gerr == nil {
			actual = fresh.Version
		}
		return nil, &contracts.VersionConflictError{Branch: branch, Expected: expectedVersion, Actual: actual}
	}

	if next.State != current.State {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO branch_transitions (branch, from_state, to_state, changed_by, reason, lock_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			branch, current.State, next.State, next.ChangedBy, next.Reason,
			lastLock(next.ActiveLocks), next.ChangedAt)
		if err != nil {
			return nil, unavailable("branch-transitions", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("branch-states", err)
	}
	return &next, nil
}

// lastLock is the lock a transition is attributed to: the most recently
// attached active lock, if any.
func lastLock(locks []string) string {
	if n := len(locks); n > 0 {
		return locks[n-1]
	}
	return ""
}

func (s *SQLBranchStateStore) Transitions(ctx context.Context, branch string, limit int) ([]*contracts.BranchTransition, error) {
	query := `
		SELECT id, branch, from_state, to_state, changed_by, reason, lock_id, created_at
		FROM branch_transitions WHERE branch = $1 ORDER BY id DESC`
	args := []any{branch}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("branch-transitions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.BranchTransition
	for rows.Next() {
		var tr contracts.BranchTransition
		if err := rows.Scan(&tr.ID, &tr.Branch, &tr.From, &tr.To,
			&tr.ChangedBy, &tr.Reason, &tr.LockID, &tr.CreatedAt); err != nil {
			return nil, unavailable("branch-transitions", err)
		}
		out = append(out, &tr)
	}
	return out, rows.Err()
}
