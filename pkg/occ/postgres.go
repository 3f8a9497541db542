package occ

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ontoforge/oms/pkg/contracts"
)

// PostgresVersionStore backs the version ledger with an append-only table.
// The unique index on (resource_type, resource_id, version) is what decides
// concurrent update races: the loser's INSERT fails with a unique violation.
type PostgresVersionStore struct {
	db *sql.DB
}

// NewPostgresVersionStore wraps an open handle. Migrate must have created the
// resource_versions table.
func NewPostgresVersionStore(db *sql.DB) *PostgresVersionStore {
	return &PostgresVersionStore{db: db}
}

// Migrate creates the version ledger schema.
func (s *PostgresVersionStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS resource_versions (
	resource_type  TEXT        NOT NULL,
	resource_id    TEXT        NOT NULL,
	version        BIGINT      NOT NULL,
	parent_commit  TEXT        NOT NULL DEFAULT '',
	current_commit TEXT        NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	created_by     TEXT        NOT NULL,
	PRIMARY KEY (resource_type, resource_id, version)
)`)
	if err != nil {
		return fmt.Errorf("occ: migrate resource_versions: %w", err)
	}
	return nil
}

func (s *PostgresVersionStore) Head(ctx context.Context, resourceType, resourceID string) (*contracts.ResourceVersion, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT resource_type, resource_id, version, parent_commit, current_commit, created_at, created_by
FROM resource_versions
WHERE resource_type = $1 AND resource_id = $2
ORDER BY version DESC
LIMIT 1`, resourceType, resourceID)
	return scanVersion(row)
}

func (s *PostgresVersionStore) Append(ctx context.Context, v *contracts.ResourceVersion) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO resource_versions
	(resource_type, resource_id, version, parent_commit, current_commit, created_at, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ResourceType, v.ResourceID, v.Version, v.ParentCommit, v.CurrentCommit, v.CreatedAt, v.CreatedBy)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrVersionExists
		}
		return &contracts.StoreUnavailableError{Store: "version-ledger", Cause: err}
	}
	return nil
}

func (s *PostgresVersionStore) History(ctx context.Context, resourceType, resourceID string, limit int) ([]*contracts.ResourceVersion, error) {
	query := `
SELECT resource_type, resource_id, version, parent_commit, current_commit, created_at, created_by
FROM resource_versions
WHERE resource_type = $1 AND resource_id = $2
ORDER BY version DESC`
	args := []any{resourceType, resourceID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "version-ledger", Cause: err}
	}
	defer rows.Close()

	var out []*contracts.ResourceVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(r rowScanner) (*contracts.ResourceVersion, error) {
	var v contracts.ResourceVersion
	err := r.Scan(&v.ResourceType, &v.ResourceID, &v.Version,
		&v.ParentCommit, &v.CurrentCommit, &v.CreatedAt, &v.CreatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "version-ledger", Cause: err}
	}
	return &v, nil
}
