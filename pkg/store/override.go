package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ontoforge/oms/pkg/contracts"
)

// SQLOverrideStore implements policy.OverrideStore. Requester roles travel as
// a JSON array column.
type SQLOverrideStore struct {
	db *sql.DB
}

// NewSQLOverrideStore creates the store.
func NewSQLOverrideStore(db *sql.DB) *SQLOverrideStore {
	return &SQLOverrideStore{db: db}
}

func (s *SQLOverrideStore) Insert(ctx context.Context, req *contracts.OverrideRequest) error {
	roles, err := json.Marshal(req.RequesterRoles)
	if err != nil {
		return fmt.Errorf("store: override roles: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO override_requests (id, requester_id, requester_roles, resource, action,
			branch, justification, status, approved_by, approved_at, expires_at,
			override_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		req.ID, req.RequesterID, string(roles), req.Resource, req.Action,
		req.Branch, req.Justification, req.Status, req.ApprovedBy, req.ApprovedAt,
		nullTime(req.ExpiresAt), req.OverrideToken, req.CreatedAt.UTC())
	if err != nil {
		return unavailable("overrides", err)
	}
	return nil
}

func (s *SQLOverrideStore) Get(ctx context.Context, id string) (*contracts.OverrideRequest, error) {
	var req contracts.OverrideRequest
	var roles string
	var approvedAt, expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, requester_id, requester_roles, resource, action, branch,
		       justification, status, approved_by, approved_at, expires_at,
		       override_token, created_at
		FROM override_requests WHERE id = $1`, id,
	).Scan(&req.ID, &req.RequesterID, &roles, &req.Resource, &req.Action, &req.Branch,
		&req.Justification, &req.Status, &req.ApprovedBy, &approvedAt, &expiresAt,
		&req.OverrideToken, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("overrides", err)
	}
	if err := json.Unmarshal([]byte(roles), &req.RequesterRoles); err != nil {
		return nil, &contracts.IntegrityError{Reason: fmt.Sprintf("corrupt roles on override %s: %v", id, err)}
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		req.ApprovedAt = &t
	}
	if expiresAt.Valid {
		req.ExpiresAt = expiresAt.Time
	}
	return &req, nil
}

func (s *SQLOverrideStore) Update(ctx context.Context, req *contracts.OverrideRequest) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE override_requests SET status = $2, approved_by = $3, approved_at = $4,
			expires_at = $5, override_token = $6
		WHERE id = $1`,
		req.ID, req.Status, req.ApprovedBy, req.ApprovedAt,
		nullTime(req.ExpiresAt), req.OverrideToken)
	if err != nil {
		return unavailable("overrides", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
