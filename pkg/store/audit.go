package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ontoforge/oms/pkg/audit"
	"github.com/ontoforge/oms/pkg/contracts"
)

// SQLAuditStore implements audit.Store. The full masked event travels as one
// JSON column; the indexed columns exist so the trail can be filtered without
// parsing every row.
type SQLAuditStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLAuditStore creates the store.
func NewSQLAuditStore(db *sql.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *SQLAuditStore) WithClock(clock func() time.Time) *SQLAuditStore {
	s.clock = clock
	return s
}

// Append writes the event, ignoring a duplicate of an already-archived ID so
// replays keep the trail single-entry.
func (s *SQLAuditStore) Append(ctx context.Context, ev *contracts.AuditEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: audit event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, action, actor_id, resource, branch, body, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.ID, ev.Action, ev.Actor.ID, ev.Target.ResourceType, ev.Target.Branch,
		string(body), ev.Timestamp.UTC(), s.clock().UTC())
	if err != nil {
		return unavailable("audit", err)
	}
	return nil
}

func (s *SQLAuditStore) List(ctx context.Context, f audit.Filter) ([]*contracts.AuditEvent, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = "+arg(f.ActorID))
	}
	if f.Action != "" {
		where = append(where, "action = "+arg(f.Action))
	}
	if f.ResourceType != "" {
		where = append(where, "resource = "+arg(f.ResourceType))
	}
	if f.Branch != "" {
		where = append(where, "branch = "+arg(f.Branch))
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= "+arg(f.Since.UTC()))
	}
	if !f.Until.IsZero() {
		where = append(where, "occurred_at <= "+arg(f.Until.UTC()))
	}
	query := `SELECT body FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at, event_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("audit", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AuditEvent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, unavailable("audit", err)
		}
		var ev contracts.AuditEvent
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, &contracts.IntegrityError{Reason: fmt.Sprintf("corrupt audit event: %v", err)}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
