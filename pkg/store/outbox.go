package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ontoforge/oms/pkg/contracts"
	"github.com/ontoforge/oms/pkg/outbox"
)

// SQLOutbox implements outbox.Store on a SQL database. The envelope travels
// as one JSON column; delivery metadata is relational so the relay can index
// on it.
type SQLOutbox struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLOutbox creates the store.
func NewSQLOutbox(db *sql.DB) *SQLOutbox {
	return &SQLOutbox{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *SQLOutbox) WithClock(clock func() time.Time) *SQLOutbox {
	s.clock = clock
	return s
}

func (s *SQLOutbox) Insert(ctx context.Context, rec *contracts.OutboxRecord) error {
	envelope, err := json.Marshal(rec.Envelope)
	if err != nil {
		return fmt.Errorf("store: outbox envelope: %w", err)
	}
	rec.Status = contracts.OutboxPending
	rec.CreatedAt = s.clock().UTC()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO outbox (aggregate_id, event_type, subject, envelope, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		RETURNING id`,
		rec.AggregateID, rec.Type, rec.Subject, string(envelope), rec.Status, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return unavailable("outbox", err)
	}
	return nil
}

// Pending scans pending rows in id order and keeps the shard's share. The
// scan window is wider than limit so a busy foreign shard cannot starve this
// one.
func (s *SQLOutbox) Pending(ctx context.Context, shard, shards, limit int) ([]*contracts.OutboxRecord, error) {
	window := limit * shards
	if limit <= 0 {
		window = 0
	}
	query := `
		SELECT id, aggregate_id, event_type, subject, envelope, status, retry_count, last_error, created_at
		FROM outbox WHERE status = 'pending' ORDER BY id`
	args := []any{}
	if window > 0 {
		query += ` LIMIT $1`
		args = append(args, window)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("outbox", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.OutboxRecord
	for rows.Next() {
		rec, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		if outbox.ShardOf(rec.AggregateID, shards) != shard {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func scanOutboxRow(rows *sql.Rows) (*contracts.OutboxRecord, error) {
	var rec contracts.OutboxRecord
	var envelope string
	if err := rows.Scan(&rec.ID, &rec.AggregateID, &rec.Type, &rec.Subject,
		&envelope, &rec.Status, &rec.RetryCount, &rec.LastError, &rec.CreatedAt); err != nil {
		return nil, unavailable("outbox", err)
	}
	if err := json.Unmarshal([]byte(envelope), &rec.Envelope); err != nil {
		return nil, &contracts.IntegrityError{Reason: fmt.Sprintf("corrupt outbox envelope in row %d: %v", rec.ID, err)}
	}
	return &rec, nil
}

func (s *SQLOutbox) MarkDelivered(ctx context.Context, id int64) error {
	return s.mark(ctx, `UPDATE outbox SET status = 'delivered', last_error = '' WHERE id = $1`, id)
}

func (s *SQLOutbox) MarkRetry(ctx context.Context, id int64, lastError string) error {
	return s.mark(ctx, `UPDATE outbox SET retry_count = retry_count + 1, last_error = $2 WHERE id = $1`, id, lastError)
}

func (s *SQLOutbox) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return s.mark(ctx, `UPDATE outbox SET status = 'failed', retry_count = retry_count + 1, last_error = $2 WHERE id = $1`, id, lastError)
}

func (s *SQLOutbox) mark(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable("outbox", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

func (s *SQLOutbox) Stats(ctx context.Context) (map[string]outbox.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT aggregate_id, status, COUNT(*) FROM outbox GROUP BY aggregate_id, status`)
	if err != nil {
		return nil, unavailable("outbox", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]outbox.Stats)
	for rows.Next() {
		var aggregate, status string
		var count int64
		if err := rows.Scan(&aggregate, &status, &count); err != nil {
			return nil, unavailable("outbox", err)
		}
		st := out[aggregate]
		switch contracts.OutboxStatus(status) {
		case contracts.OutboxPending:
			st.Pending = count
		case contracts.OutboxDelivered:
			st.Delivered = count
		case contracts.OutboxFailed:
			st.Failed = count
		}
		out[aggregate] = st
	}
	return out, rows.Err()
}
