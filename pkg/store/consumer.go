package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ontoforge/oms/pkg/consumer"
	"github.com/ontoforge/oms/pkg/contracts"
)

// SQLConsumerStore implements the consumer package's StateStore, RecordStore,
// and CheckpointStore ports on one database.
type SQLConsumerStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLConsumerStore creates the store.
func NewSQLConsumerStore(db *sql.DB) *SQLConsumerStore {
	return &SQLConsumerStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *SQLConsumerStore) WithClock(clock func() time.Time) *SQLConsumerStore {
	s.clock = clock
	return s
}

func (s *SQLConsumerStore) Get(ctx context.Context, consumerID string) (*contracts.ConsumerState, error) {
	var st contracts.ConsumerState
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT consumer_id, consumer_version, state, state_commit, state_version,
		       last_event_id, events_processed, events_skipped, events_failed,
		       error_count, healthy, last_heartbeat
		FROM consumer_states WHERE consumer_id = $1`, consumerID,
	).Scan(&st.ConsumerID, &st.ConsumerVersion, &state, &st.StateCommit, &st.StateVersion,
		&st.LastEventID, &st.EventsProcessed, &st.EventsSkipped, &st.EventsFailed,
		&st.ErrorCount, &st.Healthy, &st.LastHeartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("consumer-states", err)
	}
	st.State = json.RawMessage(state)
	return &st, nil
}

func (s *SQLConsumerStore) Put(ctx context.Context, st *contracts.ConsumerState) error {
	return s.putState(ctx, s.db, st)
}

// execer abstracts *sql.DB and *sql.Tx so the upserts run standalone or
// inside PutRecordAndState's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLConsumerStore) putState(ctx context.Context, q execer, st *contracts.ConsumerState) error {
	state := string(st.State)
	if state == "" {
		state = "{}"
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO consumer_states (consumer_id, consumer_version, state, state_commit,
			state_version, last_event_id, events_processed, events_skipped, events_failed,
			error_count, healthy, last_heartbeat, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (consumer_id) DO UPDATE SET
			consumer_version = $2, state = $3, state_commit = $4, state_version = $5,
			last_event_id = $6, events_processed = $7, events_skipped = $8,
			events_failed = $9, error_count = $10, healthy = $11, last_heartbeat = $12`,
		st.ConsumerID, st.ConsumerVersion, state, st.StateCommit, st.StateVersion,
		st.LastEventID, st.EventsProcessed, st.EventsSkipped, st.EventsFailed,
		st.ErrorCount, st.Healthy, st.LastHeartbeat.UTC(), s.clock().UTC())
	if err != nil {
		return unavailable("consumer-states", err)
	}
	return nil
}

// AcquireLease takes the single-writer lease unless another live owner holds
// it. The guarded upsert changes zero rows exactly when a different owner's
// unexpired lease exists.
func (s *SQLConsumerStore) AcquireLease(ctx context.Context, consumerID, owner string, ttl time.Duration) error {
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO consumer_leases (consumer_id, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer_id) DO UPDATE SET owner = $2, expires_at = $3
		WHERE consumer_leases.owner = $2 OR consumer_leases.expires_at < $4`,
		consumerID, owner, now.Add(ttl), now)
	if err != nil {
		return unavailable("consumer-leases", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.ErrNotOwner
	}
	return nil
}

func (s *SQLConsumerStore) RenewLease(ctx context.Context, consumerID, owner string, ttl time.Duration) error {
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE consumer_leases SET expires_at = $3
		WHERE consumer_id = $1 AND owner = $2 AND expires_at >= $4`,
		consumerID, owner, now.Add(ttl), now)
	if err != nil {
		return unavailable("consumer-leases", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.ErrNotOwner
	}
	return nil
}

func (s *SQLConsumerStore) ReleaseLease(ctx context.Context, consumerID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM consumer_leases WHERE consumer_id = $1 AND owner = $2`,
		consumerID, owner)
	if err != nil {
		return unavailable("consumer-leases", err)
	}
	return nil
}

func (s *SQLConsumerStore) GetRecord(ctx context.Context, consumerID, eventID string) (*contracts.EventProcessingRecord, error) {
	var rec contracts.EventProcessingRecord
	var sideEffects string
	err := s.db.QueryRowContext(ctx, `
		SELECT consumer_id, event_id, event_type, event_version, consumer_version,
		       input_commit, output_commit, status, error, retry_count, side_effects,
		       idempotency_key, duration_ms, processed_at
		FROM event_processing_records WHERE consumer_id = $1 AND event_id = $2`,
		consumerID, eventID,
	).Scan(&rec.ConsumerID, &rec.EventID, &rec.EventType, &rec.EventVersion, &rec.ConsumerVersion,
		&rec.InputCommit, &rec.OutputCommit, &rec.Status, &rec.Error, &rec.RetryCount, &sideEffects,
		&rec.IdempotencyKey, &rec.DurationMS, &rec.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("processing-records", err)
	}
	if err := json.Unmarshal([]byte(sideEffects), &rec.SideEffects); err != nil {
		return nil, &contracts.IntegrityError{Reason: fmt.Sprintf("corrupt side effects for %s/%s: %v", consumerID, eventID, err)}
	}
	return &rec, nil
}

func (s *SQLConsumerStore) PutRecord(ctx context.Context, rec *contracts.EventProcessingRecord) error {
	return s.putRecord(ctx, s.db, rec)
}

func (s *SQLConsumerStore) putRecord(ctx context.Context, q execer, rec *contracts.EventProcessingRecord) error {
	sideEffects, err := json.Marshal(rec.SideEffects)
	if err != nil {
		return fmt.Errorf("store: side effects: %w", err)
	}
	if rec.SideEffects == nil {
		sideEffects = []byte("[]")
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO event_processing_records (consumer_id, event_id, event_type, event_version,
			consumer_version, input_commit, output_commit, status, error, retry_count,
			side_effects, idempotency_key, duration_ms, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (consumer_id, event_id) DO UPDATE SET
			output_commit = $7, status = $8, error = $9, retry_count = $10,
			side_effects = $11, idempotency_key = $12, duration_ms = $13, processed_at = $14`,
		rec.ConsumerID, rec.EventID, rec.EventType, rec.EventVersion, rec.ConsumerVersion,
		rec.InputCommit, rec.OutputCommit, rec.Status, rec.Error, rec.RetryCount,
		string(sideEffects), rec.IdempotencyKey, rec.DurationMS, rec.ProcessedAt.UTC())
	if err != nil {
		return unavailable("processing-records", err)
	}
	return nil
}

func (s *SQLConsumerStore) ListRecords(ctx context.Context, consumerID string, limit int) ([]*contracts.EventProcessingRecord, error) {
	query := `
		SELECT consumer_id, event_id, event_type, event_version, consumer_version,
		       input_commit, output_commit, status, error, retry_count, side_effects,
		       idempotency_key, duration_ms, processed_at
		FROM event_processing_records WHERE consumer_id = $1
		ORDER BY processed_at, event_id`
	args := []any{consumerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("processing-records", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.EventProcessingRecord
	for rows.Next() {
		var rec contracts.EventProcessingRecord
		var sideEffects string
		if err := rows.Scan(&rec.ConsumerID, &rec.EventID, &rec.EventType, &rec.EventVersion,
			&rec.ConsumerVersion, &rec.InputCommit, &rec.OutputCommit, &rec.Status, &rec.Error,
			&rec.RetryCount, &sideEffects, &rec.IdempotencyKey, &rec.DurationMS, &rec.ProcessedAt); err != nil {
			return nil, unavailable("processing-records", err)
		}
		if err := json.Unmarshal([]byte(sideEffects), &rec.SideEffects); err != nil {
			return nil, &contracts.IntegrityError{Reason: fmt.Sprintf("corrupt side effects for %s/%s: %v", rec.ConsumerID, rec.EventID, err)}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// PutRecordAndState commits the processing record and the state row in one
// transaction, the atomicity the consumer's exactly-once dedup depends on: a
// success record must never become visible without its state.
func (s *SQLConsumerStore) PutRecordAndState(ctx context.Context, rec *contracts.EventProcessingRecord, st *contracts.ConsumerState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("processing-records", err)
	}
	if err := s.putRecord(ctx, tx, rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.putState(ctx, tx, st); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("processing-records", err)
	}
	return nil
}

// sqlRecordAdapter exposes the store under the consumer.RecordStore port.
type sqlRecordAdapter struct{ *SQLConsumerStore }

func (a sqlRecordAdapter) Get(ctx context.Context, consumerID, eventID string) (*contracts.EventProcessingRecord, error) {
	return a.GetRecord(ctx, consumerID, eventID)
}

func (a sqlRecordAdapter) Put(ctx context.Context, rec *contracts.EventProcessingRecord) error {
	return a.PutRecord(ctx, rec)
}

func (a sqlRecordAdapter) List(ctx context.Context, consumerID string, limit int) ([]*contracts.EventProcessingRecord, error) {
	return a.ListRecords(ctx, consumerID, limit)
}

// sqlCheckpointAdapter exposes the store under the consumer.CheckpointStore port.
type sqlCheckpointAdapter struct{ *SQLConsumerStore }

func (a sqlCheckpointAdapter) Put(ctx context.Context, cp *contracts.ConsumerCheckpoint) error {
	return a.PutCheckpoint(ctx, cp)
}

func (a sqlCheckpointAdapter) Latest(ctx context.Context, consumerID string) (*contracts.ConsumerCheckpoint, error) {
	return a.LatestCheckpoint(ctx, consumerID)
}

// Records returns the store as a consumer.RecordStore.
func (s *SQLConsumerStore) Records() consumer.RecordStore { return sqlRecordAdapter{s} }

// Checkpoints returns the store as a consumer.CheckpointStore.
func (s *SQLConsumerStore) Checkpoints() consumer.CheckpointStore { return sqlCheckpointAdapter{s} }

func (s *SQLConsumerStore) PutCheckpoint(ctx context.Context, cp *contracts.ConsumerCheckpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consumer_checkpoints (consumer_id, event_id, state_commit, state_data, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cp.ConsumerID, cp.EventID, cp.StateCommit, string(cp.StateData), cp.CreatedAt.UTC(), cp.ExpiresAt)
	if err != nil {
		return unavailable("consumer-checkpoints", err)
	}
	return nil
}

func (s *SQLConsumerStore) LatestCheckpoint(ctx context.Context, consumerID string) (*contracts.ConsumerCheckpoint, error) {
	var cp contracts.ConsumerCheckpoint
	var stateData string
	err := s.db.QueryRowContext(ctx, `
		SELECT consumer_id, event_id, state_commit, state_data, created_at, expires_at
		FROM consumer_checkpoints
		WHERE consumer_id = $1 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY id DESC LIMIT 1`, consumerID, s.clock().UTC(),
	).Scan(&cp.ConsumerID, &cp.EventID, &cp.StateCommit, &stateData, &cp.CreatedAt, &cp.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("consumer-checkpoints", err)
	}
	cp.StateData = json.RawMessage(stateData)
	return &cp, nil
}
