package contracts

import (
	"encoding/json"
	"time"
)

// EventEnvelope is the wire envelope for every domain event. EventID is
// globally unique and is the bus-level dedup key. PayloadHash is computed over
// the RFC 8785 canonical form of Payload.
type EventEnvelope struct {
	EventID          string          `json:"event_id"`
	Type             string          `json:"type"`
	Version          string          `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	SourceService    string          `json:"source_service"`
	SourceVersion    string          `json:"source_version,omitempty"`
	SourceCommit     string          `json:"source_commit,omitempty"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	CausationID      string          `json:"causation_id,omitempty"`
	Sequence         *uint64         `json:"sequence,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	PayloadHash      string          `json:"payload_hash,omitempty"`
	IdempotencyToken string          `json:"idempotency_token,omitempty"`
}

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxRecord is written in the same transactional scope as the business
// commit and relayed to the bus by a background worker. Rows are only removed
// after confirmed delivery.
type OutboxRecord struct {
	ID          int64         `json:"id"`
	AggregateID string        `json:"aggregate_id"`
	Type        string        `json:"type"`
	Subject     string        `json:"subject"`
	Envelope    EventEnvelope `json:"envelope"`
	CreatedAt   time.Time     `json:"created_at"`
	Status      OutboxStatus  `json:"status"`
	RetryCount  int           `json:"retry_count"`
	LastError   string        `json:"last_error,omitempty"`
}

// ConsumerState is the single-writer per-consumer row. StateCommit is the
// SHA-256 of the canonical JSON of the consumer's materialized state.
type ConsumerState struct {
	ConsumerID      string          `json:"consumer_id"`
	ConsumerVersion string          `json:"consumer_version"`
	LastEventID     string          `json:"last_event_id,omitempty"`
	LastTimestamp   *time.Time      `json:"last_ts,omitempty"`
	LastSequence    *uint64         `json:"last_sequence,omitempty"`
	StateCommit     string          `json:"state_commit"`
	StateVersion    int64           `json:"state_version"`
	State           json.RawMessage `json:"state,omitempty"`
	EventsProcessed int64           `json:"events_processed"`
	EventsSkipped   int64           `json:"events_skipped"`
	EventsFailed    int64           `json:"events_failed"`
	LastHeartbeat   time.Time       `json:"last_heartbeat"`
	Healthy         bool            `json:"healthy"`
	ErrorCount      int             `json:"error_count"`
}

// ProcessingStatus is the outcome of one event processing attempt.
type ProcessingStatus string

const (
	ProcessingSuccess ProcessingStatus = "success"
	ProcessingFailed  ProcessingStatus = "failed"
	ProcessingSkipped ProcessingStatus = "skipped"
)

// EventProcessingRecord is the dedup row, keyed by (ConsumerID, EventID).
type EventProcessingRecord struct {
	EventID          string           `json:"event_id"`
	EventType        string           `json:"event_type"`
	EventVersion     string           `json:"event_version,omitempty"`
	ConsumerID       string           `json:"consumer_id"`
	ConsumerVersion  string           `json:"consumer_version,omitempty"`
	InputCommit      string           `json:"input_commit"`
	OutputCommit     string           `json:"output_commit,omitempty"`
	ProcessedAt      time.Time        `json:"processed_at"`
	DurationMS       int64            `json:"duration_ms"`
	Status           ProcessingStatus `json:"status"`
	Error            string           `json:"error,omitempty"`
	RetryCount       int              `json:"retry_count"`
	SideEffects      []string         `json:"side_effects,omitempty"`
	CreatedResources []string         `json:"created_resources,omitempty"`
	UpdatedResources []string         `json:"updated_resources,omitempty"`
	IdempotencyKey   string           `json:"idempotency_key,omitempty"`
	IsDuplicate      bool             `json:"is_duplicate"`
}

// ConsumerCheckpoint lets a fresh replica warm-start without replaying the
// whole processing log.
type ConsumerCheckpoint struct {
	ConsumerID  string          `json:"consumer_id"`
	EventID     string          `json:"event_id"`
	Sequence    *uint64         `json:"sequence,omitempty"`
	StateCommit string          `json:"state_commit"`
	StateData   json.RawMessage `json:"state_data,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}
