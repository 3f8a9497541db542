package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ontoforge/oms/pkg/canonicalize"
	"github.com/ontoforge/oms/pkg/contracts"
)

const (
	// SourceService identifies this service in every envelope.
	SourceService = "oms"
	// EventSchemaVersion is the envelope version consumers gate on.
	EventSchemaVersion = "1.0.0"
)

// Event describes one domain event to stage for publication.
type Event struct {
	Aggregate   string // e.g. "object_type"
	Action      string // e.g. "created"
	Branch      string
	AggregateID string
	Payload     any
	// Type overrides the derived "<aggregate>.<action>" CloudEvents type when
	// the wire contract fixes a different name (e.g. audit.activity.v1).
	Type string
	// SubjectOverride overrides the derived branch-suffixed subject when the
	// stream contract fixes a single exact subject (e.g. the audit trail, whose
	// consumers must work on transports without wildcard subscriptions).
	SubjectOverride string
	// Optional causality metadata.
	CorrelationID string
	CausationID   string
	SourceCommit  string
}

// Subject renders the bus subject oms.<aggregate>.<action>.<branch>, unless
// SubjectOverride fixes one.
func (e Event) Subject() string {
	if e.SubjectOverride != "" {
		return e.SubjectOverride
	}
	return fmt.Sprintf("oms.%s.%s.%s", e.Aggregate, e.Action, e.Branch)
}

// Publisher stages events into the outbox. It performs no bus I/O; the relay
// owns delivery.
type Publisher struct {
	store Store
	clock func() time.Time
}

// NewPublisher creates a publisher over the store.
func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (p *Publisher) WithClock(clock func() time.Time) *Publisher {
	p.clock = clock
	return p
}

// Stage builds the envelope and writes the outbox row. Callers invoke it
// inside the same transactional scope as their business write; if the stage
// fails the business write must be aborted.
func (p *Publisher) Stage(ctx context.Context, ev Event) (*contracts.OutboxRecord, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: payload not serializable: %w", err)
	}
	hash, err := canonicalize.CanonicalHash(json.RawMessage(payload))
	if err != nil {
		return nil, fmt.Errorf("outbox: payload hash: %w", err)
	}

	eventType := ev.Type
	if eventType == "" {
		eventType = fmt.Sprintf("%s.%s", ev.Aggregate, ev.Action)
	}
	eventID := uuid.New().String()
	rec := &contracts.OutboxRecord{
		AggregateID: ev.AggregateID,
		Type:        eventType,
		Subject:     ev.Subject(),
		Envelope: contracts.EventEnvelope{
			EventID:       eventID,
			Type:          eventType,
			Version:       EventSchemaVersion,
			CreatedAt:     p.clock().UTC(),
			SourceService: SourceService,
			SourceCommit:  ev.SourceCommit,
			CorrelationID: ev.CorrelationID,
			CausationID:   ev.CausationID,
			Payload:       payload,
			PayloadHash:   hash,
		},
	}
	if err := p.store.Insert(ctx, rec); err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "outbox", Cause: err}
	}
	return rec, nil
}

// cloudEvent is the CloudEvents 1.0 structured-JSON rendering the relay puts
// on the wire.
type cloudEvent struct {
	SpecVersion     string                  `json:"specversion"`
	ID              string                  `json:"id"`
	Source          string                  `json:"source"`
	Type            string                  `json:"type"`
	Subject         string                  `json:"subject,omitempty"`
	Time            time.Time               `json:"time"`
	DataContentType string                  `json:"datacontenttype"`
	Data            contracts.EventEnvelope `json:"data"`
}

// EncodeCloudEvent renders an outbox row as a CloudEvents document.
func EncodeCloudEvent(rec *contracts.OutboxRecord) ([]byte, error) {
	return json.Marshal(cloudEvent{
		SpecVersion:     "1.0",
		ID:              rec.Envelope.EventID,
		Source:          "/oms",
		Type:            rec.Envelope.Type,
		Subject:         rec.Subject,
		Time:            rec.Envelope.CreatedAt,
		DataContentType: "application/json",
		Data:            rec.Envelope,
	})
}

// DecodeCloudEvent extracts the envelope from a wire document.
func DecodeCloudEvent(data []byte) (*contracts.EventEnvelope, error) {
	var ce cloudEvent
	if err := json.Unmarshal(data, &ce); err != nil {
		return nil, &contracts.IntegrityError{Reason: fmt.Sprintf("malformed cloud event: %v", err)}
	}
	if ce.SpecVersion != "1.0" || ce.Data.EventID == "" {
		return nil, &contracts.IntegrityError{Reason: "malformed cloud event: missing specversion or event id"}
	}
	return &ce.Data, nil
}
