// Package audit emits one audit.activity.v1 record for every authorized
// mutation, masks PII before anything leaves the process, and exports the
// trail for compliance review. Emission rides the outbox so audit delivery
// shares the durability of the business commit.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ontoforge/oms/pkg/contracts"
	"github.com/ontoforge/oms/pkg/outbox"
)

// MaskValue replaces every PII field value before emission.
const MaskValue = "***MASKED***"

// ActivitySubject is the single bus subject carrying every audit event. The
// trail spans all branches, so emission uses one exact subject and archivers
// subscribe to it directly; transports without wildcard subscriptions (Redis
// Streams) can carry the trail.
const ActivitySubject = "oms.audit.activity"

// Store archives emitted events for export. Append must tolerate replays of
// the same event id.
type Store interface {
	Append(ctx context.Context, ev *contracts.AuditEvent) error
	List(ctx context.Context, f Filter) ([]*contracts.AuditEvent, error)
}

// Emitter builds, masks, and stages audit events.
type Emitter struct {
	publisher *outbox.Publisher
	archive   Store
	clock     func() time.Time
	logger    *slog.Logger
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithArchive tees every emitted event into the store for later export.
func WithArchive(s Store) Option { return func(e *Emitter) { e.archive = s } }

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option { return func(e *Emitter) { e.clock = clock } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(e *Emitter) { e.logger = l } }

// NewEmitter creates an emitter staging through the publisher.
func NewEmitter(p *outbox.Publisher, opts ...Option) *Emitter {
	e := &Emitter{
		publisher: p,
		clock:     time.Now,
		logger:    slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DeterministicID derives the audit id for a commit-linked event so a replayed
// emission produces the same record instead of a duplicate.
func DeterministicID(action, resourceType, resourceID string, ts time.Time, commitAfter string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s",
		action, resourceType, resourceID, ts.UTC().Format(time.RFC3339), commitAfter)))
	return hex.EncodeToString(sum[:])[:16]
}

// Emit finalizes the event (timestamp, id, PII masking) and stages it. A
// staging failure must abort the caller's business write; Emit surfaces it
// unwrapped for that reason.
func (e *Emitter) Emit(ctx context.Context, ev *contracts.AuditEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock().UTC()
	}
	if ev.ID == "" {
		if ev.Changes != nil && ev.Changes.CommitAfter != "" {
			ev.ID = DeterministicID(ev.Action, ev.Target.ResourceType, ev.Target.ResourceID,
				ev.Timestamp, ev.Changes.CommitAfter)
		} else {
			ev.ID = uuid.New().String()
		}
	}
	maskEvent(ev)

	_, err := e.publisher.Stage(ctx, outbox.Event{
		Aggregate:       "audit",
		Action:          "activity",
		Type:            contracts.AuditEventType,
		SubjectOverride: ActivitySubject,
		AggregateID:     ev.Target.ResourceID,
		Payload:         ev,
		CorrelationID:   ev.CorrelationID,
	})
	if err != nil {
		e.logger.Error("audit stage failed; business write must abort",
			"action", ev.Action, "resource_id", ev.Target.ResourceID, "error", err)
		return err
	}
	if e.archive != nil {
		if err := e.archive.Append(ctx, ev); err != nil {
			// The outbox row is the source of truth; archive lag is tolerable.
			e.logger.Warn("audit archive append failed", "audit_id", ev.ID, "error", err)
		}
	}
	return nil
}

// maskEvent blanks every field named in compliance.pii_fields wherever it
// occurs in the change delta or metadata.
func maskEvent(ev *contracts.AuditEvent) {
	if ev.Compliance == nil || len(ev.Compliance.PIIFields) == 0 {
		return
	}
	pii := make(map[string]struct{}, len(ev.Compliance.PIIFields))
	for _, f := range ev.Compliance.PIIFields {
		pii[f] = struct{}{}
	}
	if ev.Changes != nil {
		ev.Changes.Old = maskMap(ev.Changes.Old, pii)
		ev.Changes.New = maskMap(ev.Changes.New, pii)
	}
	ev.Metadata = maskMap(ev.Metadata, pii)
}

func maskMap(m map[string]any, pii map[string]struct{}) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, hit := pii[k]; hit {
			out[k] = MaskValue
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = maskMap(nested, pii)
			continue
		}
		out[k] = v
	}
	return out
}
