// Service-specific semantic convention attributes and span helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Ledger attributes
	AttrBranch = attribute.Key("oms.branch")
	AttrCommit = attribute.Key("oms.commit")

	// Lock attributes
	AttrLockID      = attribute.Key("oms.lock.id")
	AttrLockType    = attribute.Key("oms.lock.type")
	AttrLockHolder  = attribute.Key("oms.lock.holder")
	AttrLockGranted = attribute.Key("oms.lock.granted")

	// Merge attributes
	AttrMergeSource = attribute.Key("oms.merge.source")
	AttrMergeTarget = attribute.Key("oms.merge.target")
	AttrMergeStatus = attribute.Key("oms.merge.status")

	// Policy gate attributes
	AttrGateResource = attribute.Key("oms.gate.resource")
	AttrGateAction   = attribute.Key("oms.gate.action")
	AttrGateDecision = attribute.Key("oms.gate.decision")

	// Consumer attributes
	AttrConsumerID    = attribute.Key("oms.consumer.id")
	AttrEventID       = attribute.Key("oms.event.id")
	AttrEventType     = attribute.Key("oms.event.type")
	AttrProcessStatus = attribute.Key("oms.process.status")

	// Resource attributes
	AttrResourceType = attribute.Key("oms.resource.type")
	AttrResourceID   = attribute.Key("oms.resource.id")
)

// LockOperation creates attributes for lock manager operations.
func LockOperation(branch, lockID, lockType, holder string, granted bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBranch.String(branch),
		AttrLockID.String(lockID),
		AttrLockType.String(lockType),
		AttrLockHolder.String(holder),
		AttrLockGranted.Bool(granted),
	}
}

// MergeOperation creates attributes for merge commits.
func MergeOperation(source, target, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMergeSource.String(source),
		AttrMergeTarget.String(target),
		AttrMergeStatus.String(status),
	}
}

// GateDecision creates attributes for policy gate evaluations.
func GateDecision(resource, action, decision string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrGateResource.String(resource),
		AttrGateAction.String(action),
		AttrGateDecision.String(decision),
	}
}

// ConsumerOperation creates attributes for event processing.
func ConsumerOperation(consumerID, eventID, eventType, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrConsumerID.String(consumerID),
		AttrEventID.String(eventID),
		AttrEventType.String(eventType),
		AttrProcessStatus.String(status),
	}
}

// CommitOperation creates attributes for ledger writes.
func CommitOperation(branch, commit, resourceType, resourceID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBranch.String(branch),
		AttrCommit.String(commit),
		AttrResourceType.String(resourceType),
		AttrResourceID.String(resourceID),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
