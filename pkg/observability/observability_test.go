package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "oms", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	newCtx, finish := p.TrackOperation(ctx, "occ.update",
		attribute.String("oms.resource.type", "ObjectType"))
	require.NotNil(t, newCtx)

	time.Sleep(1 * time.Millisecond)
	finish(nil)
}

func TestTrackOperationWithError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, finish := p.TrackOperation(context.Background(), "merge.commit")
	finish(errors.New("merge conflict"))
}

func TestRecordMetricsDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("test", "value"))
	p.RecordError(ctx, errors.New("test"))
	p.RecordDuration(ctx, 100*time.Millisecond)
	p.RecordLockAcquisition(ctx, "INDEXING", true)
	p.RecordOCCRetry(ctx, "ObjectType")
	p.RecordOutboxDelivery(ctx, "delivered")
	p.RecordConsumerLag(ctx, "schema_consumer", 12)
}

func TestTrackOperationFeedsSLOTracker(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-test",
		Operation:   "consumer.process",
		LatencyP99:  time.Second,
		SuccessRate: 0.99,
		WindowHours: 1,
	})
	p.SetSLOTracker(tracker)

	_, finish := p.TrackOperation(context.Background(), "consumer.process")
	finish(nil)
	_, finish = p.TrackOperation(context.Background(), "consumer.process")
	finish(errors.New("handler failed"))

	status, err := tracker.Status("consumer.process")
	require.NoError(t, err)
	require.Equal(t, 2, status.ObservationCount)
	require.Equal(t, 0.5, status.CurrentSuccess)
}

func TestStartSpan(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	newCtx, span := p.StartSpan(context.Background(), "ledger.append")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()
}

func TestShutdown(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestLockOperationAttrs(t *testing.T) {
	attrs := LockOperation("main", "lock-1", "INDEXING", "indexer", true)
	require.Len(t, attrs, 5)
	require.Equal(t, "oms.branch", string(attrs[0].Key))
	require.Equal(t, "main", attrs[0].Value.AsString())
	require.Equal(t, true, attrs[4].Value.AsBool())
}

func TestMergeOperationAttrs(t *testing.T) {
	attrs := MergeOperation("feature-a", "main", "clean")
	require.Len(t, attrs, 3)
	require.Equal(t, "oms.merge.status", string(attrs[2].Key))
	require.Equal(t, "clean", attrs[2].Value.AsString())
}

func TestGateDecisionAttrs(t *testing.T) {
	attrs := GateDecision("SCHEMA", "create", "allow")
	require.Len(t, attrs, 3)
	require.Equal(t, "oms.gate.decision", string(attrs[2].Key))
}

func TestConsumerOperationAttrs(t *testing.T) {
	attrs := ConsumerOperation("schema_consumer", "evt_001", "schema.created", "success")
	require.Len(t, attrs, 4)
	require.Equal(t, "oms.consumer.id", string(attrs[0].Key))
}

func TestSpanHelpersDoNotPanicWithoutSpan(t *testing.T) {
	ctx := context.Background()
	require.NotNil(t, SpanFromContext(ctx))
	AddSpanEvent(ctx, "test.event", attribute.String("key", "value"))
	SetSpanStatus(ctx, errors.New("test error"))
	SetSpanStatus(ctx, nil)
}
