package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontoforge/oms/pkg/bus"
	"github.com/ontoforge/oms/pkg/contracts"
	"github.com/ontoforge/oms/pkg/observability"
)

func TestStageBuildsEnvelope(t *testing.T) {
	store := NewMemoryStore()
	p := NewPublisher(store)
	ctx := context.Background()

	rec, err := p.Stage(ctx, Event{
		Aggregate:    "object_type",
		Action:       "created",
		Branch:       "main",
		AggregateID:  "Employee",
		Payload:      map[string]any{"id": "Employee"},
		SourceCommit: "abc123abc123",
	})
	require.NoError(t, err)

	assert.Equal(t, "oms.object_type.created.main", rec.Subject)
	assert.Equal(t, "object_type.created", rec.Envelope.Type)
	assert.Equal(t, contracts.OutboxPending, rec.Status)
	assert.NotEmpty(t, rec.Envelope.EventID)
	assert.NotEmpty(t, rec.Envelope.PayloadHash)
	assert.Equal(t, "abc123abc123", rec.Envelope.SourceCommit)
	assert.JSONEq(t, `{"id":"Employee"}`, string(rec.Envelope.Payload))
}

func TestStageHonorsSubjectOverride(t *testing.T) {
	store := NewMemoryStore()
	p := NewPublisher(store)

	rec, err := p.Stage(context.Background(), Event{
		Aggregate:       "audit",
		Action:          "activity",
		SubjectOverride: "oms.audit.activity",
		AggregateID:     "Employee",
		Payload:         map[string]any{"id": "a1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "oms.audit.activity", rec.Subject)
}

func TestCloudEventRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	p := NewPublisher(store)
	rec, err := p.Stage(context.Background(), Event{
		Aggregate: "object_type", Action: "updated", Branch: "dev",
		AggregateID: "Product", Payload: map[string]any{"v": 2},
	})
	require.NoError(t, err)

	data, err := EncodeCloudEvent(rec)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "1.0", raw["specversion"])
	assert.Equal(t, "/oms", raw["source"])
	assert.Equal(t, "application/json", raw["datacontenttype"])

	env, err := DecodeCloudEvent(data)
	require.NoError(t, err)
	assert.Equal(t, rec.Envelope.EventID, env.EventID)
	assert.Equal(t, rec.Envelope.PayloadHash, env.PayloadHash)

	_, err = DecodeCloudEvent([]byte(`{"specversion":"0.3"}`))
	var integrity *contracts.IntegrityError
	require.ErrorAs(t, err, &integrity)
}

// flakyBus fails the first n publish calls per message, then succeeds.
type flakyBus struct {
	mu       sync.Mutex
	failures map[string]int
	budget   int
	got      []*bus.Message
}

func newFlakyBus(budget int) *flakyBus {
	return &flakyBus{failures: make(map[string]int), budget: budget}
}

func (b *flakyBus) Publish(_ context.Context, msg *bus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures[msg.ID] < b.budget {
		b.failures[msg.ID]++
		return errors.New("bus unavailable")
	}
	for _, m := range b.got {
		if m.ID == msg.ID && m.Subject == msg.Subject {
			return bus.ErrDuplicate
		}
	}
	b.got = append(b.got, msg)
	return nil
}

func (b *flakyBus) Subscribe(context.Context, string, string, bus.Handler) (bus.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (b *flakyBus) messages() []*bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*bus.Message(nil), b.got...)
}

func stage(t *testing.T, p *Publisher, aggregateID string) *contracts.OutboxRecord {
	t.Helper()
	rec, err := p.Stage(context.Background(), Event{
		Aggregate: "object_type", Action: "created", Branch: "main",
		AggregateID: aggregateID, Payload: map[string]any{"id": aggregateID},
	})
	require.NoError(t, err)
	return rec
}

func TestRelayDeliversWithMetricsProvider(t *testing.T) {
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	store := NewMemoryStore()
	p := NewPublisher(store)
	transport := newFlakyBus(1)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	relay := NewRelay(store, transport, 0, 1,
		WithRelayClock(clock), WithRelayMetrics(obs))
	ctx := context.Background()
	stage(t, p, "Employee")

	// First pass fails and backs off, second delivers; both outcomes recorded.
	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()
	n, err = relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRelayDeliversInOrder(t *testing.T) {
	store := NewMemoryStore()
	p := NewPublisher(store)
	transport := newFlakyBus(0)
	relay := NewRelay(store, transport, 0, 1)
	ctx := context.Background()

	first := stage(t, p, "Employee")
	second := stage(t, p, "Department")

	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs := transport.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, first.Envelope.EventID, msgs[0].ID)
	assert.Equal(t, second.Envelope.EventID, msgs[1].ID)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["Employee"].Delivered)
	assert.Equal(t, int64(0), stats["Employee"].Pending)
}

// A crash between the business commit and bus publish leaves the row pending;
// a fresh relay picks it up and nothing is lost.
func TestRelayRepublishesAfterRestart(t *testing.T) {
	store := NewMemoryStore()
	p := NewPublisher(store)
	ctx := context.Background()

	rec := stage(t, p, "Employee")
	// No relay ran before the "crash".

	transport := newFlakyBus(0)
	fresh := NewRelay(store, transport, 0, 1)
	n, err := fresh.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, transport.messages(), 1)
	assert.Equal(t, rec.Envelope.EventID, transport.messages()[0].ID)
}

func TestRelayBacksOffAndRecovers(t *testing.T) {
	store := NewMemoryStore()
	p := NewPublisher(store)
	transport := newFlakyBus(2)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	relay := NewRelay(store, transport, 0, 1, WithRelayClock(clock))
	ctx := context.Background()
	stage(t, p, "Employee")

	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Still inside the backoff window: nothing happens.
	n, err = relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	advance(2 * time.Second)
	_, err = relay.Drain(ctx) // second failure, longer backoff
	require.NoError(t, err)

	advance(5 * time.Second)
	n, err = relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "delivered once the bus recovered")
}

func TestRelayParksAfterRetryBudget(t *testing.T) {
	store := NewMemoryStore()
	p := NewPublisher(store)
	transport := newFlakyBus(1000)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	relay := NewRelay(store, transport, 0, 1,
		WithRelayClock(clock), WithMaxRetries(3))
	ctx := context.Background()
	stage(t, p, "Employee")

	for i := 0; i < 5; i++ {
		_, err := relay.Drain(ctx)
		require.NoError(t, err)
		mu.Lock()
		now = now.Add(10 * time.Minute)
		mu.Unlock()
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["Employee"].Failed)
	assert.Equal(t, int64(0), stats["Employee"].Pending)
}

func TestRelayTreatsDuplicateAsDelivered(t *testing.T) {
	store := NewMemoryStore()
	p := NewPublisher(store)
	transport := newFlakyBus(0)
	relay := NewRelay(store, transport, 0, 1)
	ctx := context.Background()

	rec := stage(t, p, "Employee")
	// Simulate a prior partial delivery: the bus already saw the event.
	require.NoError(t, transport.Publish(ctx, &bus.Message{
		ID: rec.Envelope.EventID, Subject: rec.Subject,
	}))

	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stats, _ := store.Stats(ctx)
	assert.Equal(t, int64(1), stats["Employee"].Delivered)
}

func TestShardOfPartitionsStably(t *testing.T) {
	a := ShardOf("Employee", 4)
	assert.Equal(t, a, ShardOf("Employee", 4))
	assert.Equal(t, 0, ShardOf("anything", 1))
	assert.Less(t, ShardOf("Department", 4), 4)

	// Shards partition the pending set: a row is visible to exactly one shard.
	store := NewMemoryStore()
	p := NewPublisher(store)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		stage(t, p, id)
	}
	seen := 0
	for shard := 0; shard < 4; shard++ {
		rows, err := store.Pending(context.Background(), shard, 4, 0)
		require.NoError(t, err)
		seen += len(rows)
	}
	assert.Equal(t, 6, seen)
}
