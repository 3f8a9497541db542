package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontoforge/oms/pkg/contracts"
	"github.com/ontoforge/oms/pkg/outbox"
)

func seededConsumer(t *testing.T) (*Consumer, *MemoryStore, *outbox.MemoryStore, []*contracts.EventEnvelope) {
	t.Helper()
	store := NewMemoryStore()
	obox := outbox.NewMemoryStore()
	c := New("schema_consumer", "1.0.0", schemaHandler(true), store, store.Records(),
		WithOutbox(outbox.NewPublisher(obox)))
	evts := []*contracts.EventEnvelope{
		event("evt_001", "object_type.created", "Employee"),
		event("evt_002", "object_type.created", "Department"),
		event("evt_003", "object_type.created", "Region"),
	}
	for _, e := range evts {
		_, err := c.Process(context.Background(), e)
		require.NoError(t, err)
	}
	return c, store, obox, evts
}

func TestReplayCountsDuplicates(t *testing.T) {
	c, store, obox, evts := seededConsumer(t)
	ctx := context.Background()
	state, _ := store.Get(ctx, "schema_consumer")
	before := countStaged(t, obox)

	report, err := c.Replay(ctx, evts, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.Duplicates)
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, state.StateCommit, report.FinalStateCommit)
	assert.Equal(t, before, countStaged(t, obox))
}

func TestReplayDryRunWritesNothing(t *testing.T) {
	c, store, obox, _ := seededConsumer(t)
	ctx := context.Background()
	state, _ := store.Get(ctx, "schema_consumer")
	before := countStaged(t, obox)

	extra := event("evt_004", "object_type.created", "Office")
	report, err := c.Replay(ctx, []*contracts.EventEnvelope{extra}, ReplayOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.True(t, report.DryRun)
	assert.NotEqual(t, state.StateCommit, report.FinalStateCommit,
		"dry run reports the would-be commit")

	// Nothing persisted: no record, no state change, no side effects.
	_, err = store.GetRecord(ctx, "schema_consumer", "evt_004")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	after, _ := store.Get(ctx, "schema_consumer")
	assert.Equal(t, state.StateCommit, after.StateCommit)
	assert.Equal(t, before, countStaged(t, obox))
}

func TestReplayForceReprocessWritesFreshRecord(t *testing.T) {
	c, store, obox, evts := seededConsumer(t)
	ctx := context.Background()
	before := countStaged(t, obox)

	report, err := c.Replay(ctx, evts[:1], ReplayOptions{ForceReprocess: true, SkipSideEffects: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 0, report.Duplicates)

	rec, err := store.GetRecord(ctx, "schema_consumer", "evt_001")
	require.NoError(t, err)
	assert.Equal(t, "schema_consumer:evt_001#attempt-1", rec.IdempotencyKey)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, before, countStaged(t, obox), "skip_side_effects suppresses staging")
}

func TestReplayWindow(t *testing.T) {
	c, _, _, evts := seededConsumer(t)
	ctx := context.Background()

	report, err := c.Replay(ctx, evts, ReplayOptions{
		FromEventID: "evt_002", ToEventID: "evt_002",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Duplicates)
}

func TestReplayFailedEventLeavesStateUntouched(t *testing.T) {
	c, store, _, _ := seededConsumer(t)
	ctx := context.Background()
	state, _ := store.Get(ctx, "schema_consumer")

	bad := event("evt_bad", "object_type.created", "Broken")
	bad.Payload = []byte(`{`)
	report, err := c.Replay(ctx, []*contracts.EventEnvelope{bad}, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, state.StateCommit, report.FinalStateCommit)
}

// Replay persists through the same combined record-and-state write as Process:
// an aborted write during a forced reprocess leaves the prior record and state
// untouched instead of a fresh record over stale state.
func TestReplayAbortedWriteLeavesPriorRecord(t *testing.T) {
	c, store, _, evts := seededConsumer(t)
	ctx := context.Background()
	before, err := store.GetRecord(ctx, "schema_consumer", "evt_001")
	require.NoError(t, err)
	state, _ := store.Get(ctx, "schema_consumer")

	c.records = &abortingRecordStore{
		RecordStore: store.Records(),
		inner:       store.Records().(TxStore),
		fails:       1,
	}
	_, err = c.Replay(ctx, evts[:1], ReplayOptions{ForceReprocess: true, SkipSideEffects: true})
	require.Error(t, err)

	rec, err := store.GetRecord(ctx, "schema_consumer", "evt_001")
	require.NoError(t, err)
	assert.Equal(t, before.IdempotencyKey, rec.IdempotencyKey)
	assert.Equal(t, 0, rec.RetryCount)
	after, _ := store.Get(ctx, "schema_consumer")
	assert.Equal(t, state.StateCommit, after.StateCommit)
}

func TestReplayVersionGate(t *testing.T) {
	store := NewMemoryStore()
	c := New("schema_consumer", "1.0.0", schemaHandler(false), store, store.Records(),
		WithVersionConstraint("^1.0.0"))
	ctx := context.Background()

	old := event("evt_old", "object_type.created", "Employee")
	old.Version = "3.0.0"
	report, err := c.Replay(ctx, []*contracts.EventEnvelope{old}, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Processed)
}

func TestReplayRespectsLease(t *testing.T) {
	store := NewMemoryStore()
	a := New("schema_consumer", "1.0.0", schemaHandler(false), store, store.Records(),
		WithLease("instance-a", 30*time.Second))
	b := New("schema_consumer", "1.0.0", schemaHandler(false), store, store.Records(),
		WithLease("instance-b", 30*time.Second))
	ctx := context.Background()

	evts := []*contracts.EventEnvelope{event("evt_001", "object_type.created", "Employee")}
	_, err := a.Replay(ctx, evts, ReplayOptions{})
	require.NoError(t, err)

	_, err = b.Replay(ctx, evts, ReplayOptions{})
	require.ErrorIs(t, err, contracts.ErrNotOwner)

	// A dry run is read-only and does not need the lease.
	report, err := b.Replay(ctx, evts, ReplayOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates)
}
