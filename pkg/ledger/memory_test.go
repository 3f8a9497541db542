package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontoforge/oms/pkg/contracts"
)

func doc(id, body string) *contracts.Document {
	return &contracts.Document{ID: id, Type: "object_type", Body: json.RawMessage(body)}
}

func TestAppendAndRead(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	c1, err := l.Append(ctx, "main", "", "alice (u-1) [verified|ts:x]", "create Product",
		Delta{"Product": doc("Product", `{"name":"Product"}`)})
	require.NoError(t, err)
	require.Len(t, c1.ID, 12)
	assert.Empty(t, c1.Parent)

	got, err := l.Read(ctx, "main", "", "Product")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Product"}`, string(got.Body))
}

func TestAppendParentMismatch(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	c1, err := l.Append(ctx, "main", "", "a", "first", Delta{"X": doc("X", `{}`)})
	require.NoError(t, err)

	_, err = l.Append(ctx, "main", "", "a", "stale parent", Delta{"Y": doc("Y", `{}`)})
	require.ErrorIs(t, err, ErrParentMismatch)

	// Correct parent succeeds.
	_, err = l.Append(ctx, "main", c1.ID, "a", "second", Delta{"Y": doc("Y", `{}`)})
	require.NoError(t, err)
}

func TestReadAtHistoricCommit(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	c1, err := l.Append(ctx, "main", "", "a", "v1", Delta{"X": doc("X", `{"v":1}`)})
	require.NoError(t, err)
	_, err = l.Append(ctx, "main", c1.ID, "a", "v2", Delta{"X": doc("X", `{"v":2}`)})
	require.NoError(t, err)

	old, err := l.Read(ctx, "main", c1.ID, "X")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(old.Body))

	head, err := l.Read(ctx, "main", "", "X")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(head.Body))
}

func TestDeleteViaNilDelta(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	c1, err := l.Append(ctx, "main", "", "a", "create", Delta{"X": doc("X", `{}`)})
	require.NoError(t, err)
	_, err = l.Append(ctx, "main", c1.ID, "a", "delete", Delta{"X": nil})
	require.NoError(t, err)

	_, err = l.Read(ctx, "main", "", "X")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogOrderAndPaging(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	parent := ""
	ids := make([]string, 0, 3)
	for _, m := range []string{"one", "two", "three"} {
		c, err := l.Append(ctx, "main", parent, "a", m, Delta{"X": doc("X", `{"m":"`+m+`"}`)})
		require.NoError(t, err)
		parent = c.ID
		ids = append(ids, c.ID)
	}

	log, err := l.Log(ctx, "main", 10, "")
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, ids[2], log[0].ID) // newest first

	page, err := l.Log(ctx, "main", 10, ids[2])
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
}

func TestResetKeepsChainAppendOnly(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	c1, err := l.Append(ctx, "main", "", "a", "v1", Delta{"X": doc("X", `{"v":1}`)})
	require.NoError(t, err)
	_, err = l.Append(ctx, "main", c1.ID, "a", "v2", Delta{"X": doc("X", `{"v":2}`)})
	require.NoError(t, err)

	rc, err := l.Reset(ctx, "main", c1.ID, "ops", "bad deploy")
	require.NoError(t, err)
	assert.Contains(t, rc.Message, "reset to "+c1.ID)

	// HEAD content matches the target, and the log still has all commits.
	got, err := l.Read(ctx, "main", "", "X")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got.Body))

	log, err := l.Log(ctx, "main", 0, "")
	require.NoError(t, err)
	assert.Len(t, log, 3)

	require.NoError(t, l.VerifyChain(ctx, "main"))
}

func TestCommitIDDeterministic(t *testing.T) {
	d := Delta{"X": doc("X", `{"v":1}`)}
	id1, err := commitID("main", "p", "a", "m", d)
	require.NoError(t, err)
	id2, err := commitID("main", "p", "a", "m", d)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := commitID("main", "p", "a", "m", Delta{"X": doc("X", `{"v":2}`)})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestClockInjection(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewMemoryLedger().WithClock(func() time.Time { return at })

	c, err := l.Append(ctx, "main", "", "a", "m", nil)
	require.NoError(t, err)
	assert.Equal(t, at, c.Time)
}
