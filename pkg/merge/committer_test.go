package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontoforge/oms/pkg/author"
	"github.com/ontoforge/oms/pkg/contracts"
	"github.com/ontoforge/oms/pkg/ledger"
	"github.com/ontoforge/oms/pkg/outbox"
)

func mergeUser() *contracts.UserContext {
	return &contracts.UserContext{
		UserID: "u-1", Username: "casey", Email: "casey@example.com",
		Roles: []string{"admin"}, AuthMethod: "jwt",
	}
}

// seedTarget writes the snapshot's objects as one commit on its branch and
// stamps the snapshot with the resulting head.
func seedTarget(t *testing.T, graph *ledger.MemoryLedger, snap *Snapshot) {
	t.Helper()
	delta, err := mergeDelta(&Snapshot{}, snap.Objects)
	require.NoError(t, err)
	commit, err := graph.Append(context.Background(), snap.BranchID, "", "seed <seed@oms>", "seed", delta)
	require.NoError(t, err)
	snap.CommitID = commit.ID
}

func newCommitter(t *testing.T) (*Committer, *ledger.MemoryLedger, *outbox.MemoryStore) {
	t.Helper()
	graph := ledger.NewMemoryLedger()
	obox := outbox.NewMemoryStore()
	attrib, err := author.New("merge-committer-test-secret", false)
	require.NoError(t, err)
	c := NewCommitter(newEngine(t), graph, attrib, outbox.NewPublisher(obox))
	return c, graph, obox
}

func TestCommitterWritesMergeCommit(t *testing.T) {
	c, graph, obox := newCommitter(t)
	ctx := context.Background()

	base := snapshot("base", "c0", customer(
		Property{Name: "email", Type: "string", Required: true},
	))
	source := snapshot("feature-a", "c1", customer(
		Property{Name: "email", Type: "string", Required: true},
		Property{Name: "phone", Type: "string"},
	))
	target := snapshot("main", "", customer(
		Property{Name: "email", Type: "string", Required: true},
	))
	seedTarget(t, graph, target)

	out, err := c.Merge(ctx, CommitRequest{Source: source, Target: target, Base: base, User: mergeUser()})
	require.NoError(t, err)
	require.NotNil(t, out.Commit)
	assert.Equal(t, contracts.MergeClean, out.Result.Status)
	assert.Equal(t, target.CommitID, out.Commit.Parent)
	assert.Equal(t, "c1", out.Commit.MergeParent)
	assert.Equal(t, "merge feature-a into main", out.Commit.Message)

	head, err := graph.Head(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, out.Commit.ID, head)

	doc, err := graph.Read(ctx, "main", "", "Customer")
	require.NoError(t, err)
	assert.Contains(t, string(doc.Body), "phone")

	rows, err := obox.Pending(ctx, 0, 1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "oms.merge.completed.main", rows[0].Subject)
	assert.Equal(t, out.Commit.ID, rows[0].Envelope.SourceCommit)
}

func TestCommitterConflictWritesNothing(t *testing.T) {
	c, graph, obox := newCommitter(t)
	ctx := context.Background()

	base := snapshot("base", "c0", customer(
		Property{Name: "name", Type: "string", Required: true},
	))
	source := snapshot("feature-a", "c1", customer(
		Property{Name: "name", Type: "varchar", Required: true},
	))
	target := snapshot("main", "", customer(
		Property{Name: "name", Type: "text", Required: true},
	))
	seedTarget(t, graph, target)
	before := target.CommitID

	out, err := c.Merge(ctx, CommitRequest{Source: source, Target: target, Base: base, User: mergeUser()})
	require.NoError(t, err)
	assert.Nil(t, out.Commit)
	assert.Equal(t, contracts.MergeConflicted, out.Result.Status)

	head, err := graph.Head(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, before, head, "conflicted merge leaves the branch untouched")
	rows, _ := obox.Pending(ctx, 0, 1, 0)
	assert.Empty(t, rows)
}

func TestCommitterDryRunWritesNothing(t *testing.T) {
	c, graph, obox := newCommitter(t)
	ctx := context.Background()

	base := snapshot("base", "c0", customer(Property{Name: "email", Type: "string"}))
	source := snapshot("feature-a", "c1", customer(
		Property{Name: "email", Type: "string"},
		Property{Name: "phone", Type: "string"},
	))
	target := snapshot("main", "", customer(Property{Name: "email", Type: "string"}))
	seedTarget(t, graph, target)
	before := target.CommitID

	out, err := c.Merge(ctx, CommitRequest{
		Source: source, Target: target, Base: base, User: mergeUser(),
		Opts: Options{DryRun: true},
	})
	require.NoError(t, err)
	assert.Nil(t, out.Commit)
	assert.Equal(t, contracts.MergeClean, out.Result.Status)

	head, _ := graph.Head(ctx, "main")
	assert.Equal(t, before, head)
	rows, _ := obox.Pending(ctx, 0, 1, 0)
	assert.Empty(t, rows)
}

func TestCommitterStaleTargetHead(t *testing.T) {
	c, graph, _ := newCommitter(t)
	ctx := context.Background()

	base := snapshot("base", "c0", customer(Property{Name: "email", Type: "string"}))
	source := snapshot("feature-a", "c1", customer(
		Property{Name: "email", Type: "string"},
		Property{Name: "phone", Type: "string"},
	))
	target := snapshot("main", "", customer(Property{Name: "email", Type: "string"}))
	seedTarget(t, graph, target)

	// Someone advances main after the snapshot was taken.
	_, err := graph.Append(ctx, "main", target.CommitID, "other <o@oms>", "racing write", nil)
	require.NoError(t, err)

	_, err = c.Merge(ctx, CommitRequest{Source: source, Target: target, Base: base, User: mergeUser()})
	var conflict *contracts.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, target.CommitID, conflict.Expected)
}

func TestCommitterDeletesDroppedObjects(t *testing.T) {
	c, graph, _ := newCommitter(t)
	ctx := context.Background()

	keep := customer(Property{Name: "email", Type: "string"})
	dropped := &ObjectDoc{ID: "Legacy", Type: "ObjectType"}

	base := snapshot("base", "c0", keep, dropped)
	source := snapshot("feature-a", "c1", keep) // source deleted Legacy
	target := snapshot("main", "", keep, dropped)
	seedTarget(t, graph, target)

	out, err := c.Merge(ctx, CommitRequest{Source: source, Target: target, Base: base, User: mergeUser()})
	require.NoError(t, err)
	require.NotNil(t, out.Commit)

	_, err = graph.Read(ctx, "main", "", "Legacy")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = graph.Read(ctx, "main", "", "Customer")
	assert.NoError(t, err)
}
