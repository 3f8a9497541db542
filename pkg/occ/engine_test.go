package occ

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontoforge/oms/pkg/author"
	"github.com/ontoforge/oms/pkg/contracts"
	"github.com/ontoforge/oms/pkg/ledger"
	"github.com/ontoforge/oms/pkg/observability"
)

func testUser(id string) *contracts.UserContext {
	return &contracts.UserContext{
		UserID:     id,
		Username:   id,
		Roles:      []string{"developer"},
		AuthMethod: "jwt_hs256",
	}
}

func newTestEngine(t *testing.T) (*Engine, *MemoryVersionStore, *ledger.MemoryLedger) {
	t.Helper()
	attr, err := author.New("test-secret-0123456789abcdef", false)
	require.NoError(t, err)
	versions := NewMemoryVersionStore()
	graph := ledger.NewMemoryLedger()
	return NewEngine(versions, graph, attr), versions, graph
}

func setDescription(desc string) Mutator {
	return func(current *contracts.Document) (*contracts.Document, error) {
		body := map[string]any{"description": desc}
		if current != nil {
			if err := json.Unmarshal(current.Body, &body); err != nil {
				return nil, err
			}
			body["description"] = desc
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		id := "Product"
		typ := "ObjectType"
		if current != nil {
			id, typ = current.ID, current.Type
		}
		return &contracts.Document{ID: id, Type: typ, Body: raw}, nil
	}
}

func TestUpdateCreatesResource(t *testing.T) {
	e, _, graph := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Update(ctx, UpdateRequest{
		Branch:       "main",
		ResourceType: "ObjectType",
		ResourceID:   "Product",
		Message:      "create product type",
		Mutate:       setDescription("v1"),
		User:         testUser("alice"),
	})
	require.NoError(t, err)
	assert.Len(t, res.NewCommit, 12)
	assert.Empty(t, res.ParentCommit)
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, 1, res.Attempts)

	doc, err := graph.Read(ctx, "main", "", "Product")
	require.NoError(t, err)
	assert.JSONEq(t, `{"description":"v1"}`, string(doc.Body))

	head, err := e.Head(ctx, "ObjectType", "Product")
	require.NoError(t, err)
	assert.Equal(t, res.NewCommit, head.CurrentCommit)
	assert.Equal(t, "alice", head.CreatedBy)
}

func TestUpdateValidatesParentCommit(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Update(ctx, UpdateRequest{
		Branch: "main", ResourceType: "ObjectType", ResourceID: "Product",
		Mutate: setDescription("v1"), User: testUser("alice"),
	})
	require.NoError(t, err)

	// A stale parent with retry disabled surfaces the conflict as-is.
	_, err = e.Update(ctx, UpdateRequest{
		Branch: "main", ResourceType: "ObjectType", ResourceID: "Product",
		ParentCommit: "000000000000",
		Mutate:       setDescription("v2"),
		NoRetry:      true,
		User:         testUser("bob"),
	})
	var conflict *contracts.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "000000000000", conflict.Expected)
	assert.Equal(t, first.NewCommit, conflict.Actual)
}

// Two writers race from the same parent: one wins, the other rebases onto the
// winner's commit and lands on top of it.
func TestUpdateRetryComposesOverWinner(t *testing.T) {
	e, _, graph := newTestEngine(t)
	ctx := context.Background()

	base, err := e.Update(ctx, UpdateRequest{
		Branch: "main", ResourceType: "ObjectType", ResourceID: "Product",
		Mutate: setDescription("v1"), User: testUser("alice"),
	})
	require.NoError(t, err)

	winner, err := e.Update(ctx, UpdateRequest{
		Branch: "main", ResourceType: "ObjectType", ResourceID: "Product",
		ParentCommit: base.NewCommit,
		Message:      "description v2",
		Mutate:       setDescription("v2"),
		User:         testUser("alice"),
	})
	require.NoError(t, err)

	// The loser still holds the original parent; the retry rebases it.
	loser, err := e.Update(ctx, UpdateRequest{
		Branch: "main", ResourceType: "ObjectType", ResourceID: "Product",
		ParentCommit: base.NewCommit,
		Message:      "description v3",
		Mutate:       setDescription("v3"),
		User:         testUser("bob"),
	})
	require.NoError(t, err)
	assert.Equal(t, winner.NewCommit, loser.ParentCommit)
	assert.Equal(t, winner.Version+1, loser.Version)
	assert.Equal(t, 2, loser.Attempts)

	history, err := e.History(ctx, "ObjectType", "Product", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, loser.NewCommit, history[0].CurrentCommit)
	assert.Equal(t, winner.NewCommit, history[0].ParentCommit)
	assert.Equal(t, base.NewCommit, history[1].ParentCommit)

	doc, err := graph.Read(ctx, "main", "", "Product")
	require.NoError(t, err)
	assert.JSONEq(t, `{"description":"v3"}`, string(doc.Body))
}

func TestUpdateRetryWithMetricsProvider(t *testing.T) {
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)
	attr, err := author.New("test-secret-0123456789abcdef", false)
	require.NoError(t, err)
	e := NewEngine(NewMemoryVersionStore(), ledger.NewMemoryLedger(), attr, WithMetrics(obs))
	ctx := context.Background()

	base, err := e.Update(ctx, UpdateRequest{
		Branch: "main", ResourceType: "ObjectType", ResourceID: "Product",
		Mutate: setDescription("v1"), User: testUser("alice"),
	})
	require.NoError(t, err)

	_, err = e.Update(ctx, UpdateRequest{
		Branch: "main", ResourceType: "ObjectType", ResourceID: "Product",
		ParentCommit: base.NewCommit,
		Mutate:       setDescription("v2"), User: testUser("alice"),
	})
	require.NoError(t, err)

	// Stale parent forces a lost race and one recorded retry.
	loser, err := e.Update(ctx, UpdateRequest{
		Branch: "main", ResourceType: "ObjectType", ResourceID: "Product",
		ParentCommit: base.NewCommit,
		Mutate:       setDescription("v3"), User: testUser("bob"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, loser.Attempts)
}

func TestUpdateExhaustsRetryBudget(t *testing.T) {
	e, versions, _ := newTestEngine(t)
	ctx := context.Background()

	base, err := e.Update(ctx, UpdateRequest{
		Branch: "main", ResourceType: "ObjectType", ResourceID: "Product",
		Mutate: setDescription("v1"), User: testUser("alice"),
	})
	require.NoError(t, err)

	// An adversarial writer bumps HEAD between every validation and write.
	interfering := &racingVersionStore{VersionStore: versions}

	racy := NewEngine(interfering, ledger.NewMemoryLedger(), mustAttributor(t))
	_, err = racy.Update(ctx, UpdateRequest{
		Branch: "main", ResourceType: "ObjectType", ResourceID: "Product",
		ParentCommit: base.NewCommit,
		Mutate:       setDescription("v2"),
		MaxRetries:   2,
		User:         testUser("bob"),
	})
	var conflict *contracts.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, interfering.appends, "one attempt per retry budget slot")
}

// racingVersionStore rejects every append as already-taken and advances HEAD,
// simulating a writer that always wins the slot first.
type racingVersionStore struct {
	VersionStore
	mu      sync.Mutex
	appends int
}

func (s *racingVersionStore) Append(ctx context.Context, row *contracts.ResourceVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	winner := *row
	winner.CurrentCommit = fmt.Sprintf("ffffffff%04d", s.appends)
	winner.CreatedBy = "interloper"
	if err := s.VersionStore.Append(ctx, &winner); err != nil {
		return err
	}
	return ErrVersionExists
}

func mustAttributor(t *testing.T) *author.Attributor {
	t.Helper()
	attr, err := author.New("test-secret-0123456789abcdef", false)
	require.NoError(t, err)
	return attr
}

func TestUpdateConcurrentWritersOneWinsPerSlot(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	base, err := e.Update(ctx, UpdateRequest{
		Branch: "main", ResourceType: "ObjectType", ResourceID: "Product",
		Mutate: setDescription("v0"), User: testUser("alice"),
	})
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Update(ctx, UpdateRequest{
				Branch: "main", ResourceType: "ObjectType", ResourceID: "Product",
				ParentCommit: base.NewCommit,
				Mutate:       setDescription(fmt.Sprintf("w%d", i)),
				MaxRetries:   writers + 1,
				User:         testUser(fmt.Sprintf("writer-%d", i)),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	history, err := e.History(ctx, "ObjectType", "Product", 0)
	require.NoError(t, err)
	require.Len(t, history, writers+1)
	// The parent chain is linear: each row's parent is the next row's commit.
	for i := 0; i < len(history)-1; i++ {
		assert.Equal(t, history[i+1].CurrentCommit, history[i].ParentCommit)
		assert.Equal(t, history[i+1].Version+1, history[i].Version)
	}
}

func TestAdvisoryKeyIsStable(t *testing.T) {
	a := advisoryKey(ScopeBranchMerge, "feature-x")
	b := advisoryKey(ScopeBranchMerge, "feature-x")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, advisoryKey(ScopeBranchMerge, "feature-y"))
	assert.NotEqual(t, a, advisoryKey(ScopeBranchCreate, "feature-x"))
}
