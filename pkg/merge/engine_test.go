package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontoforge/oms/pkg/contracts"
)

func snapshot(branch, commit string, objects ...*ObjectDoc) *Snapshot {
	return &Snapshot{BranchID: branch, CommitID: commit, Objects: objects}
}

func customer(props ...Property) *ObjectDoc {
	return &ObjectDoc{ID: "Customer", Type: "ObjectType", Properties: props}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	return NewEngine(reg)
}

func conflictTypes(cs []contracts.MergeConflict) []contracts.ConflictType {
	out := make([]contracts.ConflictType, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Type)
	}
	return out
}

func TestMergeCleanDisjointChanges(t *testing.T) {
	e := newEngine(t)

	base := snapshot("base", "c0", customer(
		Property{Name: "email", Type: "string", Required: true},
	))
	source := snapshot("feature-a", "c1", customer(
		Property{Name: "email", Type: "string", Required: true},
		Property{Name: "phone", Type: "string"},
	))
	target := snapshot("main", "c2", customer(
		Property{Name: "email", Type: "string", Required: true},
		Property{Name: "address", Type: "string"},
	))

	res, err := e.Merge(context.Background(), source, target, base, Options{})
	require.NoError(t, err)
	assert.Equal(t, contracts.MergeClean, res.Status)
	assert.Empty(t, res.Conflicts)
	require.Len(t, res.MergedObjects, 1)

	names := make([]string, 0, 3)
	for _, p := range res.MergedObjects[0].Properties {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"email", "phone", "address"}, names)
}

// Base Customer has email (required) and name (string, required). Source makes
// email unique and adds phone; target makes email optional and retypes name to
// text. The merge must flag exactly a requiredness warning on email and a type
// error on name, and with an ERROR present the dry run commits nothing.
func TestMergeTypedConflict(t *testing.T) {
	e := newEngine(t)

	base := snapshot("base", "c0", customer(
		Property{Name: "email", Type: "string", Required: true},
		Property{Name: "name", Type: "string", Required: true},
	))
	source := snapshot("feature-a", "c1", customer(
		Property{Name: "email", Type: "string", Required: true, Unique: true},
		Property{Name: "name", Type: "string", Required: true},
		Property{Name: "phone", Type: "string"},
	))
	target := snapshot("main", "c2", customer(
		Property{Name: "email", Type: "string", Required: false},
		Property{Name: "name", Type: "text", Required: true},
	))

	res, err := e.Merge(context.Background(), source, target, base, Options{AutoResolve: true, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, contracts.MergeConflicted, res.Status)
	assert.Equal(t, contracts.SeverityError, res.MaxSeverity)
	assert.Nil(t, res.MergedObjects, "a conflicted merge must not produce a committable result")

	require.Len(t, res.Conflicts, 2)
	byType := make(map[contracts.ConflictType]contracts.MergeConflict, 2)
	for _, c := range res.Conflicts {
		byType[c.Type] = c
	}

	req := byType[contracts.ConflictRequirednessChanged]
	assert.Equal(t, "email", req.Property)
	assert.Equal(t, contracts.SeverityWarning, req.Severity)
	assert.True(t, req.AutoResolvable)

	typ := byType[contracts.ConflictPropertyTypeChanged]
	assert.Equal(t, "name", typ.Property)
	assert.Equal(t, contracts.SeverityError, typ.Severity)
	assert.False(t, typ.AutoResolvable)
	assert.Equal(t, "string", typ.SourceValue)
	assert.Equal(t, "text", typ.TargetValue)
}

func TestMergeAutoResolvesRequiredness(t *testing.T) {
	e := newEngine(t)

	base := snapshot("base", "c0", customer(
		Property{Name: "email", Type: "string", Required: true},
	))
	source := snapshot("feature-a", "c1", customer(
		Property{Name: "email", Type: "string", Required: true},
	))
	target := snapshot("main", "c2", customer(
		Property{Name: "email", Type: "string", Required: false},
	))

	res, err := e.Merge(context.Background(), source, target, base, Options{AutoResolve: true})
	require.NoError(t, err)
	assert.Equal(t, contracts.MergeAutoResolved, res.Status)
	require.Len(t, res.MergedObjects, 1)
	p, _ := res.MergedObjects[0].Property("email")
	require.NotNil(t, p)
	assert.True(t, p.Required, "required=true wins the requiredness rule")

	// Without auto-resolve the same merge stays conflicted.
	res, err = e.Merge(context.Background(), source, target, base, Options{})
	require.NoError(t, err)
	assert.Equal(t, contracts.MergeConflicted, res.Status)
}

func TestMergeDeletionConflict(t *testing.T) {
	e := newEngine(t)

	base := snapshot("base", "c0", customer(
		Property{Name: "email", Type: "string", Required: true},
	))
	// Source adds a property; target deletes the whole entity.
	source := snapshot("feature-a", "c1", customer(
		Property{Name: "email", Type: "string", Required: true},
		Property{Name: "phone", Type: "string"},
	))
	target := snapshot("main", "c2")

	res, err := e.Merge(context.Background(), source, target, base, Options{AutoResolve: true})
	require.NoError(t, err)
	assert.Equal(t, contracts.MergeConflicted, res.Status)
	assert.Equal(t, contracts.SeverityBlock, res.MaxSeverity)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, contracts.ConflictDeletion, res.Conflicts[0].Type)
	assert.Equal(t, "Customer", res.Conflicts[0].EntityID)
}

func TestMergeCleanDeletion(t *testing.T) {
	e := newEngine(t)

	base := snapshot("base", "c0", customer(
		Property{Name: "email", Type: "string", Required: true},
	))
	source := snapshot("feature-a", "c1") // deleted, unmodified on target
	target := snapshot("main", "c2", customer(
		Property{Name: "email", Type: "string", Required: true},
	))

	res, err := e.Merge(context.Background(), source, target, base, Options{})
	require.NoError(t, err)
	assert.Equal(t, contracts.MergeClean, res.Status)
	assert.Empty(t, res.MergedObjects)
}

func TestMergeBothAddSameProperty(t *testing.T) {
	e := newEngine(t)

	base := snapshot("base", "c0", customer())
	source := snapshot("feature-a", "c1", customer(
		Property{Name: "phone", Type: "string"},
	))
	target := snapshot("main", "c2", customer(
		Property{Name: "phone", Type: "integer"},
	))

	res, err := e.Merge(context.Background(), source, target, base, Options{AutoResolve: true})
	require.NoError(t, err)
	assert.Equal(t, contracts.MergeConflicted, res.Status)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, contracts.ConflictProperty, res.Conflicts[0].Type)

	// Identical additions merge cleanly.
	target = snapshot("main", "c2", customer(
		Property{Name: "phone", Type: "string"},
	))
	res, err = e.Merge(context.Background(), source, target, base, Options{})
	require.NoError(t, err)
	assert.Equal(t, contracts.MergeClean, res.Status)
}

func TestMergeBothReorderSourceWins(t *testing.T) {
	e := newEngine(t)

	props := func(order ...string) []Property {
		out := make([]Property, 0, len(order))
		for _, n := range order {
			out = append(out, Property{Name: n, Type: "string"})
		}
		return out
	}
	base := snapshot("base", "c0", customer(props("a", "b", "c", "d")...))
	source := snapshot("feature-a", "c1", customer(props("b", "a", "c", "d")...))
	target := snapshot("main", "c2", customer(props("a", "c", "b", "d")...))

	res, err := e.Merge(context.Background(), source, target, base, Options{AutoResolve: true})
	require.NoError(t, err)
	assert.Equal(t, contracts.MergeAutoResolved, res.Status)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, contracts.ConflictReorder, res.Conflicts[0].Type)
	assert.Equal(t, "b", res.Conflicts[0].Property)
	assert.True(t, res.Conflicts[0].AutoResolvable)

	require.Len(t, res.MergedObjects, 1)
	got := make([]string, 0, 4)
	for _, p := range res.MergedObjects[0].Properties {
		got = append(got, p.Name)
	}
	assert.Equal(t, []string{"b", "a", "c", "d"}, got, "source position wins")
}

func TestTwoWayMergeWithoutBase(t *testing.T) {
	e := newEngine(t)

	source := snapshot("feature-a", "c1", customer(
		Property{Name: "email", Type: "string", Required: true},
	))
	target := snapshot("main", "c2", customer(
		Property{Name: "email", Type: "text", Required: false},
	))

	res, err := e.Merge(context.Background(), source, target, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, contracts.MergeConflicted, res.Status)
	assert.ElementsMatch(t,
		[]contracts.ConflictType{contracts.ConflictPropertyTypeChanged, contracts.ConflictRequirednessChanged},
		conflictTypes(res.Conflicts))
}

// Non-conflicting merges commute up to commit metadata; conflicting merges
// report the same conflict set with source and target roles exchanged.
func TestMergeSymmetry(t *testing.T) {
	e := newEngine(t)

	base := snapshot("base", "c0", customer(
		Property{Name: "email", Type: "string", Required: true},
	))
	a := snapshot("feature-a", "c1", customer(
		Property{Name: "email", Type: "string", Required: true},
		Property{Name: "phone", Type: "string"},
	))
	b := snapshot("feature-b", "c2", customer(
		Property{Name: "email", Type: "string", Required: true},
		Property{Name: "address", Type: "string"},
	))

	ab, err := e.Merge(context.Background(), a, b, base, Options{})
	require.NoError(t, err)
	ba, err := e.Merge(context.Background(), b, a, base, Options{})
	require.NoError(t, err)

	require.Equal(t, contracts.MergeClean, ab.Status)
	require.Equal(t, contracts.MergeClean, ba.Status)
	abNames := map[string]bool{}
	for _, p := range ab.MergedObjects[0].Properties {
		abNames[p.Name] = true
	}
	baNames := map[string]bool{}
	for _, p := range ba.MergedObjects[0].Properties {
		baNames[p.Name] = true
	}
	assert.Equal(t, abNames, baNames)

	// Conflicting case: type disagreement surfaces identically either way.
	b.Objects[0].Properties[0].Type = "text"
	ab, err = e.Merge(context.Background(), a, b, base, Options{})
	require.NoError(t, err)
	ba, err = e.Merge(context.Background(), b, a, base, Options{})
	require.NoError(t, err)
	assert.Equal(t, conflictTypes(ab.Conflicts), conflictTypes(ba.Conflicts))
	assert.Equal(t, ab.Conflicts[0].Property, ba.Conflicts[0].Property)
}

func TestMergeAttrsThreeWay(t *testing.T) {
	e := newEngine(t)

	doc := func(attrs map[string]any) *ObjectDoc {
		return &ObjectDoc{ID: "Product", Type: "ObjectType", Attrs: attrs}
	}
	base := snapshot("base", "c0", doc(map[string]any{"description": "v1", "owner": "team-a"}))
	source := snapshot("feature-a", "c1", doc(map[string]any{"description": "v2", "owner": "team-a"}))
	target := snapshot("main", "c2", doc(map[string]any{"description": "v1", "owner": "team-b"}))

	res, err := e.Merge(context.Background(), source, target, base, Options{})
	require.NoError(t, err)
	assert.Equal(t, contracts.MergeClean, res.Status)
	require.Len(t, res.MergedObjects, 1)
	assert.Equal(t, "v2", res.MergedObjects[0].Attrs["description"])
	assert.Equal(t, "team-b", res.MergedObjects[0].Attrs["owner"])

	// Divergent edits of the same field conflict.
	target.Objects[0].Attrs["description"] = "v3"
	res, err = e.Merge(context.Background(), source, target, base, Options{})
	require.NoError(t, err)
	assert.Equal(t, contracts.MergeConflicted, res.Status)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, contracts.ConflictProperty, res.Conflicts[0].Type)
	assert.Equal(t, "description", res.Conflicts[0].Property)
}

func TestMergeRejectsMalformedSnapshot(t *testing.T) {
	e := newEngine(t)

	bad := &Snapshot{BranchID: "", CommitID: "c1"}
	good := snapshot("main", "c2")
	_, err := e.Merge(context.Background(), bad, good, nil, Options{})
	var integrity *contracts.IntegrityError
	require.ErrorAs(t, err, &integrity)

	dup := snapshot("dup", "c3", customer(), customer())
	_, err = e.Merge(context.Background(), dup, good, nil, Options{})
	require.ErrorAs(t, err, &integrity)
}
