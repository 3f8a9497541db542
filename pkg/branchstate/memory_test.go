package branchstate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontoforge/oms/pkg/contracts"
)

func TestGetLazilyCreatesActive(t *testing.T) {
	s := NewMemoryStore()
	info, err := s.Get(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, contracts.BranchActive, info.State)
	assert.Equal(t, int64(1), info.Version)
}

func TestCASUpdateBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	info, _ := s.Get(ctx, "main")
	updated, err := s.CASUpdate(ctx, "main", info.Version, func(row *contracts.BranchStateInfo) error {
		row.State = contracts.BranchLockedForWrite
		row.ChangedBy = "worker-1"
		row.Reason = "indexing"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.BranchLockedForWrite, updated.State)
	assert.Equal(t, contracts.BranchActive, updated.PrevState)
	assert.Equal(t, int64(2), updated.Version)
}

func TestCASUpdateVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Get(ctx, "main")

	_, err := s.CASUpdate(ctx, "main", 99, func(*contracts.BranchStateInfo) error { return nil })
	var vc *contracts.VersionConflictError
	require.ErrorAs(t, err, &vc)
	assert.Equal(t, int64(1), vc.Actual)
}

func TestInvalidTransitionRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	info, _ := s.Get(ctx, "main")

	_, err := s.CASUpdate(ctx, "main", info.Version, func(row *contracts.BranchStateInfo) error {
		row.State = contracts.BranchReady // ACTIVE -> READY is not in the table
		return nil
	})
	var it *contracts.InvalidTransitionError
	require.ErrorAs(t, err, &it)
	assert.Equal(t, contracts.BranchActive, it.From)
	assert.Equal(t, contracts.BranchReady, it.To)
}

func TestArchivedIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	info, _ := s.Get(ctx, "main")

	info, err := s.CASUpdate(ctx, "main", info.Version, func(row *contracts.BranchStateInfo) error {
		row.State = contracts.BranchArchived
		return nil
	})
	require.NoError(t, err)

	for _, to := range []contracts.BranchState{
		contracts.BranchActive, contracts.BranchLockedForWrite,
		contracts.BranchReady, contracts.BranchError,
	} {
		_, err := s.CASUpdate(ctx, "main", info.Version, func(row *contracts.BranchStateInfo) error {
			row.State = to
			return nil
		})
		assert.Error(t, err, "ARCHIVED -> %s must be rejected", to)
	}
}

func TestTransitionLog(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := Transition(ctx, s, "main", TransitionRequest{
		To:        contracts.BranchLockedForWrite,
		ChangedBy: "indexer",
		Reason:    "index rebuild",
	}, 3)
	require.NoError(t, err)
	_, err = Transition(ctx, s, "main", TransitionRequest{
		To:        contracts.BranchReady,
		ChangedBy: "indexer",
		Reason:    "index done",
	}, 3)
	require.NoError(t, err)

	log, err := s.Transitions(ctx, "main", 10)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, contracts.BranchReady, log[0].To) // newest first
	assert.Equal(t, contracts.BranchLockedForWrite, log[1].To)
}

func TestTransitionIdempotentWhenAlreadyThere(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	info, err := Transition(ctx, s, "main", TransitionRequest{To: contracts.BranchActive}, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Version) // no write happened
}

func TestErrorStateRecovery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	info, _ := s.Get(ctx, "main")

	info, err := s.CASUpdate(ctx, "main", info.Version, func(row *contracts.BranchStateInfo) error {
		row.State = contracts.BranchError
		row.Reason = "sweeper failure streak"
		return nil
	})
	require.NoError(t, err)

	// Manual recovery path back to ACTIVE.
	info, err = s.CASUpdate(ctx, "main", info.Version, func(row *contracts.BranchStateInfo) error {
		row.State = contracts.BranchActive
		row.ChangedBy = "oncall"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.BranchActive, info.State)
}
