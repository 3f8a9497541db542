// Package branchstate persists per-branch lifecycle state. The branch row is
// the cross-process synchronization point: every mutation goes through a
// compare-and-swap on the optimistic version column, and transition validity
// is enforced against the fixed state machine before the write.
package branchstate

import (
	"context"
	"errors"

	"github.com/ontoforge/oms/pkg/contracts"
)

// Mutator adjusts a copy of the branch row inside a CAS update. Returning an
// error aborts the update without writing.
type Mutator func(info *contracts.BranchStateInfo) error

// Store is the branch state port.
type Store interface {
	// Get returns the row for the branch, lazily creating an ACTIVE row with
	// version 1 when missing.
	Get(ctx context.Context, branch string) (*contracts.BranchStateInfo, error)

	// CASUpdate applies the mutator to the row iff its version still equals
	// expectedVersion, bumping the version on success. State changes outside
	// the allowed transition table fail with InvalidTransitionError; a lost
	// race fails with VersionConflictError.
	CASUpdate(ctx context.Context, branch string, expectedVersion int64, mut Mutator) (*contracts.BranchStateInfo, error)

	// Transitions returns the most recent transition log rows, newest first.
	Transitions(ctx context.Context, branch string, limit int) ([]*contracts.BranchTransition, error)
}

// TransitionRequest is the common shape for state changes driven by the lock
// manager: it carries attribution and the lock that triggered the change.
type TransitionRequest struct {
	To        contracts.BranchState
	ChangedBy string
	Reason    string
	LockID    string
}

// Transition is a convenience CAS loop that retries version conflicts while
// moving the branch to the requested state. It gives up after maxAttempts so
// that a livelocked row surfaces instead of spinning forever.
func Transition(ctx context.Context, s Store, branch string, req TransitionRequest, maxAttempts int) (*contracts.BranchStateInfo, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		info, err := s.Get(ctx, branch)
		if err != nil {
			return nil, err
		}
		if info.State == req.To {
			return info, nil
		}
		updated, err := s.CASUpdate(ctx, branch, info.Version, func(row *contracts.BranchStateInfo) error {
			row.PrevState = row.State
			row.State = req.To
			row.ChangedBy = req.ChangedBy
			row.Reason = req.Reason
			return nil
		})
		if err == nil {
			return updated, nil
		}
		var vc *contracts.VersionConflictError
		if !errors.As(err, &vc) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
