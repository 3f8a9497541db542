package branchstate

import (
	"context"
	"sync"
	"time"

	"github.com/ontoforge/oms/pkg/contracts"
)

// MemoryStore is the in-process Store used by single-node deployments and
// tests.
type MemoryStore struct {
	mu          sync.Mutex
	rows        map[string]*contracts.BranchStateInfo
	transitions []*contracts.BranchTransition
	nextLogID   int64
	clock       func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[string]*contracts.BranchStateInfo),
		clock: time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Get(ctx context.Context, branch string) (*contracts.BranchStateInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(branch), nil
}

func (s *MemoryStore) getLocked(branch string) *contracts.BranchStateInfo {
	if row, ok := s.rows[branch]; ok {
		cp := *row
		cp.ActiveLocks = append([]string(nil), row.ActiveLocks...)
		return &cp
	}
	row := &contracts.BranchStateInfo{
		Branch:    branch,
		State:     contracts.BranchActive,
		ChangedAt: s.clock().UTC(),
		ChangedBy: "system",
		Reason:    "lazy init",
		Version:   1,
	}
	s.rows[branch] = row
	cp := *row
	return &cp
}

func (s *MemoryStore) CASUpdate(ctx context.Context, branch string, expectedVersion int64, mut Mutator) (*contracts.BranchStateInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.getLocked(branch)
	stored := s.rows[branch]
	if stored.Version != expectedVersion {
		return nil, &contracts.VersionConflictError{
			Branch:   branch,
			Expected: expectedVersion,
			Actual:   stored.Version,
		}
	}

	next := current // already a copy
	if err := mut(next); err != nil {
		return nil, err
	}
	if next.State != stored.State && !contracts.CanTransition(stored.State, next.State) {
		return nil, &contracts.InvalidTransitionError{Branch: branch, From: stored.State, To: next.State}
	}

	next.Version = stored.Version + 1
	next.ChangedAt = s.clock().UTC()
	if next.State != stored.State {
		next.PrevState = stored.State
		s.nextLogID++
		s.transitions = append(s.transitions, &contracts.BranchTransition{
			ID:        s.nextLogID,
			Branch:    branch,
			From:      stored.State,
			To:        next.State,
			ChangedBy: next.ChangedBy,
			Reason:    next.Reason,
			LockID:    lockIDOf(next),
			CreatedAt: next.ChangedAt,
		})
	}

	s.rows[branch] = next
	cp := *next
	cp.ActiveLocks = append([]string(nil), next.ActiveLocks...)
	return &cp, nil
}

// lockIDOf reports the lock the transition is attributed to: the most recently
// attached active lock, if any.
func lockIDOf(info *contracts.BranchStateInfo) string {
	if n := len(info.ActiveLocks); n > 0 {
		return info.ActiveLocks[n-1]
	}
	return ""
}

func (s *MemoryStore) Transitions(ctx context.Context, branch string, limit int) ([]*contracts.BranchTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*contracts.BranchTransition, 0, limit)
	for i := len(s.transitions) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.transitions[i].Branch == branch {
			out = append(out, s.transitions[i])
		}
	}
	return out, nil
}
