package lock

import (
	"context"
	"sort"
	"sync"

	"github.com/ontoforge/oms/pkg/contracts"
)

// Store persists lock rows. Implementations must make Insert atomic with
// respect to concurrent inserts on the same branch; the manager additionally
// serializes per branch in-process and through the branch state CAS.
type Store interface {
	Insert(ctx context.Context, l *contracts.BranchLock) error
	Get(ctx context.Context, id string) (*contracts.BranchLock, error)
	Update(ctx context.Context, l *contracts.BranchLock) error
	Delete(ctx context.Context, id string) error

	// ActiveOnBranch returns all rows with active = true on the branch,
	// including expired ones; the manager applies the expiry predicates.
	ActiveOnBranch(ctx context.Context, branch string) ([]*contracts.BranchLock, error)

	// ActiveAll returns every active row across branches, for the sweeper.
	ActiveAll(ctx context.Context) ([]*contracts.BranchLock, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	locks map[string]*contracts.BranchLock
}

// NewMemoryStore creates an empty lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]*contracts.BranchLock)}
}

func (s *MemoryStore) Insert(ctx context.Context, l *contracts.BranchLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.locks[l.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*contracts.BranchLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, l *contracts.BranchLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[l.ID]; !ok {
		return contracts.ErrNotFound
	}
	cp := *l
	s.locks[l.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[id]; !ok {
		return contracts.ErrNotFound
	}
	delete(s.locks, id)
	return nil
}

func (s *MemoryStore) ActiveOnBranch(ctx context.Context, branch string) ([]*contracts.BranchLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.BranchLock
	for _, l := range s.locks {
		if l.Active && l.Branch == branch {
			cp := *l
			out = append(out, &cp)
		}
	}
	sortByLockedAt(out)
	return out, nil
}

func (s *MemoryStore) ActiveAll(ctx context.Context) ([]*contracts.BranchLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.BranchLock
	for _, l := range s.locks {
		if l.Active {
			cp := *l
			out = append(out, &cp)
		}
	}
	sortByLockedAt(out)
	return out, nil
}

func sortByLockedAt(locks []*contracts.BranchLock) {
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].LockedAt.Equal(locks[j].LockedAt) {
			return locks[i].ID < locks[j].ID
		}
		return locks[i].LockedAt.Before(locks[j].LockedAt)
	})
}
