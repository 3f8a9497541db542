package occ

import (
	"context"
	"errors"
	"sync"

	"github.com/ontoforge/oms/pkg/contracts"
)

// ErrVersionExists is returned when a version row with the same
// (resource_type, resource_id, version) already landed. It is the loser signal
// of a concurrent update race.
var ErrVersionExists = errors.New("occ: version row already exists")

// VersionStore is the append-only version ledger: the source of truth for
// parent-commit validation. Append must enforce the uniqueness of
// (resource_type, resource_id, version) atomically so that of two concurrent
// writers at the same version exactly one wins.
type VersionStore interface {
	// Head returns the highest-version row for the resource, or
	// contracts.ErrNotFound when the resource has never been written.
	Head(ctx context.Context, resourceType, resourceID string) (*contracts.ResourceVersion, error)

	// Append inserts a new row. Returns ErrVersionExists when the version slot
	// is already taken.
	Append(ctx context.Context, row *contracts.ResourceVersion) error

	// History returns up to limit rows newest-first.
	History(ctx context.Context, resourceType, resourceID string, limit int) ([]*contracts.ResourceVersion, error)
}

type versionKey struct {
	resourceType string
	resourceID   string
}

// MemoryVersionStore is the in-process VersionStore.
type MemoryVersionStore struct {
	mu   sync.Mutex
	rows map[versionKey][]*contracts.ResourceVersion
}

// NewMemoryVersionStore creates an empty version ledger.
func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{rows: make(map[versionKey][]*contracts.ResourceVersion)}
}

func (s *MemoryVersionStore) Head(ctx context.Context, resourceType, resourceID string) (*contracts.ResourceVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.rows[versionKey{resourceType, resourceID}]
	if len(rows) == 0 {
		return nil, contracts.ErrNotFound
	}
	cp := *rows[len(rows)-1]
	return &cp, nil
}

func (s *MemoryVersionStore) Append(ctx context.Context, row *contracts.ResourceVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := versionKey{row.ResourceType, row.ResourceID}
	rows := s.rows[key]
	// Rows are kept version-ordered, so uniqueness is a tail check plus a
	// monotonicity check.
	if len(rows) > 0 && row.Version <= rows[len(rows)-1].Version {
		return ErrVersionExists
	}
	cp := *row
	s.rows[key] = append(rows, &cp)
	return nil
}

func (s *MemoryVersionStore) History(ctx context.Context, resourceType, resourceID string, limit int) ([]*contracts.ResourceVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.rows[versionKey{resourceType, resourceID}]
	out := make([]*contracts.ResourceVersion, 0, limit)
	for i := len(rows) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *rows[i]
		out = append(out, &cp)
	}
	return out, nil
}
