// Package consumer implements idempotent event consumption: dedup on
// (consumer_id, event_id), canonical state commits, side effects staged
// through the outbox, replay, checkpoints, and lease-enforced single-writer
// semantics per consumer id.
package consumer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ontoforge/oms/pkg/contracts"
)

// StateStore persists the per-consumer state row and its writer lease.
type StateStore interface {
	// Get returns the state row, or contracts.ErrNotFound for a fresh consumer.
	Get(ctx context.Context, consumerID string) (*contracts.ConsumerState, error)
	Put(ctx context.Context, state *contracts.ConsumerState) error

	// AcquireLease grants owner the single-writer lease unless another owner
	// holds an unexpired one (contracts.ErrNotOwner).
	AcquireLease(ctx context.Context, consumerID, owner string, ttl time.Duration) error
	// RenewLease extends the lease; only the current owner may renew.
	RenewLease(ctx context.Context, consumerID, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, consumerID, owner string) error
}

// RecordStore persists processing records keyed by (consumer_id, event_id).
type RecordStore interface {
	Get(ctx context.Context, consumerID, eventID string) (*contracts.EventProcessingRecord, error)
	Put(ctx context.Context, rec *contracts.EventProcessingRecord) error
	// List returns the consumer's records in processing order.
	List(ctx context.Context, consumerID string, limit int) ([]*contracts.EventProcessingRecord, error)
}

// CheckpointStore persists warm-start checkpoints.
type CheckpointStore interface {
	Put(ctx context.Context, cp *contracts.ConsumerCheckpoint) error
	// Latest returns the most recent checkpoint, or contracts.ErrNotFound.
	Latest(ctx context.Context, consumerID string) (*contracts.ConsumerCheckpoint, error)
}

// TxStore is implemented by record stores that can commit the processing
// record and the state row together. Process requires the combined write for
// its exactly-once guarantee: a crash between a success record and its state
// row would otherwise short-circuit every redelivery against a state that was
// never written. Implementations surface their own store error taxonomy.
type TxStore interface {
	PutRecordAndState(ctx context.Context, rec *contracts.EventProcessingRecord, state *contracts.ConsumerState) error
}

type lease struct {
	owner   string
	expires time.Time
}

// MemoryStore implements all three store ports in process.
type MemoryStore struct {
	mu          sync.Mutex
	states      map[string]*contracts.ConsumerState
	leases      map[string]lease
	records     map[string]map[string]*contracts.EventProcessingRecord
	recordOrder map[string][]string
	checkpoints map[string][]*contracts.ConsumerCheckpoint
	clock       func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:      make(map[string]*contracts.ConsumerState),
		leases:      make(map[string]lease),
		records:     make(map[string]map[string]*contracts.EventProcessingRecord),
		recordOrder: make(map[string][]string),
		checkpoints: make(map[string][]*contracts.ConsumerCheckpoint),
		clock:       time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Get(ctx context.Context, consumerID string) (*contracts.ConsumerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[consumerID]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := *state
	return &cp, nil
}

func (s *MemoryStore) Put(ctx context.Context, state *contracts.ConsumerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.states[state.ConsumerID] = &cp
	return nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, consumerID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if l, ok := s.leases[consumerID]; ok && l.owner != owner && now.Before(l.expires) {
		return contracts.ErrNotOwner
	}
	s.leases[consumerID] = lease{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, consumerID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[consumerID]
	if !ok || l.owner != owner {
		return contracts.ErrNotOwner
	}
	if s.clock().After(l.expires) {
		return contracts.ErrExpired
	}
	s.leases[consumerID] = lease{owner: owner, expires: s.clock().Add(ttl)}
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, consumerID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[consumerID]; ok && l.owner == owner {
		delete(s.leases, consumerID)
	}
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, consumerID, eventID string) (*contracts.EventProcessingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[consumerID][eventID]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) PutRecord(ctx context.Context, rec *contracts.EventProcessingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putRecordLocked(rec)
	return nil
}

// PutRecordAndState writes both rows under one mutex hold, so no reader ever
// observes the record without its state.
func (s *MemoryStore) PutRecordAndState(ctx context.Context, rec *contracts.EventProcessingRecord, state *contracts.ConsumerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putRecordLocked(rec)
	cp := *state
	s.states[state.ConsumerID] = &cp
	return nil
}

func (s *MemoryStore) putRecordLocked(rec *contracts.EventProcessingRecord) {
	byEvent, ok := s.records[rec.ConsumerID]
	if !ok {
		byEvent = make(map[string]*contracts.EventProcessingRecord)
		s.records[rec.ConsumerID] = byEvent
	}
	if _, exists := byEvent[rec.EventID]; !exists {
		s.recordOrder[rec.ConsumerID] = append(s.recordOrder[rec.ConsumerID], rec.EventID)
	}
	cp := *rec
	byEvent[rec.EventID] = &cp
}

func (s *MemoryStore) ListRecords(ctx context.Context, consumerID string, limit int) ([]*contracts.EventProcessingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.recordOrder[consumerID]
	out := make([]*contracts.EventProcessingRecord, 0, len(order))
	for _, eventID := range order {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *s.records[consumerID][eventID]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PutCheckpoint(ctx context.Context, cp *contracts.ConsumerCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cp
	s.checkpoints[cp.ConsumerID] = append(s.checkpoints[cp.ConsumerID], &c)
	return nil
}

func (s *MemoryStore) LatestCheckpoint(ctx context.Context, consumerID string) (*contracts.ConsumerCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.checkpoints[consumerID]
	if len(cps) == 0 {
		return nil, contracts.ErrNotFound
	}
	now := s.clock()
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].ExpiresAt == nil || now.Before(*cps[i].ExpiresAt) {
			cp := *cps[i]
			return &cp, nil
		}
	}
	return nil, contracts.ErrNotFound
}

// recordAdapter exposes the MemoryStore under the RecordStore port.
type recordAdapter struct{ *MemoryStore }

func (a recordAdapter) Get(ctx context.Context, consumerID, eventID string) (*contracts.EventProcessingRecord, error) {
	return a.GetRecord(ctx, consumerID, eventID)
}

func (a recordAdapter) Put(ctx context.Context, rec *contracts.EventProcessingRecord) error {
	return a.PutRecord(ctx, rec)
}

func (a recordAdapter) List(ctx context.Context, consumerID string, limit int) ([]*contracts.EventProcessingRecord, error) {
	return a.ListRecords(ctx, consumerID, limit)
}

// checkpointAdapter exposes the MemoryStore under the CheckpointStore port.
type checkpointAdapter struct{ *MemoryStore }

func (a checkpointAdapter) Put(ctx context.Context, cp *contracts.ConsumerCheckpoint) error {
	return a.PutCheckpoint(ctx, cp)
}

func (a checkpointAdapter) Latest(ctx context.Context, consumerID string) (*contracts.ConsumerCheckpoint, error) {
	return a.LatestCheckpoint(ctx, consumerID)
}

// Records returns the MemoryStore as a RecordStore.
func (s *MemoryStore) Records() RecordStore { return recordAdapter{s} }

// Checkpoints returns the MemoryStore as a CheckpointStore.
func (s *MemoryStore) Checkpoints() CheckpointStore { return checkpointAdapter{s} }

// sortRecordsByTime is a helper for report assembly.
func sortRecordsByTime(recs []*contracts.EventProcessingRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].ProcessedAt.Before(recs[j].ProcessedAt)
	})
}
