// Package outbox implements the transactional outbox: mutating operations
// write their events in the same batch as the business commit, and a
// background relay publishes them to the bus. At-least-once production with
// bus-side dedup on event id gives effectively-once delivery.
package outbox

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/ontoforge/oms/pkg/contracts"
)

// Stats counts rows per status for one aggregate.
type Stats struct {
	Pending   int64 `json:"pending"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// Store persists outbox rows. Insert assigns the monotonic id; relays poll
// Pending for their shard only.
type Store interface {
	Insert(ctx context.Context, rec *contracts.OutboxRecord) error

	// Pending returns pending rows belonging to the shard, ordered by id.
	Pending(ctx context.Context, shard, shards, limit int) ([]*contracts.OutboxRecord, error)

	MarkDelivered(ctx context.Context, id int64) error

	// MarkRetry records a transient failure; MarkFailed parks the row.
	MarkRetry(ctx context.Context, id int64, lastError string) error
	MarkFailed(ctx context.Context, id int64, lastError string) error

	// Stats aggregates per-aggregate delivery counts.
	Stats(ctx context.Context) (map[string]Stats, error)
}

// ShardOf maps an aggregate id onto a relay shard so per-aggregate order is
// preserved by the single writer owning that shard.
func ShardOf(aggregateID string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(aggregateID))
	return int(h.Sum32() % uint32(shards))
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[int64]*contracts.OutboxRecord
	nextID int64
	clock  func() time.Time
}

// NewMemoryStore creates an empty outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[int64]*contracts.OutboxRecord), clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Insert(ctx context.Context, rec *contracts.OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	rec.Status = contracts.OutboxPending
	rec.CreatedAt = s.clock().UTC()
	cp := *rec
	s.rows[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) Pending(ctx context.Context, shard, shards, limit int) ([]*contracts.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.OutboxRecord
	for _, r := range s.rows {
		if r.Status != contracts.OutboxPending {
			continue
		}
		if ShardOf(r.AggregateID, shards) != shard {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, id int64) error {
	return s.mark(id, func(r *contracts.OutboxRecord) {
		r.Status = contracts.OutboxDelivered
		r.LastError = ""
	})
}

func (s *MemoryStore) MarkRetry(ctx context.Context, id int64, lastError string) error {
	return s.mark(id, func(r *contracts.OutboxRecord) {
		r.RetryCount++
		r.LastError = lastError
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return s.mark(id, func(r *contracts.OutboxRecord) {
		r.Status = contracts.OutboxFailed
		r.RetryCount++
		r.LastError = lastError
	})
}

func (s *MemoryStore) mark(id int64, mut func(*contracts.OutboxRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return contracts.ErrNotFound
	}
	mut(r)
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context) (map[string]Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Stats)
	for _, r := range s.rows {
		st := out[r.AggregateID]
		switch r.Status {
		case contracts.OutboxPending:
			st.Pending++
		case contracts.OutboxDelivered:
			st.Delivered++
		case contracts.OutboxFailed:
			st.Failed++
		}
		out[r.AggregateID] = st
	}
	return out, nil
}
