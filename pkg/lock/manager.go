// Package lock implements the multi-scope distributed lock manager: branch,
// resource-type, and resource granularity with TTL and heartbeat expiry, a
// background sweeper, and wait-for-graph deadlock detection.
//
// Acquisition is serialized twice: per branch by an in-process mutex, and
// cross-process by the compare-and-swap on the branch state row. The mutex is
// a pure in-memory lock; no I/O runs while holding it beyond the store calls
// that implement the acquisition itself.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ontoforge/oms/pkg/branchstate"
	"github.com/ontoforge/oms/pkg/contracts"
	"github.com/ontoforge/oms/pkg/observability"
)

// ErrInvalidScope is returned when a RESOURCE-scope request omits the
// resource coordinates.
var ErrInvalidScope = errors.New("lock: resource scope requires resource_type and resource_id")

const (
	// DefaultTTL bounds every lock so the sweeper can always reclaim it.
	DefaultTTL = time.Hour
	// DefaultHeartbeatGrace is the multiplier on the heartbeat interval
	// before a silent owner is declared dead.
	DefaultHeartbeatGrace = 3
)

// Request describes a lock acquisition.
type Request struct {
	Branch            string
	Type              contracts.LockType
	Scope             contracts.LockScope
	ResourceType      string
	ResourceID        string
	LockedBy          string
	Reason            string
	TTL               time.Duration
	HeartbeatInterval time.Duration
	AutoRelease       bool
}

// Events receives lock lifecycle notifications. Implementations forward to
// the outbox and audit emitter; nil disables notification.
type Events interface {
	LockExpired(ctx context.Context, l *contracts.BranchLock, reason string)
	DeadlockVictim(ctx context.Context, l *contracts.BranchLock, cycle []string)
}

// Manager owns lock acquisition, release, heartbeat, and the indexing flows.
type Manager struct {
	store   Store
	states  branchstate.Store
	events  Events
	logger  *slog.Logger
	clock   func() time.Time
	grace   int
	metrics *observability.Provider

	mu       sync.Mutex
	branchMu map[string]*sync.Mutex
	waits    *waitGraph
}

// Option configures a Manager.
type Option func(*Manager)

// WithEvents wires lifecycle notifications.
func WithEvents(e Events) Option { return func(m *Manager) { m.events = e } }

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option { return func(m *Manager) { m.clock = clock } }

// WithHeartbeatGrace overrides the missed-heartbeat multiplier.
func WithHeartbeatGrace(grace int) Option { return func(m *Manager) { m.grace = grace } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics counts lock acquisitions against the provider.
func WithMetrics(p *observability.Provider) Option { return func(m *Manager) { m.metrics = p } }

// NewManager creates a lock manager over the given stores.
func NewManager(store Store, states branchstate.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		states:   states,
		logger:   slog.Default().With("component", "lock-manager"),
		clock:    time.Now,
		grace:    DefaultHeartbeatGrace,
		branchMu: make(map[string]*sync.Mutex),
		waits:    newWaitGraph(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lockBranch(branch string) func() {
	m.mu.Lock()
	bmu, ok := m.branchMu[branch]
	if !ok {
		bmu = &sync.Mutex{}
		m.branchMu[branch] = bmu
	}
	m.mu.Unlock()
	bmu.Lock()
	return bmu.Unlock
}

// Acquire attempts to take the requested lock. It never blocks: a conflicting
// active lock surfaces immediately as a LockConflictError listing the holders.
func (m *Manager) Acquire(ctx context.Context, req Request) (string, error) {
	if req.Scope == contracts.ScopeResource && (req.ResourceType == "" || req.ResourceID == "") {
		return "", ErrInvalidScope
	}
	if req.Scope == contracts.ScopeResourceType && req.ResourceType == "" {
		return "", ErrInvalidScope
	}

	unlock := m.lockBranch(req.Branch)
	defer unlock()

	now := m.clock().UTC()
	candidate := m.buildLock(req, now)

	holders, err := m.conflictingHolders(ctx, candidate, now)
	if err != nil {
		return "", err
	}
	if len(holders) > 0 {
		m.recordAcquisition(ctx, req.Type, false)
		return "", &contracts.LockConflictError{Branch: req.Branch, Holders: holders}
	}

	if err := m.store.Insert(ctx, candidate); err != nil {
		return "", &contracts.StoreUnavailableError{Store: "lock", Cause: err}
	}

	// Double-insertion under a cross-process race resolves to one winner:
	// re-read after insert and yield if an older conflicting lock appeared.
	holders, err = m.conflictingHolders(ctx, candidate, now)
	if err == nil && len(holders) > 0 {
		_ = m.store.Delete(ctx, candidate.ID)
		m.recordAcquisition(ctx, req.Type, false)
		return "", &contracts.LockConflictError{Branch: req.Branch, Holders: holders}
	}

	if err := m.attachToBranch(ctx, candidate); err != nil {
		// Compensating delete; if that also fails the TTL reclaims the row.
		if delErr := m.store.Delete(ctx, candidate.ID); delErr != nil {
			m.logger.Error("compensating delete failed, sweeper will reclaim",
				"lock_id", candidate.ID, "error", delErr)
		}
		return "", err
	}

	m.recordAcquisition(ctx, req.Type, true)
	return candidate.ID, nil
}

func (m *Manager) recordAcquisition(ctx context.Context, lockType contracts.LockType, granted bool) {
	if m.metrics != nil {
		m.metrics.RecordLockAcquisition(ctx, string(lockType), granted)
	}
}

func (m *Manager) buildLock(req Request, now time.Time) *contracts.BranchLock {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	expires := now.Add(ttl)
	hb := now
	return &contracts.BranchLock{
		ID:                uuid.New().String(),
		Branch:            req.Branch,
		Type:              req.Type,
		Scope:             req.Scope,
		ResourceType:      req.ResourceType,
		ResourceID:        req.ResourceID,
		LockedBy:          req.LockedBy,
		LockedAt:          now,
		ExpiresAt:         &expires,
		Reason:            req.Reason,
		HeartbeatInterval: req.HeartbeatInterval,
		LastHeartbeat:     &hb,
		HeartbeatSource:   req.LockedBy,
		AutoRelease:       req.AutoRelease,
		Active:            true,
	}
}

func (m *Manager) conflictingHolders(ctx context.Context, candidate *contracts.BranchLock, now time.Time) ([]string, error) {
	active, err := m.store.ActiveOnBranch(ctx, candidate.Branch)
	if err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "lock", Cause: err}
	}
	var holders []string
	for _, l := range active {
		if l.ID == candidate.ID || l.Expired(now, m.grace) {
			continue
		}
		if l.ConflictsWith(candidate) {
			holders = append(holders, l.ID)
		}
	}
	return holders, nil
}

// attachToBranch records the lock on the branch row and, for BRANCH-scope
// locks, moves an ACTIVE or READY branch into LOCKED_FOR_WRITE.
func (m *Manager) attachToBranch(ctx context.Context, l *contracts.BranchLock) error {
	for attempt := 0; attempt < 3; attempt++ {
		info, err := m.states.Get(ctx, l.Branch)
		if err != nil {
			return err
		}
		_, err = m.states.CASUpdate(ctx, l.Branch, info.Version, func(row *contracts.BranchStateInfo) error {
			row.ActiveLocks = append(row.ActiveLocks, l.ID)
			row.ChangedBy = l.LockedBy
			row.Reason = l.Reason
			if l.Scope == contracts.ScopeBranch &&
				(row.State == contracts.BranchActive || row.State == contracts.BranchReady) {
				row.State = contracts.BranchLockedForWrite
				if l.Type == contracts.LockIndexing {
					started := m.clock().UTC()
					row.IndexingStartedAt = &started
				}
			}
			return nil
		})
		if err == nil {
			return nil
		}
		var vc *contracts.VersionConflictError
		if !errors.As(err, &vc) {
			return err
		}
	}
	return &contracts.StoreUnavailableError{Store: "branch-state", Cause: errors.New("cas retries exhausted")}
}

// Release releases a lock held by releasedBy. The expiry sweeper passes its
// own identity through sweeperIdentity and may release any lock.
func (m *Manager) Release(ctx context.Context, lockID, releasedBy string) error {
	return m.release(ctx, lockID, releasedBy, "released", false)
}

const sweeperIdentity = "lock-sweeper"

func (m *Manager) release(ctx context.Context, lockID, releasedBy, reason string, force bool) error {
	l, err := m.store.Get(ctx, lockID)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return contracts.ErrNotFound
		}
		return &contracts.StoreUnavailableError{Store: "lock", Cause: err}
	}
	if !l.Active {
		return contracts.ErrNotFound
	}
	if !force && l.LockedBy != releasedBy {
		return contracts.ErrNotOwner
	}

	unlock := m.lockBranch(l.Branch)
	defer unlock()

	l.Active = false
	l.ReleasedBy = releasedBy
	l.ReleaseReason = reason
	if err := m.store.Update(ctx, l); err != nil {
		return &contracts.StoreUnavailableError{Store: "lock", Cause: err}
	}
	m.waits.dropHolder(l.ID)

	return m.detachFromBranch(ctx, l)
}

// detachFromBranch removes the lock from the branch row and rolls the state
// back when the last BRANCH-scope lock goes away: READY after INDEXING,
// ACTIVE after everything else.
func (m *Manager) detachFromBranch(ctx context.Context, released *contracts.BranchLock) error {
	now := m.clock().UTC()
	remaining, err := m.store.ActiveOnBranch(ctx, released.Branch)
	if err != nil {
		return &contracts.StoreUnavailableError{Store: "lock", Cause: err}
	}
	branchScopeLeft := false
	for _, l := range remaining {
		if l.Scope == contracts.ScopeBranch && !l.Expired(now, m.grace) {
			branchScopeLeft = true
			break
		}
	}

	for attempt := 0; attempt < 3; attempt++ {
		info, err := m.states.Get(ctx, released.Branch)
		if err != nil {
			return err
		}
		_, err = m.states.CASUpdate(ctx, released.Branch, info.Version, func(row *contracts.BranchStateInfo) error {
			row.ActiveLocks = removeID(row.ActiveLocks, released.ID)
			row.ChangedBy = released.ReleasedBy
			row.Reason = released.ReleaseReason
			if released.Scope == contracts.ScopeBranch && !branchScopeLeft &&
				row.State == contracts.BranchLockedForWrite {
				if released.Type == contracts.LockIndexing {
					row.State = contracts.BranchReady
					completed := now
					row.IndexingCompletedAt = &completed
				} else {
					row.State = contracts.BranchActive
				}
			}
			return nil
		})
		if err == nil {
			return nil
		}
		var vc *contracts.VersionConflictError
		if !errors.As(err, &vc) {
			return err
		}
	}
	return &contracts.StoreUnavailableError{Store: "branch-state", Cause: errors.New("cas retries exhausted")}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// Heartbeat refreshes a lock's liveness. Only the registered heartbeat source
// may beat; a beat on an expired lock reports the expiry instead of reviving it.
func (m *Manager) Heartbeat(ctx context.Context, lockID, source string) error {
	l, err := m.store.Get(ctx, lockID)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return contracts.ErrNotFound
		}
		return &contracts.StoreUnavailableError{Store: "lock", Cause: err}
	}
	if !l.Active {
		return contracts.ErrNotFound
	}
	if l.HeartbeatSource != "" && l.HeartbeatSource != source {
		return contracts.ErrNotOwner
	}
	now := m.clock().UTC()
	if l.Expired(now, m.grace) {
		return contracts.ErrExpired
	}
	l.LastHeartbeat = &now
	if err := m.store.Update(ctx, l); err != nil {
		return &contracts.StoreUnavailableError{Store: "lock", Cause: err}
	}
	return nil
}

// LockForIndexing takes the locks an indexer needs: one BRANCH lock when
// forced or when no resource types are named, otherwise one RESOURCE_TYPE
// lock per type. Partial failure rolls back the locks already taken.
func (m *Manager) LockForIndexing(ctx context.Context, branch, lockedBy string, resourceTypes []string, forceBranchLock bool) ([]string, error) {
	if forceBranchLock || len(resourceTypes) == 0 {
		id, err := m.Acquire(ctx, Request{
			Branch:      branch,
			Type:        contracts.LockIndexing,
			Scope:       contracts.ScopeBranch,
			LockedBy:    lockedBy,
			Reason:      "indexing",
			AutoRelease: true,
		})
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	ids := make([]string, 0, len(resourceTypes))
	for _, rt := range resourceTypes {
		id, err := m.Acquire(ctx, Request{
			Branch:       branch,
			Type:         contracts.LockIndexing,
			Scope:        contracts.ScopeResourceType,
			ResourceType: rt,
			LockedBy:     lockedBy,
			Reason:       fmt.Sprintf("indexing %s", rt),
			AutoRelease:  true,
		})
		if err != nil {
			for _, taken := range ids {
				_ = m.Release(ctx, taken, lockedBy)
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CompleteIndexing releases the indexing locks held by completedBy, scoped to
// the named resource types when given. When the last INDEXING lock goes and
// the branch sits in LOCKED_FOR_WRITE, the release path moves it to READY.
func (m *Manager) CompleteIndexing(ctx context.Context, branch, completedBy string, resourceTypes []string) error {
	active, err := m.store.ActiveOnBranch(ctx, branch)
	if err != nil {
		return &contracts.StoreUnavailableError{Store: "lock", Cause: err}
	}
	want := make(map[string]bool, len(resourceTypes))
	for _, rt := range resourceTypes {
		want[rt] = true
	}
	for _, l := range active {
		if l.Type != contracts.LockIndexing {
			continue
		}
		if len(want) > 0 && l.Scope == contracts.ScopeResourceType && !want[l.ResourceType] {
			continue
		}
		if err := m.release(ctx, l.ID, completedBy, "indexing complete", false); err != nil &&
			!errors.Is(err, contracts.ErrNotFound) {
			return err
		}
	}
	return nil
}

// ActiveLocks returns the non-expired active locks on a branch.
func (m *Manager) ActiveLocks(ctx context.Context, branch string) ([]*contracts.BranchLock, error) {
	active, err := m.store.ActiveOnBranch(ctx, branch)
	if err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "lock", Cause: err}
	}
	now := m.clock().UTC()
	out := active[:0]
	for _, l := range active {
		if !l.Expired(now, m.grace) {
			out = append(out, l)
		}
	}
	return out, nil
}

// Lock returns one lock row by id.
func (m *Manager) Lock(ctx context.Context, id string) (*contracts.BranchLock, error) {
	return m.store.Get(ctx, id)
}
