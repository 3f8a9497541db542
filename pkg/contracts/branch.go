package contracts

import "time"

// BranchState is the lifecycle state of a branch.
type BranchState string

const (
	BranchActive         BranchState = "ACTIVE"
	BranchLockedForWrite BranchState = "LOCKED_FOR_WRITE"
	BranchReady          BranchState = "READY"
	BranchMerged         BranchState = "MERGED"
	BranchFailed         BranchState = "FAILED"
	BranchArchived       BranchState = "ARCHIVED"
	BranchError          BranchState = "ERROR"
)

// allowedTransitions is the fixed branch state machine. ARCHIVED is terminal;
// ERROR permits manual recovery back into the write path.
var allowedTransitions = map[BranchState][]BranchState{
	BranchActive:         {BranchLockedForWrite, BranchArchived, BranchError},
	BranchLockedForWrite: {BranchReady, BranchActive, BranchError},
	BranchReady:          {BranchActive, BranchArchived},
	BranchArchived:       {},
	BranchError:          {BranchActive, BranchLockedForWrite},
}

// CanTransition reports whether from -> to is in the allowed table.
func CanTransition(from, to BranchState) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// BranchStateInfo is the persisted per-branch row. Version is the optimistic
// column: every mutation increments it and writes go through compare-and-swap.
type BranchStateInfo struct {
	Branch              string      `json:"branch"`
	State               BranchState `json:"state"`
	PrevState           BranchState `json:"prev_state,omitempty"`
	ChangedAt           time.Time   `json:"changed_at"`
	ChangedBy           string      `json:"changed_by"`
	Reason              string      `json:"reason,omitempty"`
	ActiveLocks         []string    `json:"active_locks,omitempty"`
	IndexingStartedAt   *time.Time  `json:"indexing_started_at,omitempty"`
	IndexingCompletedAt *time.Time  `json:"indexing_completed_at,omitempty"`
	AutoMergeEnabled    bool        `json:"auto_merge_enabled"`
	Version             int64       `json:"version"`
}

// BranchTransition is one row in the transition log.
type BranchTransition struct {
	ID        int64       `json:"id"`
	Branch    string      `json:"branch"`
	From      BranchState `json:"from"`
	To        BranchState `json:"to"`
	ChangedBy string      `json:"changed_by"`
	Reason    string      `json:"reason,omitempty"`
	LockID    string      `json:"lock_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// LockType categorizes why a lock was taken.
type LockType string

const (
	LockIndexing    LockType = "INDEXING"
	LockMigration   LockType = "MIGRATION"
	LockBackup      LockType = "BACKUP"
	LockMaintenance LockType = "MAINTENANCE"
	LockManual      LockType = "MANUAL"
)

// LockScope is the granularity of a lock.
type LockScope string

const (
	ScopeBranch       LockScope = "BRANCH"
	ScopeResourceType LockScope = "RESOURCE_TYPE"
	ScopeResource     LockScope = "RESOURCE"
)

// BranchLock is a persisted multi-scope lock record.
type BranchLock struct {
	ID                string        `json:"id"`
	Branch            string        `json:"branch"`
	Type              LockType      `json:"type"`
	Scope             LockScope     `json:"scope"`
	ResourceType      string        `json:"resource_type,omitempty"`
	ResourceID        string        `json:"resource_id,omitempty"`
	LockedBy          string        `json:"locked_by"`
	LockedAt          time.Time     `json:"locked_at"`
	ExpiresAt         *time.Time    `json:"expires_at,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	LastHeartbeat     *time.Time    `json:"last_heartbeat,omitempty"`
	HeartbeatSource   string        `json:"heartbeat_source,omitempty"`
	AutoRelease       bool          `json:"auto_release"`
	Active            bool          `json:"active"`
	ReleasedBy        string        `json:"released_by,omitempty"`
	ReleaseReason     string        `json:"release_reason,omitempty"`
}

// ExpiredByTTL reports TTL expiry at the given instant.
func (l *BranchLock) ExpiredByTTL(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// ExpiredByHeartbeat reports a missed-heartbeat expiry: no signal from the
// owner for more than grace multiples of the heartbeat interval.
func (l *BranchLock) ExpiredByHeartbeat(now time.Time, grace int) bool {
	if l.HeartbeatInterval <= 0 || l.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*l.LastHeartbeat) > time.Duration(grace)*l.HeartbeatInterval
}

// Expired reports whether the lock is dead by either predicate. Expired locks
// are treated as nonexistent for conflict resolution.
func (l *BranchLock) Expired(now time.Time, grace int) bool {
	return l.ExpiredByTTL(now) || l.ExpiredByHeartbeat(now, grace)
}

// ConflictsWith implements the symmetric lock conflict predicate. Locks on
// different branches never conflict; BRANCH scope conflicts with everything on
// its branch; narrower scopes conflict when their resource coordinates overlap.
func (l *BranchLock) ConflictsWith(other *BranchLock) bool {
	if l.Branch != other.Branch {
		return false
	}
	if l.Scope == ScopeBranch || other.Scope == ScopeBranch {
		return true
	}
	if l.ResourceType != other.ResourceType {
		return false
	}
	// Same branch, same resource type: RESOURCE_TYPE blankets all resources
	// of that type, RESOURCE collides only on the same id.
	if l.Scope == ScopeResourceType || other.Scope == ScopeResourceType {
		return true
	}
	return l.ResourceID == other.ResourceID
}
