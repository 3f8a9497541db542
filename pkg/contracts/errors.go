package contracts

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across stores and engines.
var (
	ErrNotFound         = errors.New("not found")
	ErrNotOwner         = errors.New("caller does not own the lock")
	ErrExpired          = errors.New("lock expired")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	ErrChainBroken      = errors.New("commit chain is broken")
)

// ConflictError is returned when an optimistic update loses the race:
// the caller's parent commit no longer matches the resource HEAD.
type ConflictError struct {
	ResourceType string
	ResourceID   string
	Expected     string // parent commit the caller validated against
	Actual       string // current HEAD commit
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("commit conflict on %s/%s: expected parent %s, actual %s",
		e.ResourceType, e.ResourceID, e.Expected, e.Actual)
}

// LockConflictError carries the ids of the active locks that blocked acquisition.
type LockConflictError struct {
	Branch  string
	Holders []string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("lock conflict on branch %s: blocked by %d active lock(s)", e.Branch, len(e.Holders))
}

// InvalidTransitionError reports a branch state transition outside the allowed table.
type InvalidTransitionError struct {
	Branch string
	From   BranchState
	To     BranchState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid branch state transition on %s: %s -> %s", e.Branch, e.From, e.To)
}

// VersionConflictError reports a lost CAS on the branch state row.
type VersionConflictError struct {
	Branch   string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("branch state version conflict on %s: expected %d, actual %d", e.Branch, e.Expected, e.Actual)
}

// MergeConflictsError is returned when a merge cannot be auto-resolved.
type MergeConflictsError struct {
	Conflicts []MergeConflict
}

func (e *MergeConflictsError) Error() string {
	return fmt.Sprintf("merge produced %d unresolved conflict(s)", len(e.Conflicts))
}

// SemanticViolationError is returned when a domain validator rejects a merged document.
type SemanticViolationError struct {
	Violations []SemanticViolation
}

func (e *SemanticViolationError) Error() string {
	return fmt.Sprintf("semantic validation failed with %d violation(s)", len(e.Violations))
}

// SemanticViolation is one finding from a registered domain validator.
type SemanticViolation struct {
	Field    string            `json:"field"`
	Message  string            `json:"message"`
	Severity ConflictSeverity  `json:"severity"`
	Context  map[string]string `json:"context,omitempty"`
}

// PolicyDeniedError carries the stable denial code surfaced to callers.
// Callers receive the code and nothing else; detail stays in the audit trail.
type PolicyDeniedError struct {
	Code   string
	Status int
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Code)
}

// StoreUnavailableError wraps a transient failure of the ledger, state store, or bus.
type StoreUnavailableError struct {
	Store string
	Cause error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store %s unavailable: %v", e.Store, e.Cause)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Cause }

// IntegrityError reports tampered or malformed tamper-evident data.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation: %s", e.Reason)
}

// DeadlockError reports a wait-for cycle; the youngest lock in the cycle is the victim.
type DeadlockError struct {
	Cycle      []string
	VictimLock string
	DetectedAt time.Time
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock detected across %d waiter(s), victim lock %s", len(e.Cycle), e.VictimLock)
}
