package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ontoforge/oms/pkg/contracts"
)

// branchLineage holds the commit chain and per-commit document snapshots for
// one branch.
type branchLineage struct {
	commits []*contracts.Commit
	// snapshots maps commit id -> docID -> document as of that commit.
	snapshots map[string]map[string]*contracts.Document
	head      string
}

// MemoryLedger is an in-process Ledger used by single-node deployments and
// tests. Appends are atomic under the mutex; snapshots are copy-on-write so
// reads at historic commits stay stable.
type MemoryLedger struct {
	mu       sync.RWMutex
	branches map[string]*branchLineage
	clock    func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		branches: make(map[string]*branchLineage),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) Read(ctx context.Context, branch, commit, docID string) (*contracts.Document, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	lineage, ok := l.branches[branch]
	if !ok {
		return nil, fmt.Errorf("%w: branch %s", ErrNotFound, branch)
	}
	if commit == "" {
		commit = lineage.head
	}
	snapshot, ok := lineage.snapshots[commit]
	if !ok {
		return nil, fmt.Errorf("%w: commit %s on %s", ErrNotFound, commit, branch)
	}
	doc, ok := snapshot[docID]
	if !ok || doc == nil {
		return nil, fmt.Errorf("%w: document %s at %s", ErrNotFound, docID, commit)
	}
	return doc, nil
}

func (l *MemoryLedger) Append(ctx context.Context, branch, parent, author, message string, delta Delta) (*contracts.Commit, error) {
	return l.append(ctx, branch, parent, "", author, message, delta)
}

// AppendMerge writes a merge commit carrying both parents.
func (l *MemoryLedger) AppendMerge(ctx context.Context, branch, parent, mergeParent, author, message string, delta Delta) (*contracts.Commit, error) {
	return l.append(ctx, branch, parent, mergeParent, author, message, delta)
}

func (l *MemoryLedger) append(_ context.Context, branch, parent, mergeParent, author, message string, delta Delta) (*contracts.Commit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lineage, ok := l.branches[branch]
	if !ok {
		lineage = &branchLineage{snapshots: make(map[string]map[string]*contracts.Document)}
		l.branches[branch] = lineage
	}
	if lineage.head != parent {
		return nil, fmt.Errorf("%w: branch %s head %s, parent %s", ErrParentMismatch, branch, lineage.head, parent)
	}

	id, err := commitID(branch, parent, author, message, delta)
	if err != nil {
		return nil, err
	}

	// Copy-on-write snapshot of the branch head plus the delta.
	next := make(map[string]*contracts.Document)
	for k, v := range lineage.snapshots[lineage.head] {
		next[k] = v
	}
	for docID, doc := range delta {
		if doc == nil {
			delete(next, docID)
			continue
		}
		next[docID] = doc
	}

	commit := &contracts.Commit{
		ID:          id,
		Parent:      parent,
		MergeParent: mergeParent,
		Author:      author,
		Message:     message,
		Time:        l.clock().UTC(),
		Branch:      branch,
	}
	lineage.commits = append(lineage.commits, commit)
	lineage.snapshots[id] = next
	lineage.head = id
	return commit, nil
}

func (l *MemoryLedger) Log(ctx context.Context, branch string, limit int, before string) ([]*contracts.Commit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	lineage, ok := l.branches[branch]
	if !ok {
		return nil, fmt.Errorf("%w: branch %s", ErrNotFound, branch)
	}

	end := len(lineage.commits)
	if before != "" {
		end = -1
		for i, c := range lineage.commits {
			if c.ID == before {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, fmt.Errorf("%w: commit %s on %s", ErrNotFound, before, branch)
		}
	}

	out := make([]*contracts.Commit, 0, limit)
	for i := end - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, lineage.commits[i])
	}
	return out, nil
}

func (l *MemoryLedger) Reset(ctx context.Context, branch, targetCommit, author, reason string) (*contracts.Commit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lineage, ok := l.branches[branch]
	if !ok {
		return nil, fmt.Errorf("%w: branch %s", ErrNotFound, branch)
	}
	target, ok := lineage.snapshots[targetCommit]
	if !ok {
		return nil, fmt.Errorf("%w: commit %s on %s", ErrNotFound, targetCommit, branch)
	}

	// A reset is itself a commit whose snapshot is the target's, keeping the
	// chain append-only.
	message := fmt.Sprintf("reset to %s: %s", targetCommit, reason)
	id, err := commitID(branch, lineage.head, author, message, nil)
	if err != nil {
		return nil, err
	}
	commit := &contracts.Commit{
		ID:      id,
		Parent:  lineage.head,
		Author:  author,
		Message: message,
		Time:    l.clock().UTC(),
		Branch:  branch,
	}
	lineage.commits = append(lineage.commits, commit)
	lineage.snapshots[id] = target
	lineage.head = id
	return commit, nil
}

func (l *MemoryLedger) Health(ctx context.Context) Health {
	return Health{OK: true}
}

// Head returns the current HEAD commit id for a branch, empty when unborn.
func (l *MemoryLedger) Head(ctx context.Context, branch string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lineage, ok := l.branches[branch]; ok {
		return lineage.head, nil
	}
	return "", nil
}

// VerifyChain walks the branch and checks every parent link.
func (l *MemoryLedger) VerifyChain(ctx context.Context, branch string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	lineage, ok := l.branches[branch]
	if !ok {
		return fmt.Errorf("%w: branch %s", ErrNotFound, branch)
	}
	prev := ""
	for i, c := range lineage.commits {
		if c.Parent != prev {
			return fmt.Errorf("%w: commit %d (%s) parent %s, want %s",
				contracts.ErrChainBroken, i, c.ID, c.Parent, prev)
		}
		prev = c.ID
	}
	if prev != lineage.head {
		return fmt.Errorf("%w: head %s does not terminate chain (%s)",
			contracts.ErrChainBroken, lineage.head, prev)
	}
	return nil
}
