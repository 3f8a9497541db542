// Package ledger defines the commit ledger port: the whole surface the rest
// of the system has over the content-addressed graph store. Commits are
// append-only and chained per branch; an append is atomic — either the commit
// and its document delta land together or nothing is observable.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ontoforge/oms/pkg/canonicalize"
	"github.com/ontoforge/oms/pkg/contracts"
)

var (
	// ErrParentMismatch is returned when the branch HEAD moved under the caller.
	ErrParentMismatch = errors.New("ledger: branch head does not match parent")
	// ErrNotFound is returned for unknown documents, commits, or branches.
	ErrNotFound = errors.New("ledger: not found")
)

// Delta is the set of document writes carried by one commit. A nil body
// deletes the document.
type Delta map[string]*contracts.Document

// Health reports ledger availability.
type Health struct {
	OK     bool
	Reason string
}

// Ledger is the port to the graph store.
type Ledger interface {
	// Read returns the document as of the given commit, or the branch HEAD
	// when commit is empty.
	Read(ctx context.Context, branch, commit, docID string) (*contracts.Document, error)

	// Append writes a commit carrying the delta. Fails with ErrParentMismatch
	// when the branch HEAD is not parent.
	Append(ctx context.Context, branch, parent, author, message string, delta Delta) (*contracts.Commit, error)

	// Log returns up to limit commits newest-first, starting below the commit
	// id in before when set.
	Log(ctx context.Context, branch string, limit int, before string) ([]*contracts.Commit, error)

	// Head returns the current HEAD commit id, empty for an unborn branch.
	Head(ctx context.Context, branch string) (string, error)

	// Reset moves the branch HEAD to targetCommit, recording a reset commit.
	// Callers must hold a BRANCH-scope lock; the lock manager is the only
	// legitimate caller.
	Reset(ctx context.Context, branch, targetCommit, author, reason string) (*contracts.Commit, error)

	// Health reports whether the store is reachable.
	Health(ctx context.Context) Health
}

// MergeAppender is implemented by ledgers that can record a merge commit with
// both parents.
type MergeAppender interface {
	AppendMerge(ctx context.Context, branch, parent, mergeParent, author, message string, delta Delta) (*contracts.Commit, error)
}

// Verifier is implemented by ledgers that can check their own chain.
type Verifier interface {
	// VerifyChain walks the branch lineage and checks parent links.
	VerifyChain(ctx context.Context, branch string) error
}

// commitID derives the content-addressed id of a commit from its delta,
// parent, and metadata. Twelve hex characters of canonical-JSON SHA-256.
func commitID(branch, parent, author, message string, delta Delta) (string, error) {
	type docEntry struct {
		ID   string `json:"id"`
		Type string `json:"type,omitempty"`
		Body string `json:"body,omitempty"`
	}
	entries := make(map[string]docEntry, len(delta))
	for id, doc := range delta {
		if doc == nil {
			entries[id] = docEntry{ID: id}
			continue
		}
		entries[id] = docEntry{ID: doc.ID, Type: doc.Type, Body: string(doc.Body)}
	}
	id, err := canonicalize.ShortHash(struct {
		Branch  string              `json:"branch"`
		Parent  string              `json:"parent"`
		Author  string              `json:"author"`
		Message string              `json:"message"`
		Delta   map[string]docEntry `json:"delta"`
	}{branch, parent, author, message, entries}, 12)
	if err != nil {
		return "", fmt.Errorf("ledger: commit hash failed: %w", err)
	}
	return id, nil
}
