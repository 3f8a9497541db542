package contracts

import (
	"encoding/json"
	"time"
)

// Commit is an immutable entry in a branch lineage. ID is a content hash of at
// least 12 hex characters; Parent is empty only for the first commit on a
// branch. Merge commits carry the second parent in MergeParent.
type Commit struct {
	ID          string    `json:"id"`
	Parent      string    `json:"parent,omitempty"`
	MergeParent string    `json:"merge_parent,omitempty"`
	Author      string    `json:"author"`
	Message     string    `json:"message"`
	Time        time.Time `json:"time"`
	Branch      string    `json:"branch"`
}

// Document is a schema artifact stored in the graph store, addressed by id
// within a branch at a commit.
type Document struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// ResourceVersion is one append-only row in the OCC version ledger. It is the
// source of truth for parent-commit validation; (ResourceType, ResourceID,
// Version) is unique and Version is monotone per resource.
type ResourceVersion struct {
	ResourceType  string    `json:"resource_type"`
	ResourceID    string    `json:"resource_id"`
	Version       int64     `json:"version"`
	ParentCommit  string    `json:"parent_commit,omitempty"`
	CurrentCommit string    `json:"current_commit"`
	CreatedAt     time.Time `json:"created_at"`
	CreatedBy     string    `json:"created_by"`
}
