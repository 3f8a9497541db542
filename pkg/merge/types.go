// Package merge implements the three-way semantic merge over branch
// snapshots: per-field conflict classification, LCS-based ordered-list
// merging, and a registry of semantic validators that run against the merged
// candidate before anything is written.
package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ontoforge/oms/pkg/contracts"
)

// Property is one schema property of an object type. Order within the
// Properties slice is significant and survives the merge.
type Property struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Unique   bool   `json:"unique,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// equalDefinition compares everything except the position in the list.
func (p Property) equalDefinition(o Property) bool {
	if p.Name != o.Name || p.Type != o.Type || p.Required != o.Required || p.Unique != o.Unique {
		return false
	}
	a, _ := json.Marshal(p.Default)
	b, _ := json.Marshal(o.Default)
	return bytes.Equal(a, b)
}

// ObjectDoc is one schema document inside a snapshot. Attrs carries the
// non-structural content fields (status, tax flags, product metadata) the
// semantic validators inspect.
type ObjectDoc struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties []Property     `json:"properties,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

// Clone deep-copies the document.
func (d *ObjectDoc) Clone() *ObjectDoc {
	cp := &ObjectDoc{ID: d.ID, Type: d.Type}
	cp.Properties = append([]Property(nil), d.Properties...)
	if d.Attrs != nil {
		cp.Attrs = make(map[string]any, len(d.Attrs))
		for k, v := range d.Attrs {
			cp.Attrs[k] = v
		}
	}
	return cp
}

// Property returns the named property and its position, or nil.
func (d *ObjectDoc) Property(name string) (*Property, int) {
	for i := range d.Properties {
		if d.Properties[i].Name == name {
			return &d.Properties[i], i
		}
	}
	return nil, -1
}

// Snapshot is a branch state at a commit as handed to the merge engine.
type Snapshot struct {
	BranchID string       `json:"branch_id"`
	CommitID string       `json:"commit_id"`
	Parent   string       `json:"parent,omitempty"`
	Objects  []*ObjectDoc `json:"objects"`
}

// Object returns the document with the given id, or nil.
func (s *Snapshot) Object(id string) *ObjectDoc {
	if s == nil {
		return nil
	}
	for _, o := range s.Objects {
		if o.ID == id {
			return o
		}
	}
	return nil
}

const snapshotSchema = `{
	"type": "object",
	"required": ["branch_id", "commit_id", "objects"],
	"properties": {
		"branch_id": {"type": "string", "minLength": 1},
		"commit_id": {"type": "string", "minLength": 1},
		"parent": {"type": "string"},
		"objects": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "type"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"type": {"type": "string", "minLength": 1},
					"properties": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["name", "type"],
							"properties": {
								"name": {"type": "string", "minLength": 1},
								"type": {"type": "string", "minLength": 1},
								"required": {"type": "boolean"},
								"unique": {"type": "boolean"}
							}
						}
					},
					"attrs": {"type": "object"}
				}
			}
		}
	}
}`

var compiledSnapshotSchema = jsonschema.MustCompileString("snapshot.json", snapshotSchema)

// ValidateSnapshot rejects malformed snapshots before any diffing happens.
// Duplicate object ids and duplicate property names are structural damage the
// JSON schema cannot see, so they are checked here too.
func ValidateSnapshot(s *Snapshot) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return &contracts.IntegrityError{Reason: fmt.Sprintf("snapshot not serializable: %v", err)}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &contracts.IntegrityError{Reason: fmt.Sprintf("snapshot not json: %v", err)}
	}
	if err := compiledSnapshotSchema.Validate(doc); err != nil {
		return &contracts.IntegrityError{Reason: fmt.Sprintf("snapshot %s malformed: %v", s.BranchID, err)}
	}
	seen := make(map[string]bool, len(s.Objects))
	for _, o := range s.Objects {
		if seen[o.ID] {
			return &contracts.IntegrityError{Reason: fmt.Sprintf("snapshot %s: duplicate object %s", s.BranchID, o.ID)}
		}
		seen[o.ID] = true
		names := make(map[string]bool, len(o.Properties))
		for _, p := range o.Properties {
			if names[p.Name] {
				return &contracts.IntegrityError{
					Reason: fmt.Sprintf("snapshot %s: object %s repeats property %s", s.BranchID, o.ID, p.Name),
				}
			}
			names[p.Name] = true
		}
	}
	return nil
}

// Result is the outcome of a merge attempt.
type Result struct {
	Status        contracts.MergeStatus      `json:"status"`
	MergedObjects []*ObjectDoc               `json:"merged_objects,omitempty"`
	Conflicts     []contracts.MergeConflict  `json:"conflicts,omitempty"`
	MaxSeverity   contracts.ConflictSeverity `json:"max_severity"`
	SourceCommit  string                     `json:"source_commit"`
	TargetCommit  string                     `json:"target_commit"`
	BaseCommit    string                     `json:"base_commit,omitempty"`
}

// summarize renders a short human line for logs.
func (r *Result) summarize() string {
	if len(r.Conflicts) == 0 {
		return string(r.Status)
	}
	kinds := make([]string, 0, len(r.Conflicts))
	for _, c := range r.Conflicts {
		kinds = append(kinds, string(c.Type))
	}
	return fmt.Sprintf("%s [%s]", r.Status, strings.Join(kinds, ","))
}
