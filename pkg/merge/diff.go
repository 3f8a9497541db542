package merge

import (
	"encoding/json"
	"reflect"
)

// ChangeOp classifies one edit between two snapshots.
type ChangeOp string

const (
	OpAdd     ChangeOp = "ADD"
	OpDelete  ChangeOp = "DELETE"
	OpModify  ChangeOp = "MODIFY"
	OpReorder ChangeOp = "REORDER"
)

// Change is one edit. Property is empty for entity-level changes; Attr names
// a content field change.
type Change struct {
	Op       ChangeOp `json:"op"`
	EntityID string   `json:"entity_id"`
	Property string   `json:"property,omitempty"`
	Attr     string   `json:"attr,omitempty"`
	Before   any      `json:"before,omitempty"`
	After    any      `json:"after,omitempty"`
	FromPos  int      `json:"from_pos,omitempty"`
	ToPos    int      `json:"to_pos,omitempty"`
}

// Diff lists the edits that turn base into next. A position-only move of a
// property is a REORDER; anything touching the definition is a MODIFY.
func Diff(base, next *Snapshot) []Change {
	var out []Change
	seen := make(map[string]bool)
	if base != nil {
		for _, b := range base.Objects {
			seen[b.ID] = true
			n := next.Object(b.ID)
			if n == nil {
				out = append(out, Change{Op: OpDelete, EntityID: b.ID})
				continue
			}
			out = append(out, diffEntity(b, n)...)
		}
	}
	for _, n := range next.Objects {
		if !seen[n.ID] {
			out = append(out, Change{Op: OpAdd, EntityID: n.ID})
		}
	}
	return out
}

func diffEntity(base, next *ObjectDoc) []Change {
	var out []Change
	for i := range base.Properties {
		bp := base.Properties[i]
		np, pos := next.Property(bp.Name)
		switch {
		case np == nil:
			out = append(out, Change{Op: OpDelete, EntityID: base.ID, Property: bp.Name, Before: bp})
		case !bp.equalDefinition(*np):
			out = append(out, Change{Op: OpModify, EntityID: base.ID, Property: bp.Name, Before: bp, After: *np})
		case pos != i:
			out = append(out, Change{Op: OpReorder, EntityID: base.ID, Property: bp.Name, FromPos: i, ToPos: pos})
		}
	}
	for i := range next.Properties {
		np := next.Properties[i]
		if p, _ := base.Property(np.Name); p == nil {
			out = append(out, Change{Op: OpAdd, EntityID: base.ID, Property: np.Name, After: np})
		}
	}
	out = append(out, diffAttrs(base, next)...)
	return out
}

func diffAttrs(base, next *ObjectDoc) []Change {
	var out []Change
	for k, bv := range base.Attrs {
		nv, ok := next.Attrs[k]
		switch {
		case !ok:
			out = append(out, Change{Op: OpDelete, EntityID: base.ID, Attr: k, Before: bv})
		case !attrEqual(bv, nv):
			out = append(out, Change{Op: OpModify, EntityID: base.ID, Attr: k, Before: bv, After: nv})
		}
	}
	for k, nv := range next.Attrs {
		if _, ok := base.Attrs[k]; !ok {
			out = append(out, Change{Op: OpAdd, EntityID: base.ID, Attr: k, After: nv})
		}
	}
	return out
}

// attrEqual compares content values through their JSON form so that numeric
// types coming from different decoders compare stably.
func attrEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
