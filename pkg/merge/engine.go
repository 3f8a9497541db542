package merge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ontoforge/oms/pkg/contracts"
)

// Options steer one merge attempt. AutoResolve applies the documented
// resolution rules to conflicts flagged auto-resolvable; DryRun computes the
// result without the caller committing anything (the engine itself never
// writes).
type Options struct {
	AutoResolve bool
	DryRun      bool
}

// Engine computes three-way (or two-way, when no base is given) merges.
type Engine struct {
	validators *Registry
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine creates a merge engine with the given validator registry.
// A nil registry disables semantic validation.
func NewEngine(validators *Registry, opts ...Option) *Engine {
	e := &Engine{
		validators: validators,
		logger:     slog.Default().With("component", "merge-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Merge computes the merge of source into target over base. With a nil base
// the comparison is two-way: source against target directly. The result is a
// pure value; nothing is written anywhere.
func (e *Engine) Merge(ctx context.Context, source, target, base *Snapshot, opts Options) (*Result, error) {
	if err := ValidateSnapshot(source); err != nil {
		return nil, err
	}
	if err := ValidateSnapshot(target); err != nil {
		return nil, err
	}
	if base != nil {
		if err := ValidateSnapshot(base); err != nil {
			return nil, err
		}
	}

	res := &Result{
		SourceCommit: source.CommitID,
		TargetCommit: target.CommitID,
	}
	if base != nil {
		res.BaseCommit = base.CommitID
	}

	var merged []*ObjectDoc
	var conflicts []contracts.MergeConflict

	for _, id := range mergedEntityOrder(base, source, target) {
		doc, cs := e.mergeEntity(base.Object(id), source.Object(id), target.Object(id), base != nil, opts)
		conflicts = append(conflicts, cs...)
		if doc == nil {
			continue
		}
		if e.validators != nil {
			for _, v := range e.validators.Validate(doc, base.Object(id), source.Object(id), target.Object(id)) {
				conflicts = append(conflicts, contracts.MergeConflict{
					Type:           contracts.ConflictSemantic,
					Severity:       v.Severity,
					EntityID:       doc.ID,
					Property:       v.Field,
					AutoResolvable: v.Severity < contracts.SeverityError,
					Description:    v.Message,
				})
			}
		}
		merged = append(merged, doc)
	}

	res.Conflicts = conflicts
	for _, c := range conflicts {
		if c.Severity > res.MaxSeverity {
			res.MaxSeverity = c.Severity
		}
	}

	unresolved := 0
	for _, c := range conflicts {
		if !(c.AutoResolvable && opts.AutoResolve) {
			unresolved++
		}
	}
	switch {
	case len(conflicts) == 0:
		res.Status = contracts.MergeClean
		res.MergedObjects = merged
	case unresolved == 0:
		res.Status = contracts.MergeAutoResolved
		res.MergedObjects = merged
	default:
		res.Status = contracts.MergeConflicted
	}

	e.logger.Info("merge computed",
		"source", source.BranchID, "target", target.BranchID,
		"status", res.Status, "conflicts", len(conflicts),
		"max_severity", res.MaxSeverity.String(), "dry_run", opts.DryRun,
		"summary", res.summarize())
	return res, nil
}

// mergedEntityOrder lists the union of object ids in merged order: source and
// target additions interleave with base order via the list-merge rules.
func mergedEntityOrder(base, source, target *Snapshot) []string {
	ids := func(s *Snapshot) []string {
		if s == nil {
			return nil
		}
		out := make([]string, 0, len(s.Objects))
		for _, o := range s.Objects {
			out = append(out, o.ID)
		}
		return out
	}
	baseIDs, srcIDs, tgtIDs := ids(base), ids(source), ids(target)
	keep := make(map[string]bool)
	for _, l := range [][]string{baseIDs, srcIDs, tgtIDs} {
		for _, id := range l {
			keep[id] = true
		}
	}
	return mergeOrder(baseIDs, srcIDs, tgtIDs, keep)
}

// mergeEntity merges one object. A nil return with no conflicts means the
// entity was deleted on the winning side.
func (e *Engine) mergeEntity(b, s, t *ObjectDoc, threeWay bool, opts Options) (*ObjectDoc, []contracts.MergeConflict) {
	switch {
	case s == nil && t == nil:
		return nil, nil
	case b == nil && s == nil:
		return t.Clone(), nil
	case b == nil && t == nil:
		return s.Clone(), nil
	case b == nil:
		// Both sides created the entity independently.
		return e.mergeBothPresent(nil, s, t, threeWay, opts)
	case s == nil:
		// Source deleted; any target-side edit collides with the deletion.
		if len(diffEntity(b, t)) > 0 {
			return t.Clone(), []contracts.MergeConflict{{
				Type:        contracts.ConflictDeletion,
				Severity:    contracts.SeverityBlock,
				EntityID:    b.ID,
				Description: fmt.Sprintf("source deleted %s but target modified it", b.ID),
			}}
		}
		return nil, nil
	case t == nil:
		if len(diffEntity(b, s)) > 0 {
			return s.Clone(), []contracts.MergeConflict{{
				Type:        contracts.ConflictDeletion,
				Severity:    contracts.SeverityBlock,
				EntityID:    b.ID,
				Description: fmt.Sprintf("target deleted %s but source modified it", b.ID),
			}}
		}
		return nil, nil
	default:
		return e.mergeBothPresent(b, s, t, threeWay, opts)
	}
}

func (e *Engine) mergeBothPresent(b, s, t *ObjectDoc, threeWay bool, opts Options) (*ObjectDoc, []contracts.MergeConflict) {
	out := &ObjectDoc{ID: s.ID, Type: s.Type}
	var conflicts []contracts.MergeConflict

	names := func(d *ObjectDoc) []string {
		if d == nil {
			return nil
		}
		ns := make([]string, 0, len(d.Properties))
		for _, p := range d.Properties {
			ns = append(ns, p.Name)
		}
		return ns
	}
	baseNames, srcNames, tgtNames := names(b), names(s), names(t)

	keep := make(map[string]bool)
	byName := make(map[string]Property)
	for _, name := range unionKeys(baseNames, srcNames, tgtNames) {
		var pb *Property
		if b != nil {
			pb, _ = b.Property(name)
		}
		ps, _ := s.Property(name)
		pt, _ := t.Property(name)

		merged, cs, present := e.mergeProperty(s.ID, pb, ps, pt, threeWay && b != nil, opts)
		conflicts = append(conflicts, cs...)
		if present {
			keep[name] = true
			byName[name] = merged
		}
	}

	conflicts = append(conflicts, reorderConflicts(s.ID, baseNames, srcNames, tgtNames)...)

	for _, name := range mergeOrder(baseNames, srcNames, tgtNames, keep) {
		out.Properties = append(out.Properties, byName[name])
	}

	attrs, cs := e.mergeAttrs(s.ID, b, s, t)
	conflicts = append(conflicts, cs...)
	out.Attrs = attrs
	return out, conflicts
}

// mergeProperty resolves one property across the three versions. present
// reports whether the property survives into the merged document.
func (e *Engine) mergeProperty(entityID string, pb, ps, pt *Property, threeWay bool, opts Options) (Property, []contracts.MergeConflict, bool) {
	switch {
	case ps == nil && pt == nil:
		return Property{}, nil, false
	case ps == nil && pb == nil:
		return *pt, nil, true // target-only addition
	case pt == nil && pb == nil:
		return *ps, nil, true // source-only addition
	case ps == nil:
		// Source deleted the property.
		if !pb.equalDefinition(*pt) {
			return *pt, []contracts.MergeConflict{{
				Type:        contracts.ConflictAddRemove,
				Severity:    contracts.SeverityError,
				EntityID:    entityID,
				Property:    pt.Name,
				BaseValue:   *pb,
				TargetValue: *pt,
				Description: fmt.Sprintf("source removed %q but target changed it", pt.Name),
			}}, true
		}
		return Property{}, nil, false
	case pt == nil:
		if !pb.equalDefinition(*ps) {
			return *ps, []contracts.MergeConflict{{
				Type:        contracts.ConflictAddRemove,
				Severity:    contracts.SeverityError,
				EntityID:    entityID,
				Property:    ps.Name,
				BaseValue:   *pb,
				SourceValue: *ps,
				Description: fmt.Sprintf("target removed %q but source changed it", ps.Name),
			}}, true
		}
		return Property{}, nil, false
	}

	// Both sides carry the property.
	if pb == nil && threeWay {
		// Independent additions of the same name.
		if !ps.equalDefinition(*pt) {
			return *ps, []contracts.MergeConflict{{
				Type:        contracts.ConflictProperty,
				Severity:    contracts.SeverityError,
				EntityID:    entityID,
				Property:    ps.Name,
				SourceValue: *ps,
				TargetValue: *pt,
				Description: fmt.Sprintf("both branches added %q with different definitions", ps.Name),
			}}, true
		}
		return *ps, nil, true
	}

	var conflicts []contracts.MergeConflict
	merged := *ps

	if ps.Type != pt.Type {
		conflicts = append(conflicts, contracts.MergeConflict{
			Type:        contracts.ConflictPropertyTypeChanged,
			Severity:    contracts.SeverityError,
			EntityID:    entityID,
			Property:    ps.Name,
			BaseValue:   baseType(pb),
			SourceValue: ps.Type,
			TargetValue: pt.Type,
			Description: fmt.Sprintf("property %q type differs: source %s, target %s", ps.Name, ps.Type, pt.Type),
		})
	}

	if ps.Required != pt.Required {
		conflicts = append(conflicts, contracts.MergeConflict{
			Type:           contracts.ConflictRequirednessChanged,
			Severity:       contracts.SeverityWarning,
			EntityID:       entityID,
			Property:       ps.Name,
			SourceValue:    ps.Required,
			TargetValue:    pt.Required,
			AutoResolvable: true,
			Description:    fmt.Sprintf("property %q requiredness differs; required wins", ps.Name),
		})
		if opts.AutoResolve {
			merged.Required = true // the stricter intent wins
		}
	}

	// Uniqueness and defaults merge by taking whichever side moved off base;
	// with no base to arbitrate, a disagreement is a definition conflict.
	if ps.Unique != pt.Unique {
		switch {
		case pb != nil && pb.Unique == ps.Unique:
			merged.Unique = pt.Unique
		case pb != nil && pb.Unique == pt.Unique:
			merged.Unique = ps.Unique
		default:
			conflicts = append(conflicts, propertyDisagreement(entityID, ps, pt, "unique"))
		}
	}
	if !attrEqual(ps.Default, pt.Default) {
		switch {
		case pb != nil && attrEqual(pb.Default, ps.Default):
			merged.Default = pt.Default
		case pb != nil && attrEqual(pb.Default, pt.Default):
			merged.Default = ps.Default
		default:
			conflicts = append(conflicts, propertyDisagreement(entityID, ps, pt, "default"))
		}
	}

	return merged, conflicts, true
}

func propertyDisagreement(entityID string, ps, pt *Property, field string) contracts.MergeConflict {
	return contracts.MergeConflict{
		Type:        contracts.ConflictProperty,
		Severity:    contracts.SeverityError,
		EntityID:    entityID,
		Property:    ps.Name,
		SourceValue: *ps,
		TargetValue: *pt,
		Description: fmt.Sprintf("property %q %s differs with no base to arbitrate", ps.Name, field),
	}
}

func baseType(pb *Property) any {
	if pb == nil {
		return nil
	}
	return pb.Type
}

// reorderConflicts flags items both sides moved to different positions.
// Positions are compared among the keys common to all three lists so that
// additions and deletions do not shift innocents into looking moved. The
// resolution rule (source order wins) is already baked into mergeOrder, so
// these conflicts are always auto-resolvable.
func reorderConflicts(entityID string, base, src, tgt []string) []contracts.MergeConflict {
	if len(base) == 0 {
		return nil
	}
	common := make(map[string]bool, len(base))
	for _, k := range base {
		if indexOf(src, k) >= 0 && indexOf(tgt, k) >= 0 {
			common[k] = true
		}
	}
	bIdx := commonIndex(base, common)
	sIdx := commonIndex(src, common)
	tIdx := commonIndex(tgt, common)

	var out []contracts.MergeConflict
	for _, k := range filtered(base, common) {
		sp, tp, bp := sIdx[k], tIdx[k], bIdx[k]
		if sp == bp || tp == bp || sp == tp {
			continue
		}
		out = append(out, contracts.MergeConflict{
			Type:           contracts.ConflictReorder,
			Severity:       contracts.SeverityWarning,
			EntityID:       entityID,
			Property:       k,
			BaseValue:      bp,
			SourceValue:    sp,
			TargetValue:    tp,
			AutoResolvable: true,
			Description:    fmt.Sprintf("both branches moved %q; source position wins", k),
		})
	}
	return out
}

func filtered(list []string, keep map[string]bool) []string {
	out := make([]string, 0, len(keep))
	for _, k := range list {
		if keep[k] {
			out = append(out, k)
		}
	}
	return out
}

func commonIndex(list []string, keep map[string]bool) map[string]int {
	out := make(map[string]int, len(keep))
	for _, k := range filtered(list, keep) {
		out[k] = len(out)
	}
	return out
}

func indexOf(list []string, k string) int {
	for i, v := range list {
		if v == k {
			return i
		}
	}
	return -1
}

func (e *Engine) mergeAttrs(entityID string, b, s, t *ObjectDoc) (map[string]any, []contracts.MergeConflict) {
	var conflicts []contracts.MergeConflict
	out := make(map[string]any)
	var baseAttrs map[string]any
	if b != nil {
		baseAttrs = b.Attrs
	}

	for _, k := range unionKeys(mapKeys(baseAttrs), mapKeys(s.Attrs), mapKeys(t.Attrs)) {
		bv, inB := baseAttrs[k]
		sv, inS := s.Attrs[k]
		tv, inT := t.Attrs[k]
		switch {
		case !inS && !inT:
			// deleted everywhere
		case !inS && !inB:
			out[k] = tv
		case !inT && !inB:
			out[k] = sv
		case !inS:
			if !attrEqual(bv, tv) {
				conflicts = append(conflicts, attrDisagreement(entityID, k, sv, tv))
				out[k] = tv
			}
		case !inT:
			if !attrEqual(bv, sv) {
				conflicts = append(conflicts, attrDisagreement(entityID, k, sv, tv))
				out[k] = sv
			}
		case attrEqual(sv, tv):
			out[k] = sv
		case inB && attrEqual(bv, sv):
			out[k] = tv
		case inB && attrEqual(bv, tv):
			out[k] = sv
		default:
			conflicts = append(conflicts, attrDisagreement(entityID, k, sv, tv))
			out[k] = sv
		}
	}
	if len(out) == 0 {
		return nil, conflicts
	}
	return out, conflicts
}

func attrDisagreement(entityID, key string, sv, tv any) contracts.MergeConflict {
	return contracts.MergeConflict{
		Type:        contracts.ConflictProperty,
		Severity:    contracts.SeverityError,
		EntityID:    entityID,
		Property:    key,
		SourceValue: sv,
		TargetValue: tv,
		Description: fmt.Sprintf("content field %q changed divergently", key),
	}
}

// mapKeys returns the keys sorted, keeping conflict order deterministic.
func mapKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// unionKeys preserves first-list order, then appends unseen keys from the
// later lists in their own order.
func unionKeys(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, l := range lists {
		for _, k := range l {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}
