package merge

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/ontoforge/oms/pkg/contracts"
)

// Validator inspects a merged document in the context of its three inputs and
// reports domain violations. Validators must be pure; they run on every merge
// attempt including dry runs.
type Validator interface {
	Name() string
	Validate(merged, base, source, target *ObjectDoc) []contracts.SemanticViolation
}

// Registry is the statically constructed validator list. Registration after
// construction happens only through explicit admin surfaces, never through
// import side effects.
type Registry struct {
	mu         sync.RWMutex
	validators []Validator
}

// NewRegistry creates a registry with the given validators.
func NewRegistry(validators ...Validator) *Registry {
	return &Registry{validators: validators}
}

// DefaultRegistry returns the registry with the built-in domain rules.
func DefaultRegistry() (*Registry, error) {
	tax, err := taxRuleValidator()
	if err != nil {
		return nil, err
	}
	product, err := productTypeValidator()
	if err != nil {
		return nil, err
	}
	return NewRegistry(tax, product, &stateTransitionValidator{}), nil
}

// Register appends a validator. Admin surfaces only.
func (r *Registry) Register(v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = append(r.validators, v)
}

// Names lists the registered validators.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.validators))
	for _, v := range r.validators {
		out = append(out, v.Name())
	}
	return out
}

// Validate runs every validator against the merged document.
func (r *Registry) Validate(merged, base, source, target *ObjectDoc) []contracts.SemanticViolation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []contracts.SemanticViolation
	for _, v := range r.validators {
		out = append(out, v.Validate(merged, base, source, target)...)
	}
	return out
}

// celRule is one compiled CEL predicate over the merged document's content
// fields. The expression states the requirement; a false evaluation is the
// violation. Expressions see `doc` (attrs map) and helper `has_field(name)`.
type celRule struct {
	field    string
	expr     string
	message  string
	severity contracts.ConflictSeverity
	program  cel.Program
}

// celValidator groups compiled rules under one validator name.
type celValidator struct {
	name  string
	rules []celRule
}

func (v *celValidator) Name() string { return v.name }

func (v *celValidator) Validate(merged, _, _, _ *ObjectDoc) []contracts.SemanticViolation {
	var out []contracts.SemanticViolation
	for _, rule := range v.rules {
		val, _, err := rule.program.Eval(map[string]any{
			"doc": celDoc(merged),
		})
		if err != nil {
			out = append(out, contracts.SemanticViolation{
				Field:    rule.field,
				Message:  fmt.Sprintf("%s: rule evaluation failed: %v", v.name, err),
				Severity: contracts.SeverityError,
			})
			continue
		}
		ok, isBool := val.Value().(bool)
		if !isBool || !ok {
			out = append(out, contracts.SemanticViolation{
				Field:    rule.field,
				Message:  rule.message,
				Severity: rule.severity,
				Context:  map[string]string{"validator": v.name, "rule": rule.expr},
			})
		}
	}
	return out
}

// celDoc flattens the document content for rule evaluation. Nil-safe.
func celDoc(d *ObjectDoc) map[string]any {
	out := map[string]any{"id": d.ID, "type": d.Type}
	for k, v := range d.Attrs {
		out[k] = v
	}
	return out
}

func compileCELValidator(name string, specs []celRule) (*celValidator, error) {
	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("merge: cel env: %w", err)
	}
	v := &celValidator{name: name}
	for _, spec := range specs {
		ast, issues := env.Compile(spec.expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("merge: validator %s rule %q: %w", name, spec.expr, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("merge: validator %s program: %w", name, err)
		}
		spec.program = prg
		v.rules = append(v.rules, spec)
	}
	return v, nil
}

// taxRuleValidator enforces the taxability invariants on merged documents.
func taxRuleValidator() (Validator, error) {
	return compileCELValidator("tax-rule", []celRule{
		{
			field:    "taxRate",
			expr:     `!('isTaxable' in doc) || doc.isTaxable || !('taxRate' in doc) || double(doc.taxRate) == 0.0`,
			message:  "non-taxable items must carry a zero tax rate",
			severity: contracts.SeverityError,
		},
		{
			field:    "taxExemptionReason",
			expr:     `!('isTaxable' in doc) || doc.isTaxable || ('taxExemptionReason' in doc && doc.taxExemptionReason != '')`,
			message:  "non-taxable items should record an exemption reason",
			severity: contracts.SeverityWarning,
		},
		{
			field:    "taxExemptionReason",
			expr:     `!('isTaxable' in doc) || !doc.isTaxable || !('taxExemptionReason' in doc) || doc.taxExemptionReason == ''`,
			message:  "taxable items should not carry an exemption reason",
			severity: contracts.SeverityWarning,
		},
	})
}

// productTypeValidator enforces the digital/physical product shape rules.
func productTypeValidator() (Validator, error) {
	return compileCELValidator("product-type-rule", []celRule{
		{
			field:    "weight",
			expr:     `!('productType' in doc) || doc.productType != 'digital_product' || (!('weight' in doc) || doc.weight == null)`,
			message:  "digital products cannot have a weight",
			severity: contracts.SeverityError,
		},
		{
			field:    "dimensions",
			expr:     `!('productType' in doc) || doc.productType != 'digital_product' || (!('dimensions' in doc) || doc.dimensions == null)`,
			message:  "digital products cannot have dimensions",
			severity: contracts.SeverityError,
		},
		{
			field:    "digitalUrl",
			expr:     `!('productType' in doc) || doc.productType != 'digital_product' || ('digitalUrl' in doc && doc.digitalUrl != '')`,
			message:  "digital products must carry a download url",
			severity: contracts.SeverityError,
		},
		{
			field:    "fileSize",
			expr:     `!('productType' in doc) || doc.productType != 'physical_product' || (!('fileSize' in doc) || doc.fileSize == null)`,
			message:  "physical products cannot have a file size",
			severity: contracts.SeverityError,
		},
	})
}

// stateTransitionValidator checks status changes against the transition table
// the schema itself declares (attr "statusTransitions": {from: [to...]}) and
// requires the fields the target status names (attr "statusRequiredFields":
// {status: [field...]}) to be populated.
type stateTransitionValidator struct{}

func (v *stateTransitionValidator) Name() string { return "state-transition-rule" }

func (v *stateTransitionValidator) Validate(merged, base, _, _ *ObjectDoc) []contracts.SemanticViolation {
	next, ok := stringAttr(merged, "status")
	if !ok {
		return nil
	}
	var out []contracts.SemanticViolation

	if base != nil {
		if prev, ok := stringAttr(base, "status"); ok && prev != next {
			allowed := transitionTargets(merged, prev)
			if allowed != nil && !contains(allowed, next) {
				out = append(out, contracts.SemanticViolation{
					Field:    "status",
					Message:  fmt.Sprintf("status transition %s -> %s is not declared", prev, next),
					Severity: contracts.SeverityError,
					Context:  map[string]string{"from": prev, "to": next},
				})
			}
		}
	}

	for _, field := range requiredFieldsFor(merged, next) {
		if val, ok := merged.Attrs[field]; !ok || val == nil || val == "" {
			out = append(out, contracts.SemanticViolation{
				Field:    field,
				Message:  fmt.Sprintf("status %s requires %s to be populated", next, field),
				Severity: contracts.SeverityError,
				Context:  map[string]string{"status": next},
			})
		}
	}
	return out
}

func stringAttr(d *ObjectDoc, key string) (string, bool) {
	if d == nil || d.Attrs == nil {
		return "", false
	}
	s, ok := d.Attrs[key].(string)
	return s, ok && s != ""
}

// transitionTargets returns the declared targets for a source status, or nil
// when the schema declares no table (in which case any transition passes).
func transitionTargets(d *ObjectDoc, from string) []string {
	table, ok := d.Attrs["statusTransitions"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := table[from]
	if !ok {
		return []string{}
	}
	return toStrings(raw)
}

func requiredFieldsFor(d *ObjectDoc, status string) []string {
	table, ok := d.Attrs["statusRequiredFields"].(map[string]any)
	if !ok {
		return nil
	}
	return toStrings(table[status])
}

func toStrings(raw any) []string {
	switch vs := raw.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, v := range vs {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
