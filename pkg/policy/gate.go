package policy

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ontoforge/oms/pkg/contracts"
)

// Headers understood by the gate.
const (
	HeaderIssueID       = "X-Issue-ID"
	HeaderOverride      = "X-Emergency-Override"
	HeaderOverrideID    = "X-Override-ID"
	HeaderOverrideToken = "X-Override-Token"
	HeaderJustification = "X-Override-Justification"
)

// Reason codes returned to callers. Denials carry nothing else.
const (
	ReasonPublic             = "public"
	ReasonOK                 = "ok"
	ReasonRouteNotRegistered = "route_not_registered"
	ReasonUnauthenticated    = "unauthenticated"
	ReasonForbidden          = "forbidden"
	ReasonIssueRequired      = "issue_tracking_requirement_not_met"
	ReasonIssueInvalid       = "issue_invalid"
	ReasonJustificationShort = "justification_required"
	ReasonOverrideDenied     = "override_not_approved"
)

// Request is the subset of an HTTP request the gate evaluates. BodyIssueID
// carries an issue_id the caller put in the body instead of the header.
type Request struct {
	Method      string
	Path        string
	Header      http.Header
	BodyIssueID string
	User        *contracts.UserContext
}

func (r *Request) issueID() string {
	if id := r.Header.Get(HeaderIssueID); id != "" {
		return id
	}
	return r.BodyIssueID
}

// Decision is the gate's verdict. When Allow is true the decision is attached
// to the request context so the audit emitter can record what was authorized.
type Decision struct {
	Allow         bool         `json:"allow"`
	Status        int          `json:"status"`
	Reason        string       `json:"reason"`
	Resource      ResourceType `json:"resource_type,omitempty"`
	Action        Action       `json:"action,omitempty"`
	RequiredIssue bool         `json:"required_issue"`
	IssueRefs     []string     `json:"issue_refs,omitempty"`

	OverrideID            string `json:"override_id,omitempty"`
	OverrideJustification string `json:"override_justification,omitempty"`
}

type decisionKey struct{}

// WithDecision attaches an allowed decision to the context.
func WithDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFrom returns the decision attached by the gate, if any.
func DecisionFrom(ctx context.Context) (*Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(*Decision)
	return d, ok
}

// Gate is the policy decision point.
type Gate struct {
	table     *RouteTable
	matrix    Matrix
	issues    IssueChecker
	overrides *Overrides
	logger    *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithIssueChecker overrides the default pattern-only checker.
func WithIssueChecker(c IssueChecker) GateOption { return func(g *Gate) { g.issues = c } }

// WithOverrides enables emergency-override redemption.
func WithOverrides(o *Overrides) GateOption { return func(g *Gate) { g.overrides = o } }

// WithGateLogger overrides the default logger.
func WithGateLogger(l *slog.Logger) GateOption { return func(g *Gate) { g.logger = l } }

// NewGate creates the gate over a route table and matrix.
func NewGate(table *RouteTable, matrix Matrix, opts ...GateOption) *Gate {
	g := &Gate{
		table:  table,
		matrix: matrix,
		issues: PatternChecker{},
		logger: slog.Default().With("component", "policy-gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize evaluates the request. The order is fixed: public paths, route
// resolution, identity, RBAC, then change-control (issue or override).
func (g *Gate) Authorize(ctx context.Context, req *Request) *Decision {
	if g.table.IsPublic(req.Path) {
		return &Decision{Allow: true, Status: http.StatusOK, Reason: ReasonPublic}
	}

	route := g.table.Resolve(req.Method, req.Path)
	if route == nil {
		return g.deny(req, http.StatusForbidden, ReasonRouteNotRegistered)
	}

	if req.User == nil {
		return g.deny(req, http.StatusUnauthorized, ReasonUnauthenticated)
	}

	d := &Decision{
		Resource:      route.Resource,
		Action:        route.Action,
		RequiredIssue: RequiresIssue(route.Resource, route.Action),
	}

	if !g.matrix.Check(req.User.Roles, route.Resource, route.Action) {
		d.Status, d.Reason = http.StatusForbidden, ReasonForbidden
		g.logDenial(req, d)
		return d
	}

	if d.RequiredIssue {
		if denied := g.enforceChangeControl(ctx, req, d); denied != nil {
			return denied
		}
	}

	d.Allow = true
	d.Status = http.StatusOK
	if d.Reason == "" {
		d.Reason = ReasonOK
	}
	return d
}

// enforceChangeControl fills d on success and returns nil, or returns the
// denial. An issue reference wins over an override when both are present.
func (g *Gate) enforceChangeControl(ctx context.Context, req *Request, d *Decision) *Decision {
	if id := req.issueID(); id != "" {
		if err := g.issues.Validate(ctx, id); err != nil {
			d.Status, d.Reason = http.StatusUnprocessableEntity, ReasonIssueInvalid
			g.logDenial(req, d)
			return d
		}
		d.IssueRefs = []string{id}
		return nil
	}

	if req.Header.Get(HeaderOverride) == "true" && g.overrides != nil {
		justification := req.Header.Get(HeaderJustification)
		if len(justification) < MinJustificationLen {
			d.Status, d.Reason = http.StatusUnprocessableEntity, ReasonJustificationShort
			g.logDenial(req, d)
			return d
		}
		grant, err := g.overrides.Redeem(ctx, req.Header.Get(HeaderOverrideID), req.Header.Get(HeaderOverrideToken))
		if err != nil {
			d.Status, d.Reason = http.StatusForbidden, ReasonOverrideDenied
			g.logDenial(req, d)
			return d
		}
		d.OverrideID = grant.ID
		d.OverrideJustification = justification
		d.Reason = "override"
		g.logger.Warn("emergency override used",
			"override_id", grant.ID, "user", req.User.UserID,
			"method", req.Method, "path", req.Path)
		return nil
	}

	d.Status, d.Reason = http.StatusUnprocessableEntity, ReasonIssueRequired
	g.logDenial(req, d)
	return d
}

func (g *Gate) deny(req *Request, status int, reason string) *Decision {
	d := &Decision{Status: status, Reason: reason}
	g.logDenial(req, d)
	return d
}

func (g *Gate) logDenial(req *Request, d *Decision) {
	user := "anonymous"
	if req.User != nil {
		user = req.User.UserID
	}
	g.logger.Info("request denied",
		"method", req.Method, "path", req.Path,
		"user", user, "status", d.Status, "reason", d.Reason)
}
