package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Route binds one (method, pattern) to the permission it needs. Patterns use
// {param} placeholders, each matching a single dense path segment.
type Route struct {
	Method   string
	Pattern  string
	Resource ResourceType
	Action   Action

	re *regexp.Regexp
}

var paramSegment = regexp.MustCompile(`\{[a-zA-Z_][a-zA-Z0-9_]*\}`)

func compilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	rest := pattern
	for {
		loc := paramSegment.FindStringIndex(rest)
		if loc == nil {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		b.WriteString(regexp.QuoteMeta(rest[:loc[0]]))
		b.WriteString(`[^/]+`)
		rest = rest[loc[1]:]
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// RouteTable resolves requests to permissions. Unregistered routes deny.
type RouteTable struct {
	public []string
	routes []*Route
}

// NewRouteTable compiles the route set. Public paths are matched before route
// resolution; a trailing "/" makes the entry a prefix match.
func NewRouteTable(public []string, routes []Route) (*RouteTable, error) {
	t := &RouteTable{public: public}
	for i := range routes {
		r := routes[i]
		re, err := compilePattern(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("policy: route %s %s: %w", r.Method, r.Pattern, err)
		}
		r.re = re
		t.routes = append(t.routes, &r)
	}
	return t, nil
}

// IsPublic reports whether the path bypasses the gate entirely.
func (t *RouteTable) IsPublic(path string) bool {
	for _, p := range t.public {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

// Resolve returns the matching route, or nil when the request is unregistered.
func (t *RouteTable) Resolve(method, path string) *Route {
	for _, r := range t.routes {
		if r.Method == method && r.re.MatchString(path) {
			return r
		}
	}
	return nil
}

// DefaultPublicPaths is the stock bypass list: health, docs, metrics.
func DefaultPublicPaths() []string {
	return []string{"/healthz", "/readyz", "/metrics", "/openapi.json", "/docs/"}
}

// DefaultRoutes is the stock route table for the v1 API surface.
func DefaultRoutes() []Route {
	routes := []Route{
		{Method: "GET", Pattern: "/api/v1/schemas/{branch}", Resource: ResourceSchema, Action: ActionRead},
		{Method: "PUT", Pattern: "/api/v1/schemas/{branch}", Resource: ResourceSchema, Action: ActionUpdate},

		{Method: "GET", Pattern: "/api/v1/branches", Resource: ResourceBranch, Action: ActionRead},
		{Method: "POST", Pattern: "/api/v1/branches", Resource: ResourceBranch, Action: ActionCreate},
		{Method: "GET", Pattern: "/api/v1/branches/{branch}", Resource: ResourceBranch, Action: ActionRead},
		{Method: "DELETE", Pattern: "/api/v1/branches/{branch}", Resource: ResourceBranch, Action: ActionDelete},
		{Method: "POST", Pattern: "/api/v1/branches/{branch}/merge", Resource: ResourceBranch, Action: ActionMerge},

		{Method: "GET", Pattern: "/api/v1/branches/{branch}/locks", Resource: ResourceLock, Action: ActionRead},
		{Method: "POST", Pattern: "/api/v1/branches/{branch}/locks", Resource: ResourceLock, Action: ActionCreate},
		{Method: "DELETE", Pattern: "/api/v1/branches/{branch}/locks/{id}", Resource: ResourceLock, Action: ActionDelete},

		{Method: "GET", Pattern: "/api/v1/proposals", Resource: ResourceProposal, Action: ActionRead},
		{Method: "POST", Pattern: "/api/v1/proposals", Resource: ResourceProposal, Action: ActionCreate},
		{Method: "POST", Pattern: "/api/v1/proposals/{id}/approve", Resource: ResourceProposal, Action: ActionApprove},
		{Method: "POST", Pattern: "/api/v1/proposals/{id}/reject", Resource: ResourceProposal, Action: ActionReject},

		{Method: "POST", Pattern: "/api/v1/overrides", Resource: ResourceProposal, Action: ActionCreate},
		{Method: "GET", Pattern: "/api/v1/overrides/{id}", Resource: ResourceProposal, Action: ActionRead},
		{Method: "POST", Pattern: "/api/v1/overrides/{id}/approve", Resource: ResourceProposal, Action: ActionApprove},
		{Method: "POST", Pattern: "/api/v1/overrides/{id}/deny", Resource: ResourceProposal, Action: ActionReject},

		{Method: "POST", Pattern: "/api/v1/webhooks/{id}/execute", Resource: ResourceWebhook, Action: ActionExecute},

		{Method: "GET", Pattern: "/api/v1/audit/export", Resource: ResourceAudit, Action: ActionRead},
		{Method: "POST", Pattern: "/api/v1/audit", Resource: ResourceAudit, Action: ActionCreate},
	}

	// The typed collections share a shape under /schemas/{branch}.
	for segment, resource := range map[string]ResourceType{
		"object-types": ResourceObjectType,
		"link-types":   ResourceLinkType,
		"action-types": ResourceActionType,
	} {
		base := "/api/v1/schemas/{branch}/" + segment
		routes = append(routes,
			Route{Method: "GET", Pattern: base, Resource: resource, Action: ActionRead},
			Route{Method: "POST", Pattern: base, Resource: resource, Action: ActionCreate},
			Route{Method: "GET", Pattern: base + "/{id}", Resource: resource, Action: ActionRead},
			Route{Method: "PUT", Pattern: base + "/{id}", Resource: resource, Action: ActionUpdate},
			Route{Method: "DELETE", Pattern: base + "/{id}", Resource: resource, Action: ActionDelete},
			Route{Method: "GET", Pattern: base + "/{id}/properties", Resource: ResourceProperty, Action: ActionRead},
			Route{Method: "POST", Pattern: base + "/{id}/properties", Resource: ResourceProperty, Action: ActionCreate},
			Route{Method: "PUT", Pattern: base + "/{id}/properties/{name}", Resource: ResourceProperty, Action: ActionUpdate},
			Route{Method: "DELETE", Pattern: base + "/{id}/properties/{name}", Resource: ResourceProperty, Action: ActionDelete},
		)
	}
	return routes
}

// DefaultTable builds the stock table.
func DefaultTable() *RouteTable {
	t, err := NewRouteTable(DefaultPublicPaths(), DefaultRoutes())
	if err != nil {
		panic(err) // static patterns, cannot fail
	}
	return t
}
