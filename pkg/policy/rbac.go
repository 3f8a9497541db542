// Package policy implements the change-control gate: route-to-permission
// resolution, deny-by-default RBAC, issue-tracking enforcement, and
// approval-gated emergency overrides. Every authorized decision is attached to
// the request context for downstream audit.
package policy

// ResourceType names a protected resource class.
type ResourceType string

const (
	ResourceSchema     ResourceType = "SCHEMA"
	ResourceObjectType ResourceType = "OBJECT_TYPE"
	ResourceLinkType   ResourceType = "LINK_TYPE"
	ResourceActionType ResourceType = "ACTION_TYPE"
	ResourceProperty   ResourceType = "PROPERTY"
	ResourceBranch     ResourceType = "BRANCH"
	ResourceProposal   ResourceType = "PROPOSAL"
	ResourceWebhook    ResourceType = "WEBHOOK"
	ResourceAudit      ResourceType = "AUDIT"
	ResourceLock       ResourceType = "LOCK"
)

// Action names an operation on a resource.
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionMerge   Action = "merge"
	ActionExecute Action = "execute"
)

// Role names used by the canonical matrix.
const (
	RoleAdmin          = "admin"
	RoleDeveloper      = "developer"
	RoleReviewer       = "reviewer"
	RoleViewer         = "viewer"
	RoleServiceAccount = "service_account"
)

type grant struct {
	resource ResourceType
	action   Action
}

// Matrix is a deny-by-default permission set per role.
type Matrix map[string]map[grant]struct{}

// Grant adds one (role, resource, action) permission.
func (m Matrix) Grant(role string, resource ResourceType, action Action) {
	g, ok := m[role]
	if !ok {
		g = make(map[grant]struct{})
		m[role] = g
	}
	g[grant{resource, action}] = struct{}{}
}

// Allow reports whether the single role holds the permission.
func (m Matrix) Allow(role string, resource ResourceType, action Action) bool {
	_, ok := m[role][grant{resource, action}]
	return ok
}

// Check reports whether any of the caller's roles holds the permission.
func (m Matrix) Check(roles []string, resource ResourceType, action Action) bool {
	for _, role := range roles {
		if m.Allow(role, resource, action) {
			return true
		}
	}
	return false
}

var allResources = []ResourceType{
	ResourceSchema, ResourceObjectType, ResourceLinkType, ResourceActionType,
	ResourceProperty, ResourceBranch, ResourceProposal, ResourceWebhook,
	ResourceAudit, ResourceLock,
}

// schemaBearing are the resources whose mutation is change-controlled.
var schemaBearing = map[ResourceType]struct{}{
	ResourceSchema:     {},
	ResourceObjectType: {},
	ResourceLinkType:   {},
	ResourceActionType: {},
	ResourceProperty:   {},
}

// DefaultMatrix builds the canonical role matrix. The audit trail is
// append-only for everyone: no role may update or delete AUDIT, and only
// service accounts may write to it.
func DefaultMatrix() Matrix {
	m := make(Matrix)

	for _, r := range allResources {
		// Everyone with a role can read; write permissions are narrow.
		m.Grant(RoleAdmin, r, ActionRead)
		m.Grant(RoleDeveloper, r, ActionRead)
		m.Grant(RoleReviewer, r, ActionRead)
		m.Grant(RoleViewer, r, ActionRead)
		m.Grant(RoleServiceAccount, r, ActionRead)
	}

	for _, r := range allResources {
		if r == ResourceAudit {
			continue
		}
		m.Grant(RoleAdmin, r, ActionCreate)
		m.Grant(RoleAdmin, r, ActionUpdate)
		if r != ResourceSchema && r != ResourceObjectType {
			m.Grant(RoleAdmin, r, ActionDelete)
		}
		if r != ResourceSchema {
			m.Grant(RoleDeveloper, r, ActionCreate)
			m.Grant(RoleDeveloper, r, ActionUpdate)
		}
	}
	m.Grant(RoleDeveloper, ResourceBranch, ActionDelete)

	m.Grant(RoleAdmin, ResourceProposal, ActionApprove)
	m.Grant(RoleAdmin, ResourceProposal, ActionReject)
	m.Grant(RoleReviewer, ResourceProposal, ActionApprove)
	m.Grant(RoleReviewer, ResourceProposal, ActionReject)
	m.Grant(RoleAdmin, ResourceBranch, ActionMerge)

	m.Grant(RoleServiceAccount, ResourceWebhook, ActionExecute)
	m.Grant(RoleServiceAccount, ResourceAudit, ActionCreate)

	return m
}

// RequiresIssue reports whether the operation needs an issue reference or an
// approved override. Deletion and merge always do; creates and updates only on
// schema-bearing resources. Reads never do.
func RequiresIssue(resource ResourceType, action Action) bool {
	switch action {
	case ActionDelete, ActionMerge:
		return true
	case ActionCreate, ActionUpdate:
		_, ok := schemaBearing[resource]
		return ok
	default:
		return false
	}
}
