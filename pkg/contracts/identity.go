package contracts

import "time"

// UserContext is the verified caller identity placed on the request context by
// the authentication step. Downstream components never re-verify the JWT.
type UserContext struct {
	UserID           string   `json:"user_id"`
	Username         string   `json:"username"`
	Email            string   `json:"email,omitempty"`
	Roles            []string `json:"roles"`
	Tenant           string   `json:"tenant,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	AuthMethod       string   `json:"auth_method"`
	SessionID        string   `json:"session,omitempty"`
	IP               string   `json:"ip,omitempty"`
	UserAgent        string   `json:"ua,omitempty"`
	IsServiceAccount bool     `json:"is_service_account"`
}

// HasRole reports whether the caller carries the given role.
func (u *UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// OverrideStatus is the lifecycle state of an emergency override request.
type OverrideStatus string

const (
	OverridePending  OverrideStatus = "PENDING"
	OverrideApproved OverrideStatus = "APPROVED"
	OverrideDenied   OverrideStatus = "DENIED"
	OverrideExpired  OverrideStatus = "EXPIRED"
)

// OverrideRequest is a pre-approved emergency bypass of change-control rules.
// Fresh requests start PENDING; only approver roles may move them to APPROVED,
// and approved requests expire after a fixed TTL.
type OverrideRequest struct {
	ID             string         `json:"id"`
	RequesterID    string         `json:"requester_id"`
	RequesterRoles []string       `json:"requester_roles"`
	Resource       string         `json:"resource"`
	Action         string         `json:"action"`
	ChangeType     string         `json:"change_type,omitempty"`
	Branch         string         `json:"branch,omitempty"`
	Justification  string         `json:"justification"`
	Status         OverrideStatus `json:"status"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time     `json:"approved_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	OverrideToken  string         `json:"override_token,omitempty"`
}
