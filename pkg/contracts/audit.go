package contracts

import "time"

// AuditEventType is the CloudEvents type for every audit record.
const AuditEventType = "audit.activity.v1"

// AuditActor describes who performed the audited action.
type AuditActor struct {
	ID         string   `json:"id"`
	Username   string   `json:"username"`
	Roles      []string `json:"roles,omitempty"`
	Tenant     string   `json:"tenant,omitempty"`
	AuthMethod string   `json:"auth_method,omitempty"`
	IP         string   `json:"ip,omitempty"`
	UserAgent  string   `json:"ua,omitempty"`
}

// AuditTarget describes what the action touched.
type AuditTarget struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Branch       string `json:"branch,omitempty"`
	Parent       string `json:"parent,omitempty"`
}

// AuditChanges captures the delta of a mutating operation.
type AuditChanges struct {
	CommitBefore  string         `json:"commit_before,omitempty"`
	CommitAfter   string         `json:"commit_after,omitempty"`
	FieldsChanged []string       `json:"fields_changed,omitempty"`
	Old           map[string]any `json:"old,omitempty"`
	New           map[string]any `json:"new,omitempty"`
}

// AuditCompliance lists regulatory metadata; PII fields named here are masked
// before the event leaves the process.
type AuditCompliance struct {
	PIIFields     []string `json:"pii_fields,omitempty"`
	GDPRRelevant  bool     `json:"gdpr_relevant"`
	RetentionDays int      `json:"retention_days,omitempty"`
}

// AuditEvent is the payload of the audit.activity.v1 CloudEvent. The ID is
// deterministic when linked to a commit, so replays do not duplicate records.
type AuditEvent struct {
	ID            string           `json:"id"`
	Action        string           `json:"action"`
	Actor         AuditActor       `json:"actor"`
	Target        AuditTarget      `json:"target"`
	Success       bool             `json:"success"`
	ErrorCode     string           `json:"error_code,omitempty"`
	DurationMS    int64            `json:"duration_ms,omitempty"`
	Changes       *AuditChanges    `json:"changes,omitempty"`
	Compliance    *AuditCompliance `json:"compliance,omitempty"`
	RequestID     string           `json:"request_id,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}
