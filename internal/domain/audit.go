package domain

import "time"

// AuditAction is the closed set of actions the Connection Registry (and
// Connection Tester) record against connections.
type AuditAction string

const (
	AuditCreated AuditAction = "created"
	AuditUpdated AuditAction = "updated"
	AuditDeleted AuditAction = "deleted"
	AuditTested  AuditAction = "tested"
)

// AuditOutcome records whether the audited operation succeeded.
type AuditOutcome string

const (
	AuditSuccess AuditOutcome = "success"
	AuditFailure AuditOutcome = "failure"
)

// AuditLog is one durable audit record.
type AuditLog struct {
	ID         string                 `json:"id"`
	OwnerUser  string                 `json:"owner_user"`
	Action     AuditAction            `json:"action"`
	Resource   string                 `json:"resource"`
	ResourceID string                 `json:"resource_id"`
	Outcome    AuditOutcome           `json:"outcome"`
	Details    map[string]interface{} `json:"details,omitempty"`
	IPAddress  string                 `json:"ip_address"`
	UserAgent  string                 `json:"user_agent"`
	RequestID  string                 `json:"request_id"`
	DurationMS int64                  `json:"duration_ms"`
	CreatedAt  time.Time              `json:"created_at"`
}

// AuditLogFilter narrows audit.Logger GetLogs / Search / Export results.
type AuditLogFilter struct {
	Actions   []AuditAction
	Outcomes  []AuditOutcome
	Resource  string
	OwnerUser string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// AuditLogPage is one page of audit results.
type AuditLogPage struct {
	Logs    []AuditLog `json:"logs"`
	Total   int64      `json:"total"`
	Limit   int        `json:"limit"`
	Offset  int        `json:"offset"`
	HasMore bool       `json:"has_more"`
}

// AuditExportFormat selects the Export() serialization.
type AuditExportFormat string

const (
	AuditExportJSON AuditExportFormat = "json"
	AuditExportCSV  AuditExportFormat = "csv"
)
