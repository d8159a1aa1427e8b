// Package audit records every sensitive vault operation, scores each event
// for risk, checks it against enabled compliance frameworks, and persists it
// through a pluggable sink. Events are append-only: once persisted they are
// never mutated.
package audit

import "time"

// EventType classifies the operation an event records.
type EventType string

const (
	EventCreate    EventType = "CREATE"
	EventRead      EventType = "READ"
	EventUpdate    EventType = "UPDATE"
	EventDelete    EventType = "DELETE"
	EventRotate    EventType = "ROTATE"
	EventAccess    EventType = "ACCESS"
	EventAdmin     EventType = "ADMIN"
	EventAuth      EventType = "AUTH"
	EventExport    EventType = "EXPORT"
	EventImport    EventType = "IMPORT"
	EventEmergency EventType = "EMERGENCY"
	EventShare     EventType = "SHARE"
	EventRevoke    EventType = "REVOKE"
	EventBackup    EventType = "BACKUP"
	EventRestore   EventType = "RESTORE"
)

// HighRisk reports whether the event type carries the +0.4 base risk weight.
func (t EventType) HighRisk() bool {
	switch t {
	case EventDelete, EventEmergency, EventExport:
		return true
	default:
		return false
	}
}

// MediumRisk reports whether the event type carries the +0.2 base risk weight.
func (t EventType) MediumRisk() bool {
	switch t {
	case EventRotate, EventAdmin, EventImport, EventRevoke, EventRestore:
		return true
	default:
		return false
	}
}

// Result is the outcome recorded for an event.
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFailure Result = "FAILURE"
	ResultPartial Result = "PARTIAL"
	ResultDenied  Result = "DENIED"
	ResultError   Result = "ERROR"
)

// Event is one audit record. Created once, never mutated after persistence.
type Event struct {
	ID                string                 `json:"id"`
	Type              EventType              `json:"type"`
	UserID            string                 `json:"user_id"`
	CredentialID      string                 `json:"credential_id,omitempty"`
	Action            string                 `json:"action"`
	Result            Result                 `json:"result"`
	Timestamp         time.Time              `json:"timestamp"`
	IP                string                 `json:"ip,omitempty"`
	UserAgent         string                 `json:"user_agent,omitempty"`
	SessionID         string                 `json:"session_id,omitempty"`
	RiskScore         float64                `json:"risk_score"`
	AnomalyDetected   bool                   `json:"anomaly_detected"`
	MFAVerified       bool                   `json:"mfa_verified"`
	DurationMs        int64                  `json:"duration_ms,omitempty"`
	ComplianceFlags   []string               `json:"compliance_flags,omitempty"`
	Country           string                 `json:"country,omitempty"`
	City              string                 `json:"city,omitempty"`
	DeviceFingerprint string                 `json:"device_fingerprint,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	UserID        string
	CredentialID  string
	Type          EventType
	Result        Result
	SessionID     string
	Since         *time.Time
	Until         *time.Time
	AnomaliesOnly bool
	Limit         int
	Offset        int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// matchesFilter checks if an event matches the query filters
func matchesFilter(event Event, options QueryOptions) bool {
	if options.UserID != "" && event.UserID != options.UserID {
		return false
	}
	if options.CredentialID != "" && event.CredentialID != options.CredentialID {
		return false
	}
	if options.Type != "" && event.Type != options.Type {
		return false
	}
	if options.Result != "" && event.Result != options.Result {
		return false
	}
	if options.SessionID != "" && event.SessionID != options.SessionID {
		return false
	}
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.AnomaliesOnly && !event.AnomalyDetected {
		return false
	}
	return true
}
