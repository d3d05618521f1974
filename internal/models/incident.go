package models

import "time"

type IncidentStatus string

const (
	IncidentOpen               IncidentStatus = "Open"
	IncidentUnderInvestigation IncidentStatus = "UnderInvestigation"
	IncidentContained          IncidentStatus = "Contained"
	IncidentResolved           IncidentStatus = "Resolved"
	IncidentClosed             IncidentStatus = "Closed"
)

// Rank is the position of the status in the incident lifecycle, or -1.
func (s IncidentStatus) Rank() int {
	switch s {
	case IncidentOpen:
		return 0
	case IncidentUnderInvestigation:
		return 1
	case IncidentContained:
		return 2
	case IncidentResolved:
		return 3
	case IncidentClosed:
		return 4
	}
	return -1
}

type BreachIncident struct {
	Base
	IncidentID                     string         `json:"incident_id" db:"incident_id"`
	BreachType                     string         `json:"breach_type" db:"breach_type"`
	Severity                       Severity       `json:"severity" db:"severity"`
	Description                    string         `json:"description" db:"description"`
	DetectedDate                   time.Time      `json:"detected_date" db:"detected_date"`
	Status                         IncidentStatus `json:"status" db:"status"`
	AffectedUserIDs                StringArray    `json:"affected_user_ids" db:"affected_user_ids"`
	AffectedRecordCount            int            `json:"affected_record_count" db:"affected_record_count"`
	DataCategories                 StringArray    `json:"data_categories" db:"data_categories"`
	ContainmentActions             StringArray    `json:"containment_actions" db:"containment_actions"`
	RootCause                      string         `json:"root_cause" db:"root_cause"`
	RequiresRegulatoryNotification bool           `json:"requires_regulatory_notification" db:"requires_regulatory_notification"`
	RegulatoryNotificationDate     *time.Time     `json:"regulatory_notification_date,omitempty" db:"regulatory_notification_date"`
	RequiresUserNotification       bool           `json:"requires_user_notification" db:"requires_user_notification"`
	UserNotificationDate           *time.Time     `json:"user_notification_date,omitempty" db:"user_notification_date"`
	ResolvedDate                   *time.Time     `json:"resolved_date,omitempty" db:"resolved_date"`
	ClosedDate                     *time.Time     `json:"closed_date,omitempty" db:"closed_date"`
	ResolutionNotes                string         `json:"resolution_notes" db:"resolution_notes"`
	ReopenCount                    int            `json:"reopen_count" db:"reopen_count"`
	Version                        int64          `json:"version" db:"version"`
}

type IncidentFilter struct {
	Statuses []IncidentStatus
	Severity Severity
	Since    *time.Time
	Limit    int
	Offset   int
}

type SecurityEvent struct {
	Base
	EventType   string     `json:"event_type" db:"event_type"`
	Severity    Severity   `json:"severity" db:"severity"`
	UserID      string     `json:"user_id" db:"user_id"`
	IPAddress   string     `json:"ip_address" db:"ip_address"`
	UserAgent   string     `json:"user_agent" db:"user_agent"`
	Description string     `json:"description" db:"description"`
	Details     Metadata   `json:"details" db:"details"`
	IsResolved  bool       `json:"is_resolved" db:"is_resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy  string     `json:"resolved_by" db:"resolved_by"`
}

type SecurityEventFilter struct {
	UnresolvedOnly bool
	EventType      string
	Since          *time.Time
	Limit          int
}

type AccessAttempt struct {
	Base
	UserID        string    `json:"user_id" db:"user_id"`
	Email         string    `json:"email" db:"email"`
	IPAddress     string    `json:"ip_address" db:"ip_address"`
	UserAgent     string    `json:"user_agent" db:"user_agent"`
	Success       bool      `json:"success" db:"success"`
	FailureReason string    `json:"failure_reason" db:"failure_reason"`
	AttemptedAt   time.Time `json:"attempted_at" db:"attempted_at"`
}

type IPAction string

const (
	IPAllow IPAction = "allow"
	IPBlock IPAction = "block"
)

type IPAccessControl struct {
	Base
	IPAddress string     `json:"ip_address" db:"ip_address"`
	Action    IPAction   `json:"action" db:"action"`
	Reason    string     `json:"reason" db:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	IsActive  bool       `json:"is_active" db:"is_active"`
}

type ThreatIntelligence struct {
	Base
	Indicator     string    `json:"indicator" db:"indicator"`
	IndicatorType string    `json:"indicator_type" db:"indicator_type"`
	ThreatType    string    `json:"threat_type" db:"threat_type"`
	Severity      Severity  `json:"severity" db:"severity"`
	Source        string    `json:"source" db:"source"`
	FirstSeen     time.Time `json:"first_seen" db:"first_seen"`
	LastSeen      time.Time `json:"last_seen" db:"last_seen"`
	IsActive      bool      `json:"is_active" db:"is_active"`
}

type AlertType string

const (
	AlertRetentionViolation     AlertType = "retention_violation"
	AlertIncidentSLA            AlertType = "incident_sla_breach"
	AlertRegulatoryDeadline     AlertType = "regulatory_notification_overdue"
	AlertJobFailed              AlertType = "retention_job_failed"
	AlertNotificationDelivery   AlertType = "notification_delivery_failure"
	AlertSchedulerTick          AlertType = "scheduler_tick_failure"
	AlertAuditChainBroken       AlertType = "audit_chain_broken"
	AlertSecurityEventEscalated AlertType = "security_event_escalated"
)

type ComplianceAlert struct {
	Base
	AlertType         AlertType  `json:"alert_type" db:"alert_type"`
	Severity          Severity   `json:"severity" db:"severity"`
	Title             string     `json:"title" db:"title"`
	Message           string     `json:"message" db:"message"`
	RelatedEntityType string     `json:"related_entity_type" db:"related_entity_type"`
	RelatedEntityID   string     `json:"related_entity_id" db:"related_entity_id"`
	IsResolved        bool       `json:"is_resolved" db:"is_resolved"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy        string     `json:"resolved_by" db:"resolved_by"`
}

type DataRequestType string

const (
	DataRequestExport        DataRequestType = "export"
	DataRequestErasure       DataRequestType = "erasure"
	DataRequestRectification DataRequestType = "rectification"
)

type DataRequestStatus string

const (
	DataRequestPending   DataRequestStatus = "pending"
	DataRequestCompleted DataRequestStatus = "completed"
	DataRequestRejected  DataRequestStatus = "rejected"
)

type DataRequest struct {
	Base
	UserID      string            `json:"user_id" db:"user_id"`
	RequestType DataRequestType   `json:"request_type" db:"request_type"`
	Status      DataRequestStatus `json:"status" db:"status"`
	CompletedAt *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}
