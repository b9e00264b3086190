package types

import "time"

// Severity is the ordinal risk classification attached to audit events
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight returns the reporting weight of a severity level
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ComplianceCategory groups audit events for regulatory reporting
type ComplianceCategory string

const (
	CategoryClinicalDocumentation ComplianceCategory = "clinical_documentation"
	CategoryDataAccess            ComplianceCategory = "data_access"
	CategoryPatientSafety         ComplianceCategory = "patient_safety"
	CategorySecurity              ComplianceCategory = "security"
	CategoryConsent               ComplianceCategory = "consent_management"
	CategorySystem                ComplianceCategory = "system_operations"
)

// Audit event types emitted by the lab order subsystem
const (
	AuditOrderCreated       = "lab_order_created"
	AuditOrderStatusChanged = "lab_order_status_changed"
	AuditOrderDeleted       = "lab_order_deleted"
	AuditOrderAccessed      = "lab_order_accessed"
	AuditResultEntered      = "lab_result_entered"
	AuditResultAccessed     = "lab_result_accessed"
	AuditTokenResolved      = "lab_token_resolved"
	AuditDocumentAccessed   = "requisition_document_accessed"
	AuditInvalidTransition  = "invalid_status_transition_attempted"
	AuditSecurityViolation  = "security_violation_detected"
	AuditRateLimitTriggered = "rate_limit_triggered"
	AuditAIDispatched       = "ai_interpretation_dispatched"
	AuditAIFailed           = "ai_interpretation_failed"
	AuditLoggingFailure     = "audit_logging_failure"
)

// AuditEvent is a single append-only compliance trail entry
type AuditEvent struct {
	ID           string                 `json:"id"`
	EventType    string                 `json:"eventType"`
	ResourceType string                 `json:"resourceType"`
	ResourceID   string                 `json:"resourceId"`
	UserID       string                 `json:"userId"`
	TenantID     string                 `json:"tenantId"`
	PatientID    string                 `json:"patientId,omitempty"`
	Severity     Severity               `json:"severity"`
	Category     ComplianceCategory     `json:"category"`
	Details      map[string]interface{} `json:"details,omitempty"`
	IPAddress    string                 `json:"ipAddress,omitempty"`
	UserAgent    string                 `json:"userAgent,omitempty"`
	// Regulatory metadata filled in by the audit service
	ConsentStatus  string    `json:"consentStatus,omitempty"`
	RetentionYears int       `json:"retentionYears"`
	Timestamp      time.Time `json:"timestamp"`
}

// AuditFilter captures the audit search query surface
type AuditFilter struct {
	TenantID     string
	UserID       string
	EventType    string
	ResourceType string
	ResourceID   string
	PatientID    string
	Severity     Severity
	Category     ComplianceCategory
	DateFrom     time.Time
	DateTo       time.Time
	Search       string
	Page         int
	Limit        int
}

// ComplianceReport is the aggregated regulatory summary for a tenant/period
type ComplianceReport struct {
	TenantID           string             `json:"tenantId"`
	PeriodStart        time.Time          `json:"periodStart"`
	PeriodEnd          time.Time          `json:"periodEnd"`
	TotalEvents        int64              `json:"totalEvents"`
	EventsByType       map[string]int64   `json:"eventsByType"`
	EventsBySeverity   map[Severity]int64 `json:"eventsBySeverity"`
	SecurityViolations int64              `json:"securityViolations"`
	MissingConsent     int64              `json:"missingConsent"`
	AIFailures         int64              `json:"aiFailures"`
	AIDispatches       int64              `json:"aiDispatches"`
	ComplianceScore    int                `json:"complianceScore"`
	Concerns           []string           `json:"concerns"`
	Recommendations    []string           `json:"recommendations"`
	GeneratedAt        time.Time          `json:"generatedAt"`
}

// TimelineBucket is one day of audit activity
type TimelineBucket struct {
	Day      time.Time `json:"day"`
	Count    int64     `json:"count"`
	Critical int64     `json:"critical"`
}

// ActorActivity summarizes one actor's audited activity
type ActorActivity struct {
	UserID   string    `json:"userId"`
	Events   int64     `json:"events"`
	HighRisk int64     `json:"highRisk"`
	LastSeen time.Time `json:"lastSeen"`
}

// EntityFlowStep is one event in a resource's audit history
type EntityFlowStep struct {
	EventType string    `json:"eventType"`
	UserID    string    `json:"userId"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// HeatmapCell is one (day, severity) bucket of the risk heatmap
type HeatmapCell struct {
	Day      time.Time `json:"day"`
	Severity Severity  `json:"severity"`
	Count    int64     `json:"count"`
}
