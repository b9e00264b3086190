package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/healthbridge/lab-orders/pkg/config"
	"github.com/healthbridge/lab-orders/pkg/interfaces"
	"github.com/healthbridge/lab-orders/pkg/logger"
	"github.com/healthbridge/lab-orders/pkg/monitoring"
	"github.com/healthbridge/lab-orders/pkg/types"
)

// Execer is satisfied by *sql.DB and *sql.Tx so audit writes can join the
// caller's transaction when a state change and its trail must commit together.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Service is the append-only audit and compliance logger. Events are
// normalized, persisted, and escalated to the alert channel when critical.
type Service struct {
	db       *sql.DB
	cfg      *config.AuditConfig
	notifier interfaces.Notifier
	logger   *logger.Logger
}

// NewService creates the audit service
func NewService(db *sql.DB, cfg *config.AuditConfig, notifier interfaces.Notifier, log *logger.Logger) *Service {
	return &Service{
		db:       db,
		cfg:      cfg,
		notifier: notifier,
		logger:   log,
	}
}

const insertEventQuery = `
	INSERT INTO audit_events (
		id, event_type, resource_type, resource_id, user_id, tenant_id,
		patient_id, severity, category, details, ip_address, user_agent,
		consent_status, retention_years, timestamp
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

// Record persists an audit event. Failures are logged and counted but never
// propagated: a broken trail must not fail the user-facing operation.
func (s *Service) Record(ctx context.Context, event *types.AuditEvent) {
	if err := s.insert(ctx, s.db, event); err != nil {
		monitoring.RecordAuditWriteFailure()
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"event_type": event.EventType,
			"resource":   event.ResourceID,
		}).Error("Failed to persist audit event")
		s.logger.Security(types.AuditLoggingFailure, event.UserID, map[string]interface{}{
			"event_type": event.EventType,
		})
	}
}

// RecordTx persists an audit event inside the caller's transaction. Unlike
// Record it returns the error, because the caller's state change must not
// commit without its trail.
func (s *Service) RecordTx(ctx context.Context, tx *sql.Tx, event *types.AuditEvent) error {
	return s.insert(ctx, tx, event)
}

func (s *Service) insert(ctx context.Context, execer Execer, event *types.AuditEvent) error {
	s.normalize(event)

	var details interface{}
	if event.Details != nil {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
		details = raw
	}

	_, err := execer.ExecContext(ctx, insertEventQuery,
		event.ID,
		event.EventType,
		event.ResourceType,
		nullable(event.ResourceID),
		event.UserID,
		event.TenantID,
		nullable(event.PatientID),
		string(event.Severity),
		string(event.Category),
		details,
		nullable(event.IPAddress),
		nullable(event.UserAgent),
		nullable(event.ConsentStatus),
		event.RetentionYears,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	if event.Severity == types.SeverityCritical {
		s.escalate(ctx, event)
	}

	return nil
}

// normalize fills identity, timestamp, severity, compliance category and the
// regulatory retention metadata derived from the resource type.
func (s *Service) normalize(event *types.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = types.SeverityLow
	}
	if event.Category == "" {
		event.Category = categoryFor(event.ResourceType, event.EventType)
	}
	if event.RetentionYears == 0 {
		event.RetentionYears = s.retentionFor(event.Category)
	}
	if event.ConsentStatus == "" {
		if consent, ok := event.Details["consent_obtained"].(bool); ok {
			if consent {
				event.ConsentStatus = "granted"
			} else {
				event.ConsentStatus = "missing"
			}
		}
	}
}

// categoryFor classifies an event when the caller did not
func categoryFor(resourceType, eventType string) types.ComplianceCategory {
	switch {
	case eventType == types.AuditSecurityViolation || eventType == types.AuditRateLimitTriggered:
		return types.CategorySecurity
	case resourceType == "lab_order" || resourceType == "lab_result":
		if strings.Contains(eventType, "accessed") || strings.Contains(eventType, "resolved") {
			return types.CategoryDataAccess
		}
		return types.CategoryClinicalDocumentation
	case resourceType == "requisition_document":
		return types.CategoryDataAccess
	default:
		return types.CategorySystem
	}
}

// retentionFor maps a compliance category to its regulatory retention period
func (s *Service) retentionFor(category types.ComplianceCategory) int {
	switch category {
	case types.CategoryClinicalDocumentation, types.CategoryPatientSafety, types.CategoryConsent:
		return s.cfg.ClinicalRetentionYears
	case types.CategorySecurity:
		return s.cfg.SecurityRetentionYears
	default:
		return s.cfg.AccessRetentionYears
	}
}

// escalate pushes a critical event to the operational alert channel.
// Delivery failures are logged only.
func (s *Service) escalate(ctx context.Context, event *types.AuditEvent) {
	if s.notifier == nil {
		return
	}

	alert := &interfaces.Alert{
		TenantID:  event.TenantID,
		UserID:    event.UserID,
		PatientID: event.PatientID,
		Kind:      "critical_audit_event",
		Severity:  types.SeverityCritical,
		Message:   fmt.Sprintf("critical audit event: %s on %s %s", event.EventType, event.ResourceType, event.ResourceID),
		Details:   event.Details,
	}

	if err := s.notifier.Notify(ctx, alert); err != nil {
		s.logger.WithError(err).Warn("Failed to deliver critical audit alert")
	}
}

// Search returns a filtered, paginated slice of the audit trail plus the
// total match count.
func (s *Service) Search(ctx context.Context, filter *types.AuditFilter) ([]*types.AuditEvent, int64, error) {
	where, args := buildWhere(filter)

	var total int64
	countQuery := "SELECT COUNT(*) FROM audit_events" + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	query := `
		SELECT id, event_type, resource_type, COALESCE(resource_id, ''),
			user_id, tenant_id, COALESCE(patient_id, ''), severity, category,
			details, COALESCE(ip_address::text, ''), COALESCE(user_agent, ''),
			COALESCE(consent_status, ''), retention_years, timestamp
		FROM audit_events` + where +
		fmt.Sprintf(" ORDER BY timestamp DESC LIMIT %d OFFSET %d", limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*types.AuditEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}
	return events, total, rows.Err()
}

// buildWhere assembles the filter clause shared by Search and the report queries
func buildWhere(filter *types.AuditFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	add := func(condition string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if filter.PatientID != "" {
		add("patient_id = $%d", filter.PatientID)
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if filter.Category != "" {
		add("category = $%d", string(filter.Category))
	}
	if !filter.DateFrom.IsZero() {
		add("timestamp >= $%d", filter.DateFrom)
	}
	if !filter.DateTo.IsZero() {
		add("timestamp <= $%d", filter.DateTo)
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		n := len(args)
		conditions = append(conditions, fmt.Sprintf("(event_type ILIKE $%d OR details::text ILIKE $%d)", n, n))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*types.AuditEvent, error) {
	var event types.AuditEvent
	var severity, category string
	var details []byte

	err := row.Scan(
		&event.ID, &event.EventType, &event.ResourceType, &event.ResourceID,
		&event.UserID, &event.TenantID, &event.PatientID, &severity, &category,
		&details, &event.IPAddress, &event.UserAgent, &event.ConsentStatus,
		&event.RetentionYears, &event.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}

	event.Severity = types.Severity(severity)
	event.Category = types.ComplianceCategory(category)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &event.Details); err != nil {
			return nil, fmt.Errorf("failed to decode event details: %w", err)
		}
	}
	return &event, nil
}

// nullable maps empty strings to SQL NULL
func nullable(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
