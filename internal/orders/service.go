package orders

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/healthbridge/lab-orders/internal/cache"
	"github.com/healthbridge/lab-orders/internal/security"
	"github.com/healthbridge/lab-orders/internal/token"
	"github.com/healthbridge/lab-orders/pkg/interfaces"
	"github.com/healthbridge/lab-orders/pkg/logger"
	"github.com/healthbridge/lab-orders/pkg/monitoring"
	"github.com/healthbridge/lab-orders/pkg/types"
)

// orderCacheTTL bounds how long read-through entries live
const orderCacheTTL = 5 * time.Minute

// AuditSink is the audit trail consumed by the order service
type AuditSink interface {
	Record(ctx context.Context, event *types.AuditEvent)
	RecordTx(ctx context.Context, tx *sql.Tx, event *types.AuditEvent) error
}

// Service owns the lab order lifecycle: transactional creation with
// requisition artifacts, the status state machine, token/barcode resolution
// and the cache-through read paths.
type Service struct {
	repo      *Repository
	tokens    *token.Service
	cache     *cache.Cache
	audit     AuditSink
	renderer  interfaces.DocumentRenderer
	directory interfaces.Directory
	ai        *AITrigger
	logger    *logger.Logger

	tokenTTL      time.Duration
	renderTimeout time.Duration
	now           func() time.Time
}

// NewService creates the order lifecycle service
func NewService(repo *Repository, tokens *token.Service, c *cache.Cache, audit AuditSink,
	renderer interfaces.DocumentRenderer, directory interfaces.Directory,
	tokenTTL, renderTimeout time.Duration, log *logger.Logger) *Service {
	return &Service{
		repo:          repo,
		tokens:        tokens,
		cache:         c,
		audit:         audit,
		renderer:      renderer,
		directory:     directory,
		logger:        log,
		tokenTTL:      tokenTTL,
		renderTimeout: renderTimeout,
		now:           time.Now,
	}
}

// CreatedOrder is the creation result: the persisted order plus the one-time
// token material that is never stored server-side.
type CreatedOrder struct {
	Order     *types.LabOrder `json:"order"`
	Token     string          `json:"token"`
	QRPayload string          `json:"qrPayload"`
}

// CreateOrder validates the request, allocates the tenant's next order id,
// derives the requisition token and barcode, renders the requisition document
// and persists everything in a single transaction with its audit trail.
func (s *Service) CreateOrder(ctx context.Context, claims *types.UserClaims, req *types.CreateOrderRequest) (*CreatedOrder, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	if !claims.Role.CanOrderLabTests() {
		return nil, types.NewForbiddenError(types.ErrCodeRoleNotAllowed,
			fmt.Sprintf("role %s is not authorized to order lab tests", claims.Role))
	}

	if err := s.directory.VerifyPatient(ctx, claims.TenantID, req.PatientID); err != nil {
		return nil, types.NewValidationError(types.ErrCodePatientNotFound,
			"patient does not belong to this tenant", nil)
	}
	if err := s.directory.VerifyUser(ctx, claims.TenantID, claims.UserID); err != nil {
		return nil, types.NewForbiddenError(types.ErrCodeTenantMismatch,
			"ordering user does not belong to this tenant")
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to start order creation", err)
	}
	defer tx.Rollback()

	now := s.now()
	orderID, err := s.repo.NextOrderID(ctx, tx, claims.TenantID, now.Year())
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to allocate order id", err)
	}

	accessToken, err := s.tokens.Issue(orderID, claims.UserID, s.tokenTTL, token.TypePDFAccess)
	if err != nil {
		return nil, err
	}
	qrPayload, err := s.tokens.QRPayload(orderID, accessToken)
	if err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = types.PriorityRoutine
	}

	consentBy := req.ConsentBy
	if consentBy == "" {
		consentBy = claims.UserID
	}

	order := &types.LabOrder{
		OrderID:           orderID,
		TenantID:          claims.TenantID,
		PatientID:         req.PatientID,
		OrderedBy:         claims.UserID,
		Tests:             req.Tests,
		Indication:        security.SanitizeString(req.Indication),
		Priority:          priority,
		Status:            types.OrderStatusRequested,
		Notes:             security.SanitizeString(req.Notes),
		ConsentObtained:   true,
		ConsentTimestamp:  now,
		ConsentObtainedBy: consentBy,
		BarcodeData:       s.tokens.BarcodePayload(orderID, accessToken),
		LocationID:        req.LocationID,
		CreatedBy:         claims.UserID,
		UpdatedBy:         claims.UserID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	// Rendering is part of the creation transaction: an order without its
	// requisition document must not exist.
	rendered, err := s.renderRequisition(ctx, claims, order)
	if err != nil {
		return nil, err
	}
	order.RequisitionURL = rendered.URL

	if err := s.repo.CreateTx(ctx, tx, order); err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to persist lab order", err)
	}

	err = s.audit.RecordTx(ctx, tx, &types.AuditEvent{
		EventType:    types.AuditOrderCreated,
		ResourceType: "lab_order",
		ResourceID:   orderID,
		UserID:       claims.UserID,
		TenantID:     claims.TenantID,
		PatientID:    req.PatientID,
		Details: map[string]interface{}{
			"priority":         string(priority),
			"test_count":       len(req.Tests),
			"consent_obtained": true,
			"location_id":      req.LocationID,
		},
	})
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to record creation audit trail", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to commit order creation", err)
	}

	monitoring.RecordOrderCreated(string(priority))
	s.cache.InvalidateOrder(ctx, claims.TenantID, orderID, req.PatientID)
	s.cache.SetJSON(ctx, cache.OrderKey(claims.TenantID, orderID), order, orderCacheTTL)

	s.logger.WithFields(map[string]interface{}{
		"order_id":   orderID,
		"tenant_id":  claims.TenantID,
		"patient_id": req.PatientID,
		"priority":   string(priority),
	}).Info("Lab order created")

	return &CreatedOrder{Order: order, Token: accessToken, QRPayload: qrPayload}, nil
}

// renderRequisition calls the external renderer under a bounded timeout so a
// stalled renderer cannot hold the creation transaction open indefinitely.
func (s *Service) renderRequisition(ctx context.Context, claims *types.UserClaims, order *types.LabOrder) (*interfaces.RenderedDocument, error) {
	renderCtx, cancel := context.WithTimeout(ctx, s.renderTimeout)
	defer cancel()

	patientName, err := s.directory.PatientName(renderCtx, claims.TenantID, order.PatientID)
	if err != nil {
		s.logger.WithError(err).Warn("Patient name lookup failed, rendering without it")
	}

	rendered, err := s.renderer.Render(renderCtx, interfaces.RenderContext{
		Order:        order,
		PatientName:  patientName,
		TenantName:   claims.TenantID,
		PharmacistID: claims.UserID,
	})
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeRenderFailed,
			"requisition document rendering failed", err)
	}
	return rendered, nil
}

// UpdateStatus moves an order through the state machine. Invalid transitions
// are rejected before any persistence and audited as high-risk events.
func (s *Service) UpdateStatus(ctx context.Context, claims *types.UserClaims, orderID string, newStatus types.OrderStatus, notes string) (*types.LabOrder, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to start status update", err)
	}
	defer tx.Rollback()

	order, err := s.repo.GetByIDForUpdate(ctx, tx, claims.TenantID, orderID)
	if err != nil {
		return nil, err
	}

	if err := ValidateTransition(order.Status, newStatus); err != nil {
		s.audit.Record(ctx, &types.AuditEvent{
			EventType:    types.AuditInvalidTransition,
			ResourceType: "lab_order",
			ResourceID:   orderID,
			UserID:       claims.UserID,
			TenantID:     claims.TenantID,
			PatientID:    order.PatientID,
			Severity:     types.SeverityHigh,
			Details: map[string]interface{}{
				"current_status":   string(order.Status),
				"requested_status": string(newStatus),
			},
		})
		return nil, err
	}

	if err := s.repo.UpdateStatusTx(ctx, tx, claims.TenantID, orderID, newStatus, claims.UserID); err != nil {
		return nil, err
	}
	if notes != "" {
		if err := s.repo.UpdateNotesTx(ctx, tx, claims.TenantID, orderID, security.SanitizeString(notes)); err != nil {
			return nil, err
		}
		order.Notes = security.SanitizeString(notes)
	}

	err = s.audit.RecordTx(ctx, tx, &types.AuditEvent{
		EventType:    types.AuditOrderStatusChanged,
		ResourceType: "lab_order",
		ResourceID:   orderID,
		UserID:       claims.UserID,
		TenantID:     claims.TenantID,
		PatientID:    order.PatientID,
		Details: map[string]interface{}{
			"old_status": string(order.Status),
			"new_status": string(newStatus),
		},
	})
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to record status audit trail", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to commit status update", err)
	}

	order.Status = newStatus
	order.UpdatedBy = claims.UserID
	order.UpdatedAt = s.now()
	s.cache.InvalidateOrder(ctx, claims.TenantID, orderID, order.PatientID)

	return order, nil
}

// ResolveToken verifies a requisition access token and loads the order it
// grants access to. The stored barcode payload is cross-checked best-effort:
// a mismatch is logged and audited but does not fail resolution.
func (s *Service) ResolveToken(ctx context.Context, claims *types.UserClaims, accessToken string) (*types.LabOrder, error) {
	payload, err := s.tokens.Validate(accessToken, token.TypePDFAccess)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.GetByID(ctx, claims.TenantID, payload.OrderID)
	if err != nil {
		return nil, err
	}

	if order.BarcodeData != "" && order.BarcodeData != s.tokens.BarcodePayload(order.OrderID, accessToken) {
		s.logger.WithFields(map[string]interface{}{
			"order_id": order.OrderID,
			"user_id":  claims.UserID,
		}).Warn("Barcode cross-check mismatch on token resolution")
		s.audit.Record(ctx, &types.AuditEvent{
			EventType:    types.AuditTokenResolved,
			ResourceType: "lab_order",
			ResourceID:   order.OrderID,
			UserID:       claims.UserID,
			TenantID:     claims.TenantID,
			PatientID:    order.PatientID,
			Severity:     types.SeverityMedium,
			Details:      map[string]interface{}{"barcode_mismatch": true},
		})
		return order, nil
	}

	s.audit.Record(ctx, &types.AuditEvent{
		EventType:    types.AuditTokenResolved,
		ResourceType: "lab_order",
		ResourceID:   order.OrderID,
		UserID:       claims.UserID,
		TenantID:     claims.TenantID,
		PatientID:    order.PatientID,
		Details:      map[string]interface{}{"token_subject": payload.SubjectID},
	})

	return order, nil
}

// ResolveBarcode maps a scanned barcode payload back to its order
func (s *Service) ResolveBarcode(ctx context.Context, claims *types.UserClaims, payload string) (*types.LabOrder, error) {
	orderID, fragment, err := token.SplitBarcode(payload)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.GetByID(ctx, claims.TenantID, orderID)
	if err != nil {
		return nil, err
	}

	if order.BarcodeData != "" && order.BarcodeData != orderID+fragment {
		s.logger.WithFields(map[string]interface{}{
			"order_id": orderID,
			"user_id":  claims.UserID,
		}).Warn("Scanned barcode does not match stored payload")
	}

	s.audit.Record(ctx, &types.AuditEvent{
		EventType:    types.AuditOrderAccessed,
		ResourceType: "lab_order",
		ResourceID:   orderID,
		UserID:       claims.UserID,
		TenantID:     claims.TenantID,
		PatientID:    order.PatientID,
		Details:      map[string]interface{}{"method": "barcode_scan"},
	})

	return order, nil
}

// GetOrder is the cache-through single-order read path
func (s *Service) GetOrder(ctx context.Context, claims *types.UserClaims, orderID string) (*types.LabOrder, error) {
	key := cache.OrderKey(claims.TenantID, orderID)

	var order types.LabOrder
	if s.cache.GetJSON(ctx, key, &order) {
		s.recordRead(ctx, claims, &order, true)
		return &order, nil
	}

	loaded, err := s.repo.GetByID(ctx, claims.TenantID, orderID)
	if err != nil {
		return nil, err
	}

	s.cache.SetJSON(ctx, key, loaded, orderCacheTTL)
	s.recordRead(ctx, claims, loaded, false)
	return loaded, nil
}

// GetOrdersByPatient is the cache-through patient listing read path
func (s *Service) GetOrdersByPatient(ctx context.Context, claims *types.UserClaims, patientID string) ([]*types.LabOrder, error) {
	key := cache.PatientOrdersKey(claims.TenantID, patientID)

	var orders []*types.LabOrder
	if !s.cache.GetJSON(ctx, key, &orders) {
		loaded, err := s.repo.ListByPatient(ctx, claims.TenantID, patientID)
		if err != nil {
			return nil, err
		}
		orders = loaded
		s.cache.SetJSON(ctx, key, orders, orderCacheTTL)
	}

	s.audit.Record(ctx, &types.AuditEvent{
		EventType:    types.AuditOrderAccessed,
		ResourceType: "lab_order",
		UserID:       claims.UserID,
		TenantID:     claims.TenantID,
		PatientID:    patientID,
		Details:      map[string]interface{}{"scope": "patient_listing", "count": len(orders)},
	})

	return orders, nil
}

// ListOrders is the filtered, paginated listing read path
func (s *Service) ListOrders(ctx context.Context, claims *types.UserClaims, filter *types.OrderFilter) ([]*types.LabOrder, int64, error) {
	filter.TenantID = claims.TenantID
	return s.repo.List(ctx, filter)
}

// GetResult loads an order's result set through the cache
func (s *Service) GetResult(ctx context.Context, claims *types.UserClaims, orderID string) (*types.LabResult, error) {
	key := cache.ResultKey(claims.TenantID, orderID)

	var result types.LabResult
	if !s.cache.GetJSON(ctx, key, &result) {
		loaded, err := s.repo.GetResultByOrderID(ctx, claims.TenantID, orderID)
		if err != nil {
			return nil, err
		}
		result = *loaded
		s.cache.SetJSON(ctx, key, loaded, orderCacheTTL)
	}

	s.audit.Record(ctx, &types.AuditEvent{
		EventType:    types.AuditResultAccessed,
		ResourceType: "lab_result",
		ResourceID:   orderID,
		UserID:       claims.UserID,
		TenantID:     claims.TenantID,
	})

	return &result, nil
}

// SoftDelete marks an order deleted while keeping it reachable for compliance
func (s *Service) SoftDelete(ctx context.Context, claims *types.UserClaims, orderID string) error {
	order, err := s.repo.GetByID(ctx, claims.TenantID, orderID)
	if err != nil {
		return err
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to start order deletion", err)
	}
	defer tx.Rollback()

	if err := s.repo.SoftDeleteTx(ctx, tx, claims.TenantID, orderID, claims.UserID); err != nil {
		return err
	}

	err = s.audit.RecordTx(ctx, tx, &types.AuditEvent{
		EventType:    types.AuditOrderDeleted,
		ResourceType: "lab_order",
		ResourceID:   orderID,
		UserID:       claims.UserID,
		TenantID:     claims.TenantID,
		PatientID:    order.PatientID,
		Severity:     types.SeverityMedium,
		Details:      map[string]interface{}{"status_at_deletion": string(order.Status)},
	})
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to record deletion audit trail", err)
	}

	if err := tx.Commit(); err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to commit order deletion", err)
	}

	s.cache.InvalidateOrder(ctx, claims.TenantID, orderID, order.PatientID)
	return nil
}

// RecordDocumentAccess audits a requisition document read
func (s *Service) RecordDocumentAccess(ctx context.Context, claims *types.UserClaims, order *types.LabOrder) {
	s.audit.Record(ctx, &types.AuditEvent{
		EventType:    types.AuditDocumentAccessed,
		ResourceType: "requisition_document",
		ResourceID:   order.OrderID,
		UserID:       claims.UserID,
		TenantID:     claims.TenantID,
		PatientID:    order.PatientID,
	})
}

// recordRead audits a single-order read as low-risk data access
func (s *Service) recordRead(ctx context.Context, claims *types.UserClaims, order *types.LabOrder, fromCache bool) {
	s.audit.Record(ctx, &types.AuditEvent{
		EventType:    types.AuditOrderAccessed,
		ResourceType: "lab_order",
		ResourceID:   order.OrderID,
		UserID:       claims.UserID,
		TenantID:     claims.TenantID,
		PatientID:    order.PatientID,
		Details:      map[string]interface{}{"from_cache": fromCache},
	})
}

// validateCreateRequest enforces the creation preconditions: consent, a
// bounded unique test list and a clinical indication.
func validateCreateRequest(req *types.CreateOrderRequest) error {
	if req.PatientID == "" {
		return types.NewValidationError(types.ErrCodeInvalidInput, "patientId is required", nil)
	}

	if !req.ConsentObtained {
		return types.NewValidationError(types.ErrCodeConsentRequired,
			"patient consent must be obtained before ordering lab tests", nil)
	}

	if len(req.Tests) == 0 {
		return types.NewValidationError(types.ErrCodeInvalidInput, "at least one test is required", nil)
	}
	if len(req.Tests) > types.MaxTestsPerOrder {
		return types.NewValidationError(types.ErrCodeInvalidInput,
			fmt.Sprintf("at most %d tests may be ordered at once", types.MaxTestsPerOrder),
			map[string]interface{}{"count": len(req.Tests)})
	}

	seen := make(map[string]bool, len(req.Tests))
	for i, test := range req.Tests {
		if test.Name == "" || test.Code == "" || test.SpecimenType == "" {
			return types.NewValidationError(types.ErrCodeInvalidInput,
				"each test requires name, code and specimenType",
				map[string]interface{}{"index": i})
		}
		if seen[test.Code] {
			return types.NewValidationError(types.ErrCodeDuplicateTestCode,
				fmt.Sprintf("test code %s appears more than once", test.Code), nil)
		}
		seen[test.Code] = true
	}

	if req.Indication == "" {
		return types.NewValidationError(types.ErrCodeInvalidInput, "clinical indication is required", nil)
	}

	if req.Priority != "" && !req.Priority.IsValid() {
		return types.NewValidationError(types.ErrCodeInvalidInput,
			fmt.Sprintf("unknown priority %q", req.Priority), nil)
	}

	return nil
}
