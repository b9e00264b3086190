package orders

import (
	"context"
	"fmt"

	"github.com/healthbridge/lab-orders/internal/cache"
	"github.com/healthbridge/lab-orders/internal/security"
	"github.com/healthbridge/lab-orders/pkg/monitoring"
	"github.com/healthbridge/lab-orders/pkg/types"
)

// SetAITrigger wires the post-commit diagnostic hand-off. Optional: without
// it, result entry simply skips the dispatch.
func (s *Service) SetAITrigger(trigger *AITrigger) {
	s.ai = trigger
}

// AddResults validates and persists the single result set for an order,
// computes per-value interpretations, completes the order and hands the
// result off to the diagnostic engine after commit.
func (s *Service) AddResults(ctx context.Context, claims *types.UserClaims, orderID string, req *types.AddResultsRequest) (*types.LabResult, error) {
	if err := validateResultValues(req.Values); err != nil {
		monitoring.RecordResultEntered("rejected")
		return nil, err
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to start result entry", err)
	}
	defer tx.Rollback()

	order, err := s.repo.GetByIDForUpdate(ctx, tx, claims.TenantID, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status != types.OrderStatusSampleCollected && order.Status != types.OrderStatusResultAwaited {
		monitoring.RecordResultEntered("rejected")
		return nil, types.NewBusinessRuleError(types.ErrCodeInvalidTransition,
			fmt.Sprintf("results cannot be entered while the order is %s", order.Status),
			map[string]interface{}{"currentStatus": string(order.Status)})
	}

	exists, err := s.repo.HasResult(ctx, claims.TenantID, orderID)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to check for existing result", err)
	}
	if exists {
		monitoring.RecordResultEntered("rejected")
		return nil, types.NewDuplicateError(types.ErrCodeDuplicateResult,
			fmt.Sprintf("a result set already exists for order %s", orderID))
	}

	// Every submitted code must belong to the order; one mismatch fails the
	// whole submission with nothing persisted.
	for _, value := range req.Values {
		if !order.HasTestCode(value.TestCode) {
			monitoring.RecordResultEntered("rejected")
			return nil, types.NewValidationError(types.ErrCodeUnknownTestCode,
				fmt.Sprintf("test code %s is not part of order %s", value.TestCode, orderID),
				map[string]interface{}{"testCode": value.TestCode})
		}
	}

	values := make([]types.ResultValue, len(req.Values))
	copy(values, req.Values)
	interpretations := InterpretAll(order, values)
	for i := range values {
		values[i].Comment = security.SanitizeString(values[i].Comment)
		values[i].StringValue = security.SanitizeString(values[i].StringValue)
		values[i].Abnormal = interpretations[i].Level.IsAbnormal()
		if test, ok := order.TestByCode(values[i].TestCode); ok && values[i].TestName == "" {
			values[i].TestName = test.Name
		}
	}

	result := &types.LabResult{
		OrderID:         orderID,
		TenantID:        claims.TenantID,
		EnteredBy:       claims.UserID,
		EnteredAt:       s.now(),
		Values:          values,
		Interpretations: interpretations,
	}

	if err := s.repo.CreateResultTx(ctx, tx, result); err != nil {
		// The primary key catches submissions that raced past the existence
		// check; surface those as duplicates, not storage failures.
		if _, ok := types.AsAppError(err); ok {
			monitoring.RecordResultEntered("rejected")
			return nil, err
		}
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to persist lab result", err)
	}

	if err := s.repo.UpdateStatusTx(ctx, tx, claims.TenantID, orderID, types.OrderStatusCompleted, claims.UserID); err != nil {
		return nil, err
	}

	err = s.audit.RecordTx(ctx, tx, &types.AuditEvent{
		EventType:    types.AuditResultEntered,
		ResourceType: "lab_result",
		ResourceID:   orderID,
		UserID:       claims.UserID,
		TenantID:     claims.TenantID,
		PatientID:    order.PatientID,
		Severity:     resultSeverity(result),
		Details: map[string]interface{}{
			"value_count":  len(values),
			"has_abnormal": result.HasAbnormal(),
			"has_critical": result.HasCritical(),
			"old_status":   string(order.Status),
			"new_status":   string(types.OrderStatusCompleted),
		},
	})
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to record result audit trail", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to commit result entry", err)
	}

	monitoring.RecordResultEntered("accepted")
	s.cache.InvalidateOrder(ctx, claims.TenantID, orderID, order.PatientID)
	s.cache.SetJSON(ctx, cache.ResultKey(claims.TenantID, orderID), result, orderCacheTTL)

	s.logger.WithFields(map[string]interface{}{
		"order_id":     orderID,
		"tenant_id":    claims.TenantID,
		"value_count":  len(values),
		"has_critical": result.HasCritical(),
	}).Info("Lab result recorded, order completed")

	// Fire-and-forget: the diagnostic hand-off must never fail result entry
	if s.ai != nil {
		s.ai.Enqueue(order, result)
	}

	return result, nil
}

// resultSeverity escalates the audit trail when interpretations are abnormal
func resultSeverity(result *types.LabResult) types.Severity {
	switch {
	case result.HasCritical():
		return types.SeverityCritical
	case result.HasAbnormal():
		return types.SeverityHigh
	default:
		return types.SeverityLow
	}
}

// validateResultValues enforces the value-list shape before anything is loaded
func validateResultValues(values []types.ResultValue) error {
	if len(values) == 0 {
		return types.NewValidationError(types.ErrCodeInvalidInput, "at least one result value is required", nil)
	}
	if len(values) > types.MaxValuesPerResult {
		return types.NewValidationError(types.ErrCodeInvalidInput,
			fmt.Sprintf("at most %d values may be submitted at once", types.MaxValuesPerResult),
			map[string]interface{}{"count": len(values)})
	}

	seen := make(map[string]bool, len(values))
	for i, value := range values {
		if value.TestCode == "" {
			return types.NewValidationError(types.ErrCodeInvalidResultValue,
				"each value requires a testCode", map[string]interface{}{"index": i})
		}
		if value.NumericValue == nil && value.StringValue == "" {
			return types.NewValidationError(types.ErrCodeInvalidResultValue,
				fmt.Sprintf("value for %s carries neither a numeric nor a string result", value.TestCode), nil)
		}
		if seen[value.TestCode] {
			return types.NewValidationError(types.ErrCodeInvalidResultValue,
				fmt.Sprintf("test code %s appears more than once in the submission", value.TestCode), nil)
		}
		seen[value.TestCode] = true
	}
	return nil
}
