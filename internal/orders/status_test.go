package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/healthbridge/lab-orders/pkg/types"
)

func TestValidateTransition_Table(t *testing.T) {
	statuses := []types.OrderStatus{
		types.OrderStatusRequested,
		types.OrderStatusSampleCollected,
		types.OrderStatusResultAwaited,
		types.OrderStatusCompleted,
		types.OrderStatusReferred,
	}

	allowed := map[types.OrderStatus]map[types.OrderStatus]bool{
		types.OrderStatusRequested: {
			types.OrderStatusSampleCollected: true,
			types.OrderStatusReferred:        true,
		},
		types.OrderStatusSampleCollected: {
			types.OrderStatusResultAwaited: true,
			types.OrderStatusReferred:      true,
		},
		types.OrderStatusResultAwaited: {
			types.OrderStatusCompleted: true,
			types.OrderStatusReferred:  true,
		},
		types.OrderStatusCompleted: {
			types.OrderStatusReferred: true,
		},
		types.OrderStatusReferred: {},
	}

	for _, from := range statuses {
		for _, to := range statuses {
			err := ValidateTransition(from, to)
			if allowed[from][to] {
				assert.NoError(t, err, "%s -> %s should be legal", from, to)
				continue
			}

			assert.Error(t, err, "%s -> %s should be rejected", from, to)
			appErr, ok := types.AsAppError(err)
			if assert.True(t, ok) {
				assert.Equal(t, types.ErrorKindBusinessRule, appErr.Kind)
				assert.Equal(t, types.ErrCodeInvalidTransition, appErr.Code)
			}
		}
	}
}

func TestValidateTransition_UnknownStatus(t *testing.T) {
	err := ValidateTransition(types.OrderStatusRequested, types.OrderStatus("archived"))

	appErr, ok := types.AsAppError(err)
	assert.True(t, ok)
	assert.Equal(t, types.ErrorKindValidation, appErr.Kind)
}
