package orders

import (
	"fmt"

	"github.com/healthbridge/lab-orders/pkg/types"
)

// ValidateTransition checks a requested status move against the order state
// machine and returns a tagged business-rule error when it is not allowed.
func ValidateTransition(from, to types.OrderStatus) error {
	if !to.IsValid() {
		return types.NewValidationError(types.ErrCodeInvalidInput,
			fmt.Sprintf("unknown order status %q", to),
			map[string]interface{}{"status": string(to)})
	}

	if !from.CanTransitionTo(to) {
		return types.NewBusinessRuleError(types.ErrCodeInvalidTransition,
			fmt.Sprintf("cannot transition order from %s to %s", from, to),
			map[string]interface{}{
				"currentStatus":   string(from),
				"requestedStatus": string(to),
			})
	}

	return nil
}
