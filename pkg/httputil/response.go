package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/healthbridge/lab-orders/pkg/types"
)

// SuccessResponse is the envelope for successful responses
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse is the envelope for error responses
type ErrorResponse struct {
	Success bool                   `json:"success"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteSuccess writes a success envelope with the given status code
func WriteSuccess(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(SuccessResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// WriteError maps the error to its HTTP status and writes an error envelope.
// Non-AppError values are masked as internal errors so internals never leak.
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := types.AsAppError(err)
	if !ok {
		appErr = types.NewInternalError(types.ErrCodeInternalError, "an unexpected error occurred", err)
	}

	w.Header().Set("Content-Type", "application/json")
	if appErr.Kind == types.ErrorKindRateLimit && appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(appErr.RetryAfter))
	}
	w.WriteHeader(appErr.HTTPStatus())

	message := appErr.Message
	if appErr.Kind == types.ErrorKindInternal {
		message = "an unexpected error occurred"
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Success: false,
		Code:    appErr.Code,
		Message: message,
		Details: appErr.Details,
	})
}
