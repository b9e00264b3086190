package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents different categories of errors
type ErrorKind string

const (
	ErrorKindValidation   ErrorKind = "validation"
	ErrorKindNotFound     ErrorKind = "not_found"
	ErrorKindBusinessRule ErrorKind = "business_rule"
	ErrorKindDuplicate    ErrorKind = "duplicate"
	ErrorKindForbidden    ErrorKind = "forbidden"
	ErrorKindUnauthorized ErrorKind = "unauthorized"
	ErrorKindRateLimit    ErrorKind = "rate_limit"
	ErrorKindInternal     ErrorKind = "internal"
)

// statusByKind is the single place an error kind is mapped to an HTTP status.
var statusByKind = map[ErrorKind]int{
	ErrorKindValidation:   http.StatusBadRequest,
	ErrorKindNotFound:     http.StatusNotFound,
	ErrorKindBusinessRule: http.StatusConflict,
	ErrorKindDuplicate:    http.StatusConflict,
	ErrorKindForbidden:    http.StatusForbidden,
	ErrorKindUnauthorized: http.StatusUnauthorized,
	ErrorKindRateLimit:    http.StatusTooManyRequests,
	ErrorKindInternal:     http.StatusInternalServerError,
}

// AppError represents a structured error in the lab order service
type AppError struct {
	Kind    ErrorKind              `json:"kind"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	// RetryAfter is the client back-off hint in seconds, set for rate-limit errors
	RetryAfter int   `json:"retry_after,omitempty"`
	Cause      error `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status for the error's kind
func (e *AppError) HTTPStatus() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// AsAppError extracts an *AppError from an error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HTTPStatus returns the HTTP status for any error; unknown errors map to 500
func HTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// NewValidationError creates a new validation error
func NewValidationError(code, message string, details map[string]interface{}) *AppError {
	return &AppError{Kind: ErrorKindValidation, Code: code, Message: message, Details: details}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(code, message string) *AppError {
	return &AppError{Kind: ErrorKindNotFound, Code: code, Message: message}
}

// NewBusinessRuleError creates a new business rule violation error
func NewBusinessRuleError(code, message string, details map[string]interface{}) *AppError {
	return &AppError{Kind: ErrorKindBusinessRule, Code: code, Message: message, Details: details}
}

// NewDuplicateError creates a new duplicate resource error
func NewDuplicateError(code, message string) *AppError {
	return &AppError{Kind: ErrorKindDuplicate, Code: code, Message: message}
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(code, message string) *AppError {
	return &AppError{Kind: ErrorKindForbidden, Code: code, Message: message}
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(code, message string) *AppError {
	return &AppError{Kind: ErrorKindUnauthorized, Code: code, Message: message}
}

// NewRateLimitError creates a new rate limit error with a retry hint in seconds
func NewRateLimitError(code, message string, retryAfter int) *AppError {
	return &AppError{Kind: ErrorKindRateLimit, Code: code, Message: message, RetryAfter: retryAfter}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *AppError {
	return &AppError{Kind: ErrorKindInternal, Code: code, Message: message, Cause: cause}
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeConsentRequired    = "CONSENT_REQUIRED"
	ErrCodeUnknownTestCode    = "UNKNOWN_TEST_CODE"
	ErrCodeDuplicateTestCode  = "DUPLICATE_TEST_CODE"
	ErrCodeInvalidTransition  = "INVALID_STATUS_TRANSITION"
	ErrCodeDuplicateResult    = "DUPLICATE_RESULT"
	ErrCodeOrderNotFound      = "ORDER_NOT_FOUND"
	ErrCodeResultNotFound     = "RESULT_NOT_FOUND"
	ErrCodePatientNotFound    = "PATIENT_NOT_FOUND"
	ErrCodeTenantMismatch     = "TENANT_MISMATCH"
	ErrCodeRoleNotAllowed     = "ROLE_NOT_ALLOWED"
	ErrCodeTokenMissing       = "TOKEN_MISSING"
	ErrCodeTokenMalformed     = "TOKEN_MALFORMED"
	ErrCodeTokenSignature     = "TOKEN_SIGNATURE_INVALID"
	ErrCodeTokenExpired       = "TOKEN_EXPIRED"
	ErrCodeTokenWrongType     = "TOKEN_WRONG_TYPE"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeBurstLimited       = "BURST_LIMIT_EXCEEDED"
	ErrCodeActorBlocked       = "ACTOR_TEMPORARILY_BLOCKED"
	ErrCodeThreatDetected     = "THREAT_DETECTED"
	ErrCodeRenderFailed       = "DOCUMENT_RENDER_FAILED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeInvalidResultValue = "INVALID_RESULT_VALUE"
)
