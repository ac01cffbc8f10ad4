package errors

import (
	"encoding/json"
	"strings"
)

// ErrorCode is a machine-readable error classification carried in API responses
type ErrorCode string

const (
	// Client errors (4xx)
	ErrCodeBadRequest       ErrorCode = "bad_request"
	ErrCodeNotFound         ErrorCode = "not_found"
	ErrCodeValidationFailed ErrorCode = "validation_failed"
	ErrCodeUnauthorized     ErrorCode = "unauthorized"
	ErrCodeForbidden        ErrorCode = "forbidden"

	// Conflicts (409)
	ErrCodeInvalidState          ErrorCode = "invalid_state"
	ErrCodeIdempotencyInProgress ErrorCode = "idempotency_in_progress"
	ErrCodeReplayDetected        ErrorCode = "replay_detected"
	ErrCodeTokenConsumed         ErrorCode = "token_consumed"

	// Business blocks (422)
	ErrCodeBlockedAnomaly      ErrorCode = "blocked_anomaly"
	ErrCodeBlockedDiscrepancy  ErrorCode = "blocked_discrepancy"
	ErrCodeInsufficientFunds   ErrorCode = "insufficient_funds"
	ErrCodeTokenInvalid        ErrorCode = "token_invalid"
	ErrCodeDestinationRejected ErrorCode = "destination_rejected"

	// Server errors (5xx)
	ErrCodeInternalError    ErrorCode = "internal_error"
	ErrCodeDatabaseError    ErrorCode = "database_error"
	ErrCodeIntegrityFailure ErrorCode = "integrity_failure"
	ErrCodeReleasesDisabled ErrorCode = "releases_disabled"
)

// APIError is the standard error body returned by every endpoint
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	data, err := json.Marshal(e)
	if err != nil {
		return string(e.Code) + ": " + e.Message
	}
	return string(data)
}

// New creates an APIError with an explicit code
func New(code ErrorCode, message string, details ...string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: strings.Join(details, ", "),
	}
}

func NewBadRequestError(message string, details ...string) *APIError {
	return New(ErrCodeBadRequest, message, details...)
}

func NewNotFoundError(message string, details ...string) *APIError {
	return New(ErrCodeNotFound, message, details...)
}

func NewValidationError(message string, details ...string) *APIError {
	return New(ErrCodeValidationFailed, message, details...)
}

func NewUnauthorizedError(message string, details ...string) *APIError {
	return New(ErrCodeUnauthorized, message, details...)
}

func NewForbiddenError(message string, details ...string) *APIError {
	return New(ErrCodeForbidden, message, details...)
}

func NewInternalError(message string, details ...string) *APIError {
	return New(ErrCodeInternalError, message, details...)
}
