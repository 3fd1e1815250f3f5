package errors

import (
	"net/http"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"

	// Payment errors (402xx)
	ErrInsufficientBalance ErrorCode = "40201"
	ErrInsufficientPending ErrorCode = "40202"
	ErrSpendNotAuthorized  ErrorCode = "40203"

	// Resource errors (404xx)
	ErrAgentNotFound       ErrorCode = "40401"
	ErrQuoteNotFound       ErrorCode = "40402"
	ErrReservationNotFound ErrorCode = "40403"
	ErrToolNotFound        ErrorCode = "40404"
	ErrSettlementNotFound  ErrorCode = "40405"

	// Conflict errors (409xx)
	ErrSettlementInFlight ErrorCode = "40901"

	// Expiry errors (410xx)
	ErrQuoteExpired       ErrorCode = "41001"
	ErrReservationExpired ErrorCode = "41002"

	// Server errors (500xx)
	ErrInternalServer  ErrorCode = "50001"
	ErrLedgerInvariant ErrorCode = "50002"
	ErrPayoutFailed    ErrorCode = "50201"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id"`
}

// Common errors
var (
	ErrAgentNotFoundError = &APIError{
		Code:       ErrAgentNotFound,
		Message:    "Agent not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrQuoteNotFoundError = &APIError{
		Code:       ErrQuoteNotFound,
		Message:    "Quote not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrReservationNotFoundError = &APIError{
		Code:       ErrReservationNotFound,
		Message:    "Reservation not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrSettlementNotFoundError = &APIError{
		Code:       ErrSettlementNotFound,
		Message:    "Settlement not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrInsufficientBalanceError = &APIError{
		Code:       ErrInsufficientBalance,
		Message:    "Insufficient available balance",
		HTTPStatus: http.StatusPaymentRequired,
	}

	ErrInsufficientPendingError = &APIError{
		Code:       ErrInsufficientPending,
		Message:    "Pending balance below payout minimum",
		HTTPStatus: http.StatusPaymentRequired,
	}

	ErrSettlementInFlightError = &APIError{
		Code:       ErrSettlementInFlight,
		Message:    "A settlement is already in flight for this agent",
		HTTPStatus: http.StatusConflict,
	}

	ErrQuoteExpiredError = &APIError{
		Code:       ErrQuoteExpired,
		Message:    "Quote has expired",
		HTTPStatus: http.StatusGone,
	}

	ErrReservationExpiredError = &APIError{
		Code:       ErrReservationExpired,
		Message:    "Reservation has expired",
		HTTPStatus: http.StatusGone,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewSpendDeniedError creates a payment-required error for spend paths
// blocked by a guardrail rather than a balance shortfall.
func NewSpendDeniedError(message string) *APIError {
	return &APIError{
		Code:       ErrSpendNotAuthorized,
		Message:    message,
		HTTPStatus: http.StatusPaymentRequired,
	}
}

// NewPayoutFailedError creates a sanitized payout failure error. The raw
// gateway error stays in server logs; only the correlation id reaches the
// caller so connection strings or key material can never leak.
func NewPayoutFailedError(correlationID string) *APIError {
	return &APIError{
		Code:       ErrPayoutFailed,
		Message:    "Payout failed, the settlement may be retried later",
		Details:    map[string]string{"correlation_id": correlationID},
		HTTPStatus: http.StatusBadGateway,
	}
}
