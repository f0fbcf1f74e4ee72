package errors

// ErrorCode represents a machine-readable error identifier for frontend error handling.
type ErrorCode string

// Validation Errors (Request input validation)
const (
	ErrCodeMissingField       ErrorCode = "missing_field"
	ErrCodeInvalidField       ErrorCode = "invalid_field"
	ErrCodeInvalidAmount      ErrorCode = "invalid_amount"
	ErrCodeInvalidEmail       ErrorCode = "invalid_email"
	ErrCodeAmountBelowMinimum ErrorCode = "amount_below_minimum"
)

// Inventory Errors
const (
	ErrCodeVoucherSoldOut ErrorCode = "voucher_sold_out"
	ErrCodeProductUnknown ErrorCode = "product_unknown"
)

// Resource/State Errors (Resource not found or in wrong state)
const (
	ErrCodeTransactionNotFound ErrorCode = "transaction_not_found"
	ErrCodeTransactionPending  ErrorCode = "transaction_pending"
)

// Idempotency Errors
const (
	ErrCodeIdempotencyMismatch ErrorCode = "idempotency_key_reused"
	ErrCodeRequestInProgress   ErrorCode = "request_in_progress"
)

// Authentication Errors
const (
	ErrCodeUnauthorized     ErrorCode = "unauthorized"
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
)

// Gateway Errors (Flip bill API)
const (
	ErrCodeGatewayError      ErrorCode = "gateway_error"
	ErrCodeGatewayValidation ErrorCode = "gateway_validation"
	ErrCodeNetworkError      ErrorCode = "network_error"
)

// Internal/System Errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are typically transient network/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeGatewayError,
		ErrCodeNetworkError,
		ErrCodeTransactionPending,
		ErrCodeRequestInProgress:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - Client validation errors
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidEmail,
		ErrCodeAmountBelowMinimum,
		ErrCodeProductUnknown:
		return 400

	// 401 Unauthorized - Missing or wrong credentials
	case ErrCodeUnauthorized,
		ErrCodeInvalidSignature:
		return 401

	// 404 Not Found - Transaction unknown or not yet reconciled
	case ErrCodeTransactionNotFound,
		ErrCodeTransactionPending:
		return 404

	// 409 Conflict - Inventory exhausted or duplicate in flight
	case ErrCodeVoucherSoldOut,
		ErrCodeRequestInProgress:
		return 409

	// 422 Unprocessable - Gateway rejected the bill fields, or a reused key
	case ErrCodeGatewayValidation,
		ErrCodeIdempotencyMismatch:
		return 422

	// 502 Bad Gateway - External service errors
	case ErrCodeGatewayError,
		ErrCodeNetworkError:
		return 502

	// 500 Internal Server Error - System/internal errors
	default:
		return 500
	}
}
