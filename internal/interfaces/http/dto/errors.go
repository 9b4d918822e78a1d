package dto

import "net/http"

// Error code constants organized by category
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	// ErrCodeUnknown is used when the error type is unknown
	ErrCodeUnknown = "ERR_UNKNOWN"
	// ErrCodeInternal is used for internal server errors
	ErrCodeInternal = "ERR_INTERNAL"
)

// Input error codes
const (
	// ErrCodeValidation is the base code for validation errors
	ErrCodeValidation = "ERR_VALIDATION"
	// ErrCodeBadRequest is used for malformed requests
	ErrCodeBadRequest = "ERR_BAD_REQUEST"
	// ErrCodeInvalidJSON is used when JSON parsing fails
	ErrCodeInvalidJSON = "ERR_INVALID_JSON"
)

// Resource error codes
const (
	// ErrCodeNotFound is used when a resource is not found
	ErrCodeNotFound = "ERR_NOT_FOUND"
	// ErrCodeAlreadyExists is used when trying to create a duplicate resource
	ErrCodeAlreadyExists = "ERR_ALREADY_EXISTS"
	// ErrCodeConflict is used for general resource conflicts
	ErrCodeConflict = "ERR_CONFLICT"
	// ErrCodeDuplicateRequest is used when an Idempotency-Key replays
	ErrCodeDuplicateRequest = "ERR_DUPLICATE_REQUEST"
)

// Recording error codes
const (
	// ErrCodeCapacityExceeded is used when a site's pending buffer is full
	ErrCodeCapacityExceeded = "ERR_CAPACITY_EXCEEDED"
	// ErrCodeBusinessRule is used when the ledger rejects on business rules
	ErrCodeBusinessRule = "ERR_BUSINESS_RULE"
	// ErrCodeLedgerRejected is used for uncategorized ledger rejections
	ErrCodeLedgerRejected = "ERR_LEDGER_REJECTED"
	// ErrCodeIdentifierCollision is used when identifier re-keying gave up
	ErrCodeIdentifierCollision = "ERR_IDENTIFIER_COLLISION"
	// ErrCodeNotRetryable is used for retry attempts on non-failed operations
	ErrCodeNotRetryable = "ERR_NOT_RETRYABLE"
)

// Rate limiting error codes
const (
	// ErrCodeRateLimited is used when rate limit is exceeded
	ErrCodeRateLimited = "ERR_RATE_LIMITED"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:  http.StatusInternalServerError,
	ErrCodeInternal: http.StatusInternalServerError,

	ErrCodeValidation:  http.StatusBadRequest,
	ErrCodeBadRequest:  http.StatusBadRequest,
	ErrCodeInvalidJSON: http.StatusBadRequest,

	ErrCodeNotFound:         http.StatusNotFound,
	ErrCodeAlreadyExists:    http.StatusConflict,
	ErrCodeConflict:         http.StatusConflict,
	ErrCodeDuplicateRequest: http.StatusConflict,

	// A full buffer is back-pressure, not a client mistake
	ErrCodeCapacityExceeded:    http.StatusTooManyRequests,
	ErrCodeBusinessRule:        http.StatusUnprocessableEntity,
	ErrCodeLedgerRejected:      http.StatusUnprocessableEntity,
	ErrCodeIdentifierCollision: http.StatusConflict,
	ErrCodeNotRetryable:        http.StatusUnprocessableEntity,

	ErrCodeRateLimited: http.StatusTooManyRequests,
}

// GetHTTPStatus returns the HTTP status code for an error code.
// Returns 500 Internal Server Error if the error code is not found.
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DomainErrorCodeMapping maps domain error codes to API error codes
var DomainErrorCodeMapping = map[string]string{
	"NOT_FOUND":            ErrCodeNotFound,
	"ALREADY_EXISTS":       ErrCodeAlreadyExists,
	"INVALID_INPUT":        ErrCodeBadRequest,
	"VALIDATION_FAILED":    ErrCodeValidation,
	"CAPACITY_EXCEEDED":    ErrCodeCapacityExceeded,
	"BUSINESS_RULE_FAILED": ErrCodeBusinessRule,
	"LEDGER_REJECTED":      ErrCodeLedgerRejected,
	"IDENTIFIER_COLLISION": ErrCodeIdentifierCollision,
	"NOT_RETRYABLE":        ErrCodeNotRetryable,
	"INVALID_STATE":        ErrCodeConflict,
	"UNKNOWN_SITE":         ErrCodeBadRequest,
}

// NormalizeErrorCode converts a domain error code to the API format.
// Unmapped codes pass through as-is.
func NormalizeErrorCode(code string) string {
	if apiCode, ok := DomainErrorCodeMapping[code]; ok {
		return apiCode
	}
	return code
}
