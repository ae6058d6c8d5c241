package errors

import (
	"context"
	stdErrors "errors"
	"net"
	"strings"
)

// Error code constants
const (
	ErrorCodeUnknown        = "UNKNOWN_ERROR"
	ErrorCodeTimeout        = "TIMEOUT_ERROR"
	ErrorCodeCanceled       = "CANCELED_ERROR"
	ErrorCodeNetwork        = "NETWORK_ERROR"
	ErrorCodeValidation     = "VALIDATION_ERROR"
	ErrorCodeNotFound       = "NOT_FOUND_ERROR"
	ErrorCodeUnauthorized   = "UNAUTHORIZED_ERROR"
	ErrorCodeExecution      = "EXECUTION_ERROR"
	ErrorCodeConfiguration  = "CONFIGURATION_ERROR"
	ErrorCodeResource       = "RESOURCE_EXHAUSTED_ERROR"
	ErrorCodeCircuitBreaker = "CIRCUIT_BREAKER_ERROR"
	ErrorCodeRateLimit      = "RATE_LIMIT_ERROR"
	ErrorCodePanic          = "PANIC_ERROR"
)

// CategorizeError maps an error to a standardized error code
func CategorizeError(err error) string {
	if err == nil {
		return ""
	}

	var coded *Error
	if stdErrors.As(err, &coded) && coded.Code != "" {
		return coded.Code
	}

	switch {
	case stdErrors.Is(err, ErrPoolTimeout), stdErrors.Is(err, ErrPoolClosed):
		return ErrorCodeResource
	case stdErrors.Is(err, ErrInvalidStage), stdErrors.Is(err, ErrInvalidConfig):
		return ErrorCodeConfiguration
	case stdErrors.Is(err, context.DeadlineExceeded), stdErrors.Is(err, ErrTimeout):
		return ErrorCodeTimeout
	case stdErrors.Is(err, context.Canceled):
		return ErrorCodeCanceled
	}

	var netErr net.Error
	if stdErrors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCodeTimeout
		}
		return ErrorCodeNetwork
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "timed out") {
		return ErrorCodeTimeout
	}

	if strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "429") {
		return ErrorCodeRateLimit
	}

	if strings.Contains(errMsg, "network") || strings.Contains(errMsg, "connection") {
		return ErrorCodeNetwork
	}

	if strings.Contains(errMsg, "unauthorized") || strings.Contains(errMsg, "authentication") {
		return ErrorCodeUnauthorized
	}

	if strings.Contains(errMsg, "not found") || strings.Contains(errMsg, "no such") {
		return ErrorCodeNotFound
	}

	if strings.Contains(errMsg, "validation") || strings.Contains(errMsg, "invalid") {
		return ErrorCodeValidation
	}

	if strings.Contains(errMsg, "circuit breaker") {
		return ErrorCodeCircuitBreaker
	}

	if strings.Contains(errMsg, "sql") || strings.Contains(errMsg, "syntax error") {
		return ErrorCodeExecution
	}

	return ErrorCodeUnknown
}

// Describe renders an error as "<code>: <message>" for stage records.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	return CategorizeError(err) + ": " + err.Error()
}

// IsRetryable determines if an error is transient and should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if stdErrors.Is(err, context.Canceled) {
		return false
	}

	switch CategorizeError(err) {
	case ErrorCodeTimeout, ErrorCodeNetwork, ErrorCodeRateLimit, ErrorCodeResource:
		return true
	}
	return false
}
