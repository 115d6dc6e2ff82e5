package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the platform-wide taxonomy. Every runner and
// service maps its failures onto one of these kinds so the engine can apply a
// uniform retry/continue/stop policy and the HTTP layer a uniform status code.
type Kind string

const (
	KindValidation     Kind = "VALIDATION_ERROR"
	KindNotFound       Kind = "NOT_FOUND"
	KindConflict       Kind = "CONFLICT"
	KindAuth           Kind = "AUTH_ERROR"
	KindRateLimit      Kind = "RATE_LIMIT"
	KindTimeout        Kind = "TIMEOUT"
	KindNetwork        Kind = "NETWORK_ERROR"
	KindModel          Kind = "MODEL_ERROR"
	KindResponse       Kind = "RESPONSE_ERROR"
	KindState          Kind = "STATE_ERROR"
	KindNotImplemented Kind = "NOT_IMPLEMENTED"
	KindInternal       Kind = "INTERNAL"
)

// Error is a structured error carrying a taxonomy kind, a short actionable
// message, and optional structured details for the execution record.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a structured error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a structured error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured details and returns the error for chaining.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// KindOf extracts the taxonomy kind from an error chain.
// Unclassified errors are INTERNAL.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailsOf extracts structured details from an error chain, if any.
func DetailsOf(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// HTTPStatus maps a taxonomy kind onto an HTTP status code.
// 4xx means the caller can correct the request; 5xx is a server fault.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindState:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the engine may retry an operation that failed
// with this kind, subject to the node's retry policy.
func Retryable(kind Kind) bool {
	switch kind {
	case KindRateLimit, KindTimeout, KindNetwork:
		return true
	default:
		return false
	}
}
