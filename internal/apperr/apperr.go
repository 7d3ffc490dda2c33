// Package apperr is the closed error-kind taxonomy shared across the
// gateway, connection, and schema services (spec.md §4.12).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the closed set of error kinds the HTTP boundary knows how
// to translate into a status code.
type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindAuthentication       Kind = "authentication_error"
	KindAuthorization        Kind = "authorization_error"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindRateLimit            Kind = "rate_limit_exceeded"
	KindInternal             Kind = "internal_error"
	KindBadGateway           Kind = "bad_gateway"
	KindServiceUnavailable   Kind = "service_unavailable"
	KindGatewayTimeout       Kind = "gateway_timeout"
	KindCircuitOpen          Kind = "circuit_open"
	KindPoolExhausted        Kind = "pool_exhausted"
	KindConnectionTestFailed Kind = "connection_test_failed"
	KindDiscoveryFailed      Kind = "discovery_failed"
	KindCrypto               Kind = "crypto_error"
)

var statusByKind = map[Kind]int{
	KindValidation:           http.StatusBadRequest,
	KindAuthentication:       http.StatusUnauthorized,
	KindAuthorization:        http.StatusForbidden,
	KindNotFound:             http.StatusNotFound,
	KindConflict:             http.StatusConflict,
	KindRateLimit:            http.StatusTooManyRequests,
	KindInternal:             http.StatusInternalServerError,
	KindBadGateway:           http.StatusBadGateway,
	KindServiceUnavailable:   http.StatusServiceUnavailable,
	KindGatewayTimeout:       http.StatusGatewayTimeout,
	KindCircuitOpen:          http.StatusServiceUnavailable,
	KindPoolExhausted:        http.StatusServiceUnavailable,
	KindConnectionTestFailed: http.StatusBadGateway,
	KindDiscoveryFailed:      http.StatusBadGateway,
	KindCrypto:               http.StatusInternalServerError,
}

// Error is the application error type carried across package boundaries and
// serialized once at the HTTP boundary.
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

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches a structured details payload and returns the receiver.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// Convenience constructors mirroring spec.md §4.12's named kinds.

func ValidationError(format string, args ...interface{}) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(resource string) *Error {
	return New(KindNotFound, resource+" not found")
}

func Conflict(message string) *Error {
	return New(KindConflict, message)
}

func LimitExceeded(message string) *Error {
	return New(KindConflict, message)
}

func Unauthorized(message string) *Error {
	return New(KindAuthentication, message)
}

func Forbidden(message string) *Error {
	return New(KindAuthorization, message)
}

func Internal(cause error) *Error {
	return Wrap(KindInternal, "unexpected error", cause)
}

func Unsupported(message string) *Error {
	return New(KindValidation, message)
}

// As is a thin re-export of errors.As for callers that only import apperr.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}
