// Package errors is the error taxonomy shared by the HTTP handlers and the
// event consumers. The same value decides the HTTP status of a failed request
// and whether a failed delivery is retried or dead-lettered.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound        = NewError("NOT_FOUND", "resource not found", http.StatusNotFound)
	ErrValidation      = NewError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest)
	ErrInternal        = NewError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	ErrUnauthorized    = NewError("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrForbidden       = NewError("FORBIDDEN", "forbidden", http.StatusForbidden)
	ErrTooManyRequests = NewError("TOO_MANY_REQUESTS", "rate limit exceeded", http.StatusTooManyRequests)

	// Transport failures: broker, cache or store could not be reached.
	ErrBrokerUnavailable = NewError("BROKER_UNAVAILABLE", "message broker unavailable", http.StatusServiceUnavailable)
	ErrTransport         = NewError("TRANSPORT_ERROR", "backing service unreachable", http.StatusServiceUnavailable)
)

// Codes whose failure is a property of the message or request itself.
var permanentCodes = map[string]bool{
	ErrValidation.Code:   true,
	ErrNotFound.Code:     true,
	ErrUnauthorized.Code: true,
	ErrForbidden.Code:    true,
}

type FatalError interface {
	error
	IsFatal() bool
}

// Error values are immutable; the With* and As* methods return copies, so
// the package sentinels can be decorated freely.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]interface{}
	Cause   error
	fatal   *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

func (e *Error) Error() string {
	msg := e.Message
	if detail, ok := e.Details["message"].(string); ok && detail != "" {
		msg = detail
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Code so sentinel comparisons survive copies.
func (e *Error) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && e.Code == t.Code
}

// IsFatal reports whether retrying can never succeed. An explicit
// AsFatal/AsRetryable wins, then a fatal cause, then the code.
func (e *Error) IsFatal() bool {
	if e.fatal != nil {
		return *e.fatal
	}
	var cause FatalError
	if e.Cause != nil && errors.As(e.Cause, &cause) {
		return cause.IsFatal()
	}
	return permanentCodes[e.Code]
}

func (e *Error) IsRetryable() bool {
	return !e.IsFatal()
}

func (e *Error) clone() *Error {
	c := *e
	c.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	return &c
}

func (e *Error) WithCause(cause error) *Error {
	c := e.clone()
	c.Cause = cause
	return c
}

func (e *Error) WithMessage(message string) *Error {
	c := e.clone()
	c.Message = message
	return c
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	c := e.clone()
	c.Details[key] = value
	return c
}

func (e *Error) AsRetryable() *Error {
	return e.withFatal(false)
}

func (e *Error) AsFatal() *Error {
	return e.withFatal(true)
}

func (e *Error) withFatal(fatal bool) *Error {
	c := e.clone()
	c.fatal = &fatal
	return c
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrBrokerUnavailable)
}

// IsFatal reports whether err, or anything it wraps, is fatal.
func IsFatal(err error) bool {
	var f FatalError
	return errors.As(err, &f) && f.IsFatal()
}

func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// ToErrorResponse renders err as the JSON error body. Errors outside the
// taxonomy are reported as internal errors without leaking their text.
func ToErrorResponse(err error) map[string]interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = ErrInternal
	}

	resp := map[string]interface{}{
		"error":      appErr.Message,
		"error_code": appErr.Code,
	}
	if len(appErr.Details) > 0 {
		resp["details"] = appErr.Details
	}
	return resp
}
