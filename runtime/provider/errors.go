package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies provider failures into a small set of categories
// suitable for retry and UX decisions.
type ErrorKind string

const (
	// ErrorKindAuth indicates authentication/authorization failures.
	ErrorKindAuth ErrorKind = "auth"

	// ErrorKindInvalidRequest indicates the request is invalid and retrying
	// without changing it will not succeed.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"

	// ErrorKindRateLimited indicates the provider is throttling requests.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindUnavailable indicates a transient provider failure (5xx,
	// network issues) where a retry may succeed.
	ErrorKindUnavailable ErrorKind = "unavailable"

	// ErrorKindUnknown indicates an unclassified provider failure.
	ErrorKindUnknown ErrorKind = "unknown"
)

// Error describes a failure returned by a provider backend. It crosses
// package boundaries so the dispatch layer can surface stable, structured
// information on failed calls.
type Error struct {
	provider  string
	operation string
	http      int
	kind      ErrorKind
	code      string
	message   string
	requestID string
	retryable bool
	cause     error
}

// NewError constructs a provider Error. provider and kind are required;
// cause may be nil but is recommended to preserve the original error chain.
func NewError(provider, operation string, httpStatus int, kind ErrorKind, code, message, requestID string, retryable bool, cause error) *Error {
	if provider == "" {
		panic("provider: provider name is required")
	}
	if kind == "" {
		panic("provider: error kind is required")
	}
	return &Error{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		code:      code,
		message:   message,
		requestID: requestID,
		retryable: retryable,
		cause:     cause,
	}
}

// Provider returns the backend identifier (for example, "openai").
func (e *Error) Provider() string { return e.provider }

// Operation returns the backend operation name when known.
func (e *Error) Operation() string { return e.operation }

// HTTPStatus returns the HTTP status code when available, otherwise 0.
func (e *Error) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained error classification.
func (e *Error) Kind() ErrorKind { return e.kind }

// Code returns the provider-specific error code when available.
func (e *Error) Code() string { return e.code }

// RequestID returns the provider request identifier when available.
func (e *Error) RequestID() string { return e.requestID }

// Retryable reports whether retrying may succeed without changing the
// request.
func (e *Error) Retryable() bool { return e.retryable }

// Error implements the error interface.
func (e *Error) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.http > 0 {
		status = fmt.Sprintf("%d ", e.http)
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.code != "" {
		msg = e.code + ": " + msg
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.provider, e.kind, status, op, msg)
}

// Unwrap returns the underlying cause to preserve the error chain.
func (e *Error) Unwrap() error { return e.cause }

// AsError returns the first provider Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// TimeoutError reports that a provider call exceeded its request-level
// timeout. The request may still complete provider-side; only the wait is
// abandoned.
type TimeoutError struct {
	// Provider is the backend identifier.
	Provider string
	// After is the timeout that was exceeded.
	After time.Duration
	// Cause is the underlying deadline error, if any.
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: provider call timed out after %s", e.Provider, e.After)
}

// Unwrap returns the underlying deadline error.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// IsTimeout reports whether err's chain contains a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
