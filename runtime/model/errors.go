package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures into a small set of stable
// categories suitable for retry and UX decisions.
type ErrorKind string

const (
	// ErrorKindAuth indicates authentication or authorization failures,
	// including valid credentials with insufficient scopes. Not retryable.
	ErrorKindAuth ErrorKind = "auth"

	// ErrorKindInvalidRequest indicates the request is invalid (unknown
	// model, malformed payload) and retrying without changing it will not
	// succeed.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"

	// ErrorKindRateLimited indicates the provider is throttling requests.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindUnavailable indicates a transient provider failure (5xx,
	// network issues) where a retry may succeed.
	ErrorKindUnavailable ErrorKind = "unavailable"

	// ErrorKindStreamParse indicates a malformed frame or payload observed
	// mid-stream. The stream consumer skips these and continues.
	ErrorKindStreamParse ErrorKind = "stream_parse"

	// ErrorKindTimeout indicates the stream made no progress within the
	// per-chunk or per-step deadline.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindUnknown indicates an unclassified provider failure.
	ErrorKindUnknown ErrorKind = "unknown"
)

// ProviderError describes a failure surfaced by a model provider. It crosses
// package boundaries so the processor and emitter can surface stable,
// structured information without depending on provider SDK error types.
type ProviderError struct {
	// Provider is the provider identifier (for example, "anthropic").
	Provider string
	// Operation is the provider operation when known (for example,
	// "messages_stream").
	Operation string
	// HTTPStatus is the provider HTTP status code when available.
	HTTPStatus int
	// Kind is the coarse-grained classification.
	Kind ErrorKind
	// Code is the provider-specific error code when available.
	Code string
	// Message is the provider error message when available.
	Message string
	// Hint is an optional remediation hint surfaced to the user (used for
	// auth-scope failures).
	Hint string
	// Cause preserves the original error chain. May be nil.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s %s: %d %s", e.Provider, op, e.HTTPStatus, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, op, msg)
}

// Unwrap returns the underlying cause.
func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether retrying the call may succeed without changing
// the request.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case ErrorKindRateLimited, ErrorKindUnavailable, ErrorKindTimeout:
		return true
	default:
		return false
	}
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ClassifyStatus maps an HTTP status code to an ErrorKind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrorKindAuth
	case status == 429:
		return ErrorKindRateLimited
	case status >= 400 && status < 500:
		return ErrorKindInvalidRequest
	case status >= 500:
		return ErrorKindUnavailable
	default:
		return ErrorKindUnknown
	}
}
