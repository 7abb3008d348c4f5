// Package wolerr defines the error classification shared between the
// core components and the HTTP adapter.
package wolerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers. The HTTP adapter maps kinds to
// status codes; the core never inspects messages to branch.
type Kind string

const (
	KindInvalidRequest Kind = "invalid-request"
	KindNotFound       Kind = "not-found"
	KindConflict       Kind = "conflict"
	KindOffline        Kind = "offline"
	KindTimeout        Kind = "timeout"
	KindRejected       Kind = "rejected"
	KindUnauthorized   Kind = "unauthorized"
	KindForbidden      Kind = "forbidden"
	KindRateLimited    Kind = "rate-limited"
	KindInternal       Kind = "internal"
)

// Error is a classified error with an optional correlation id.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithCorrelation returns a copy of e carrying the correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	clone := *e
	clone.CorrelationID = id
	return &clone
}

// KindOf extracts the kind of an error, defaulting to Internal for
// unclassified errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the status code the adapter returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindOffline:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRejected:
		return http.StatusBadGateway
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
