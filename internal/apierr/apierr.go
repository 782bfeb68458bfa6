// Package apierr classifies failures from the external RPC systems the
// orchestrator composes (sandbox provider, edge CDN) into the error taxonomy
// described in spec.md §4.1/§7.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one abstract error category. These are not HTTP status codes —
// several statuses can map to the same Kind.
type Kind string

const (
	KindBadRequest   Kind = "bad-request"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not-found"
	KindTimeout      Kind = "timeout"
	KindServer       Kind = "server"
)

// Error carries the classified status and a message fragment from the
// response body, per spec.md §4.1 ("HTTP 4xx/5xx are classified ... and
// surfaced as a single error kind carrying status and message").
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

// FromStatus classifies an HTTP status code plus a response body fragment
// into an *Error.
func FromStatus(status int, body string) *Error {
	return &Error{Kind: kindForStatus(status), Status: status, Message: body}
}

// Timeout builds a KindTimeout error for a named wait loop, per spec.md §5
// ("any wait loop elapsed").
func Timeout(what string) *Error {
	return &Error{Kind: KindTimeout, Message: what + " timed out"}
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindBadRequest
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	default:
		if status >= 500 {
			return KindServer
		}
		return KindBadRequest
	}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsNotFound is a convenience wrapper used by callers that must tolerate
// absence (spec.md invariant I3, and the "tolerate failure/absence" cleanup
// paths of §4.5/§4.6).
func IsNotFound(err error) bool {
	return Is(err, KindNotFound)
}
