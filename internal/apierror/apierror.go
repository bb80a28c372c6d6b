// Package apierror classifies gateway failures and maps them to HTTP
// status codes and OpenAI-style error types.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the failure class of an Error.
type Kind int

const (
	// KindAuth is a bad or missing client bearer token. No upstream call
	// is attempted.
	KindAuth Kind = iota
	// KindValidation is a malformed client request.
	KindValidation
	// KindConfig means the selected pipeline mode requires a provider role
	// with no usable endpoint or credential.
	KindConfig
	// KindUpstreamTimeout is a connect or first-byte timeout on an
	// upstream call. Retryable before any byte has reached the client.
	KindUpstreamTimeout
	// KindUpstreamRateLimited is an upstream 429. Retryable before any
	// byte has reached the client.
	KindUpstreamRateLimited
	// KindUpstreamProtocol means the upstream payload could not be parsed.
	KindUpstreamProtocol
	// KindUpstream covers remaining upstream failures (refused
	// connections, non-2xx statuses, mid-stream resets).
	KindUpstream
	// KindClientDisconnected is cancellation, not a failure to report.
	KindClientDisconnected
)

// String returns the OpenAI-style error type for the kind.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "authentication_error"
	case KindValidation:
		return "invalid_request_error"
	case KindConfig:
		return "configuration_error"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamRateLimited:
		return "upstream_rate_limited"
	case KindUpstreamProtocol:
		return "upstream_protocol_error"
	case KindClientDisconnected:
		return "client_disconnected"
	default:
		return "upstream_error"
	}
}

// HTTPStatus maps the kind to the status used for pre-first-byte responses.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindConfig:
		return http.StatusInternalServerError
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// Retryable reports whether an upstream call that failed with this kind may
// be re-attempted. Only valid before any event of the call has been
// forwarded to the client.
func (k Kind) Retryable() bool {
	return k == KindUpstreamTimeout || k == KindUpstreamRateLimited
}

// Error is a classified gateway failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, defaulting to KindUpstream for
// unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUpstream
}
