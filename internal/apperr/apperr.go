// Package apperr defines the error kinds Kleis surfaces over HTTP and the
// mapping from kind to status code. Handlers render every failure through
// this package so that clients see a stable {"error":{"kind","message"}}
// shape regardless of which layer produced the error.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the failure categories of the service.
type Kind string

const (
	KindUnauthorized          Kind = "unauthorized"
	KindForbidden             Kind = "forbidden"
	KindTooManyRequests       Kind = "too_many_requests"
	KindNotFound              Kind = "not_found"
	KindBadRequest            Kind = "bad_request"
	KindAccountMissing        Kind = "account_missing"
	KindTokenRefreshFailed    Kind = "token_refresh_failed"
	KindProviderNotSupported  Kind = "provider_not_supported"
	KindStateMissingOrExpired Kind = "state_missing_or_expired"
	KindPKCEMissing           Kind = "pkce_missing"
	KindStateMismatch         Kind = "state_mismatch"
	KindTokenExchangeFailed   Kind = "token_exchange_failed"
	KindDeviceFlowTimeout     Kind = "device_flow_timeout"
	KindMalformedResponse     Kind = "malformed_response"
	KindRefreshInProgress     Kind = "refresh_in_progress"
	KindInternal              Kind = "internal_error"
)

// statusByKind maps each kind to the HTTP status it is rendered with.
var statusByKind = map[Kind]int{
	KindUnauthorized:          http.StatusUnauthorized,
	KindForbidden:             http.StatusForbidden,
	KindTooManyRequests:       http.StatusTooManyRequests,
	KindNotFound:              http.StatusNotFound,
	KindBadRequest:            http.StatusBadRequest,
	KindAccountMissing:        http.StatusBadRequest,
	KindTokenRefreshFailed:    http.StatusBadGateway,
	KindProviderNotSupported:  http.StatusInternalServerError,
	KindStateMissingOrExpired: http.StatusBadRequest,
	KindPKCEMissing:           http.StatusBadRequest,
	KindStateMismatch:         http.StatusBadRequest,
	KindTokenExchangeFailed:   http.StatusBadRequest,
	KindDeviceFlowTimeout:     http.StatusBadRequest,
	KindMalformedResponse:     http.StatusBadRequest,
	KindRefreshInProgress:     http.StatusConflict,
	KindInternal:              http.StatusInternalServerError,
}

// Error is a kinded error carried from any layer up to the HTTP surface.
type Error struct {
	Kind    Kind
	Message string
	// Detail carries upstream context such as a token endpoint's status and
	// body. It is logged but never rendered to clients.
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithDetail returns a copy of the error carrying upstream detail.
func (e *Error) WithDetail(format string, args ...any) *Error {
	clone := *e
	clone.Detail = fmt.Sprintf(format, args...)
	return &clone
}

// KindOf extracts the kind from err, defaulting to internal_error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// HTTPStatus returns the status code err is rendered with.
func HTTPStatus(err error) int {
	if status, ok := statusByKind[KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// MessageOf returns the client-safe message for err.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }
