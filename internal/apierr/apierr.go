// Package apierr defines the structured error kinds the orchestration
// engine can return, and how the API surface maps each to an HTTP status.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an orchestration error per spec.md §7.
type Kind string

const (
	CaptchaInvalid  Kind = "captcha_invalid"
	RateLimited     Kind = "rate_limited"
	QuotaExceeded   Kind = "quota_exceeded"
	AlreadyOwns     Kind = "already_owns"
	PortPoolFull    Kind = "port_pool_full"
	EngineTransient Kind = "engine_transient"
	EngineFatal     Kind = "engine_fatal"
	StoreTransient  Kind = "store_transient"
	NotFound        Kind = "not_found"
	AdminForbidden  Kind = "admin_forbidden"
)

// statusByKind is the Kind → HTTP status mapping from spec.md §7.
var statusByKind = map[Kind]int{
	CaptchaInvalid:  http.StatusBadRequest,
	RateLimited:     http.StatusTooManyRequests,
	QuotaExceeded:   http.StatusServiceUnavailable,
	AlreadyOwns:     http.StatusBadRequest,
	PortPoolFull:    http.StatusServiceUnavailable,
	EngineTransient: http.StatusServiceUnavailable,
	EngineFatal:     http.StatusInternalServerError,
	StoreTransient:  http.StatusServiceUnavailable,
	NotFound:        http.StatusNotFound,
	AdminForbidden:  http.StatusForbidden,
}

// Error is a classified orchestration error carrying a user-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error // underlying cause, not exposed to callers
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a user-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a classified error that also carries an internal cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// StatusFor returns the HTTP status code for a Kind, defaulting to 500
// for anything not in the table (defensive against future Kinds).
func StatusFor(kind Kind) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// As extracts an *Error from err, if any exists in its chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
