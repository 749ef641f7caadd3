// Package errs defines the error taxonomy shared by every core component.
//
// Components never return bare errors across a package boundary; they wrap
// the underlying cause in an *Error carrying one of the Kind constants below,
// so that the MCP surface (and anything else at the edge) can turn a failure
// into a structured result without inspecting error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-checkable error classification.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindNotFound            Kind = "not_found"
	KindAuth                Kind = "auth_error"
	KindTransient           Kind = "transient"
	KindRateLimited         Kind = "rate_limited"
	KindIntegrity           Kind = "integrity_error"
	KindContainersRunning   Kind = "containers_still_running"
	KindPortConflict        Kind = "port_conflict"
	KindNotADataset         Kind = "not_a_dataset"
	KindFatal               Kind = "fatal"
)

// Error is the single concrete error type used throughout the core. It
// carries a Kind plus whatever context the caller attaches, and wraps an
// optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	HostID  string
	Stack   string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.HostID != "" {
		msg = fmt.Sprintf("%s [host=%s]", msg, e.HostID)
	}
	if e.Stack != "" {
		msg = fmt.Sprintf("%s [stack=%s]", msg, e.Stack)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.KindTransient-sentinel) style checks work by
// comparing Kind rather than identity; callers more commonly use KindOf below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) WithHost(hostID string) *Error {
	e.HostID = hostID
	return e
}

func (e *Error) WithStack(stackName string) *Error {
	e.Stack = stackName
	return e
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to KindFatal for anything else, since an un-classified failure is always
// treated as an internal invariant violation rather than silently passed on.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// Retriable reports whether the error taxonomy calls for the SSH/Docker
// layer's 3x exponential backoff retry (Transient only).
func Retriable(err error) bool {
	return KindOf(err) == KindTransient
}
