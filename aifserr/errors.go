// Package aifserr defines the error taxonomy shared by every AIFS
// component. Components raise a Code; the asset manager and RPC surface map
// codes to transport-level status without re-deriving the reason.
package aifserr

import (
	"errors"
	"fmt"
)

// Code is a taxonomy tag, not a Go type per error site. Kept as a small
// closed set mirroring spec.md §7.
type Code string

const (
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeIntegrity          Code = "INTEGRITY_ERROR"
	CodeAborted            Code = "ABORTED"
	CodeInternal           Code = "INTERNAL"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeDeadlineExceeded   Code = "DEADLINE_EXCEEDED"
	CodeCancelled          Code = "CANCELLED"
)

// Error is the taxonomy error every AIFS component returns. Reason is a
// short machine-readable tag distinct from Code (e.g. code=INVALID_ARGUMENT,
// reason="unknown_kind"); Detail is a free-form human string. Retryable
// mirrors spec.md §7's client-visible retry guidance.
type Error struct {
	Code      Code
	Reason    string
	Detail    string
	Retryable bool
	Field     string
	err       error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// New builds a taxonomy error with a free-form detail string.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an underlying error, preserving it for
// errors.Is/As.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Detail: err.Error(), err: err}
}

// WithReason sets the machine-readable reason tag and returns e for chaining.
func (e *Error) WithReason(reason string) *Error {
	if e == nil {
		return nil
	}
	e.Reason = reason
	return e
}

// WithField records which request field was at fault.
func (e *Error) WithField(field string) *Error {
	if e == nil {
		return nil
	}
	e.Field = field
	return e
}

// WithRetryable marks whether clients should retry this failure.
func (e *Error) WithRetryable(retryable bool) *Error {
	if e == nil {
		return nil
	}
	e.Retryable = retryable
	return e
}

// CodeOf extracts the taxonomy code from err, defaulting to CodeInternal for
// errors that never opted into the taxonomy (a bug in the raising code, not
// in the caller).
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the taxonomy code code, using the
// same lookup as CodeOf (so an error outside the taxonomy counts as
// CodeInternal).
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
