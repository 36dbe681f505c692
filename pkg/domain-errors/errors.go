// Package domainerrors defines coded errors shared across custody services so
// transports can translate them uniformly and services can branch on intent
// rather than string matching.
package domainerrors

import (
	"errors"
	"fmt"
)

type Code string

const (
	// CodeValidation marks a malformed transfer; rejected synchronously,
	// never queued.
	CodeValidation Code = "validation"
	// CodeNotFound marks a missing record or queue item.
	CodeNotFound Code = "not_found"
	// CodeConnection marks a ledger connect/auth failure.
	CodeConnection Code = "ledger_connection"
	// CodeSubmission marks a rejected or impossible ledger submission.
	CodeSubmission Code = "ledger_submission"
	// CodeQuery marks a failed ledger read; the ledger view is unavailable,
	// not empty.
	CodeQuery Code = "ledger_query"
	// CodeUnavailable marks a downstream that is temporarily unreachable.
	CodeUnavailable Code = "unavailable"
	// CodeConflict marks an invalid state transition (e.g. retrying a
	// completed queue item).
	CodeConflict Code = "conflict"
	CodeInternal Code = "internal"
)

// Error carries a stable code alongside the message. It wraps an optional
// cause so errors.Is/As keep working through it.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a coded error.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf builds a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, cause: cause}
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
