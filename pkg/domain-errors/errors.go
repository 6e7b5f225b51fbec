// Package domainerrors defines the coded error type used across service
// boundaries. Services attach a Code and a caller-safe message; the HTTP
// layer maps codes to statuses and never exposes internal causes.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for transport mapping and branching.
type Code string

const (
	// CodeInvalidInput marks a value that failed domain validation.
	CodeInvalidInput Code = "invalid_input"
	// CodeBadRequest marks a malformed or undecodable request.
	CodeBadRequest Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
	// CodeConflict marks a state conflict: duplicate issuance, stale
	// version, illegal transition.
	CodeConflict Code = "conflict"
	// CodeUnavailable marks a dependency outage the caller may retry.
	CodeUnavailable Code = "unavailable"
	CodeInternal    Code = "internal_error"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a coded error with a caller-safe message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause. The cause
// stays reachable through errors.Is/As but never reaches clients.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf extracts the code from err, walking wrapped causes. Errors
// without a code are internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf extracts the caller-safe message from err. Internal errors
// return an empty message so infrastructure details never leak.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != CodeInternal {
		return e.Message
	}
	return ""
}
