// Package apperr carries the error taxonomy shared by the chat services.
// Codes deliberately mirror the usual RPC vocabulary so the HTTP layer can
// map them mechanically.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeInternal         Code = "INTERNAL"
)

// Error is a coded application error. Op names the operation that failed,
// in the form "package.operation".
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Cause != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Cause)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Op, string(e.Code))
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a coded error without a cause.
func New(code Code, op, message string) error {
	return &Error{Code: code, Op: op, Message: message}
}

// Wrap attaches a code and operation to an underlying cause.
func Wrap(code Code, op, message string, cause error) error {
	return &Error{Code: code, Op: op, Message: message, Cause: cause}
}

// CodeOf extracts the code from err, or CodeUnknown when err carries none.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
