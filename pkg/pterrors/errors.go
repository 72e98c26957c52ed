// Package pterrors defines the error taxonomy of the passthrough engine and the
// mapping from those errors to the signed status codes returned to callers of the
// request-record interface.
package pterrors

import (
	"errors"
	"fmt"
)

// Code identifies a class of passthrough failure.
type Code string

// Error codes.
const (
	CodeInvalidArgument   Code = "InvalidArgument"
	CodeInvalidState      Code = "InvalidState"
	CodeBusy              Code = "Busy"
	CodeInterrupted       Code = "Interrupted"
	CodeUnavailable       Code = "Unavailable"
	CodeTransientFailure  Code = "TransientFailure"
	CodeTimeout           Code = "Timeout"
	CodeResourceExhausted Code = "ResourceExhausted"
	CodeFault             Code = "Fault"
	CodeNoDevice          Code = "NoDevice"
)

// Linux errno values used for the signed status codes.
const (
	errnoFAULT       = 14
	errnoNOMEM       = 12
	errnoAGAIN       = 11
	errnoNODEV       = 19
	errnoINVAL       = 22
	errnoTIMEDOUT    = 110
	errnoRESTARTSYS  = 512
	errnoUnspecified = 5 // EIO
)

// PassthroughError is a classified engine failure.
type PassthroughError struct {
	Code    Code
	Message string
	Errno   int
}

// Error implements the error interface.
func (e PassthroughError) Error() string {
	return e.Message
}

// WithMessage returns a copy of the error with a custom message.
func (e PassthroughError) WithMessage(message string) PassthroughError {
	e.Message = message
	return e
}

// Is implements error matching for errors.Is().
func (e PassthroughError) Is(target error) bool {
	if t, ok := target.(PassthroughError); ok {
		return e.Code == t.Code
	}

	return false
}

// Common errors.
var (
	ErrInvalidArgument = PassthroughError{
		Code:    CodeInvalidArgument,
		Message: "invalid argument",
		Errno:   errnoINVAL,
	}
	ErrInvalidState = PassthroughError{
		Code:    CodeInvalidState,
		Message: "invalid state",
		Errno:   errnoINVAL,
	}
	ErrBusy = PassthroughError{
		Code:    CodeBusy,
		Message: "command slot busy",
		Errno:   errnoAGAIN,
	}
	ErrInterrupted = PassthroughError{
		Code:    CodeInterrupted,
		Message: "interrupted while waiting for command slot",
		Errno:   errnoRESTARTSYS,
	}
	ErrUnavailable = PassthroughError{
		Code:    CodeUnavailable,
		Message: "adapter unavailable",
		Errno:   errnoAGAIN,
	}
	ErrTransientFailure = PassthroughError{
		Code:    CodeTransientFailure,
		Message: "command submission failed",
		Errno:   errnoAGAIN,
	}
	ErrTimeout = PassthroughError{
		Code:    CodeTimeout,
		Message: "command timed out",
		Errno:   errnoTIMEDOUT,
	}
	ErrResourceExhausted = PassthroughError{
		Code:    CodeResourceExhausted,
		Message: "out of memory",
		Errno:   errnoNOMEM,
	}
	ErrFault = PassthroughError{
		Code:    CodeFault,
		Message: "bad address",
		Errno:   errnoFAULT,
	}
	ErrNoDevice = PassthroughError{
		Code:    CodeNoDevice,
		Message: "no such adapter",
		Errno:   errnoNODEV,
	}
)

// Wrap annotates a sentinel with a formatted detail message, keeping it
// matchable with errors.Is.
func Wrap(base PassthroughError, format string, args ...any) error {
	return fmt.Errorf("%w: %s", base, fmt.Sprintf(format, args...))
}

// CodeOf returns the code of the first PassthroughError in err's chain.
func CodeOf(err error) (Code, bool) {
	var pe PassthroughError
	if errors.As(err, &pe) {
		return pe.Code, true
	}

	return "", false
}

// Errno converts err into the signed status code handed back to callers:
// 0 for nil, the negated errno of the classified failure otherwise.
func Errno(err error) int {
	if err == nil {
		return 0
	}

	var pe PassthroughError
	if errors.As(err, &pe) {
		return -pe.Errno
	}

	return -errnoUnspecified
}
