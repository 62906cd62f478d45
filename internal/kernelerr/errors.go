// Package kernelerr defines the error taxonomy shared by the execution backend.
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind classifies a backend failure. Kinds are comparable with errors.Is, so
// errors.Is(err, kernelerr.Cancelled) works on any wrapped *Error.
type Kind string

const (
	PortExhausted                 Kind = "PortExhausted"
	EnvironmentMissingInterpreter Kind = "EnvironmentMissingInterpreter"
	EnvironmentCreateTimeout      Kind = "EnvironmentCreateTimeout"
	EnvironmentCreateFailed       Kind = "EnvironmentCreateFailed"
	EnvironmentInstallFailed      Kind = "EnvironmentInstallFailed"
	ServerStartupTimeout          Kind = "ServerStartupTimeout"
	ServerUnhealthy               Kind = "ServerUnhealthy"
	KernelCreateFailed            Kind = "KernelCreateFailed"
	ConnectionTimeout             Kind = "ConnectionTimeout"
	IdleTimeout                   Kind = "IdleTimeout"
	ExecutionError                Kind = "ExecutionError"
	Cancelled                     Kind = "Cancelled"
	NoActiveKernel                Kind = "NoActiveKernel"
)

func (k Kind) Error() string {
	return string(k)
}

// Error is a classified backend failure.
type Error struct {
	Kind    Kind
	Op      string // component operation, e.g. "pyenv.install"
	Message string
	Details string // captured process output, verbatim
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Details != "" {
		msg += "\n" + e.Details
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match an *Error against its Kind.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

// New creates a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates a classified error around a cause.
func Wrap(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetails attaches captured output and returns e.
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
