package engine

import (
	"errors"
	"fmt"

	"github.com/yungsuk53-pixel/crime/internal/interfaces"
)

// Code is a machine-readable error code.
type Code string

const (
	CodePrecondition Code = "PRECONDITION"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeStore        Code = "STORE"
	CodeIntegrity    Code = "INTEGRITY"
	CodeInFlight     Code = "IN_FLIGHT"
)

// Error is the engine's domain error.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// storeError wraps a store failure, keeping not-found distinct.
func storeError(op string, err error) *Error {
	if errors.Is(err, interfaces.ErrNotFound) {
		return &Error{Code: CodeNotFound, Message: op, Cause: err}
	}
	return &Error{Code: CodeStore, Message: op, Cause: err}
}

// CodeOf returns the code of the first engine error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

var (
	// ErrUnknownStage is returned by AutoAdvance for stages outside the
	// timeline, such as the legacy verdict stage.
	ErrUnknownStage = &Error{Code: CodeIntegrity, Message: "stage has no successor in the timeline"}
	// ErrTransitionInFlight is returned when another trigger is already
	// moving the session.
	ErrTransitionInFlight = &Error{Code: CodeInFlight, Message: "a stage transition is already in flight"}
	// ErrSessionClosed is returned for mutations of a closed session.
	ErrSessionClosed = &Error{Code: CodePrecondition, Message: "session is closed"}
)
