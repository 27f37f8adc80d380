package tools

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by registry operations.
var (
	// ErrToolNotFound is returned when no tool is registered under a name.
	ErrToolNotFound = errors.New("tool not found")

	// ErrDuplicateToolName is returned when registering a name twice.
	ErrDuplicateToolName = errors.New("duplicate tool name")

	// ErrToolUnavailable is returned when a tool is disabled or its
	// backend is unreachable.
	ErrToolUnavailable = errors.New("tool unavailable")
)

// Failure codes carried on failed results.
const (
	CodeNotFound         = "not_found"
	CodeDisabled         = "disabled"
	CodeUnavailable      = "unavailable"
	CodeInvalidArguments = "invalid_arguments"
	CodeHandler          = "handler_error"
	CodePanic            = "panic"
	CodeTimeout          = "timeout"
	CodeCanceled         = "canceled"
)

// Error is a tool failure with a machine-readable code. Handlers may
// return an *Error to choose the code reported to the model.
type Error struct {
	Code string
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("tool %q: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}
