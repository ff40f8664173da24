// Package haste structured error types.
package haste

import (
	"fmt"
)

// ErrorType represents categories of errors.
type ErrorType int

const (
	// Memory errors
	ErrTypeMemory ErrorType = iota
	// Invalid argument / shape errors, detected synchronously at construction
	ErrTypeInvalidArg
	// Execution errors surfaced on synchronization
	ErrTypeExecution
)

// EngineError represents a structured error with context.
type EngineError struct {
	Type    ErrorType
	Op      string // Operation that failed
	Message string // Human-readable message
	Err     error  // Underlying error if any
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("haste %s error in %s: %s (caused by: %v)",
			e.Type.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("haste %s error in %s: %s",
		e.Type.String(), e.Op, e.Message)
}

// Unwrap allows error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// String returns the error type as a string.
func (t ErrorType) String() string {
	switch t {
	case ErrTypeMemory:
		return "Memory"
	case ErrTypeInvalidArg:
		return "InvalidArgument"
	case ErrTypeExecution:
		return "Execution"
	default:
		return "Unknown"
	}
}

// NewMemoryError creates a memory-related error.
func NewMemoryError(op string, message string, err error) error {
	return &EngineError{
		Type:    ErrTypeMemory,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// NewInvalidArgError creates an invalid argument error.
func NewInvalidArgError(op string, message string) error {
	return &EngineError{
		Type:    ErrTypeInvalidArg,
		Op:      op,
		Message: message,
	}
}

// NewShapeError creates an invalid argument error for inconsistent shape
// parameters. Shapes are never silently clamped.
func NewShapeError(op string, format string, args ...interface{}) error {
	return &EngineError{
		Type:    ErrTypeInvalidArg,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewExecutionError creates an execution error. Execution errors are not
// retried; a corrupted computation must not be silently repeated.
func NewExecutionError(op string, message string, err error) error {
	return &EngineError{
		Type:    ErrTypeExecution,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// panicError adapts a recovered panic value into an error.
func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// Common pre-defined errors.
var (
	// ErrInvalidSize indicates an invalid allocation size.
	ErrInvalidSize = NewInvalidArgError("Malloc", "size must be positive")

	// ErrDoubleFree indicates a double free attempt.
	ErrDoubleFree = NewMemoryError("Free", "double free detected", nil)
)

// IsMemoryError checks if an error is a memory error.
func IsMemoryError(err error) bool {
	if e, ok := err.(*EngineError); ok {
		return e.Type == ErrTypeMemory
	}
	return false
}

// IsInvalidArgError checks if an error is an invalid argument error.
func IsInvalidArgError(err error) bool {
	if e, ok := err.(*EngineError); ok {
		return e.Type == ErrTypeInvalidArg
	}
	return false
}

// IsExecutionError checks if an error is an execution error.
func IsExecutionError(err error) bool {
	if e, ok := err.(*EngineError); ok {
		return e.Type == ErrTypeExecution
	}
	return false
}
