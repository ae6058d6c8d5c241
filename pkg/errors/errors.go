package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidStage indicates that a stage name is not in the known stage set
	ErrInvalidStage = errors.New("invalid stage")

	// ErrInvalidConfig indicates that the run configuration is malformed
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrPoolClosed indicates that a resource pool has been shut down
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolTimeout indicates that no pooled resource became available in time
	ErrPoolTimeout = fmt.Errorf("pool acquire: %w", ErrTimeout)

	// ErrBackendFailed indicates that a concurrency backend could not complete its work
	ErrBackendFailed = errors.New("backend failed")

	// ErrContextFailed indicates that an execution context produced no terminal state
	ErrContextFailed = errors.New("pipeline execution failed")

	// ErrCheckpointNotFound indicates that no checkpoint exists for a task
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrIndexOutOfRange indicates that a result index is outside the aggregator bounds
	ErrIndexOutOfRange = errors.New("index out of range")
)

// Error represents a structured pipeline error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new pipeline error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsInvalidStage checks if an error was caused by an unknown stage name
func IsInvalidStage(err error) bool {
	return errors.Is(err, ErrInvalidStage)
}
