package eventloop

import (
	"errors"
	"fmt"
)

var (
	// ErrLoopAlreadyRunning is returned when attempting to run a loop that's already running.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

	// ErrLoopTerminated is returned when attempting to use a loop that has been shut down.
	ErrLoopTerminated = errors.New("eventloop: loop has been terminated")

	// ErrReentrantRun is returned when attempting to call Run() from within the loop itself.
	ErrReentrantRun = errors.New("eventloop: cannot call Run() from within the loop")

	// ErrNotLoopGoroutine is returned when a loop-affine operation is
	// attempted from another goroutine, while the loop is running.
	ErrNotLoopGoroutine = errors.New("eventloop: not called on the loop goroutine")
)

// PanicError wraps a value recovered from a panicking task or handler.
type PanicError struct {
	// Value is the value passed to panic.
	Value any
	// Source identifies what panicked, e.g. "task" or "handler".
	Source string
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("eventloop: %s panicked: %v", e.Source, e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] for error matching
// through the cause chain.
//
// If the panic Value is not an error (e.g., a string or other type),
// returns nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
