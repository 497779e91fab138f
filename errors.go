package framepipe

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrExecutorTerminated is returned when work is submitted to an executor that has stopped.
	ErrExecutorTerminated = errors.New("framepipe: executor has been terminated")

	// ErrReentrantWait is returned when SubmitAndWait is called from the worker goroutine,
	// which would otherwise deadlock waiting on itself.
	ErrReentrantWait = errors.New("framepipe: cannot wait on the executor from its own worker")

	// ErrNilTask is returned when a nil task is submitted.
	ErrNilTask = errors.New("framepipe: nil task")

	// ErrInvalidTransition is returned when a surface operation is attempted from a state that
	// does not permit it, e.g. Attach while already attached.
	ErrInvalidTransition = errors.New("framepipe: invalid surface state transition")

	// ErrNotAttached is returned by operations that need an attached surface.
	ErrNotAttached = errors.New("framepipe: surface is not attached")

	// ErrPipelineClosed is returned by Feed after Close.
	ErrPipelineClosed = errors.New("framepipe: pipeline is closed")

	// ErrNilBuffer is returned when Feed is called with a nil buffer.
	ErrNilBuffer = errors.New("framepipe: nil buffer")

	// ErrInvalidMetadata is returned by Feed when frame metadata is malformed.
	ErrInvalidMetadata = errors.New("framepipe: invalid frame metadata")
)

// SetupError is returned by Attach when the GPU backend fails to create (or size) a context for
// the surface. The surface is left Detached, and Attach may be retried.
type SetupError struct {
	Cause  error
	Width  int
	Height int
}

// Error implements the error interface.
func (e *SetupError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("framepipe: surface setup failed (%dx%d)", e.Width, e.Height)
	}
	return fmt.Sprintf("framepipe: surface setup failed (%dx%d): %v", e.Width, e.Height, e.Cause)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *SetupError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("framepipe: task panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// If the panic Value is not an error, returns nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// TaskError reports the failure of a single task. Task failures are isolated: they are logged,
// counted, and never stop the worker.
type TaskError struct {
	Cause error
	// Seq is the executor-local sequence number of the failed task.
	Seq uint64
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("framepipe: task %d failed: %v", e.Seq, e.Cause)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// WakeError indicates that the wake primitive could not be allocated, signaled, or waited on.
// It is fatal for the executor (and therefore the pipeline) that observed it.
type WakeError struct {
	Cause error
	// Op is one of "create", "wake", or "wait".
	Op string
}

// Error implements the error interface.
func (e *WakeError) Error() string {
	return fmt.Sprintf("framepipe: wake primitive %s failed: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *WakeError) Unwrap() error {
	return e.Cause
}

// transitionError builds an ErrInvalidTransition with the offending states.
func transitionError(op string, from SurfaceState) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, from)
}
