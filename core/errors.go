package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
)

var (
	ErrAllocationFailed      = errors.New("allocation failed")
	ErrChannelClosed         = errors.New("channel closed")
	ErrWouldBlock            = errors.New("operation would block")
	ErrTimeout               = errors.New("operation timed out")
	ErrQueueFull             = errors.New("task queue full")
	ErrRestartBudgetExceeded = errors.New("restart budget exceeded")
	ErrConfiguration         = errors.New("configuration error")
	ErrNotAllowed            = errors.New("operation not allowed")
	ErrShutdown              = errors.New("pool is shut down")
	ErrMessageTooLarge       = errors.New("message exceeds element size")
	ErrNotInitialized        = errors.New("not initialized")
)

// PanicError wraps a recovered panic value together with the goroutine
// stack trace captured at the point of the panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func newPanicError(v any) *PanicError {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return &PanicError{Value: v, Stack: buf[:n]}
}

// Fault is a task failure captured at the worker boundary.
type Fault struct {
	TaskID   TaskID
	TaskName string
	WorkerID int
	Err      error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("task %q failed: %v", f.TaskName, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// IsPanic reports whether err carries a recovered panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// RunTask executes task inside the fault capture scope. A panic is
// converted into a *PanicError; the error never escapes as a panic.
func RunTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = newPanicError(rec)
		}
	}()
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrConfiguration)
	}
	return task(ctx)
}
