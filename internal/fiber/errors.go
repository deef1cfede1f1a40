package fiber

import (
	"errors"
	"fmt"
)

var (
	// ErrMainDestroyed is returned by operations that need the main context
	// after main termination has retired it.
	ErrMainDestroyed = errors.New("fiber: main context destroyed")

	// ErrNotMain is returned when a main-only operation is called from a fiber.
	ErrNotMain = errors.New("fiber: must be called from the main context")

	// ErrClosed is returned by operations on a torn-down scheduler.
	ErrClosed = errors.New("fiber: scheduler closed")
)

// TaskPanicError records a panic that escaped a fiber's task. The fiber is
// terminated; the scheduler and every other fiber keep running.
type TaskPanicError struct {
	Fiber string
	Value any
	Stack []byte
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("fiber %s: task panicked: %v", e.Fiber, e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *TaskPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
