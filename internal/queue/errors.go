package queue

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNilStep is returned when Submit is given no step.
	ErrNilStep = errors.New("queue: nil step")

	// ErrNilExecutor is returned by New without an executor.
	ErrNilExecutor = errors.New("queue: nil executor")

	// ErrDuplicateTask is returned when a task ID is already known to the queue.
	ErrDuplicateTask = errors.New("queue: duplicate task id")

	// ErrDependencyCycle is returned when a submission would make a task
	// transitively depend on itself.
	ErrDependencyCycle = errors.New("queue: dependency cycle")

	// ErrQueueClosed is returned by Submit after Close.
	ErrQueueClosed = errors.New("queue: closed")

	// ErrExecutionTimeout marks an attempt abandoned after the execution
	// timeout. It matches context.DeadlineExceeded as well.
	ErrExecutionTimeout = fmt.Errorf("queue: task execution timed out: %w", context.DeadlineExceeded)
)

// PanicError carries a panic recovered from an executor.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("executor panicked: %v", e.Value)
}
