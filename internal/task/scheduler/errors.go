package scheduler

import (
	"errors"
	"fmt"
)

// ErrNoExecutor is returned when the service was built without an executor.
var ErrNoExecutor = errors.New("no executor configured")

// ExecutionError wraps a job failure or panic. It is recorded on the
// ExecutionRecord and never stops the dispatcher.
type ExecutionError struct {
	ScheduleID string
	Name       string
	Err        error

	// Panic holds the recovered value when the job panicked.
	Panic any
	Stack string
}

func (e *ExecutionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("schedule %q: job panicked: %v", e.Name, e.Panic)
	}
	return fmt.Sprintf("schedule %q: %v", e.Name, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsExecution reports whether err is (or wraps) an ExecutionError.
func IsExecution(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}
