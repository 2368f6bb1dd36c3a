package engine

import (
	"errors"
	"fmt"
)

var (
	ErrDisabled  = errors.New("task engine disabled")
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")
	ErrStale     = errors.New("task dropped: queued too long")
)

// PanicError is returned by a task run that panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsPanic reports whether err is (or wraps) a recovered task panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
