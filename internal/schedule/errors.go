package schedule

import (
	"errors"
	"fmt"

	"recurd/internal/recurrence"
)

var (
	ErrNotFound = errors.New("schedule not found")
	ErrRunning  = errors.New("schedule already running")
)

// ValidationError is returned for an empty name or an invalid rule.
type ValidationError = recurrence.ValidationError

// NotFoundError reports an operation on an unknown (or deleted) schedule id.
// It matches ErrNotFound with errors.Is.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("schedule %q not found", e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
