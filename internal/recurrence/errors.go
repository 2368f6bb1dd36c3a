package recurrence

import "fmt"

// ValidationError reports a malformed rule or schedule definition.
type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Msg, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Invalid builds a ValidationError for callers outside this package.
func Invalid(field, format string, args ...any) error {
	return validationf(field, format, args...)
}
