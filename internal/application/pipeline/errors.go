package pipeline

import (
	"errors"
	"fmt"
)

// Failure classes live in the domain package (domain.Transient, Permanent,
// Critical); this file holds the one class only the worker runtime can
// produce.

// PanicError indicates a panic occurred during job processing.
// Jobs that panic are sent directly to the failure registry (no retries).
// Panics indicate programming errors, not transient issues.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic returns true if the error indicates a panic occurred.
func IsPanic(err error) bool {
	var panicErr PanicError
	return errors.As(err, &panicErr)
}
