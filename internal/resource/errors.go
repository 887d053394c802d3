package resource

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Callers match with errors.Is; Retryable() is the single
// place that decides whether a failure is worth another attempt.
var (
	ErrSourceUnreachable = errors.New("source unreachable")
	ErrMalformedResource = errors.New("malformed resource")
	ErrObservationFailed = errors.New("observation failed")
	ErrApplyConflict     = errors.New("apply conflict")
	ErrApplyRejected     = errors.New("apply rejected")
	ErrCyclicAppGraph    = errors.New("cyclic application graph")
	ErrDependencyFailed  = errors.New("dependency failed")
	ErrOwnershipConflict = errors.New("ownership conflict")
)

// Retryable reports whether err is transient. Everything else is final for
// the resource it happened on.
func Retryable(err error) bool {
	return errors.Is(err, ErrSourceUnreachable) ||
		errors.Is(err, ErrObservationFailed) ||
		errors.Is(err, ErrApplyConflict)
}

// Error attaches the failure taxonomy to a specific resource.
type Error struct {
	Key Key
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with the resource it occurred on.
func NewError(key Key, err error) *Error {
	return &Error{Key: key, Err: err}
}
