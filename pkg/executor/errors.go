package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrInterrupted is returned when the context ends after submission. The
	// submission marker is kept so the next run resumes polling.
	ErrInterrupted = errors.New("attempt interrupted after submission")

	errAttemptDeadline = errors.New("attempt deadline exceeded")
)

// ValidationError rejects an intent before any remote call. No record is
// written and the intent is left unchanged.
type ValidationError struct {
	IntentID string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid intent %s: %s", e.IntentID, e.Reason)
}

// PhaseError is a remote or local failure that terminated an attempt as Failed
type PhaseError struct {
	Phase Phase
	// ErrorType is a short label for logs and metrics
	ErrorType string
	// Irrevocable is set once the order was submitted
	Irrevocable bool
	Err         error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Phase, e.ErrorType, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// FatalError is an internal invariant violation. The attempt is aborted.
type FatalError struct {
	Phase Phase
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error in %s phase: %v", e.Phase, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is or wraps a *FatalError
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsValidation reports whether err is or wraps a *ValidationError
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
