package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a requested transition is not in
	// the state machine's table.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrGuardFailed is returned when a transition's guard rejects it, or
	// when a concurrent writer won the race for the same transition.
	ErrGuardFailed = errors.New("transition guard failed")

	// ErrCycleDetected is returned when a task's edge set is not acyclic.
	ErrCycleDetected = errors.New("workflow step edges form a cycle")
)

// ValidationError reports a rejected field at an input boundary.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// InvalidTransitionError carries the offending edge so callers can log it.
// It unwraps to ErrInvalidTransition.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: transition %s -> %s not permitted", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// RetryableError signals a step failure that may succeed on a later attempt.
// RetryAfter, when set, requests a server-driven backoff window in seconds
// and takes precedence over the engine's exponential backoff.
type RetryableError struct {
	Message    string
	RetryAfter *int
	Context    map[string]any
}

func (e *RetryableError) Error() string { return e.Message }

// NewRetryableError builds a RetryableError without a backoff request.
func NewRetryableError(format string, args ...any) *RetryableError {
	return &RetryableError{Message: fmt.Sprintf(format, args...)}
}

// NewRetryableErrorWithBackoff builds a RetryableError requesting that the
// step not be retried for at least retryAfter seconds.
func NewRetryableErrorWithBackoff(retryAfter int, format string, args ...any) *RetryableError {
	return &RetryableError{Message: fmt.Sprintf(format, args...), RetryAfter: &retryAfter}
}

// PermanentError signals a step failure that must not be retried within this
// task.
type PermanentError struct {
	Message   string
	ErrorCode string
	Context   map[string]any
}

func (e *PermanentError) Error() string { return e.Message }

// NewPermanentError builds a PermanentError.
func NewPermanentError(format string, args ...any) *PermanentError {
	return &PermanentError{Message: fmt.Sprintf(format, args...)}
}

// StepFailure is the normalized form of a handler failure that the executor
// persists into step results and step.failed payloads.
type StepFailure struct {
	Message    string         `json:"error"`
	ErrorClass string         `json:"error_class"`
	Backtrace  string         `json:"backtrace,omitempty"`
	RetryAfter *int           `json:"retry_after_seconds,omitempty"`
	Permanent  bool           `json:"permanent"`
	Context    map[string]any `json:"context,omitempty"`
}

// ClassifyHandlerError maps any error returned (or recovered) from a step
// handler onto the retryable/permanent taxonomy. Errors that are neither
// RetryableError nor PermanentError are treated as retryable with the Go
// type name as the class.
func ClassifyHandlerError(err error) StepFailure {
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return StepFailure{
			Message:    retryable.Message,
			ErrorClass: "RetryableError",
			RetryAfter: retryable.RetryAfter,
			Context:    retryable.Context,
		}
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		class := "PermanentError"
		if permanent.ErrorCode != "" {
			class = permanent.ErrorCode
		}
		return StepFailure{
			Message:    permanent.Message,
			ErrorClass: class,
			Permanent:  true,
			Context:    permanent.Context,
		}
	}

	return StepFailure{
		Message:    err.Error(),
		ErrorClass: fmt.Sprintf("%T", err),
	}
}
