package workflow

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyHandlerError(t *testing.T) {
	t.Run("retryable", func(t *testing.T) {
		failure := ClassifyHandlerError(NewRetryableError("inventory lookup timed out after %ds", 5))
		if failure.ErrorClass != "RetryableError" {
			t.Errorf("expected RetryableError class, got %s", failure.ErrorClass)
		}
		if failure.Permanent {
			t.Error("retryable failure must not be permanent")
		}
		if failure.RetryAfter != nil {
			t.Error("expected no backoff request")
		}
		if failure.Message != "inventory lookup timed out after 5s" {
			t.Errorf("unexpected message %q", failure.Message)
		}
	})

	t.Run("retryable with backoff", func(t *testing.T) {
		failure := ClassifyHandlerError(NewRetryableErrorWithBackoff(120, "rate limited"))
		if failure.RetryAfter == nil || *failure.RetryAfter != 120 {
			t.Errorf("expected 120s backoff request, got %v", failure.RetryAfter)
		}
	})

	t.Run("wrapped retryable", func(t *testing.T) {
		wrapped := fmt.Errorf("handler payments/charge_card: %w", NewRetryableError("gateway 503"))
		failure := ClassifyHandlerError(wrapped)
		if failure.ErrorClass != "RetryableError" {
			t.Errorf("expected RetryableError through wrapping, got %s", failure.ErrorClass)
		}
	})

	t.Run("permanent", func(t *testing.T) {
		failure := ClassifyHandlerError(NewPermanentError("card declined"))
		if failure.ErrorClass != "PermanentError" {
			t.Errorf("expected PermanentError class, got %s", failure.ErrorClass)
		}
		if !failure.Permanent {
			t.Error("permanent failure must be marked permanent")
		}
	})

	t.Run("permanent with error code", func(t *testing.T) {
		failure := ClassifyHandlerError(&PermanentError{Message: "card declined", ErrorCode: "CardDeclined"})
		if failure.ErrorClass != "CardDeclined" {
			t.Errorf("expected error code as class, got %s", failure.ErrorClass)
		}
	})

	t.Run("unclassified errors default to retryable", func(t *testing.T) {
		failure := ClassifyHandlerError(errors.New("connection reset"))
		if failure.Permanent {
			t.Error("plain errors must default to retryable")
		}
		if failure.ErrorClass != "*errors.errorString" {
			t.Errorf("expected the Go type name as class, got %s", failure.ErrorClass)
		}
	})
}

func TestInvalidTransitionError_Unwrap(t *testing.T) {
	err := &InvalidTransitionError{Entity: "task", ID: "t-1", From: "pending", To: "complete"}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Error("expected InvalidTransitionError to unwrap to ErrInvalidTransition")
	}
	want := "task t-1: transition pending -> complete not permitted"
	if err.Error() != want {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Field: "name", Message: "name is required"}
	if err.Error() != "name: name is required" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
