package workflow

import (
	"testing"
	"time"
)

func newTestStep(taskID string) *WorkflowStep {
	tmpl := &NamedStep{
		Name:            "validate_order",
		DependentSystem: "inventory",
		Handler:         HandlerRef{Namespace: "payments", Name: "validate_order", Version: "v1"},
		RetryLimit:      3,
		Retryable:       true,
	}
	return NewWorkflowStep(taskID, tmpl, map[string]any{"sku": "A1"}, time.Now().UTC())
}

func TestNewWorkflowStep_Defaults(t *testing.T) {
	step := newTestStep("task-1")

	if step.State() != StepStatePending {
		t.Errorf("expected pending, got %s", step.State())
	}
	if step.RetryLimit != 3 {
		t.Errorf("expected retry limit 3, got %d", step.RetryLimit)
	}
	if !step.Retryable {
		t.Error("expected retryable by default")
	}
	if step.Skippable {
		t.Error("expected not skippable by default")
	}
	if len(step.Transitions) != 1 || !step.Transitions[0].MostRecent {
		t.Error("expected single most_recent initial row")
	}
}

func TestWorkflowStep_TransitionTo(t *testing.T) {
	t.Run("execution path", func(t *testing.T) {
		step := newTestStep("task-1")

		outcome, err := step.TransitionTo(StepStateInProgress, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome != TransitionApplied {
			t.Errorf("expected applied, got %s", outcome)
		}
		if !step.InProcess {
			t.Error("expected in_process while running")
		}

		outcome, err = step.TransitionTo(StepStateComplete, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome != TransitionApplied {
			t.Errorf("expected applied, got %s", outcome)
		}
		if step.InProcess {
			t.Error("in_process should clear on completion")
		}
	})

	t.Run("failed step may reenter in_progress", func(t *testing.T) {
		step := newTestStep("task-1")
		mustTransitionStep(t, step, StepStateInProgress)
		mustTransitionStep(t, step, StepStateFailed)

		if _, err := step.TransitionTo(StepStateInProgress, nil); err != nil {
			t.Fatalf("failed -> in_progress should be legal: %v", err)
		}
	})

	t.Run("same state is idempotent no-op", func(t *testing.T) {
		step := newTestStep("task-1")

		outcome, err := step.TransitionTo(StepStatePending, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome != TransitionAlreadyInTarget {
			t.Errorf("expected already_in_target, got %s", outcome)
		}
		if len(step.Transitions) != 1 {
			t.Errorf("no-op must not add a row, have %d", len(step.Transitions))
		}
	})

	t.Run("pending cannot complete directly", func(t *testing.T) {
		step := newTestStep("task-1")
		if _, err := step.TransitionTo(StepStateComplete, nil); err == nil {
			t.Fatal("expected error for pending -> complete")
		}
	})
}

func TestWorkflowStep_MostRecentUniqueness(t *testing.T) {
	step := newTestStep("task-1")
	mustTransitionStep(t, step, StepStateInProgress)
	mustTransitionStep(t, step, StepStateFailed)
	mustTransitionStep(t, step, StepStateInProgress)
	mustTransitionStep(t, step, StepStateComplete)

	recent := 0
	for _, tr := range step.Transitions {
		if tr.MostRecent {
			recent++
		}
	}
	if recent != 1 {
		t.Errorf("expected exactly one most_recent row, got %d", recent)
	}
	if step.State() != StepStateComplete {
		t.Errorf("expected complete, got %s", step.State())
	}
}

func TestWorkflowStep_RecordSuccess(t *testing.T) {
	step := newTestStep("task-1")
	now := time.Now().UTC()
	step.BeginAttempt(now)

	results := map[string]any{"validated": true}
	step.RecordSuccess(results, now.Add(250*time.Millisecond))

	if !step.Processed {
		t.Error("expected processed")
	}
	if step.ProcessedAt == nil {
		t.Fatal("expected processed_at")
	}
	if step.ExecutionDuration() != 250*time.Millisecond {
		t.Errorf("expected 250ms duration, got %v", step.ExecutionDuration())
	}
	if step.Results["validated"] != true {
		t.Error("results not persisted")
	}
}

func TestWorkflowStep_RecordFailure(t *testing.T) {
	t.Run("retryable failure with server backoff", func(t *testing.T) {
		step := newTestStep("task-1")
		now := time.Now().UTC()
		step.BeginAttempt(now)

		retryAfter := 30
		step.RecordFailure(StepFailure{
			Message:    "rate limited",
			ErrorClass: "RetryableError",
			RetryAfter: &retryAfter,
		}, now)

		if step.Results[ResultKeyError] != "rate limited" {
			t.Error("error message not persisted")
		}
		if step.Results[ResultKeyErrorClass] != "RetryableError" {
			t.Error("error class not persisted")
		}
		if step.BackoffRequestSeconds == nil || *step.BackoffRequestSeconds != 30 {
			t.Error("backoff_request_seconds not set from retry_after")
		}
		if !step.Retryable {
			t.Error("retryable failure must not flip retryability")
		}
		if step.LastFailedAt == nil {
			t.Error("expected last_failed_at")
		}
	})

	t.Run("permanent failure turns off retryability", func(t *testing.T) {
		step := newTestStep("task-1")
		now := time.Now().UTC()
		step.BeginAttempt(now)

		step.RecordFailure(StepFailure{
			Message:    "schema mismatch",
			ErrorClass: "PermanentError",
			Permanent:  true,
		}, now)

		if step.Retryable {
			t.Error("permanent failure must turn off retryability")
		}
	})

	t.Run("failure keeps partial results", func(t *testing.T) {
		step := newTestStep("task-1")
		step.Results = map[string]any{"partial": "kept"}
		step.RecordFailure(StepFailure{Message: "boom", ErrorClass: "error"}, time.Now().UTC())

		if step.Results["partial"] != "kept" {
			t.Error("failure must merge into results, not replace them")
		}
	})
}

func mustTransitionStep(t *testing.T, step *WorkflowStep, target StepState) {
	t.Helper()
	if _, err := step.TransitionTo(target, nil); err != nil {
		t.Fatalf("transition to %s: %v", target, err)
	}
}
