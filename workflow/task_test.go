package workflow

import (
	"testing"
	"time"
)

func newTestRequest() *TaskRequest {
	req := &TaskRequest{
		Name:      "order_fulfillment",
		Namespace: "payments",
		Version:   "1.0.0",
		Context:   map[string]any{"order_id": "o-123"},
		Initiator: "api",
	}
	req.ApplyDefaults(time.Now().UTC())
	return req
}

func TestNewTask_InitialTransition(t *testing.T) {
	task := NewTask(newTestRequest(), "hash-1", time.Now().UTC())

	if task.TaskID == "" {
		t.Fatal("expected task id")
	}
	if len(task.Transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(task.Transitions))
	}
	if task.Transitions[0].ToState != TaskStatePending {
		t.Errorf("expected initial pending row, got %s", task.Transitions[0].ToState)
	}
	if task.Transitions[0].FromState != nil {
		t.Error("initial transition should have no from state")
	}
	if !task.Transitions[0].MostRecent {
		t.Error("initial transition should be most recent")
	}
	if task.State() != TaskStatePending {
		t.Errorf("expected pending, got %s", task.State())
	}
}

func TestTask_TransitionTo(t *testing.T) {
	t.Run("legal path pending to complete", func(t *testing.T) {
		task := NewTask(newTestRequest(), "hash-1", time.Now().UTC())

		outcome, err := task.TransitionTo(TaskStateInProgress, TransitionMetadata{MetaComponent: "orchestrator"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome != TransitionApplied {
			t.Errorf("expected applied, got %s", outcome)
		}
		if task.StartedAt == nil {
			t.Error("expected started_at to be set")
		}

		outcome, err = task.TransitionTo(TaskStateComplete, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome != TransitionApplied {
			t.Errorf("expected applied, got %s", outcome)
		}
		if !task.Complete {
			t.Error("expected complete flag")
		}
		if task.CompletedAt == nil {
			t.Error("expected completed_at to be set")
		}
	})

	t.Run("same state is idempotent no-op", func(t *testing.T) {
		task := NewTask(newTestRequest(), "hash-1", time.Now().UTC())

		outcome, err := task.TransitionTo(TaskStatePending, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome != TransitionAlreadyInTarget {
			t.Errorf("expected already_in_target, got %s", outcome)
		}
		if len(task.Transitions) != 1 {
			t.Errorf("no-op must not add a row, have %d", len(task.Transitions))
		}
	})

	t.Run("illegal transition rejected", func(t *testing.T) {
		task := NewTask(newTestRequest(), "hash-1", time.Now().UTC())

		_, err := task.TransitionTo(TaskStateComplete, nil)
		if err == nil {
			t.Fatal("expected error for pending -> complete")
		}
	})

	t.Run("cancellation leaves completed_at unset", func(t *testing.T) {
		task := NewTask(newTestRequest(), "hash-1", time.Now().UTC())
		mustTransitionTask(t, task, TaskStateInProgress)
		mustTransitionTask(t, task, TaskStateCancelled)

		if task.Complete {
			t.Error("cancelled task must not be marked complete")
		}
		if task.CompletedAt != nil {
			t.Error("cancelled task must not carry completed_at")
		}
	})

	t.Run("error retries back to pending", func(t *testing.T) {
		task := NewTask(newTestRequest(), "hash-1", time.Now().UTC())
		mustTransitionTask(t, task, TaskStateInProgress)
		mustTransitionTask(t, task, TaskStateError)

		outcome, err := task.TransitionTo(TaskStatePending, TransitionMetadata{"event": "task.retry_requested"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome != TransitionApplied {
			t.Errorf("expected applied, got %s", outcome)
		}
	})
}

func TestTask_MostRecentUniqueness(t *testing.T) {
	task := NewTask(newTestRequest(), "hash-1", time.Now().UTC())
	mustTransitionTask(t, task, TaskStateInProgress)
	mustTransitionTask(t, task, TaskStateError)
	mustTransitionTask(t, task, TaskStatePending)
	mustTransitionTask(t, task, TaskStateInProgress)
	mustTransitionTask(t, task, TaskStateComplete)

	recent := 0
	for _, tr := range task.Transitions {
		if tr.MostRecent {
			recent++
		}
	}
	if recent != 1 {
		t.Errorf("expected exactly one most_recent row, got %d", recent)
	}
	if task.State() != TaskStateComplete {
		t.Errorf("expected complete, got %s", task.State())
	}
	if len(task.Transitions) != 6 {
		t.Errorf("expected 6 rows, got %d", len(task.Transitions))
	}
}

func TestTask_CreateReadRoundTrip(t *testing.T) {
	req := newTestRequest()
	req.Tags = []string{"priority:high"}
	req.Reason = "customer order"
	req.SourceSystem = "storefront"
	task := NewTask(req, "hash-1", time.Now().UTC())

	if task.Context["order_id"] != "o-123" {
		t.Error("context not preserved")
	}
	if len(task.Tags) != 1 || task.Tags[0] != "priority:high" {
		t.Error("tags not preserved")
	}
	if task.Reason != "customer order" {
		t.Error("reason not preserved")
	}
	if task.Initiator != "api" {
		t.Error("initiator not preserved")
	}
	if task.SourceSystem != "storefront" {
		t.Error("source_system not preserved")
	}
}

func TestTaskRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     TaskRequest
		wantErr bool
	}{
		{"valid", TaskRequest{Name: "t", Context: map[string]any{}}, false},
		{"missing name", TaskRequest{Context: map[string]any{}}, true},
		{"missing context", TaskRequest{Name: "t"}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestTaskState_IsTerminal(t *testing.T) {
	terminal := []TaskState{TaskStateComplete, TaskStateCancelled, TaskStateResolvedManually}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	resting := []TaskState{TaskStatePending, TaskStateInProgress, TaskStateError}
	for _, s := range resting {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func mustTransitionTask(t *testing.T, task *Task, target TaskState) {
	t.Helper()
	if _, err := task.TransitionTo(target, nil); err != nil {
		t.Fatalf("transition to %s: %v", target, err)
	}
}
