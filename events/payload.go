package events

import (
	"time"

	"github.com/c360studio/tasker/workflow"
)

// StepPayload is the wire shape for step.* events.
type StepPayload struct {
	TaskID        string     `json:"task_id"`
	StepID        string     `json:"step_id"`
	StepName      string     `json:"step_name"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	AttemptNumber int        `json:"attempt_number"`
	RetryLimit    int        `json:"retry_limit"`
	EventType     string     `json:"event_type"`
	Timestamp     time.Time  `json:"timestamp"`

	// ExecutionDuration is seconds between last_attempted_at and
	// processed_at; set on step.completed only.
	ExecutionDuration float64 `json:"execution_duration,omitempty"`

	// Failure detail, set on step.failed only.
	ErrorMessage   string `json:"error_message,omitempty"`
	ExceptionClass string `json:"exception_class,omitempty"`
	Backtrace      string `json:"backtrace,omitempty"`
}

// NewStepPayload builds the base payload shared by all step events.
func NewStepPayload(step *workflow.WorkflowStep, eventType string, now time.Time) StepPayload {
	return StepPayload{
		TaskID:        step.TaskID,
		StepID:        step.WorkflowStepID,
		StepName:      step.NamedStep,
		StartedAt:     step.LastAttemptedAt,
		CompletedAt:   step.ProcessedAt,
		AttemptNumber: step.Attempts,
		RetryLimit:    step.RetryLimit,
		EventType:     eventType,
		Timestamp:     now,
	}
}

// NewStepCompletedPayload adds the measured execution duration.
func NewStepCompletedPayload(step *workflow.WorkflowStep, now time.Time) StepPayload {
	p := NewStepPayload(step, StepCompleted, now)
	if d := step.ExecutionDuration(); d > 0 {
		p.ExecutionDuration = d.Seconds()
	}
	return p
}

// NewStepFailedPayload adds the classified failure detail.
func NewStepFailedPayload(step *workflow.WorkflowStep, failure workflow.StepFailure, now time.Time) StepPayload {
	p := NewStepPayload(step, StepFailed, now)
	p.ErrorMessage = failure.Message
	p.ExceptionClass = failure.ErrorClass
	p.Backtrace = failure.Backtrace
	return p
}

// TaskPayload is the wire shape for task.* events. Exactly one of
// TotalExecutionDuration and CurrentExecutionDuration is set: the total once
// the task is terminal, the running duration otherwise.
type TaskPayload struct {
	TaskID      string     `json:"task_id"`
	TaskName    string     `json:"task_name"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	TotalExecutionDuration   float64 `json:"total_execution_duration,omitempty"`
	CurrentExecutionDuration float64 `json:"current_execution_duration,omitempty"`

	TotalSteps     int `json:"total_steps"`
	CompletedSteps int `json:"completed_steps"`
	FailedSteps    int `json:"failed_steps"`
	PendingSteps   int `json:"pending_steps"`

	// ErrorSteps names the terminally failed steps; set on task.failed only.
	ErrorSteps []string `json:"error_steps,omitempty"`

	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTaskPayload builds a task event payload from the task and its execution
// context.
func NewTaskPayload(task *workflow.Task, execCtx workflow.TaskExecutionContext, eventType string, now time.Time) TaskPayload {
	p := TaskPayload{
		TaskID:         task.TaskID,
		TaskName:       task.Name,
		StartedAt:      task.StartedAt,
		TotalSteps:     execCtx.TotalSteps,
		CompletedSteps: execCtx.CompletedSteps,
		FailedSteps:    execCtx.FailedSteps,
		PendingSteps:   execCtx.PendingSteps,
		EventType:      eventType,
		Timestamp:      now,
	}

	if task.State().IsTerminal() {
		p.CompletedAt = task.CompletedAt
		if task.StartedAt != nil && task.CompletedAt != nil {
			p.TotalExecutionDuration = task.CompletedAt.Sub(*task.StartedAt).Seconds()
		}
	} else if task.StartedAt != nil {
		p.CurrentExecutionDuration = now.Sub(*task.StartedAt).Seconds()
	}
	return p
}

// OrchestrationPayload is the wire shape for workflow.* events.
type OrchestrationPayload struct {
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// NewOrchestrationPayload builds an orchestration event payload.
func NewOrchestrationPayload(eventType string, now time.Time, context map[string]any) OrchestrationPayload {
	return OrchestrationPayload{
		EventType: eventType,
		Timestamp: now,
		Context:   context,
	}
}
