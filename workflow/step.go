package workflow

import (
	"time"

	"github.com/google/uuid"
)

// DefaultRetryLimit bounds step attempts unless the template overrides it.
const DefaultRetryLimit = 3

// Result keys the executor writes when a step fails. The failure record is
// stored inside the step's results map, alongside any partial handler output.
const (
	ResultKeyError      = "error"
	ResultKeyErrorClass = "error_class"
	ResultKeyBacktrace  = "backtrace"
)

// WorkflowStep is one node of a task's DAG. Steps are created with their
// task and never added later; only their state and execution bookkeeping
// evolve.
type WorkflowStep struct {
	WorkflowStepID  string `json:"workflow_step_id"`
	TaskID          string `json:"task_id"`
	NamedStep       string `json:"named_step"`
	DependentSystem string `json:"dependent_system"`

	// Handler binding resolved from the step template at materialization.
	HandlerNamespace string `json:"handler_namespace"`
	HandlerName      string `json:"handler_name"`
	HandlerVersion   string `json:"handler_version"`

	Inputs  map[string]any `json:"inputs,omitempty"`
	Results map[string]any `json:"results,omitempty"`

	Attempts              int        `json:"attempts"`
	RetryLimit            int        `json:"retry_limit"`
	Retryable             bool       `json:"retryable"`
	Skippable             bool       `json:"skippable"`
	BackoffRequestSeconds *int       `json:"backoff_request_seconds,omitempty"`
	LastAttemptedAt       *time.Time `json:"last_attempted_at,omitempty"`
	LastFailedAt          *time.Time `json:"last_failed_at,omitempty"`
	ProcessedAt           *time.Time `json:"processed_at,omitempty"`
	Processed             bool       `json:"processed"`
	InProcess             bool       `json:"in_process"`

	// Edges holds this step's inbound edges (producers this step consumes
	// from). The full task DAG is the union over its steps.
	Edges []WorkflowStepEdge `json:"edges,omitempty"`

	CurrentStatus StepState        `json:"current_status"`
	Transitions   []StepTransition `json:"transitions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Revision is the storage revision backing optimistic concurrency.
	// Zero means not yet persisted. Managed by the store, never serialized.
	Revision uint64 `json:"-"`
}

// NewWorkflowStep builds a pending step for a task from its template
// binding. The initial nil → pending row is recorded immediately.
func NewWorkflowStep(taskID string, tmpl *NamedStep, inputs map[string]any, now time.Time) *WorkflowStep {
	s := &WorkflowStep{
		WorkflowStepID:   uuid.New().String(),
		TaskID:           taskID,
		NamedStep:        tmpl.Name,
		DependentSystem:  tmpl.DependentSystem,
		HandlerNamespace: tmpl.Handler.Namespace,
		HandlerName:      tmpl.Handler.Name,
		HandlerVersion:   tmpl.Handler.Version,
		Inputs:           inputs,
		RetryLimit:       tmpl.RetryLimit,
		Retryable:        tmpl.Retryable,
		Skippable:        tmpl.Skippable,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if s.RetryLimit <= 0 {
		s.RetryLimit = DefaultRetryLimit
	}
	s.CurrentStatus = StepStatePending
	s.Transitions = []StepTransition{{
		ToState:    StepStatePending,
		CreatedAt:  now,
		MostRecent: true,
	}}
	return s
}

// State returns the step's current state from its transition history,
// defaulting to pending when no row exists yet.
func (s *WorkflowStep) State() StepState {
	for i := len(s.Transitions) - 1; i >= 0; i-- {
		if s.Transitions[i].MostRecent {
			return s.Transitions[i].ToState
		}
	}
	return StepStatePending
}

// CanTransitionTo reports whether the step FSM permits moving to target from
// the current state.
func (s *WorkflowStep) CanTransitionTo(target StepState) bool {
	return CanStepTransition(s.State(), target)
}

// TransitionTo applies a step transition. A same-state request is an
// idempotent no-op: no row, no event, no error.
func (s *WorkflowStep) TransitionTo(target StepState, meta TransitionMetadata) (TransitionOutcome, error) {
	from := s.State()
	if from == target {
		return TransitionAlreadyInTarget, nil
	}
	if !CanStepTransition(from, target) {
		return "", &InvalidTransitionError{From: string(from), To: string(target), Entity: "workflow_step", ID: s.WorkflowStepID}
	}

	now := time.Now().UTC()
	for i := range s.Transitions {
		s.Transitions[i].MostRecent = false
	}
	fromCopy := from
	s.Transitions = append(s.Transitions, StepTransition{
		FromState:  &fromCopy,
		ToState:    target,
		CreatedAt:  now,
		Metadata:   meta,
		MostRecent: true,
	})
	s.CurrentStatus = target
	s.InProcess = target == StepStateInProgress
	s.UpdatedAt = now
	return TransitionApplied, nil
}

// BeginAttempt records attempt bookkeeping before the handler runs.
func (s *WorkflowStep) BeginAttempt(now time.Time) {
	s.Attempts++
	s.LastAttemptedAt = &now
	s.UpdatedAt = now
}

// RecordSuccess persists handler results. Callers transition to complete
// only after this write lands (save data first, then transition).
func (s *WorkflowStep) RecordSuccess(results map[string]any, now time.Time) {
	s.Results = results
	s.Processed = true
	s.ProcessedAt = &now
	s.UpdatedAt = now
}

// RecordFailure persists failure data into results. A server-requested
// backoff replaces any previous request; a permanent failure turns off
// retryability. Callers transition to failed only after this write lands.
func (s *WorkflowStep) RecordFailure(failure StepFailure, now time.Time) {
	if s.Results == nil {
		s.Results = make(map[string]any)
	}
	s.Results[ResultKeyError] = failure.Message
	s.Results[ResultKeyErrorClass] = failure.ErrorClass
	if failure.Backtrace != "" {
		s.Results[ResultKeyBacktrace] = failure.Backtrace
	}
	if failure.RetryAfter != nil {
		seconds := *failure.RetryAfter
		s.BackoffRequestSeconds = &seconds
	}
	if failure.Permanent {
		s.Retryable = false
	}
	s.LastFailedAt = &now
	s.UpdatedAt = now
}

// ExecutionDuration is processed_at minus last_attempted_at, zero until the
// step has completed an attempt.
func (s *WorkflowStep) ExecutionDuration() time.Duration {
	if s.ProcessedAt == nil || s.LastAttemptedAt == nil {
		return 0
	}
	return s.ProcessedAt.Sub(*s.LastAttemptedAt)
}

// ParentIDs returns the producer step ids this step depends on.
func (s *WorkflowStep) ParentIDs() []string {
	if len(s.Edges) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.Edges))
	for _, e := range s.Edges {
		ids = append(ids, e.FromStepID)
	}
	return ids
}
