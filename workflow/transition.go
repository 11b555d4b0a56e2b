package workflow

import "time"

// Metadata keys every transition row carries when known.
const (
	MetaComponent     = "component"
	MetaCorrelationID = "correlation_id"
)

// TransitionMetadata records who triggered a transition and any
// caller-supplied context.
type TransitionMetadata map[string]any

// TaskTransition is one append-only row of a task's state history. Exactly
// one row per task has MostRecent set; it defines the current state.
type TaskTransition struct {
	FromState  *TaskState         `json:"from_state,omitempty"`
	ToState    TaskState          `json:"to_state"`
	CreatedAt  time.Time          `json:"created_at"`
	Metadata   TransitionMetadata `json:"metadata,omitempty"`
	MostRecent bool               `json:"most_recent"`
}

// StepTransition is one append-only row of a step's state history.
type StepTransition struct {
	FromState  *StepState         `json:"from_state,omitempty"`
	ToState    StepState          `json:"to_state"`
	CreatedAt  time.Time          `json:"created_at"`
	Metadata   TransitionMetadata `json:"metadata,omitempty"`
	MostRecent bool               `json:"most_recent"`
}

// TransitionOutcome distinguishes an applied transition from the idempotent
// same-state no-op.
type TransitionOutcome string

const (
	TransitionApplied         TransitionOutcome = "applied"
	TransitionAlreadyInTarget TransitionOutcome = "already_in_target"
)
