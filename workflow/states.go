// Package workflow defines the Tasker domain model: tasks, workflow steps,
// step edges, transition history, templates, readiness projections, and the
// task/step state machines that drive orchestration.
package workflow

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStatePending          TaskState = "pending"
	TaskStateInProgress       TaskState = "in_progress"
	TaskStateComplete         TaskState = "complete"
	TaskStateError            TaskState = "error"
	TaskStateCancelled        TaskState = "cancelled"
	TaskStateResolvedManually TaskState = "resolved_manually"
)

// StepState is the lifecycle state of a workflow step.
type StepState string

const (
	StepStatePending          StepState = "pending"
	StepStateInProgress       StepState = "in_progress"
	StepStateComplete         StepState = "complete"
	StepStateFailed           StepState = "failed"
	StepStateCancelled        StepState = "cancelled"
	StepStateResolvedManually StepState = "resolved_manually"
)

// IsTerminal reports whether a task in this state can never transition again.
// Error is a resting state, not terminal: it leaves via retry or manual
// resolution.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateComplete, TaskStateCancelled, TaskStateResolvedManually:
		return true
	}
	return false
}

// IsTerminal reports whether a step in this state can never transition again.
// Failed is a resting state until the retry limit is exhausted.
func (s StepState) IsTerminal() bool {
	switch s {
	case StepStateComplete, StepStateCancelled, StepStateResolvedManually:
		return true
	}
	return false
}

// IsComplete reports whether a step in this state counts as a satisfied
// dependency for its children.
func (s StepState) IsComplete() bool {
	return s == StepStateComplete || s == StepStateResolvedManually
}

// taskTransitionTable enumerates the legal task transitions. A nil from
// state (represented by the empty string) is the initialization edge.
var taskTransitionTable = map[TaskState][]TaskState{
	"":                  {TaskStatePending},
	TaskStatePending:    {TaskStateInProgress, TaskStateCancelled},
	TaskStateInProgress: {TaskStateComplete, TaskStateError, TaskStateCancelled},
	TaskStateError:      {TaskStatePending, TaskStateResolvedManually},
}

// stepTransitionTable enumerates the legal step transitions. Failed steps
// may reenter in_progress directly (the executor's retry path) or return to
// pending via an explicit retry request.
var stepTransitionTable = map[StepState][]StepState{
	"":                  {StepStatePending},
	StepStatePending:    {StepStateInProgress, StepStateCancelled},
	StepStateInProgress: {StepStateComplete, StepStateFailed, StepStateCancelled, StepStateResolvedManually},
	StepStateFailed:     {StepStatePending, StepStateInProgress, StepStateResolvedManually},
}

// CanTaskTransition reports whether the task FSM permits from → to.
// Same-state requests are always permitted (they resolve to a no-op).
func CanTaskTransition(from, to TaskState) bool {
	if from == to {
		return true
	}
	for _, t := range taskTransitionTable[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CanStepTransition reports whether the step FSM permits from → to.
// Same-state requests are always permitted (they resolve to a no-op).
func CanStepTransition(from, to StepState) bool {
	if from == to {
		return true
	}
	for _, t := range stepTransitionTable[from] {
		if t == to {
			return true
		}
	}
	return false
}
