package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Defaults applied when a TaskRequest omits optional fields.
const (
	DefaultNamespace   = "default"
	DefaultTaskVersion = "0.1.0"
)

// TaskRequest is the boundary input from which tasks are created.
type TaskRequest struct {
	Name         string         `json:"name"`
	Namespace    string         `json:"namespace,omitempty"`
	Version      string         `json:"version,omitempty"`
	Context      map[string]any `json:"context"`
	Initiator    string         `json:"initiator,omitempty"`
	SourceSystem string         `json:"source_system,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	RequestedAt  time.Time      `json:"requested_at,omitempty"`
	BypassSteps  []string       `json:"bypass_steps,omitempty"`
}

// Validate rejects requests missing required fields.
func (r *TaskRequest) Validate() error {
	if r.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if r.Context == nil {
		return &ValidationError{Field: "context", Message: "context is required"}
	}
	return nil
}

// ApplyDefaults fills namespace, version, and requested_at when absent.
func (r *TaskRequest) ApplyDefaults(now time.Time) {
	if r.Namespace == "" {
		r.Namespace = DefaultNamespace
	}
	if r.Version == "" {
		r.Version = DefaultTaskVersion
	}
	if r.RequestedAt.IsZero() {
		r.RequestedAt = now
	}
}

// Task is a live workflow instance. Its transition rows are append-only;
// CurrentStatus mirrors the row with MostRecent set.
type Task struct {
	TaskID       string         `json:"task_id"`
	Name         string         `json:"name"`
	Namespace    string         `json:"namespace"`
	Version      string         `json:"version"`
	IdentityHash string         `json:"identity_hash"`
	Context      map[string]any `json:"context,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Initiator    string         `json:"initiator,omitempty"`
	SourceSystem string         `json:"source_system,omitempty"`
	RequestedAt  time.Time      `json:"requested_at"`
	BypassSteps  []string       `json:"bypass_steps,omitempty"`

	CurrentStatus TaskState        `json:"current_status"`
	Complete      bool             `json:"complete"`
	Transitions   []TaskTransition `json:"transitions"`

	// EnqueuedAt marks the task as present on the background queue. The
	// reenqueuer sets it, the orchestrator clears it on pickup.
	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Revision is the storage revision backing optimistic concurrency.
	// Zero means not yet persisted. Managed by the store, never serialized.
	Revision uint64 `json:"-"`
}

// NewTask builds a pending task from a validated request. The initial
// nil → pending transition row is recorded immediately so every task carries
// at least one transition after creation.
func NewTask(req *TaskRequest, identityHash string, now time.Time) *Task {
	t := &Task{
		TaskID:       uuid.New().String(),
		Name:         req.Name,
		Namespace:    req.Namespace,
		Version:      req.Version,
		IdentityHash: identityHash,
		Context:      req.Context,
		Tags:         req.Tags,
		Reason:       req.Reason,
		Initiator:    req.Initiator,
		SourceSystem: req.SourceSystem,
		RequestedAt:  req.RequestedAt,
		BypassSteps:  req.BypassSteps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t.CurrentStatus = TaskStatePending
	t.Transitions = []TaskTransition{{
		ToState:    TaskStatePending,
		CreatedAt:  now,
		MostRecent: true,
	}}
	return t
}

// State returns the task's current state from its transition history,
// defaulting to pending when no row exists yet.
func (t *Task) State() TaskState {
	for i := len(t.Transitions) - 1; i >= 0; i-- {
		if t.Transitions[i].MostRecent {
			return t.Transitions[i].ToState
		}
	}
	return TaskStatePending
}

// CanTransitionTo reports whether the task FSM permits moving to target from
// the current state.
func (t *Task) CanTransitionTo(target TaskState) bool {
	return CanTaskTransition(t.State(), target)
}

// TransitionTo applies a task transition. A same-state request is an
// idempotent no-op: no row, no event, no error. Illegal targets return
// ErrInvalidTransition.
func (t *Task) TransitionTo(target TaskState, meta TransitionMetadata) (TransitionOutcome, error) {
	from := t.State()
	if from == target {
		return TransitionAlreadyInTarget, nil
	}
	if !CanTaskTransition(from, target) {
		return "", &InvalidTransitionError{From: string(from), To: string(target), Entity: "task", ID: t.TaskID}
	}

	now := time.Now().UTC()
	for i := range t.Transitions {
		t.Transitions[i].MostRecent = false
	}
	fromCopy := from
	t.Transitions = append(t.Transitions, TaskTransition{
		FromState:  &fromCopy,
		ToState:    target,
		CreatedAt:  now,
		Metadata:   meta,
		MostRecent: true,
	})
	t.CurrentStatus = target
	t.UpdatedAt = now

	switch target {
	case TaskStateInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case TaskStateComplete, TaskStateResolvedManually:
		t.Complete = true
		t.CompletedAt = &now
	}
	return TransitionApplied, nil
}

// MarkEnqueued records the queue marker used for reenqueue idempotency.
func (t *Task) MarkEnqueued(now time.Time) {
	t.EnqueuedAt = &now
	t.UpdatedAt = now
}

// ClearEnqueued removes the queue marker when an orchestrator picks the task
// up.
func (t *Task) ClearEnqueued(now time.Time) {
	t.EnqueuedAt = nil
	t.UpdatedAt = now
}
