package workflow

import (
	"sort"
	"time"
)

// MaxBackoffSeconds caps the exponential failure backoff.
const MaxBackoffSeconds = 30

// StepReadiness is the per-step scheduling projection. It is derived from
// committed state only and never stored.
type StepReadiness struct {
	WorkflowStepID        string     `json:"workflow_step_id"`
	TaskID                string     `json:"task_id"`
	NamedStep             string     `json:"named_step"`
	CurrentState          StepState  `json:"current_state"`
	TotalParents          int        `json:"total_parents"`
	CompletedParents      int        `json:"completed_parents"`
	DependenciesSatisfied bool       `json:"dependencies_satisfied"`
	RetryEligible         bool       `json:"retry_eligible"`
	ReadyForExecution     bool       `json:"ready_for_execution"`
	NextEligibleAt        *time.Time `json:"next_eligible_at,omitempty"`
}

// exponentialBackoff is min(2^attempts seconds, 30 seconds).
func exponentialBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	seconds := 1 << attempts
	if attempts > 5 || seconds > MaxBackoffSeconds {
		seconds = MaxBackoffSeconds
	}
	return time.Duration(seconds) * time.Second
}

// backoffWindowSatisfied is the readiness backoff check. An explicit
// backoff_request_seconds takes precedence over the never-failed shortcut: a
// step with a server-requested backoff is not ready until the window
// elapses, even if it has never failed.
func backoffWindowSatisfied(step *WorkflowStep, now time.Time) bool {
	if step.BackoffRequestSeconds != nil && step.LastAttemptedAt != nil {
		deadline := step.LastAttemptedAt.Add(time.Duration(*step.BackoffRequestSeconds) * time.Second)
		return !now.Before(deadline)
	}
	if step.LastFailedAt == nil {
		return true
	}
	deadline := step.LastFailedAt.Add(exponentialBackoff(step.Attempts))
	return !now.Before(deadline)
}

// retryEligible applies the retry ladder: retryability and the attempt
// budget first, then the never-failed shortcut, then the server-requested
// window, then the exponential window.
func retryEligible(step *WorkflowStep, now time.Time) bool {
	if !step.Retryable {
		return false
	}
	if step.Attempts >= step.RetryLimit {
		return false
	}
	if step.LastFailedAt == nil {
		return true
	}
	if step.BackoffRequestSeconds != nil && step.LastAttemptedAt != nil {
		deadline := step.LastAttemptedAt.Add(time.Duration(*step.BackoffRequestSeconds) * time.Second)
		return !now.Before(deadline)
	}
	deadline := step.LastFailedAt.Add(exponentialBackoff(step.Attempts))
	return !now.Before(deadline)
}

// nextEligibleAt reports when the step's backoff window elapses, nil when no
// window applies.
func nextEligibleAt(step *WorkflowStep) *time.Time {
	if step.BackoffRequestSeconds != nil && step.LastAttemptedAt != nil {
		t := step.LastAttemptedAt.Add(time.Duration(*step.BackoffRequestSeconds) * time.Second)
		return &t
	}
	if step.LastFailedAt != nil {
		t := step.LastFailedAt.Add(exponentialBackoff(step.Attempts))
		return &t
	}
	return nil
}

// ComputeStepReadiness derives one step's readiness from the step and its
// parents. Parent counts default to zero for root steps.
func ComputeStepReadiness(step *WorkflowStep, parents []*WorkflowStep, now time.Time) StepReadiness {
	state := step.State()

	completed := 0
	for _, p := range parents {
		if p.State().IsComplete() {
			completed++
		}
	}
	total := len(parents)
	depsSatisfied := total == 0 || completed == total

	// Retryability only matters after a failure: a non-retryable step still
	// gets its first attempt, it just never gets a second one.
	ready := (state == StepStatePending || (state == StepStateFailed && step.Retryable)) &&
		depsSatisfied &&
		step.Attempts < step.RetryLimit &&
		backoffWindowSatisfied(step, now)

	return StepReadiness{
		WorkflowStepID:        step.WorkflowStepID,
		TaskID:                step.TaskID,
		NamedStep:             step.NamedStep,
		CurrentState:          state,
		TotalParents:          total,
		CompletedParents:      completed,
		DependenciesSatisfied: depsSatisfied,
		RetryEligible:         retryEligible(step, now),
		ReadyForExecution:     ready,
		NextEligibleAt:        nextEligibleAt(step),
	}
}

// ComputeReadiness derives readiness for every step of a task, sorted by
// workflow_step_id so downstream consumers see a deterministic order.
func ComputeReadiness(graph *StepGraph, now time.Time) []StepReadiness {
	ids := make([]string, 0, len(graph.steps))
	for id := range graph.steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]StepReadiness, 0, len(ids))
	for _, id := range ids {
		step := graph.steps[id]
		out = append(out, ComputeStepReadiness(step, graph.Parents(id), now))
	}
	return out
}

// TerminallyFailed reports whether a failed step can never run again within
// this task: it is out of retry budget or marked non-retryable.
func TerminallyFailed(step *WorkflowStep) bool {
	if step.State() != StepStateFailed {
		return false
	}
	return !step.Retryable || step.Attempts >= step.RetryLimit
}
