// Package events provides the in-process event bus coupling the engine's
// components: explicit name registration, synchronous delivery, payload
// builders per event family, and a relay mirroring bus traffic onto NATS
// subjects for external consumers.
package events

import (
	"sort"
	"strings"
)

// Task lifecycle events.
const (
	TaskInitializeRequested = "task.initialize_requested"
	TaskStarted             = "task.started"
	TaskCompleted           = "task.completed"
	TaskFailed              = "task.failed"
	TaskCancelled           = "task.cancelled"
	TaskRetryRequested      = "task.retry_requested"
)

// Step lifecycle events.
const (
	StepExecutionRequested = "step.execution_requested"
	StepCompleted          = "step.completed"
	StepFailed             = "step.failed"
	StepCancelled          = "step.cancelled"
	StepRetryRequested     = "step.retry_requested"
)

// Orchestration events.
const (
	WorkflowIterationStarted      = "workflow.iteration_started"
	WorkflowViableStepsDiscovered = "workflow.viable_steps_discovered"
	WorkflowNoViableSteps         = "workflow.no_viable_steps"
	WorkflowTaskReenqueueStarted  = "workflow.task_reenqueue_started"
	WorkflowTaskReenqueueFailed   = "workflow.task_reenqueue_failed"
	WorkflowTaskReenqueueDelayed  = "workflow.task_reenqueue_delayed"
)

// ReservedPrefixes are the engine-owned event namespaces. Custom events may
// not use them.
var ReservedPrefixes = []string{"task.", "step.", "workflow.", "observability."}

// canonicalNames is the full engine event set, registered on every bus at
// construction.
var canonicalNames = []string{
	TaskInitializeRequested,
	TaskStarted,
	TaskCompleted,
	TaskFailed,
	TaskCancelled,
	TaskRetryRequested,
	StepExecutionRequested,
	StepCompleted,
	StepFailed,
	StepCancelled,
	StepRetryRequested,
	WorkflowIterationStarted,
	WorkflowViableStepsDiscovered,
	WorkflowNoViableSteps,
	WorkflowTaskReenqueueStarted,
	WorkflowTaskReenqueueFailed,
	WorkflowTaskReenqueueDelayed,
}

// legacyAliases folds old event spellings onto their canonical names at the
// publish boundary. Earlier releases emitted both forms; only the canonical
// name is registered.
var legacyAliases = map[string]string{
	"task.start":                TaskStarted,
	"task.complete":             TaskCompleted,
	"task.error":                TaskFailed,
	"step.complete":             StepCompleted,
	"step.error":                StepFailed,
	"step.handle":               StepExecutionRequested,
	"workflow.steps_discovered": WorkflowViableStepsDiscovered,
}

// CanonicalNames returns the engine event names, sorted.
func CanonicalNames() []string {
	out := append([]string(nil), canonicalNames...)
	sort.Strings(out)
	return out
}

// Canonicalize resolves legacy spellings to the registered name. Unknown
// names pass through unchanged.
func Canonicalize(name string) string {
	if canonical, ok := legacyAliases[name]; ok {
		return canonical
	}
	return name
}

// Domain returns the portion of a dotted event name before the first dot.
func Domain(name string) string {
	if i := strings.Index(name, "."); i > 0 {
		return name[:i]
	}
	return ""
}

// ValidateCustomName enforces the custom event naming rules: the name must
// contain a namespace dot and must not collide with a reserved prefix.
func ValidateCustomName(name string) error {
	i := strings.Index(name, ".")
	if i <= 0 || i == len(name)-1 {
		return &InvalidNameError{Name: name, Reason: "custom event names must be namespaced as {domain}.{action}"}
	}
	for _, prefix := range ReservedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return &InvalidNameError{Name: name, Reason: "prefix " + prefix + " is reserved for engine events"}
		}
	}
	return nil
}
