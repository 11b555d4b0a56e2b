package workflow

import "time"

// ExecutionStatus classifies where a task's workflow stands. The five-state
// classification is total: every counter tuple maps to exactly one status.
type ExecutionStatus string

const (
	ExecutionStatusHasReadySteps          ExecutionStatus = "has_ready_steps"
	ExecutionStatusProcessing             ExecutionStatus = "processing"
	ExecutionStatusBlockedByFailures      ExecutionStatus = "blocked_by_failures"
	ExecutionStatusAllComplete            ExecutionStatus = "all_complete"
	ExecutionStatusWaitingForDependencies ExecutionStatus = "waiting_for_dependencies"
)

// RecommendedAction is what the orchestrator should do next.
type RecommendedAction string

const (
	ActionExecuteReadySteps   RecommendedAction = "execute_ready_steps"
	ActionWaitForCompletion   RecommendedAction = "wait_for_completion"
	ActionHandleFailures      RecommendedAction = "handle_failures"
	ActionFinalizeTask        RecommendedAction = "finalize_task"
	ActionWaitForDependencies RecommendedAction = "wait_for_dependencies"
)

// HealthStatus summarizes failure posture for operators.
type HealthStatus string

const (
	HealthHealthy    HealthStatus = "healthy"
	HealthRecovering HealthStatus = "recovering"
	HealthBlocked    HealthStatus = "blocked"
	HealthUnknown    HealthStatus = "unknown"
)

// TaskExecutionContext aggregates step readiness into the per-task decision
// view the finalizer and orchestrator act on.
//
// FailedSteps counts terminal failures only: a failed step still inside its
// retry budget is waiting for another attempt and counts as pending, so a
// backoff window never misclassifies a recovering task as blocked.
type TaskExecutionContext struct {
	TaskID               string            `json:"task_id"`
	TotalSteps           int               `json:"total_steps"`
	PendingSteps         int               `json:"pending_steps"`
	InProgressSteps      int               `json:"in_progress_steps"`
	CompletedSteps       int               `json:"completed_steps"`
	FailedSteps          int               `json:"failed_steps"`
	ReadySteps           int               `json:"ready_steps"`
	ExecutionStatus      ExecutionStatus   `json:"execution_status"`
	RecommendedAction    RecommendedAction `json:"recommended_action"`
	CompletionPercentage float64           `json:"completion_percentage"`
	HealthStatus         HealthStatus      `json:"health_status"`
}

// ComputeExecutionContext derives the task execution context from step
// readiness. The readiness slice must cover all of the task's steps.
func ComputeExecutionContext(task *Task, graph *StepGraph, readiness []StepReadiness) TaskExecutionContext {
	ctx := TaskExecutionContext{TaskID: task.TaskID}

	for _, r := range readiness {
		ctx.TotalSteps++
		step := graph.Step(r.WorkflowStepID)
		switch r.CurrentState {
		case StepStateInProgress:
			ctx.InProgressSteps++
		case StepStateComplete, StepStateResolvedManually:
			ctx.CompletedSteps++
		case StepStateFailed:
			if step != nil && TerminallyFailed(step) {
				ctx.FailedSteps++
			} else {
				ctx.PendingSteps++
			}
		case StepStateCancelled:
			// Cancelled steps count toward no bucket.
		default:
			ctx.PendingSteps++
		}
		if r.ReadyForExecution {
			ctx.ReadySteps++
		}
	}

	ctx.ExecutionStatus = classifyExecutionStatus(ctx)
	ctx.RecommendedAction = recommendAction(ctx.ExecutionStatus)
	ctx.CompletionPercentage = completionPercentage(ctx.CompletedSteps, ctx.TotalSteps)
	ctx.HealthStatus = classifyHealth(ctx)
	return ctx
}

// classifyExecutionStatus applies the five-state rule table in order.
func classifyExecutionStatus(ctx TaskExecutionContext) ExecutionStatus {
	switch {
	case ctx.ReadySteps > 0:
		return ExecutionStatusHasReadySteps
	case ctx.InProgressSteps > 0:
		return ExecutionStatusProcessing
	case ctx.FailedSteps > 0 && ctx.ReadySteps == 0:
		return ExecutionStatusBlockedByFailures
	case ctx.CompletedSteps == ctx.TotalSteps:
		return ExecutionStatusAllComplete
	default:
		return ExecutionStatusWaitingForDependencies
	}
}

func recommendAction(status ExecutionStatus) RecommendedAction {
	switch status {
	case ExecutionStatusHasReadySteps:
		return ActionExecuteReadySteps
	case ExecutionStatusProcessing:
		return ActionWaitForCompletion
	case ExecutionStatusBlockedByFailures:
		return ActionHandleFailures
	case ExecutionStatusAllComplete:
		return ActionFinalizeTask
	default:
		return ActionWaitForDependencies
	}
}

func completionPercentage(completed, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return 100.0 * float64(completed) / float64(total)
}

func classifyHealth(ctx TaskExecutionContext) HealthStatus {
	switch {
	case ctx.FailedSteps == 0:
		return HealthHealthy
	case ctx.FailedSteps > 0 && ctx.ReadySteps > 0:
		return HealthRecovering
	case ctx.FailedSteps > 0 && ctx.ReadySteps == 0:
		return HealthBlocked
	default:
		return HealthUnknown
	}
}

// WorkflowEfficiency buckets overall workflow progress for analytics.
type WorkflowEfficiency string

const (
	EfficiencyOptimal    WorkflowEfficiency = "optimal"
	EfficiencyRecovering WorkflowEfficiency = "recovering"
	EfficiencyProcessing WorkflowEfficiency = "processing"
	EfficiencyBlocked    WorkflowEfficiency = "blocked"
	EfficiencyWaiting    WorkflowEfficiency = "waiting"
)

// ParallelismPotential buckets the size of the ready set.
type ParallelismPotential string

const (
	ParallelismHigh       ParallelismPotential = "high_parallelism"
	ParallelismModerate   ParallelismPotential = "moderate_parallelism"
	ParallelismSequential ParallelismPotential = "sequential_only"
	ParallelismNone       ParallelismPotential = "no_ready_work"
)

// TaskWorkflowSummary extends the execution context with DAG shape data for
// the API and analytics surfaces.
type TaskWorkflowSummary struct {
	TaskExecutionContext

	ReadyStepIDs         []string             `json:"ready_step_ids"`
	RootStepIDs          []string             `json:"root_step_ids"`
	RootStepCount        int                  `json:"root_step_count"`
	WorkflowEfficiency   WorkflowEfficiency   `json:"workflow_efficiency"`
	ParallelismPotential ParallelismPotential `json:"parallelism_potential"`
}

// ComputeWorkflowSummary derives the summary view for one task.
func ComputeWorkflowSummary(task *Task, graph *StepGraph, now time.Time) TaskWorkflowSummary {
	readiness := ComputeReadiness(graph, now)
	execCtx := ComputeExecutionContext(task, graph, readiness)

	summary := TaskWorkflowSummary{TaskExecutionContext: execCtx}
	for _, r := range readiness {
		if r.ReadyForExecution {
			summary.ReadyStepIDs = append(summary.ReadyStepIDs, r.WorkflowStepID)
		}
	}
	summary.RootStepIDs = graph.RootStepIDs()
	summary.RootStepCount = len(summary.RootStepIDs)
	summary.WorkflowEfficiency = classifyEfficiency(execCtx)
	summary.ParallelismPotential = classifyParallelism(len(summary.ReadyStepIDs))
	return summary
}

func classifyEfficiency(ctx TaskExecutionContext) WorkflowEfficiency {
	switch ctx.ExecutionStatus {
	case ExecutionStatusBlockedByFailures:
		return EfficiencyBlocked
	case ExecutionStatusProcessing:
		return EfficiencyProcessing
	case ExecutionStatusAllComplete:
		return EfficiencyOptimal
	case ExecutionStatusHasReadySteps:
		if ctx.FailedSteps > 0 {
			return EfficiencyRecovering
		}
		return EfficiencyOptimal
	default:
		return EfficiencyWaiting
	}
}

func classifyParallelism(readyCount int) ParallelismPotential {
	switch {
	case readyCount == 0:
		return ParallelismNone
	case readyCount == 1:
		return ParallelismSequential
	case readyCount <= 3:
		return ParallelismModerate
	default:
		return ParallelismHigh
	}
}
