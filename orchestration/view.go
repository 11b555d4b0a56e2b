package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/tasker/storage"
	"github.com/c360studio/tasker/workflow"
)

// taskView is one consistent read of a task's workflow: its steps, their
// graph, the readiness projection, and the execution context. Components
// rebuild it per decision instead of holding it across suspension points.
type taskView struct {
	task      *workflow.Task
	steps     []*workflow.WorkflowStep
	graph     *workflow.StepGraph
	readiness []workflow.StepReadiness
	execCtx   workflow.TaskExecutionContext
}

// loadView reads the task's steps and derives the projections as of now.
func loadView(ctx context.Context, store storage.Store, task *workflow.Task, now time.Time) (*taskView, error) {
	steps, err := store.ListSteps(ctx, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("list steps for task %s: %w", task.TaskID, err)
	}

	graph, err := workflow.NewStepGraph(steps)
	if err != nil {
		return nil, fmt.Errorf("build step graph for task %s: %w", task.TaskID, err)
	}

	readiness := workflow.ComputeReadiness(graph, now)
	return &taskView{
		task:      task,
		steps:     steps,
		graph:     graph,
		readiness: readiness,
		execCtx:   workflow.ComputeExecutionContext(task, graph, readiness),
	}, nil
}

// readyStepIDs returns the ready set in workflow_step_id order.
func (v *taskView) readyStepIDs() []string {
	var ids []string
	for _, r := range v.readiness {
		if r.ReadyForExecution {
			ids = append(ids, r.WorkflowStepID)
		}
	}
	return ids
}

// terminallyFailedStepNames returns the named steps that exhausted their
// retries or failed permanently.
func (v *taskView) terminallyFailedStepNames() []string {
	var names []string
	for _, step := range v.graph.TopologicalOrder() {
		if workflow.TerminallyFailed(step) {
			names = append(names, step.NamedStep)
		}
	}
	return names
}
