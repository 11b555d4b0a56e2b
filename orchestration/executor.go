package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/tasker/events"
	"github.com/c360studio/tasker/handler"
	"github.com/c360studio/tasker/storage"
	"github.com/c360studio/tasker/workflow"
)

// DefaultMaxConcurrentSteps bounds per-iteration parallelism. The value is
// deliberately small: every in-flight step holds a store connection.
const DefaultMaxConcurrentSteps = 3

// StepOutcome is one step's result for this iteration.
type StepOutcome struct {
	StepID  string
	State   workflow.StepState
	Skipped bool
	Err     error
}

// ExecutionSummary aggregates one batch execution.
type ExecutionSummary struct {
	Outcomes []StepOutcome
}

// Completed counts steps that finished successfully.
func (s *ExecutionSummary) Completed() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.State == workflow.StepStateComplete {
			n++
		}
	}
	return n
}

// Failed counts steps whose attempt failed.
func (s *ExecutionSummary) Failed() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.State == workflow.StepStateFailed {
			n++
		}
	}
	return n
}

// StepExecutor runs batches of viable steps and owns attempt bookkeeping,
// persistence ordering, and the step lifecycle events.
type StepExecutor struct {
	store         storage.Store
	bus           *events.Bus
	handlers      *handler.Registry
	logger        *slog.Logger
	maxConcurrent int
	clock         func() time.Time
}

// NewStepExecutor builds a step executor.
func NewStepExecutor(store storage.Store, bus *events.Bus, handlers *handler.Registry, maxConcurrent int, logger *slog.Logger) *StepExecutor {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentSteps
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{
		store:         store,
		bus:           bus,
		handlers:      handlers,
		logger:        logger.With("component", "step-executor"),
		maxConcurrent: maxConcurrent,
		clock:         time.Now,
	}
}

// Execute runs the given steps. Concurrent mode uses a semaphore of
// maxConcurrent slots; sequential mode preserves the given order. Handler
// errors never escape: they land on the step as failure data.
func (e *StepExecutor) Execute(ctx context.Context, task *workflow.Task, stepIDs []string, mode ProcessingMode) (*ExecutionSummary, error) {
	summary := &ExecutionSummary{Outcomes: make([]StepOutcome, len(stepIDs))}

	if mode == ModeSequential {
		for i, stepID := range stepIDs {
			summary.Outcomes[i] = e.executeStep(ctx, task, stepID)
		}
		return summary, nil
	}

	sem := make(chan struct{}, e.maxConcurrent)
	var wg sync.WaitGroup
	for i, stepID := range stepIDs {
		wg.Add(1)
		go func(i int, stepID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			summary.Outcomes[i] = e.executeStep(ctx, task, stepID)
		}(i, stepID)
	}
	wg.Wait()
	return summary, nil
}

// executeStep runs the per-step protocol: guarded claim, attempt, handler,
// then save-data-first / transition-second persistence for either outcome.
func (e *StepExecutor) executeStep(ctx context.Context, task *workflow.Task, stepID string) StepOutcome {
	now := e.clock().UTC()

	step, parents, err := e.loadStepWithParents(ctx, task.TaskID, stepID)
	if err != nil {
		return StepOutcome{StepID: stepID, Skipped: true, Err: err}
	}

	// Readiness guard: another worker may have claimed the step, or its
	// backoff window may not have elapsed on this worker's clock.
	readiness := workflow.ComputeStepReadiness(step, parents, now)
	if !readiness.ReadyForExecution {
		e.publishSkip(ctx, task.TaskID, stepID, "not ready for execution", now)
		return StepOutcome{StepID: stepID, State: step.State(), Skipped: true}
	}

	meta := workflow.TransitionMetadata{
		workflow.MetaComponent: "step-executor",
	}
	if id := events.CorrelationID(ctx); id != "" {
		meta[workflow.MetaCorrelationID] = id
	}

	if _, err := step.TransitionTo(workflow.StepStateInProgress, meta); err != nil {
		e.publishSkip(ctx, task.TaskID, stepID, "transition rejected", now)
		return StepOutcome{StepID: stepID, State: step.State(), Skipped: true}
	}
	step.BeginAttempt(now)

	// The claim write is the race arbiter: whichever worker's CAS lands
	// first owns this attempt, the loser skips.
	if err := e.store.UpdateStep(ctx, step); err != nil {
		if errors.Is(err, workflow.ErrGuardFailed) {
			e.publishSkip(ctx, task.TaskID, stepID, "claimed by another worker", now)
			return StepOutcome{StepID: stepID, State: step.State(), Skipped: true}
		}
		return StepOutcome{StepID: stepID, Skipped: true, Err: err}
	}
	e.publish(ctx, events.StepExecutionRequested, events.NewStepPayload(step, events.StepExecutionRequested, now))

	results, handlerErr := e.invokeHandler(ctx, task, step, parents)

	if handlerErr == nil {
		return e.recordSuccess(ctx, step, results)
	}
	return e.recordFailure(ctx, step, handlerErr)
}

// invokeHandler resolves and calls the step's handler under a panic guard.
func (e *StepExecutor) invokeHandler(ctx context.Context, task *workflow.Task, step *workflow.WorkflowStep, parents []*workflow.WorkflowStep) (results map[string]any, err error) {
	h, resolveErr := e.handlers.Resolve(workflow.HandlerRef{
		Namespace: step.HandlerNamespace,
		Name:      step.HandlerName,
		Version:   step.HandlerVersion,
	})
	if resolveErr != nil {
		// A binding that resolved at startup but not now is permanent for
		// this task.
		return nil, &workflow.PermanentError{
			Message:   resolveErr.Error(),
			ErrorCode: "HandlerNotRegistered",
		}
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Step handler panicked",
				"task_id", step.TaskID,
				"step_id", step.WorkflowStepID,
				"panic", r)
			err = &workflow.RetryableError{
				Message: fmt.Sprintf("handler panic: %v", r),
				Context: map[string]any{"backtrace": string(debug.Stack())},
			}
		}
	}()

	req := &workflow.StepRequest{
		TaskID:        task.TaskID,
		StepID:        step.WorkflowStepID,
		StepName:      step.NamedStep,
		TaskContext:   task.Context,
		Inputs:        step.Inputs,
		ParentResults: parentResults(parents),
		Attempt:       step.Attempts,
		RetryLimit:    step.RetryLimit,
		CorrelationID: events.CorrelationID(ctx),
	}
	return h.Handle(ctx, req)
}

// recordSuccess persists results before the transition so a crash in between
// is recoverable by replay, then publishes step.completed.
func (e *StepExecutor) recordSuccess(ctx context.Context, step *workflow.WorkflowStep, results map[string]any) StepOutcome {
	now := e.clock().UTC()
	if results == nil {
		results = map[string]any{}
	}
	step.RecordSuccess(results, now)
	if _, err := step.TransitionTo(workflow.StepStateComplete, workflow.TransitionMetadata{
		workflow.MetaComponent: "step-executor",
	}); err != nil {
		return StepOutcome{StepID: step.WorkflowStepID, State: step.State(), Err: err}
	}
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return StepOutcome{StepID: step.WorkflowStepID, State: step.State(), Err: err}
	}

	e.publish(ctx, events.StepCompleted, events.NewStepCompletedPayload(step, now))
	return StepOutcome{StepID: step.WorkflowStepID, State: workflow.StepStateComplete}
}

// recordFailure persists the classified failure data before the transition,
// then publishes step.failed.
func (e *StepExecutor) recordFailure(ctx context.Context, step *workflow.WorkflowStep, handlerErr error) StepOutcome {
	now := e.clock().UTC()
	failure := workflow.ClassifyHandlerError(handlerErr)

	step.RecordFailure(failure, now)
	if _, err := step.TransitionTo(workflow.StepStateFailed, workflow.TransitionMetadata{
		workflow.MetaComponent: "step-executor",
	}); err != nil {
		return StepOutcome{StepID: step.WorkflowStepID, State: step.State(), Err: err}
	}
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return StepOutcome{StepID: step.WorkflowStepID, State: step.State(), Err: err}
	}

	e.publish(ctx, events.StepFailed, events.NewStepFailedPayload(step, failure, now))

	if workflow.TerminallyFailed(step) {
		e.logger.Warn("Step terminally failed",
			"task_id", step.TaskID,
			"step_id", step.WorkflowStepID,
			"step_name", step.NamedStep,
			"attempts", step.Attempts,
			"error_class", failure.ErrorClass)
	}
	return StepOutcome{StepID: step.WorkflowStepID, State: workflow.StepStateFailed}
}

// loadStepWithParents reads the step and its producers fresh from the store.
func (e *StepExecutor) loadStepWithParents(ctx context.Context, taskID, stepID string) (*workflow.WorkflowStep, []*workflow.WorkflowStep, error) {
	step, err := e.store.GetStep(ctx, taskID, stepID)
	if err != nil {
		return nil, nil, fmt.Errorf("load step %s: %w", stepID, err)
	}

	parentIDs := step.ParentIDs()
	sort.Strings(parentIDs)
	parents := make([]*workflow.WorkflowStep, 0, len(parentIDs))
	for _, pid := range parentIDs {
		parent, err := e.store.GetStep(ctx, taskID, pid)
		if err != nil {
			return nil, nil, fmt.Errorf("load parent step %s: %w", pid, err)
		}
		parents = append(parents, parent)
	}
	return step, parents, nil
}

// parentResults collects completed producers' results in step-id order.
func parentResults(parents []*workflow.WorkflowStep) []workflow.ParentResult {
	var out []workflow.ParentResult
	for _, p := range parents {
		if !p.State().IsComplete() {
			continue
		}
		out = append(out, workflow.ParentResult{
			StepID:   p.WorkflowStepID,
			StepName: p.NamedStep,
			Results:  p.Results,
		})
	}
	return out
}

func (e *StepExecutor) publish(ctx context.Context, name string, payload any) {
	if err := e.bus.Publish(ctx, name, payload); err != nil {
		e.logger.Warn("Failed to publish step event", "event", name, "error", err)
	}
}

func (e *StepExecutor) publishSkip(ctx context.Context, taskID, stepID, reason string, now time.Time) {
	payload := events.NewOrchestrationPayload(events.WorkflowNoViableSteps, now, map[string]any{
		"task_id": taskID,
		"step_id": stepID,
		"reason":  reason,
	})
	if err := e.bus.Publish(ctx, events.WorkflowNoViableSteps, payload); err != nil {
		e.logger.Warn("Failed to publish skip event", "step_id", stepID, "error", err)
	}
}
