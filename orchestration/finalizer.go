package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/tasker/events"
	"github.com/c360studio/tasker/storage"
	"github.com/c360studio/tasker/workflow"
)

// Reenqueue delays by execution status. Ready work goes straight back on the
// queue; in-flight and blocked-on-dependency work waits.
const (
	DefaultSmallDelay  = 5 * time.Second
	DefaultMediumDelay = 30 * time.Second
)

// FinalizeOutcome is what the finalizer decided for one iteration.
type FinalizeOutcome string

const (
	FinalizedComplete  FinalizeOutcome = "complete"
	FinalizedError     FinalizeOutcome = "error"
	FinalizedRequeued  FinalizeOutcome = "requeued"
	FinalizedUntouched FinalizeOutcome = "untouched"
)

// Finalizer closes out one orchestration iteration: it settles the task into
// a terminal state when its workflow allows it, or hands the task back to the
// queue with a delay matched to why it cannot finish yet.
type Finalizer struct {
	store       storage.Store
	bus         *events.Bus
	reenqueuer  *Reenqueuer
	logger      *slog.Logger
	smallDelay  time.Duration
	mediumDelay time.Duration
	clock       func() time.Time
}

// NewFinalizer builds a finalizer. Non-positive delays fall back to the
// defaults.
func NewFinalizer(store storage.Store, bus *events.Bus, reenqueuer *Reenqueuer, smallDelay, mediumDelay time.Duration, logger *slog.Logger) *Finalizer {
	if smallDelay <= 0 {
		smallDelay = DefaultSmallDelay
	}
	if mediumDelay <= 0 {
		mediumDelay = DefaultMediumDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		store:       store,
		bus:         bus,
		reenqueuer:  reenqueuer,
		logger:      logger.With("component", "finalizer"),
		smallDelay:  smallDelay,
		mediumDelay: mediumDelay,
		clock:       time.Now,
	}
}

// Finalize inspects the task's execution context and either settles it or
// requeues it. Callers pass a task already in in_progress.
func (f *Finalizer) Finalize(ctx context.Context, task *workflow.Task) (FinalizeOutcome, error) {
	now := f.clock().UTC()
	view, err := loadView(ctx, f.store, task, now)
	if err != nil {
		return FinalizedUntouched, err
	}

	switch view.execCtx.ExecutionStatus {
	case workflow.ExecutionStatusAllComplete:
		return f.settleComplete(ctx, task, view, now)

	case workflow.ExecutionStatusBlockedByFailures:
		return f.settleError(ctx, task, view, now)

	case workflow.ExecutionStatusHasReadySteps:
		// More work is immediately runnable; the next pickup executes it.
		if err := f.reenqueuer.Reenqueue(ctx, task, 0); err != nil {
			return FinalizedUntouched, err
		}
		return FinalizedRequeued, nil

	case workflow.ExecutionStatusProcessing:
		if err := f.reenqueuer.Reenqueue(ctx, task, f.smallDelay); err != nil {
			return FinalizedUntouched, err
		}
		return FinalizedRequeued, nil

	default: // waiting_for_dependencies
		if err := f.reenqueuer.Reenqueue(ctx, task, f.mediumDelay); err != nil {
			return FinalizedUntouched, err
		}
		return FinalizedRequeued, nil
	}
}

func (f *Finalizer) settleComplete(ctx context.Context, task *workflow.Task, view *taskView, now time.Time) (FinalizeOutcome, error) {
	outcome, err := task.TransitionTo(workflow.TaskStateComplete, workflow.TransitionMetadata{
		workflow.MetaComponent: "finalizer",
	})
	if err != nil {
		return FinalizedUntouched, fmt.Errorf("complete task %s: %w", task.TaskID, err)
	}
	if outcome == workflow.TransitionApplied {
		if err := f.store.UpdateTask(ctx, task); err != nil {
			return FinalizedUntouched, fmt.Errorf("persist completion of task %s: %w", task.TaskID, err)
		}
		f.publishTask(ctx, events.TaskCompleted, task, view.execCtx, now)
		f.logger.Info("Task completed",
			"task_id", task.TaskID,
			"task_name", task.Name,
			"total_steps", view.execCtx.TotalSteps)
	}
	return FinalizedComplete, nil
}

func (f *Finalizer) settleError(ctx context.Context, task *workflow.Task, view *taskView, now time.Time) (FinalizeOutcome, error) {
	errorSteps := view.terminallyFailedStepNames()

	outcome, err := task.TransitionTo(workflow.TaskStateError, workflow.TransitionMetadata{
		workflow.MetaComponent: "finalizer",
		"error_steps":          strings.Join(errorSteps, ","),
	})
	if err != nil {
		return FinalizedUntouched, fmt.Errorf("fail task %s: %w", task.TaskID, err)
	}
	if outcome == workflow.TransitionApplied {
		if err := f.store.UpdateTask(ctx, task); err != nil {
			return FinalizedUntouched, fmt.Errorf("persist failure of task %s: %w", task.TaskID, err)
		}
		payload := events.NewTaskPayload(task, view.execCtx, events.TaskFailed, now)
		payload.ErrorSteps = errorSteps
		if err := f.bus.Publish(ctx, events.TaskFailed, payload); err != nil {
			f.logger.Warn("Failed to publish task event",
				"event", events.TaskFailed, "task_id", task.TaskID, "error", err)
		}
		f.logger.Warn("Task blocked by failures",
			"task_id", task.TaskID,
			"task_name", task.Name,
			"error_steps", errorSteps)
	}
	return FinalizedError, nil
}

func (f *Finalizer) publishTask(ctx context.Context, name string, task *workflow.Task, execCtx workflow.TaskExecutionContext, now time.Time) {
	payload := events.NewTaskPayload(task, execCtx, name, now)
	if err := f.bus.Publish(ctx, name, payload); err != nil {
		f.logger.Warn("Failed to publish task event",
			"event", name, "task_id", task.TaskID, "error", err)
	}
}
