package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/tasker/events"
	"github.com/c360studio/tasker/storage"
	"github.com/c360studio/tasker/workflow"
)

// maxIterationsPerPickup bounds the in-pickup orchestration loop. A task with
// more rounds of work than this goes back on the queue and continues there.
const maxIterationsPerPickup = 50

// Coordinator drives one task pickup: it claims the queue marker, walks the
// discover → execute → finalize loop until the task settles or defers, and
// owns the cancellation sweep.
type Coordinator struct {
	store      storage.Store
	bus        *events.Bus
	discovery  *Discovery
	executor   *StepExecutor
	finalizer  *Finalizer
	reenqueuer *Reenqueuer
	logger     *slog.Logger
	clock      func() time.Time
}

// NewCoordinator builds a coordinator over the orchestration components.
func NewCoordinator(store storage.Store, bus *events.Bus, discovery *Discovery, executor *StepExecutor, finalizer *Finalizer, reenqueuer *Reenqueuer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      store,
		bus:        bus,
		discovery:  discovery,
		executor:   executor,
		finalizer:  finalizer,
		reenqueuer: reenqueuer,
		logger:     logger.With("component", "coordinator"),
		clock:      time.Now,
	}
}

// Run processes one queue pickup for the task. A pickup for a deleted task is
// dropped; infrastructure errors propagate so the consumer can NAK.
func (c *Coordinator) Run(ctx context.Context, taskID string) error {
	if events.CorrelationID(ctx) == "" {
		ctx = events.WithCorrelationID(ctx, uuid.New().String())
	}

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("Dropping pickup for unknown task", "task_id", taskID)
			return nil
		}
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	task, err = c.claimPickup(ctx, task)
	if err != nil {
		return err
	}

	switch task.State() {
	case workflow.TaskStateCancelled:
		return c.sweepCancelled(ctx, task)
	case workflow.TaskStateComplete, workflow.TaskStateResolvedManually:
		c.logger.Debug("Dropping pickup for settled task",
			"task_id", taskID, "state", task.State())
		return nil
	case workflow.TaskStateError:
		// Error tasks leave via retry or manual resolution, not the queue.
		c.logger.Debug("Dropping pickup for errored task", "task_id", taskID)
		return nil
	}

	if task.State() == workflow.TaskStatePending {
		if err := c.start(ctx, task); err != nil {
			return err
		}
	}

	return c.loop(ctx, task)
}

// claimPickup clears the queue marker so later reenqueues are not suppressed.
// Losing the marker CAS means another writer touched the task; the fresh read
// wins.
func (c *Coordinator) claimPickup(ctx context.Context, task *workflow.Task) (*workflow.Task, error) {
	for attempt := 0; ; attempt++ {
		if task.EnqueuedAt == nil {
			return task, nil
		}
		task.ClearEnqueued(c.clock().UTC())
		err := c.store.UpdateTask(ctx, task)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, workflow.ErrGuardFailed) || attempt >= 2 {
			return nil, fmt.Errorf("clear enqueue marker of task %s: %w", task.TaskID, err)
		}
		task, err = c.store.GetTask(ctx, task.TaskID)
		if err != nil {
			return nil, fmt.Errorf("reload task: %w", err)
		}
	}
}

// start moves a pending task to in_progress and announces it.
func (c *Coordinator) start(ctx context.Context, task *workflow.Task) error {
	now := c.clock().UTC()
	outcome, err := task.TransitionTo(workflow.TaskStateInProgress, workflow.TransitionMetadata{
		workflow.MetaComponent:     "coordinator",
		workflow.MetaCorrelationID: events.CorrelationID(ctx),
	})
	if err != nil {
		return fmt.Errorf("start task %s: %w", task.TaskID, err)
	}
	if outcome != workflow.TransitionApplied {
		return nil
	}
	if err := c.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("persist start of task %s: %w", task.TaskID, err)
	}

	view, err := loadView(ctx, c.store, task, now)
	if err != nil {
		return err
	}
	payload := events.NewTaskPayload(task, view.execCtx, events.TaskStarted, now)
	if err := c.bus.Publish(ctx, events.TaskStarted, payload); err != nil {
		c.logger.Warn("Failed to publish task event",
			"event", events.TaskStarted, "task_id", task.TaskID, "error", err)
	}
	return nil
}

// loop runs discover → execute rounds until no ready work remains, then
// finalizes. Each round re-reads committed state.
func (c *Coordinator) loop(ctx context.Context, task *workflow.Task) error {
	for iteration := 0; iteration < maxIterationsPerPickup; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := c.clock().UTC()
		view, err := loadView(ctx, c.store, task, now)
		if err != nil {
			return err
		}
		c.publishIteration(ctx, task.TaskID, iteration, view.execCtx, now)

		if view.execCtx.RecommendedAction != workflow.ActionExecuteReadySteps {
			_, err := c.finalizer.Finalize(ctx, task)
			return err
		}

		result, err := c.discovery.Find(ctx, task)
		if err != nil {
			return err
		}
		if result.Empty() {
			_, err := c.finalizer.Finalize(ctx, task)
			return err
		}

		if _, err := c.executor.Execute(ctx, task, result.StepIDs, result.Mode); err != nil {
			return err
		}
	}

	c.logger.Warn("Iteration bound reached, deferring task",
		"task_id", task.TaskID, "max_iterations", maxIterationsPerPickup)
	return c.reenqueuer.Reenqueue(ctx, task, 0)
}

// sweepCancelled cancels every step of a cancelled task that has not reached
// a resting state yet.
func (c *Coordinator) sweepCancelled(ctx context.Context, task *workflow.Task) error {
	now := c.clock().UTC()
	steps, err := c.store.ListSteps(ctx, task.TaskID)
	if err != nil {
		return fmt.Errorf("list steps of task %s: %w", task.TaskID, err)
	}

	for _, step := range steps {
		if !step.CanTransitionTo(workflow.StepStateCancelled) {
			continue
		}
		outcome, err := step.TransitionTo(workflow.StepStateCancelled, workflow.TransitionMetadata{
			workflow.MetaComponent: "coordinator",
			"reason":               "task cancelled",
		})
		if err != nil || outcome != workflow.TransitionApplied {
			continue
		}
		if err := c.store.UpdateStep(ctx, step); err != nil {
			if errors.Is(err, workflow.ErrGuardFailed) {
				continue
			}
			return fmt.Errorf("persist cancellation of step %s: %w", step.WorkflowStepID, err)
		}
		payload := events.NewStepPayload(step, events.StepCancelled, now)
		if err := c.bus.Publish(ctx, events.StepCancelled, payload); err != nil {
			c.logger.Warn("Failed to publish step event",
				"event", events.StepCancelled, "step_id", step.WorkflowStepID, "error", err)
		}
	}

	c.logger.Info("Cancelled task swept", "task_id", task.TaskID, "steps", len(steps))
	return nil
}

func (c *Coordinator) publishIteration(ctx context.Context, taskID string, iteration int, execCtx workflow.TaskExecutionContext, now time.Time) {
	payload := events.NewOrchestrationPayload(events.WorkflowIterationStarted, now, map[string]any{
		"task_id":           taskID,
		"iteration":         iteration,
		"execution_context": execCtx,
	})
	if err := c.bus.Publish(ctx, events.WorkflowIterationStarted, payload); err != nil {
		c.logger.Warn("Failed to publish iteration event", "task_id", taskID, "error", err)
	}
}
