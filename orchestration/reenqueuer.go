package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/tasker/events"
	"github.com/c360studio/tasker/storage"
	"github.com/c360studio/tasker/workflow"
)

// Reenqueuer puts tasks back on the background queue. The task's enqueued_at
// marker makes reenqueueing idempotent: a task already on the queue is never
// enqueued twice.
type Reenqueuer struct {
	store  storage.Store
	queue  Queue
	bus    *events.Bus
	logger *slog.Logger
	clock  func() time.Time
}

// NewReenqueuer builds a reenqueuer.
func NewReenqueuer(store storage.Store, queue Queue, bus *events.Bus, logger *slog.Logger) *Reenqueuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reenqueuer{
		store:  store,
		queue:  queue,
		bus:    bus,
		logger: logger.With("component", "reenqueuer"),
		clock:  time.Now,
	}
}

// Reenqueue puts the task back on the queue, deliverable after delay. A task
// already carrying the queue marker is a no-op.
func (r *Reenqueuer) Reenqueue(ctx context.Context, task *workflow.Task, delay time.Duration) error {
	now := r.clock().UTC()

	if task.EnqueuedAt != nil {
		r.logger.Debug("Task already enqueued, skipping",
			"task_id", task.TaskID,
			"enqueued_at", *task.EnqueuedAt)
		return nil
	}

	r.publish(ctx, events.WorkflowTaskReenqueueStarted, map[string]any{
		"task_id":       task.TaskID,
		"delay_seconds": delay.Seconds(),
	}, now)

	if err := r.queue.Enqueue(ctx, task.TaskID, delay); err != nil {
		r.publish(ctx, events.WorkflowTaskReenqueueFailed, map[string]any{
			"task_id": task.TaskID,
			"error":   err.Error(),
		}, now)
		return fmt.Errorf("enqueue task %s: %w", task.TaskID, err)
	}

	if delay > 0 {
		r.publish(ctx, events.WorkflowTaskReenqueueDelayed, map[string]any{
			"task_id":       task.TaskID,
			"delay_seconds": delay.Seconds(),
			"available_at":  now.Add(delay),
		}, now)
	}

	task.MarkEnqueued(now)
	if err := r.store.UpdateTask(ctx, task); err != nil {
		// The pickup is already queued; losing the marker only risks a
		// redundant enqueue, which the next pickup's ClearEnqueued absorbs.
		r.logger.Warn("Failed to persist enqueue marker",
			"task_id", task.TaskID, "error", err)
	}
	return nil
}

// Cancel transitions the task to cancelled and queues one more pickup so the
// next orchestrator iteration sweeps its pending steps.
func (r *Reenqueuer) Cancel(ctx context.Context, task *workflow.Task, reason string) error {
	now := r.clock().UTC()

	meta := workflow.TransitionMetadata{workflow.MetaComponent: "reenqueuer"}
	if reason != "" {
		meta["reason"] = reason
	}
	outcome, err := task.TransitionTo(workflow.TaskStateCancelled, meta)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", task.TaskID, err)
	}
	if outcome == workflow.TransitionAlreadyInTarget {
		return nil
	}
	if err := r.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("persist cancellation of task %s: %w", task.TaskID, err)
	}

	steps, err := r.store.ListSteps(ctx, task.TaskID)
	if err != nil {
		return fmt.Errorf("list steps of task %s: %w", task.TaskID, err)
	}
	graph, err := workflow.NewStepGraph(steps)
	if err != nil {
		return err
	}
	readiness := workflow.ComputeReadiness(graph, now)
	execCtx := workflow.ComputeExecutionContext(task, graph, readiness)

	payload := events.NewTaskPayload(task, execCtx, events.TaskCancelled, now)
	if err := r.bus.Publish(ctx, events.TaskCancelled, payload); err != nil {
		r.logger.Warn("Failed to publish cancellation event",
			"task_id", task.TaskID, "error", err)
	}

	return r.Reenqueue(ctx, task, 0)
}

func (r *Reenqueuer) publish(ctx context.Context, name string, context map[string]any, now time.Time) {
	payload := events.NewOrchestrationPayload(name, now, context)
	if err := r.bus.Publish(ctx, name, payload); err != nil {
		r.logger.Warn("Failed to publish reenqueue event", "event", name, "error", err)
	}
}
