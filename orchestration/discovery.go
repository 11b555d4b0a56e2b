package orchestration

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/c360studio/tasker/events"
	"github.com/c360studio/tasker/storage"
	"github.com/c360studio/tasker/workflow"
)

// ProcessingMode says how a batch of viable steps should be executed.
type ProcessingMode string

const (
	// ModeConcurrent runs the batch under the executor's bounded
	// parallelism.
	ModeConcurrent ProcessingMode = "concurrent"
	// ModeSequential runs steps one at a time in discovery order.
	ModeSequential ProcessingMode = "sequential"
)

// DiscoveryResult is the outcome of one viable-step discovery pass.
type DiscoveryResult struct {
	StepIDs []string
	Mode    ProcessingMode
}

// Empty reports whether discovery found nothing to run.
func (r *DiscoveryResult) Empty() bool { return len(r.StepIDs) == 0 }

// Discovery finds the steps of a task that are eligible to run now.
type Discovery struct {
	store  storage.Store
	bus    *events.Bus
	logger *slog.Logger
	clock  func() time.Time
}

// NewDiscovery builds a viable-step discovery component.
func NewDiscovery(store storage.Store, bus *events.Bus, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		store:  store,
		bus:    bus,
		logger: logger.With("component", "viable-step-discovery"),
		clock:  time.Now,
	}
}

// Find returns the ordered ready set and the processing mode for one
// iteration. Terminal execution statuses return an empty set and emit
// workflow.no_viable_steps with the reason.
func (d *Discovery) Find(ctx context.Context, task *workflow.Task) (*DiscoveryResult, error) {
	now := d.clock().UTC()
	view, err := loadView(ctx, d.store, task, now)
	if err != nil {
		return nil, err
	}

	status := view.execCtx.ExecutionStatus
	if status == workflow.ExecutionStatusAllComplete || status == workflow.ExecutionStatusBlockedByFailures {
		d.publishNoViableSteps(ctx, task.TaskID, string(status), now)
		return &DiscoveryResult{Mode: ModeSequential}, nil
	}

	stepIDs := view.readyStepIDs()
	if len(stepIDs) == 0 {
		d.publishNoViableSteps(ctx, task.TaskID, "no steps ready", now)
		return &DiscoveryResult{Mode: ModeSequential}, nil
	}

	mode := ModeConcurrent
	if len(stepIDs) == 1 || d.orderedExecution(ctx, task) {
		mode = ModeSequential
	}

	payload := events.NewOrchestrationPayload(events.WorkflowViableStepsDiscovered, now, map[string]any{
		"task_id":         task.TaskID,
		"step_ids":        stepIDs,
		"processing_mode": string(mode),
		"step_count":      len(stepIDs),
	})
	if err := d.bus.Publish(ctx, events.WorkflowViableStepsDiscovered, payload); err != nil {
		d.logger.Warn("Failed to publish discovery event", "task_id", task.TaskID, "error", err)
	}

	return &DiscoveryResult{StepIDs: stepIDs, Mode: mode}, nil
}

// orderedExecution reports whether the task's template demands sequential
// execution. A missing template falls back to concurrent; instances outlive
// template re-registration.
func (d *Discovery) orderedExecution(ctx context.Context, task *workflow.Task) bool {
	tmpl, err := d.store.GetTemplate(ctx, task.Namespace, task.Name, task.Version)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.logger.Warn("Failed to load template", "task_id", task.TaskID, "error", err)
		}
		return false
	}
	return tmpl.OrderedExecution
}

func (d *Discovery) publishNoViableSteps(ctx context.Context, taskID, reason string, now time.Time) {
	payload := events.NewOrchestrationPayload(events.WorkflowNoViableSteps, now, map[string]any{
		"task_id": taskID,
		"reason":  reason,
	})
	if err := d.bus.Publish(ctx, events.WorkflowNoViableSteps, payload); err != nil {
		d.logger.Warn("Failed to publish no-viable-steps event", "task_id", taskID, "error", err)
	}
}
