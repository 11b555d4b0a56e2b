package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/tasker/events"
	"github.com/c360studio/tasker/storage"
	"github.com/c360studio/tasker/workflow"
)

// Initializer turns validated task requests into persisted tasks with their
// step DAG materialized from the template, claims the task's identity, and
// puts the first pickup on the queue.
type Initializer struct {
	store      storage.Store
	bus        *events.Bus
	reenqueuer *Reenqueuer
	identity   workflow.IdentityStrategy
	logger     *slog.Logger
	clock      func() time.Time
}

// NewInitializer builds a task initializer.
func NewInitializer(store storage.Store, bus *events.Bus, reenqueuer *Reenqueuer, identity workflow.IdentityStrategy, logger *slog.Logger) *Initializer {
	if identity == nil {
		identity = workflow.UUIDIdentity{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Initializer{
		store:      store,
		bus:        bus,
		reenqueuer: reenqueuer,
		identity:   identity,
		logger:     logger.With("component", "initializer"),
		clock:      time.Now,
	}
}

// Initialize creates a task from the request. A duplicate identity returns
// the already-existing task together with storage.ErrDuplicateTask so the API
// layer can answer with the original.
func (i *Initializer) Initialize(ctx context.Context, req *workflow.TaskRequest) (*workflow.Task, error) {
	now := i.clock().UTC()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.ApplyDefaults(now)

	tmpl, err := i.store.GetTemplate(ctx, req.Namespace, req.Name, req.Version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &workflow.ValidationError{
				Field:   "name",
				Message: fmt.Sprintf("no template registered for %s.%s.%s", req.Namespace, req.Name, req.Version),
			}
		}
		return nil, fmt.Errorf("load template: %w", err)
	}

	bypass, err := validateBypassSteps(tmpl, req.BypassSteps)
	if err != nil {
		return nil, err
	}

	hash, err := i.identity.IdentityHash(req)
	if err != nil {
		return nil, fmt.Errorf("compute identity hash: %w", err)
	}

	task := workflow.NewTask(req, hash, now)

	winner, err := i.store.ClaimIdentity(ctx, hash, task.TaskID)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateTask) {
			existing, getErr := i.store.GetTask(ctx, winner)
			if getErr != nil {
				return nil, fmt.Errorf("load duplicate task %s: %w", winner, getErr)
			}
			i.logger.Info("Duplicate task request absorbed",
				"identity_hash", hash,
				"existing_task_id", winner)
			return existing, storage.ErrDuplicateTask
		}
		return nil, fmt.Errorf("claim identity: %w", err)
	}

	steps, err := materializeSteps(task, tmpl, bypass, now)
	if err != nil {
		return nil, err
	}

	if err := i.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task %s: %w", task.TaskID, err)
	}
	for _, step := range steps {
		if err := i.store.CreateStep(ctx, step); err != nil {
			return nil, fmt.Errorf("persist step %s of task %s: %w", step.NamedStep, task.TaskID, err)
		}
	}

	graph, err := workflow.NewStepGraph(steps)
	if err != nil {
		return nil, err
	}
	execCtx := workflow.ComputeExecutionContext(task, graph, workflow.ComputeReadiness(graph, now))
	payload := events.NewTaskPayload(task, execCtx, events.TaskInitializeRequested, now)
	if err := i.bus.Publish(ctx, events.TaskInitializeRequested, payload); err != nil {
		i.logger.Warn("Failed to publish initialization event",
			"task_id", task.TaskID, "error", err)
	}

	if err := i.reenqueuer.Reenqueue(ctx, task, 0); err != nil {
		return nil, err
	}

	i.logger.Info("Task initialized",
		"task_id", task.TaskID,
		"task_name", task.Name,
		"namespace", task.Namespace,
		"steps", len(steps),
		"bypassed", len(bypass))
	return task, nil
}

// validateBypassSteps checks each requested bypass against the template:
// the step must exist and must be marked skippable.
func validateBypassSteps(tmpl *workflow.NamedTask, names []string) (map[string]bool, error) {
	bypass := make(map[string]bool, len(names))
	for _, name := range names {
		step := tmpl.StepTemplate(name)
		if step == nil {
			return nil, &workflow.ValidationError{
				Field:   "bypass_steps",
				Message: fmt.Sprintf("step %s is not part of template %s", name, tmpl.Key()),
			}
		}
		if !step.Skippable {
			return nil, &workflow.ValidationError{
				Field:   "bypass_steps",
				Message: fmt.Sprintf("step %s is not skippable", name),
			}
		}
		bypass[name] = true
	}
	return bypass, nil
}

// materializeSteps instantiates the template's steps for one task. Bypassed
// steps are contracted out of the graph: they are not materialized, and their
// consumers inherit the bypassed step's own effective parents instead.
func materializeSteps(task *workflow.Task, tmpl *workflow.NamedTask, bypass map[string]bool, now time.Time) ([]*workflow.WorkflowStep, error) {
	parents := effectiveParents(tmpl, bypass)

	idByName := make(map[string]string, len(tmpl.Steps))
	steps := make([]*workflow.WorkflowStep, 0, len(tmpl.Steps))
	for idx := range tmpl.Steps {
		st := &tmpl.Steps[idx]
		if bypass[st.Name] {
			continue
		}
		step := workflow.NewWorkflowStep(task.TaskID, st, st.DefaultInputs, now)
		idByName[st.Name] = step.WorkflowStepID
		steps = append(steps, step)
	}

	for _, step := range steps {
		for _, parentName := range parents[step.NamedStep] {
			parentID, ok := idByName[parentName]
			if !ok {
				return nil, &workflow.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("step %s depends on unmaterialized step %s", step.NamedStep, parentName),
				}
			}
			step.Edges = append(step.Edges, workflow.NewEdge(parentID, step.WorkflowStepID))
		}
	}
	return steps, nil
}

// effectiveParents resolves each surviving step's parent set with bypassed
// steps replaced, transitively, by their own parents.
func effectiveParents(tmpl *workflow.NamedTask, bypass map[string]bool) map[string][]string {
	dependsOn := make(map[string][]string, len(tmpl.Steps))
	for i := range tmpl.Steps {
		dependsOn[tmpl.Steps[i].Name] = tmpl.Steps[i].DependsOn
	}

	memo := make(map[string][]string)
	var expand func(name string) []string
	expand = func(name string) []string {
		if cached, ok := memo[name]; ok {
			return cached
		}
		seen := make(map[string]bool)
		var out []string
		for _, dep := range dependsOn[name] {
			if bypass[dep] {
				for _, inherited := range expand(dep) {
					if !seen[inherited] {
						seen[inherited] = true
						out = append(out, inherited)
					}
				}
				continue
			}
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
			}
		}
		memo[name] = out
		return out
	}

	result := make(map[string][]string, len(tmpl.Steps))
	for i := range tmpl.Steps {
		name := tmpl.Steps[i].Name
		if bypass[name] {
			continue
		}
		result[name] = expand(name)
	}
	return result
}
