// Package storage persists tasks, steps, templates, and identity claims.
// The production implementation is NATS JetStream KV; an in-memory
// implementation with identical semantics backs tests and dev mode.
package storage

import (
	"context"

	"github.com/c360studio/tasker/workflow"
)

// Store is the durable persistence contract for the engine.
//
// Optimistic concurrency: Get and Create stamp the entity's Revision;
// Update succeeds only when the stored revision still matches and stamps
// the new revision on success. A lost race surfaces as
// workflow.ErrGuardFailed, which orchestration treats as "another worker
// won, skip". Transition history lives inside each entity record, so the
// exactly-one-most_recent invariant is enforced by the same single-key
// compare-and-swap.
type Store interface {
	// Tasks.
	CreateTask(ctx context.Context, task *workflow.Task) error
	GetTask(ctx context.Context, taskID string) (*workflow.Task, error)
	UpdateTask(ctx context.Context, task *workflow.Task) error
	ListTasks(ctx context.Context) ([]*workflow.Task, error)

	// Steps, keyed by owning task.
	CreateStep(ctx context.Context, step *workflow.WorkflowStep) error
	GetStep(ctx context.Context, taskID, stepID string) (*workflow.WorkflowStep, error)
	UpdateStep(ctx context.Context, step *workflow.WorkflowStep) error
	ListSteps(ctx context.Context, taskID string) ([]*workflow.WorkflowStep, error)

	// Template registry.
	PutTemplate(ctx context.Context, tmpl *workflow.NamedTask) error
	GetTemplate(ctx context.Context, namespace, name, version string) (*workflow.NamedTask, error)
	ListTemplates(ctx context.Context) ([]*workflow.NamedTask, error)
	PutNamespace(ctx context.Context, ns *workflow.Namespace) error
	ListNamespaces(ctx context.Context) ([]*workflow.Namespace, error)
	PutDependentSystem(ctx context.Context, system *workflow.DependentSystem) error
	ListDependentSystems(ctx context.Context) ([]*workflow.DependentSystem, error)

	// ClaimIdentity records hash → taskID create-only. When the hash is
	// already claimed it returns the winning task id and ErrDuplicateTask.
	ClaimIdentity(ctx context.Context, identityHash, taskID string) (string, error)
}

// Bucket names for each entity family.
const (
	BucketTasks     = "TASKER_TASKS"
	BucketSteps     = "TASKER_STEPS"
	BucketTemplates = "TASKER_TEMPLATES"
	BucketIdentity  = "TASKER_IDENTITY"
)

// Template bucket key prefixes. Task templates, namespaces, and dependent
// systems share one bucket under distinct prefixes.
const (
	templateKeyPrefix  = "task."
	namespaceKeyPrefix = "namespace."
	systemKeyPrefix    = "system."
)

func stepKey(taskID, stepID string) string {
	return taskID + "." + stepID
}

func templateKey(namespace, name, version string) string {
	return templateKeyPrefix + namespace + "." + name + "." + version
}
