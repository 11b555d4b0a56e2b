package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/tasker/workflow"
)

// KVStore is the production Store backed by NATS JetStream KV. One bucket
// per entity family; step keys are `{task_id}.{step_id}` so a task's steps
// list with a single subject filter.
type KVStore struct {
	tasks     jetstream.KeyValue
	steps     jetstream.KeyValue
	templates jetstream.KeyValue
	identity  jetstream.KeyValue
}

// NewKVStore creates the store, creating any missing buckets.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	return NewKVStoreWithPrefix(ctx, js, "")
}

// NewKVStoreWithPrefix routes the engine buckets under a bucket-name prefix.
// A configured secondary database uses this to keep its buckets apart from
// the primary's.
func NewKVStoreWithPrefix(ctx context.Context, js jetstream.JetStream, prefix string) (*KVStore, error) {
	bucket := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "_" + name
	}

	tasks, err := getOrCreateBucket(ctx, js, bucket(BucketTasks))
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}

	steps, err := getOrCreateBucket(ctx, js, bucket(BucketSteps))
	if err != nil {
		return nil, fmt.Errorf("create steps bucket: %w", err)
	}

	templates, err := getOrCreateBucket(ctx, js, bucket(BucketTemplates))
	if err != nil {
		return nil, fmt.Errorf("create templates bucket: %w", err)
	}

	identity, err := getOrCreateBucket(ctx, js, bucket(BucketIdentity))
	if err != nil {
		return nil, fmt.Errorf("create identity bucket: %w", err)
	}

	return &KVStore{
		tasks:     tasks,
		steps:     steps,
		templates: templates,
		identity:  identity,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Tasker %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// CreateTask stores a new task create-only.
func (s *KVStore) CreateTask(ctx context.Context, task *workflow.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	rev, err := s.tasks.Create(ctx, task.TaskID, data)
	if err != nil {
		if isWriteConflict(err) {
			return fmt.Errorf("task %s: %w", task.TaskID, ErrAlreadyExists)
		}
		return fmt.Errorf("store task: %w", err)
	}
	task.Revision = rev
	return nil
}

// GetTask retrieves a task by id and stamps its revision.
func (s *KVStore) GetTask(ctx context.Context, taskID string) (*workflow.Task, error) {
	entry, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var task workflow.Task
	if err := json.Unmarshal(entry.Value(), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	task.Revision = entry.Revision()
	return &task, nil
}

// UpdateTask writes a task back with compare-and-swap on its revision. A
// lost race surfaces as workflow.ErrGuardFailed.
func (s *KVStore) UpdateTask(ctx context.Context, task *workflow.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	rev, err := s.tasks.Update(ctx, task.TaskID, data, task.Revision)
	if err != nil {
		if isWriteConflict(err) {
			return fmt.Errorf("update task %s: %w", task.TaskID, workflow.ErrGuardFailed)
		}
		return fmt.Errorf("update task: %w", err)
	}
	task.Revision = rev
	return nil
}

// ListTasks returns all tasks. Entries that fail to load are skipped.
func (s *KVStore) ListTasks(ctx context.Context) ([]*workflow.Task, error) {
	keys, err := s.tasks.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}

	tasks := make([]*workflow.Task, 0, len(keys))
	for _, key := range keys {
		entry, err := s.tasks.Get(ctx, key)
		if err != nil {
			continue
		}
		var task workflow.Task
		if err := json.Unmarshal(entry.Value(), &task); err != nil {
			continue
		}
		task.Revision = entry.Revision()
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// CreateStep stores a new step create-only.
func (s *KVStore) CreateStep(ctx context.Context, step *workflow.WorkflowStep) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}

	rev, err := s.steps.Create(ctx, stepKey(step.TaskID, step.WorkflowStepID), data)
	if err != nil {
		if isWriteConflict(err) {
			return fmt.Errorf("step %s: %w", step.WorkflowStepID, ErrAlreadyExists)
		}
		return fmt.Errorf("store step: %w", err)
	}
	step.Revision = rev
	return nil
}

// GetStep retrieves one step of a task and stamps its revision.
func (s *KVStore) GetStep(ctx context.Context, taskID, stepID string) (*workflow.WorkflowStep, error) {
	entry, err := s.steps.Get(ctx, stepKey(taskID, stepID))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get step: %w", err)
	}

	var step workflow.WorkflowStep
	if err := json.Unmarshal(entry.Value(), &step); err != nil {
		return nil, fmt.Errorf("unmarshal step: %w", err)
	}
	step.Revision = entry.Revision()
	return &step, nil
}

// UpdateStep writes a step back with compare-and-swap on its revision. A
// lost race surfaces as workflow.ErrGuardFailed; orchestration treats it as
// "another worker won this step".
func (s *KVStore) UpdateStep(ctx context.Context, step *workflow.WorkflowStep) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}

	rev, err := s.steps.Update(ctx, stepKey(step.TaskID, step.WorkflowStepID), data, step.Revision)
	if err != nil {
		if isWriteConflict(err) {
			return fmt.Errorf("update step %s: %w", step.WorkflowStepID, workflow.ErrGuardFailed)
		}
		return fmt.Errorf("update step: %w", err)
	}
	step.Revision = rev
	return nil
}

// ListSteps returns all steps of one task via a subject-filtered key listing.
func (s *KVStore) ListSteps(ctx context.Context, taskID string) ([]*workflow.WorkflowStep, error) {
	lister, err := s.steps.ListKeysFiltered(ctx, taskID+".*")
	if err != nil {
		return nil, fmt.Errorf("list step keys: %w", err)
	}

	var steps []*workflow.WorkflowStep
	for key := range lister.Keys() {
		entry, err := s.steps.Get(ctx, key)
		if err != nil {
			continue
		}
		var step workflow.WorkflowStep
		if err := json.Unmarshal(entry.Value(), &step); err != nil {
			continue
		}
		step.Revision = entry.Revision()
		steps = append(steps, &step)
	}
	return steps, nil
}

// PutTemplate upserts a task template. Templates are replaced wholesale on
// re-registration; instances created from an older version are unaffected.
func (s *KVStore) PutTemplate(ctx context.Context, tmpl *workflow.NamedTask) error {
	data, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	if _, err := s.templates.Put(ctx, templateKey(tmpl.Namespace, tmpl.Name, tmpl.Version), data); err != nil {
		return fmt.Errorf("store template: %w", err)
	}
	return nil
}

// GetTemplate retrieves one task template.
func (s *KVStore) GetTemplate(ctx context.Context, namespace, name, version string) (*workflow.NamedTask, error) {
	entry, err := s.templates.Get(ctx, templateKey(namespace, name, version))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get template: %w", err)
	}

	var tmpl workflow.NamedTask
	if err := json.Unmarshal(entry.Value(), &tmpl); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}
	return &tmpl, nil
}

// ListTemplates returns all registered task templates.
func (s *KVStore) ListTemplates(ctx context.Context) ([]*workflow.NamedTask, error) {
	var templates []*workflow.NamedTask
	err := s.listPrefixed(ctx, templateKeyPrefix, func(value []byte) {
		var tmpl workflow.NamedTask
		if err := json.Unmarshal(value, &tmpl); err == nil {
			templates = append(templates, &tmpl)
		}
	})
	if err != nil {
		return nil, err
	}
	return templates, nil
}

// PutNamespace upserts a namespace record.
func (s *KVStore) PutNamespace(ctx context.Context, ns *workflow.Namespace) error {
	data, err := json.Marshal(ns)
	if err != nil {
		return fmt.Errorf("marshal namespace: %w", err)
	}
	if _, err := s.templates.Put(ctx, namespaceKeyPrefix+ns.Name, data); err != nil {
		return fmt.Errorf("store namespace: %w", err)
	}
	return nil
}

// ListNamespaces returns all namespace records.
func (s *KVStore) ListNamespaces(ctx context.Context) ([]*workflow.Namespace, error) {
	var namespaces []*workflow.Namespace
	err := s.listPrefixed(ctx, namespaceKeyPrefix, func(value []byte) {
		var ns workflow.Namespace
		if err := json.Unmarshal(value, &ns); err == nil {
			namespaces = append(namespaces, &ns)
		}
	})
	if err != nil {
		return nil, err
	}
	return namespaces, nil
}

// PutDependentSystem upserts a dependent system record.
func (s *KVStore) PutDependentSystem(ctx context.Context, system *workflow.DependentSystem) error {
	data, err := json.Marshal(system)
	if err != nil {
		return fmt.Errorf("marshal dependent system: %w", err)
	}
	if _, err := s.templates.Put(ctx, systemKeyPrefix+system.Name, data); err != nil {
		return fmt.Errorf("store dependent system: %w", err)
	}
	return nil
}

// ListDependentSystems returns all dependent system records.
func (s *KVStore) ListDependentSystems(ctx context.Context) ([]*workflow.DependentSystem, error) {
	var systems []*workflow.DependentSystem
	err := s.listPrefixed(ctx, systemKeyPrefix, func(value []byte) {
		var system workflow.DependentSystem
		if err := json.Unmarshal(value, &system); err == nil {
			systems = append(systems, &system)
		}
	})
	if err != nil {
		return nil, err
	}
	return systems, nil
}

// listPrefixed visits every template-bucket value under a key prefix.
func (s *KVStore) listPrefixed(ctx context.Context, prefix string, visit func(value []byte)) error {
	lister, err := s.templates.ListKeysFiltered(ctx, prefix+">")
	if err != nil {
		return fmt.Errorf("list keys %s: %w", prefix, err)
	}
	for key := range lister.Keys() {
		entry, err := s.templates.Get(ctx, key)
		if err != nil {
			continue
		}
		visit(entry.Value())
	}
	return nil
}

// ClaimIdentity records the identity hash create-only. On a lost claim the
// winning task id is returned with ErrDuplicateTask.
func (s *KVStore) ClaimIdentity(ctx context.Context, identityHash, taskID string) (string, error) {
	_, err := s.identity.Create(ctx, identityHash, []byte(taskID))
	if err == nil {
		return taskID, nil
	}
	if !isWriteConflict(err) {
		return "", fmt.Errorf("claim identity: %w", err)
	}

	entry, err := s.identity.Get(ctx, identityHash)
	if err != nil {
		return "", fmt.Errorf("read identity claim: %w", err)
	}
	return string(entry.Value()), fmt.Errorf("identity %s: %w", identityHash, ErrDuplicateTask)
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound)
}

// isWriteConflict reports a create collision or a lost revision race; the
// KV layer signals both through ErrKeyExists.
func isWriteConflict(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists)
}
