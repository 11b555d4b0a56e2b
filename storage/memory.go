package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/c360studio/tasker/workflow"
)

// MemoryStore is an in-process Store with the same optimistic-concurrency
// semantics as KVStore. It backs tests and the validate command.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]memoryEntry
	steps     map[string]memoryEntry
	templates map[string][]byte
	systems   map[string][]byte
	spaces    map[string][]byte
	identity  map[string]string
}

type memoryEntry struct {
	value    []byte
	revision uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]memoryEntry),
		steps:     make(map[string]memoryEntry),
		templates: make(map[string][]byte),
		systems:   make(map[string][]byte),
		spaces:    make(map[string][]byte),
		identity:  make(map[string]string),
	}
}

// CreateTask stores a new task create-only.
func (s *MemoryStore) CreateTask(_ context.Context, task *workflow.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.TaskID]; exists {
		return fmt.Errorf("task %s: %w", task.TaskID, ErrAlreadyExists)
	}
	s.tasks[task.TaskID] = memoryEntry{value: data, revision: 1}
	task.Revision = 1
	return nil
}

// GetTask retrieves a task by id and stamps its revision.
func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*workflow.Task, error) {
	s.mu.RLock()
	entry, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var task workflow.Task
	if err := json.Unmarshal(entry.value, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	task.Revision = entry.revision
	return &task, nil
}

// UpdateTask writes a task back with compare-and-swap on its revision.
func (s *MemoryStore) UpdateTask(_ context.Context, task *workflow.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tasks[task.TaskID]
	if !ok {
		return ErrNotFound
	}
	if entry.revision != task.Revision {
		return fmt.Errorf("update task %s: %w", task.TaskID, workflow.ErrGuardFailed)
	}
	entry = memoryEntry{value: data, revision: entry.revision + 1}
	s.tasks[task.TaskID] = entry
	task.Revision = entry.revision
	return nil
}

// ListTasks returns all tasks.
func (s *MemoryStore) ListTasks(_ context.Context) ([]*workflow.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*workflow.Task, 0, len(s.tasks))
	for _, entry := range s.tasks {
		var task workflow.Task
		if err := json.Unmarshal(entry.value, &task); err != nil {
			continue
		}
		task.Revision = entry.revision
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// CreateStep stores a new step create-only.
func (s *MemoryStore) CreateStep(_ context.Context, step *workflow.WorkflowStep) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}

	key := stepKey(step.TaskID, step.WorkflowStepID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.steps[key]; exists {
		return fmt.Errorf("step %s: %w", step.WorkflowStepID, ErrAlreadyExists)
	}
	s.steps[key] = memoryEntry{value: data, revision: 1}
	step.Revision = 1
	return nil
}

// GetStep retrieves one step of a task and stamps its revision.
func (s *MemoryStore) GetStep(_ context.Context, taskID, stepID string) (*workflow.WorkflowStep, error) {
	s.mu.RLock()
	entry, ok := s.steps[stepKey(taskID, stepID)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var step workflow.WorkflowStep
	if err := json.Unmarshal(entry.value, &step); err != nil {
		return nil, fmt.Errorf("unmarshal step: %w", err)
	}
	step.Revision = entry.revision
	return &step, nil
}

// UpdateStep writes a step back with compare-and-swap on its revision. A lost
// race surfaces as workflow.ErrGuardFailed.
func (s *MemoryStore) UpdateStep(_ context.Context, step *workflow.WorkflowStep) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}

	key := stepKey(step.TaskID, step.WorkflowStepID)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.steps[key]
	if !ok {
		return ErrNotFound
	}
	if entry.revision != step.Revision {
		return fmt.Errorf("update step %s: %w", step.WorkflowStepID, workflow.ErrGuardFailed)
	}
	entry = memoryEntry{value: data, revision: entry.revision + 1}
	s.steps[key] = entry
	step.Revision = entry.revision
	return nil
}

// ListSteps returns all steps of one task.
func (s *MemoryStore) ListSteps(_ context.Context, taskID string) ([]*workflow.WorkflowStep, error) {
	prefix := taskID + "."
	s.mu.RLock()
	defer s.mu.RUnlock()

	var steps []*workflow.WorkflowStep
	for key, entry := range s.steps {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		var step workflow.WorkflowStep
		if err := json.Unmarshal(entry.value, &step); err != nil {
			continue
		}
		step.Revision = entry.revision
		steps = append(steps, &step)
	}
	return steps, nil
}

// PutTemplate upserts a task template.
func (s *MemoryStore) PutTemplate(_ context.Context, tmpl *workflow.NamedTask) error {
	data, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	s.mu.Lock()
	s.templates[templateKey(tmpl.Namespace, tmpl.Name, tmpl.Version)] = data
	s.mu.Unlock()
	return nil
}

// GetTemplate retrieves one task template.
func (s *MemoryStore) GetTemplate(_ context.Context, namespace, name, version string) (*workflow.NamedTask, error) {
	s.mu.RLock()
	data, ok := s.templates[templateKey(namespace, name, version)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var tmpl workflow.NamedTask
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}
	return &tmpl, nil
}

// ListTemplates returns all registered task templates.
func (s *MemoryStore) ListTemplates(_ context.Context) ([]*workflow.NamedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	templates := make([]*workflow.NamedTask, 0, len(s.templates))
	for _, data := range s.templates {
		var tmpl workflow.NamedTask
		if err := json.Unmarshal(data, &tmpl); err == nil {
			templates = append(templates, &tmpl)
		}
	}
	return templates, nil
}

// PutNamespace upserts a namespace record.
func (s *MemoryStore) PutNamespace(_ context.Context, ns *workflow.Namespace) error {
	data, err := json.Marshal(ns)
	if err != nil {
		return fmt.Errorf("marshal namespace: %w", err)
	}
	s.mu.Lock()
	s.spaces[ns.Name] = data
	s.mu.Unlock()
	return nil
}

// ListNamespaces returns all namespace records.
func (s *MemoryStore) ListNamespaces(_ context.Context) ([]*workflow.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	namespaces := make([]*workflow.Namespace, 0, len(s.spaces))
	for _, data := range s.spaces {
		var ns workflow.Namespace
		if err := json.Unmarshal(data, &ns); err == nil {
			namespaces = append(namespaces, &ns)
		}
	}
	return namespaces, nil
}

// PutDependentSystem upserts a dependent system record.
func (s *MemoryStore) PutDependentSystem(_ context.Context, system *workflow.DependentSystem) error {
	data, err := json.Marshal(system)
	if err != nil {
		return fmt.Errorf("marshal dependent system: %w", err)
	}
	s.mu.Lock()
	s.systems[system.Name] = data
	s.mu.Unlock()
	return nil
}

// ListDependentSystems returns all dependent system records.
func (s *MemoryStore) ListDependentSystems(_ context.Context) ([]*workflow.DependentSystem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	systems := make([]*workflow.DependentSystem, 0, len(s.systems))
	for _, data := range s.systems {
		var system workflow.DependentSystem
		if err := json.Unmarshal(data, &system); err == nil {
			systems = append(systems, &system)
		}
	}
	return systems, nil
}

// ClaimIdentity records the identity hash create-only. On a lost claim the
// winning task id is returned with ErrDuplicateTask.
func (s *MemoryStore) ClaimIdentity(_ context.Context, identityHash, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if winner, exists := s.identity[identityHash]; exists {
		return winner, fmt.Errorf("identity %s: %w", identityHash, ErrDuplicateTask)
	}
	s.identity[identityHash] = taskID
	return taskID, nil
}
