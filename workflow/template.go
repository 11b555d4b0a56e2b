package workflow

import (
	"fmt"
)

// MaxNamespaceNameLength bounds namespace names.
const MaxNamespaceNameLength = 64

// Namespace groups task templates.
type Namespace struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Validate enforces the namespace naming rules.
func (n *Namespace) Validate() error {
	if n.Name == "" {
		return &ValidationError{Field: "name", Message: "namespace name is required"}
	}
	if len(n.Name) > MaxNamespaceNameLength {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("namespace name exceeds %d characters", MaxNamespaceNameLength)}
	}
	return nil
}

// DependentSystem is an external system steps execute against.
type DependentSystem struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// HandlerRef binds a step template to a registered step handler.
type HandlerRef struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	Name      string `json:"name" yaml:"name"`
	Version   string `json:"version,omitempty" yaml:"version,omitempty"`
}

func (h HandlerRef) String() string {
	if h.Version == "" {
		return h.Namespace + "/" + h.Name
	}
	return h.Namespace + "/" + h.Name + "@" + h.Version
}

// NamedStep is a step template. Uniqueness is (dependent system, name).
type NamedStep struct {
	Name            string         `json:"name"`
	DependentSystem string         `json:"dependent_system"`
	Description     string         `json:"description,omitempty"`
	Handler         HandlerRef     `json:"handler"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	DefaultInputs   map[string]any `json:"default_inputs,omitempty"`
	RetryLimit      int            `json:"retry_limit"`
	Retryable       bool           `json:"retryable"`
	Skippable       bool           `json:"skippable"`
}

// Key identifies a named step within the template registry.
func (s *NamedStep) Key() string {
	return s.DependentSystem + "." + s.Name
}

// NamedTask is a task template. Uniqueness is (namespace, name, version).
type NamedTask struct {
	Name             string      `json:"name"`
	Namespace        string      `json:"namespace"`
	Version          string      `json:"version"`
	Description      string      `json:"description,omitempty"`
	OrderedExecution bool        `json:"ordered_execution"`
	Steps            []NamedStep `json:"steps"`
}

// Key identifies a named task within the template registry.
func (t *NamedTask) Key() string {
	return t.Namespace + "." + t.Name + "." + t.Version
}

// Validate checks structural soundness: required identity fields, unique
// step names, resolvable depends_on references, handler bindings, and an
// acyclic step graph.
func (t *NamedTask) Validate() error {
	if t.Name == "" {
		return &ValidationError{Field: "name", Message: "named task name is required"}
	}
	if t.Namespace == "" {
		return &ValidationError{Field: "namespace", Message: "namespace is required"}
	}
	if t.Version == "" {
		return &ValidationError{Field: "version", Message: "version is required"}
	}
	if len(t.Steps) == 0 {
		return &ValidationError{Field: "steps", Message: "at least one step is required"}
	}

	names := make(map[string]bool, len(t.Steps))
	for i := range t.Steps {
		step := &t.Steps[i]
		if step.Name == "" {
			return &ValidationError{Field: "steps", Message: "step name is required"}
		}
		if names[step.Name] {
			return &ValidationError{Field: "steps", Message: "duplicate step name " + step.Name}
		}
		names[step.Name] = true
		if step.Handler.Namespace == "" || step.Handler.Name == "" {
			return &ValidationError{Field: "steps", Message: "step " + step.Name + " is missing its handler binding"}
		}
	}

	for i := range t.Steps {
		for _, dep := range t.Steps[i].DependsOn {
			if !names[dep] {
				return &ValidationError{Field: "steps", Message: fmt.Sprintf("step %s depends on unknown step %s", t.Steps[i].Name, dep)}
			}
		}
	}

	return t.validateAcyclic()
}

// validateAcyclic runs Kahn's algorithm over the template's name graph.
func (t *NamedTask) validateAcyclic() error {
	inDegree := make(map[string]int, len(t.Steps))
	children := make(map[string][]string)
	for i := range t.Steps {
		inDegree[t.Steps[i].Name] += 0
		for _, dep := range t.Steps[i].DependsOn {
			inDegree[t.Steps[i].Name]++
			children[dep] = append(children[dep], t.Steps[i].Name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		processed++
		for _, child := range children[name] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if processed != len(t.Steps) {
		return fmt.Errorf("%w: template %s has %d unorderable steps", ErrCycleDetected, t.Key(), len(t.Steps)-processed)
	}
	return nil
}

// StepTemplate returns the template step with the given name, or nil.
func (t *NamedTask) StepTemplate(name string) *NamedStep {
	for i := range t.Steps {
		if t.Steps[i].Name == name {
			return &t.Steps[i]
		}
	}
	return nil
}
