// Package handler manages step-handler registration and lookup. Handlers are
// registered under (namespace, name, version) at startup; a step template
// whose binding does not resolve is a configuration error surfaced before
// any task runs.
package handler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/tasker/workflow"
)

// DefaultVersion is assumed when a binding omits the version.
const DefaultVersion = "0.1.0"

// Info describes one registered handler for the /handlers API surface.
type Info struct {
	Namespace   string `json:"namespace"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

type entry struct {
	info    Info
	handler workflow.StepHandler
}

// Registry maps handler bindings to implementations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func key(namespace, name, version string) string {
	return namespace + "/" + name + "@" + version
}

// Register installs a handler. Re-registering the same binding is a
// configuration error.
func (r *Registry) Register(info Info, h workflow.StepHandler) error {
	if info.Namespace == "" || info.Name == "" {
		return &workflow.ValidationError{Field: "handler", Message: "namespace and name are required"}
	}
	if info.Version == "" {
		info.Version = DefaultVersion
	}
	if h == nil {
		return &workflow.ValidationError{Field: "handler", Message: "handler implementation is required"}
	}

	k := key(info.Namespace, info.Name, info.Version)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[k]; exists {
		return fmt.Errorf("handler %s already registered", k)
	}
	r.entries[k] = entry{info: info, handler: h}
	return nil
}

// RegisterFunc installs a plain function as a handler.
func (r *Registry) RegisterFunc(info Info, fn workflow.StepHandlerFunc) error {
	return r.Register(info, fn)
}

// Resolve finds the handler for a binding. An empty version resolves to the
// highest registered version for (namespace, name).
func (r *Registry) Resolve(ref workflow.HandlerRef) (workflow.StepHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ref.Version != "" {
		if e, ok := r.entries[key(ref.Namespace, ref.Name, ref.Version)]; ok {
			return e.handler, nil
		}
		return nil, fmt.Errorf("no handler registered for %s", ref)
	}

	var best *entry
	for _, e := range r.entries {
		if e.info.Namespace != ref.Namespace || e.info.Name != ref.Name {
			continue
		}
		if best == nil || e.info.Version > best.info.Version {
			copied := e
			best = &copied
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no handler registered for %s", ref)
	}
	return best.handler, nil
}

// ValidateBindings checks that every step of every template resolves to a
// registered handler. Run at startup so missing handlers fail fast.
func (r *Registry) ValidateBindings(templates []*workflow.NamedTask) error {
	for _, tmpl := range templates {
		for i := range tmpl.Steps {
			if _, err := r.Resolve(tmpl.Steps[i].Handler); err != nil {
				return fmt.Errorf("template %s step %s: %w", tmpl.Key(), tmpl.Steps[i].Name, err)
			}
		}
	}
	return nil
}

// List returns every registered handler, sorted by namespace, name, version.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Namespace != infos[j].Namespace {
			return infos[i].Namespace < infos[j].Namespace
		}
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].Version < infos[j].Version
	})
	return infos
}

// ListNamespace returns the handlers registered under one namespace.
func (r *Registry) ListNamespace(namespace string) []Info {
	var out []Info
	for _, info := range r.List() {
		if info.Namespace == namespace {
			out = append(out, info)
		}
	}
	return out
}

// Get returns handler info for (namespace, name), optionally pinned to a
// version.
func (r *Registry) Get(namespace, name, version string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version != "" {
		e, ok := r.entries[key(namespace, name, version)]
		return e.info, ok
	}

	var best *Info
	for _, e := range r.entries {
		if e.info.Namespace != namespace || e.info.Name != name {
			continue
		}
		if best == nil || e.info.Version > best.Version {
			info := e.info
			best = &info
		}
	}
	if best == nil {
		return Info{}, false
	}
	return *best, true
}
