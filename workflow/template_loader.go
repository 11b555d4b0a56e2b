package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// TemplateDocument is the on-disk YAML shape for registering a namespace and
// its task templates.
type TemplateDocument struct {
	Namespace        Namespace         `yaml:"namespace"`
	DependentSystems []DependentSystem `yaml:"dependent_systems,omitempty"`
	NamedTasks       []namedTaskDoc    `yaml:"named_tasks"`
}

type namedTaskDoc struct {
	Name             string         `yaml:"name"`
	Version          string         `yaml:"version"`
	Description      string         `yaml:"description,omitempty"`
	OrderedExecution bool           `yaml:"ordered_execution,omitempty"`
	Steps            []namedStepDoc `yaml:"steps"`
}

type namedStepDoc struct {
	Name            string         `yaml:"name"`
	DependentSystem string         `yaml:"dependent_system,omitempty"`
	Description     string         `yaml:"description,omitempty"`
	Handler         HandlerRef     `yaml:"handler"`
	DependsOn       []string       `yaml:"depends_on,omitempty"`
	DefaultInputs   map[string]any `yaml:"default_inputs,omitempty"`
	RetryLimit      *int           `yaml:"retry_limit,omitempty"`
	Retryable       *bool          `yaml:"retryable,omitempty"`
	Skippable       *bool          `yaml:"skippable,omitempty"`
}

// ParseTemplateDocument parses and validates one YAML template document.
func ParseTemplateDocument(data []byte) (*TemplateDocument, error) {
	var doc TemplateDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse template document: %w", err)
	}
	if err := doc.Namespace.Validate(); err != nil {
		return nil, err
	}
	for _, task := range doc.Tasks() {
		if err := task.Validate(); err != nil {
			return nil, fmt.Errorf("template %s: %w", task.Key(), err)
		}
	}
	return &doc, nil
}

// Tasks resolves the document into NamedTask templates with per-step
// defaults applied (retry_limit 3, retryable true, skippable false,
// dependent system falling back to the namespace name).
func (d *TemplateDocument) Tasks() []*NamedTask {
	tasks := make([]*NamedTask, 0, len(d.NamedTasks))
	for _, td := range d.NamedTasks {
		task := &NamedTask{
			Name:             td.Name,
			Namespace:        d.Namespace.Name,
			Version:          td.Version,
			Description:      td.Description,
			OrderedExecution: td.OrderedExecution,
			Steps:            make([]NamedStep, 0, len(td.Steps)),
		}
		if task.Version == "" {
			task.Version = DefaultTaskVersion
		}
		for _, sd := range td.Steps {
			step := NamedStep{
				Name:            sd.Name,
				DependentSystem: sd.DependentSystem,
				Description:     sd.Description,
				Handler:         sd.Handler,
				DependsOn:       sd.DependsOn,
				DefaultInputs:   sd.DefaultInputs,
				RetryLimit:      DefaultRetryLimit,
				Retryable:       true,
			}
			if step.DependentSystem == "" {
				step.DependentSystem = d.Namespace.Name
			}
			if sd.RetryLimit != nil {
				step.RetryLimit = *sd.RetryLimit
			}
			if sd.Retryable != nil {
				step.Retryable = *sd.Retryable
			}
			if sd.Skippable != nil {
				step.Skippable = *sd.Skippable
			}
			task.Steps = append(task.Steps, step)
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// Systems returns the document's dependent systems plus any referenced only
// by steps.
func (d *TemplateDocument) Systems() []DependentSystem {
	seen := make(map[string]bool, len(d.DependentSystems))
	systems := append([]DependentSystem(nil), d.DependentSystems...)
	for _, s := range systems {
		seen[s.Name] = true
	}
	for _, task := range d.Tasks() {
		for _, step := range task.Steps {
			if step.DependentSystem != "" && !seen[step.DependentSystem] {
				seen[step.DependentSystem] = true
				systems = append(systems, DependentSystem{Name: step.DependentSystem})
			}
		}
	}
	return systems
}

// DiscoverTemplateFiles expands each directory into its YAML files,
// recursively, in stable order.
func DiscoverTemplateFiles(dirs []string) ([]string, error) {
	var files []string
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve template directory %s: %w", dir, err)
		}
		for _, ext := range []string{"yaml", "yml"} {
			matches, err := doublestar.FilepathGlob(filepath.Join(abs, "**", "*."+ext))
			if err != nil {
				return nil, fmt.Errorf("glob template directory %s: %w", dir, err)
			}
			files = append(files, matches...)
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadTemplateDirectories parses every YAML document found under dirs.
func LoadTemplateDirectories(dirs []string) ([]*TemplateDocument, error) {
	files, err := DiscoverTemplateFiles(dirs)
	if err != nil {
		return nil, err
	}

	docs := make([]*TemplateDocument, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read template file %s: %w", file, err)
		}
		doc, err := ParseTemplateDocument(data)
		if err != nil {
			return nil, fmt.Errorf("template file %s: %w", file, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
