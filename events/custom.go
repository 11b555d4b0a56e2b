package events

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// CustomEvent is a consumer-defined event declaration.
type CustomEvent struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// CustomEventDocument is the on-disk YAML shape for declaring custom events.
type CustomEventDocument struct {
	Events []CustomEvent `yaml:"events"`
}

// ParseCustomEventDocument parses one YAML document and validates every
// declared name.
func ParseCustomEventDocument(data []byte) (*CustomEventDocument, error) {
	var doc CustomEventDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse custom event document: %w", err)
	}
	for _, evt := range doc.Events {
		if err := ValidateCustomName(evt.Name); err != nil {
			return nil, err
		}
	}
	return &doc, nil
}

// DiscoverCustomEventFiles expands each directory into its YAML files,
// recursively, in stable order.
func DiscoverCustomEventFiles(dirs []string) ([]string, error) {
	var files []string
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve custom event directory %s: %w", dir, err)
		}
		for _, ext := range []string{"yaml", "yml"} {
			matches, err := doublestar.FilepathGlob(filepath.Join(abs, "**", "*."+ext))
			if err != nil {
				return nil, fmt.Errorf("glob custom event directory %s: %w", dir, err)
			}
			files = append(files, matches...)
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadCustomEventDirectories parses every YAML document under dirs and
// returns the declared events, de-duplicated by name.
func LoadCustomEventDirectories(dirs []string) ([]CustomEvent, error) {
	files, err := DiscoverCustomEventFiles(dirs)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var events []CustomEvent
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read custom event file %s: %w", file, err)
		}
		doc, err := ParseCustomEventDocument(data)
		if err != nil {
			return nil, fmt.Errorf("custom event file %s: %w", file, err)
		}
		for _, evt := range doc.Events {
			if seen[evt.Name] {
				continue
			}
			seen[evt.Name] = true
			events = append(events, evt)
		}
	}
	return events, nil
}

// RegisterCustomEvents loads the declared events and registers each on the
// bus. Names already registered are skipped, so reloads are idempotent.
func RegisterCustomEvents(bus *Bus, dirs []string) ([]CustomEvent, error) {
	declared, err := LoadCustomEventDirectories(dirs)
	if err != nil {
		return nil, err
	}
	registered := make([]CustomEvent, 0, len(declared))
	for _, evt := range declared {
		if bus.Registered(evt.Name) {
			continue
		}
		if err := bus.RegisterCustom(evt.Name); err != nil {
			return nil, err
		}
		registered = append(registered, evt)
	}
	return registered, nil
}
