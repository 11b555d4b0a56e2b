// Package component defines the lifecycle contract shared by Tasker's
// long-running components (queue consumers, the HTTP API, the staleness
// monitor) and the manager that starts and stops them as a group.
package component

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/tasker/events"
	"github.com/c360studio/tasker/storage"
)

// Component is a long-running engine component.
type Component interface {
	// Initialize prepares the component. It runs before Start and must not
	// block.
	Initialize() error

	// Start begins the component's work. It must return promptly, running
	// its loops on their own goroutines bound to ctx.
	Start(ctx context.Context) error

	// Stop gracefully stops the component within the timeout.
	Stop(timeout time.Duration) error

	// Meta describes the component.
	Meta() Metadata

	// Health reports the component's current health.
	Health() HealthStatus
}

// Metadata describes a component for the health surface.
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// HealthStatus is one component's health snapshot.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Status    string        `json:"status"`
	LastCheck time.Time     `json:"last_check"`
	Uptime    time.Duration `json:"uptime"`
	Detail    string        `json:"detail,omitempty"`
}

// Dependencies carries the shared collaborators injected into components at
// construction. Components take what they need and ignore the rest.
type Dependencies struct {
	Store  storage.Store
	Bus    *events.Bus
	Logger *slog.Logger
}

// GetLogger returns the configured logger, defaulting to slog.Default.
func (d Dependencies) GetLogger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}
