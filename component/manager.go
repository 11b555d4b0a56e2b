package component

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager owns a set of components and drives their lifecycle in
// registration order: initialize and start first-to-last, stop last-to-first.
type Manager struct {
	logger *slog.Logger

	mu         sync.Mutex
	components []Component
	started    []Component
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With("component", "manager")}
}

// Register adds a component. Registration order is start order.
func (m *Manager) Register(c Component) {
	m.mu.Lock()
	m.components = append(m.components, c)
	m.mu.Unlock()
}

// StartAll initializes and starts every registered component. On failure the
// already-started components are stopped in reverse order before returning.
func (m *Manager) StartAll(ctx context.Context, stopTimeout time.Duration) error {
	m.mu.Lock()
	components := append([]Component(nil), m.components...)
	m.mu.Unlock()

	for _, c := range components {
		name := c.Meta().Name
		if err := c.Initialize(); err != nil {
			m.stopStarted(stopTimeout)
			return fmt.Errorf("initialize %s: %w", name, err)
		}
		if err := c.Start(ctx); err != nil {
			m.stopStarted(stopTimeout)
			return fmt.Errorf("start %s: %w", name, err)
		}

		m.mu.Lock()
		m.started = append(m.started, c)
		m.mu.Unlock()
		m.logger.Info("Component started", "name", name)
	}
	return nil
}

// StopAll stops every started component in reverse start order. Stop errors
// are logged, not returned: shutdown keeps going.
func (m *Manager) StopAll(timeout time.Duration) {
	m.stopStarted(timeout)
}

func (m *Manager) stopStarted(timeout time.Duration) {
	m.mu.Lock()
	started := append([]Component(nil), m.started...)
	m.started = nil
	m.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		name := c.Meta().Name
		if err := c.Stop(timeout); err != nil {
			m.logger.Error("Component stop failed", "name", name, "error", err)
			continue
		}
		m.logger.Info("Component stopped", "name", name)
	}
}

// HealthReport is the aggregated health of every registered component.
type HealthReport struct {
	Healthy    bool                    `json:"healthy"`
	Components map[string]HealthStatus `json:"components"`
}

// Health aggregates component health. The report is healthy only when every
// component is.
func (m *Manager) Health() HealthReport {
	m.mu.Lock()
	components := append([]Component(nil), m.components...)
	m.mu.Unlock()

	report := HealthReport{Healthy: true, Components: make(map[string]HealthStatus, len(components))}
	for _, c := range components {
		status := c.Health()
		report.Components[c.Meta().Name] = status
		if !status.Healthy {
			report.Healthy = false
		}
	}
	return report
}
