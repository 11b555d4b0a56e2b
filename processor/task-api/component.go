// Package taskapi serves the engine's HTTP surface: task CRUD, workflow step
// views, DAG diagrams, handler listings, health, metrics, and analytics.
package taskapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/tasker/component"
	"github.com/c360studio/tasker/config"
	"github.com/c360studio/tasker/handler"
	"github.com/c360studio/tasker/orchestration"
	"github.com/c360studio/tasker/storage"
)

// ComponentVersion is reported in component metadata and /health/status.
const ComponentVersion = "1.0.0"

var _ component.Component = (*Component)(nil)

// HealthReporter aggregates the health of the other running components for
// /health/status.
type HealthReporter interface {
	Health() component.HealthReport
}

// Component is the HTTP API server.
type Component struct {
	name        string
	httpCfg     config.HTTPConfig
	metricsCfg  config.MetricsConfig
	healthCfg   config.HealthConfig
	store       storage.Store
	initializer *orchestration.Initializer
	reenqueuer  *orchestration.Reenqueuer
	handlers    *handler.Registry
	metricsHTTP http.Handler
	reporter    HealthReporter
	logger      *slog.Logger
	clock       func() time.Time

	server    *http.Server
	running   bool
	startTime time.Time
	mu        sync.RWMutex

	requestsServed atomic.Int64
}

// NewComponent creates the API component. metricsHTTP and reporter may be
// nil; the corresponding endpoints then 404 or degrade.
func NewComponent(
	httpCfg config.HTTPConfig,
	metricsCfg config.MetricsConfig,
	healthCfg config.HealthConfig,
	store storage.Store,
	initializer *orchestration.Initializer,
	reenqueuer *orchestration.Reenqueuer,
	handlers *handler.Registry,
	metricsHTTP http.Handler,
	reporter HealthReporter,
	logger *slog.Logger,
) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:        "task-api",
		httpCfg:     httpCfg,
		metricsCfg:  metricsCfg,
		healthCfg:   healthCfg,
		store:       store,
		initializer: initializer,
		reenqueuer:  reenqueuer,
		handlers:    handlers,
		metricsHTTP: metricsHTTP,
		reporter:    reporter,
		logger:      logger.With("component", "task-api"),
		clock:       time.Now,
	}
}

// Initialize validates dependencies.
func (c *Component) Initialize() error {
	if c.store == nil {
		return fmt.Errorf("store required")
	}
	if c.initializer == nil || c.reenqueuer == nil {
		return fmt.Errorf("orchestration dependencies required")
	}
	return nil
}

// Start binds the listener and serves in the background.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}

	mux := http.NewServeMux()
	c.RegisterHTTPHandlers(c.httpCfg.Prefix, mux)

	addr := fmt.Sprintf(":%d", c.httpCfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	c.server = &http.Server{
		Handler:           c.countRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	c.running = true
	c.startTime = time.Now()
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("HTTP server failed", "error", err)
		}
	}()

	c.logger.Info("Task API started", "addr", addr, "prefix", c.httpCfg.Prefix)
	return nil
}

// Stop shuts the server down gracefully within the timeout.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	server := c.server
	c.server = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Shutdown(ctx)
}

func (c *Component) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.requestsServed.Add(1)
		next.ServeHTTP(w, r)
	})
}

// Meta describes the component.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        c.name,
		Type:        "api",
		Description: "HTTP surface for tasks, steps, handlers, health, and analytics",
		Version:     ComponentVersion,
	}
}

// Health reports server status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := component.HealthStatus{
		Healthy:   running,
		Status:    "stopped",
		LastCheck: time.Now(),
	}
	if running {
		status.Status = "running"
		status.Uptime = time.Since(startTime)
		status.Detail = fmt.Sprintf("requests=%d", c.requestsServed.Load())
	}
	return status
}
