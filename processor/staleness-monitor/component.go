// Package stalenessmonitor sweeps for tasks that should be moving but are
// not: non-terminal, off the queue, and untouched past the threshold. Lost
// pickups (crashed worker, dropped message) are the usual cause; the sweep
// puts the task back on the queue.
package stalenessmonitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/tasker/component"
	"github.com/c360studio/tasker/orchestration"
	"github.com/c360studio/tasker/storage"
	"github.com/c360studio/tasker/workflow"
)

// ComponentVersion is reported in component metadata.
const ComponentVersion = "1.0.0"

var _ component.Component = (*Component)(nil)

// Component is the stuck-task sweeper.
type Component struct {
	name       string
	store      storage.Store
	reenqueuer *orchestration.Reenqueuer
	interval   time.Duration
	threshold  time.Duration
	logger     *slog.Logger
	clock      func() time.Time

	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	sweeps     atomic.Int64
	reenqueued atomic.Int64
}

// NewComponent creates the staleness monitor.
func NewComponent(store storage.Store, reenqueuer *orchestration.Reenqueuer, interval, threshold time.Duration, logger *slog.Logger) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:       "staleness-monitor",
		store:      store,
		reenqueuer: reenqueuer,
		interval:   interval,
		threshold:  threshold,
		logger:     logger.With("component", "staleness-monitor"),
		clock:      time.Now,
	}
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	if c.interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.interval)
	}
	if c.threshold <= 0 {
		return fmt.Errorf("staleness threshold must be positive, got %s", c.threshold)
	}
	c.logger.Debug("Initialized staleness monitor",
		"interval", c.interval, "threshold", c.threshold)
	return nil
}

// Start launches the sweep loop.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sweepLoop(subCtx)
	}()

	c.logger.Info("Staleness monitor started",
		"interval", c.interval, "threshold", c.threshold)
	return nil
}

// Stop cancels the sweep loop.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("staleness monitor did not stop within %s", timeout)
	}
}

func (c *Component) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.logger.Error("Sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one scan. Exported so the serve command can trigger an initial
// sweep at startup and tests can drive it directly.
func (c *Component) Sweep(ctx context.Context) error {
	c.sweeps.Add(1)
	now := c.clock().UTC()

	tasks, err := c.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	for _, task := range tasks {
		if !c.isStale(task, now) {
			continue
		}

		// A stale enqueue marker means the pickup it recorded never
		// arrived; clear it so Reenqueue does not treat the task as queued.
		if task.EnqueuedAt != nil {
			task.ClearEnqueued(now)
		}
		if err := c.reenqueuer.Reenqueue(ctx, task, 0); err != nil {
			c.logger.Error("Failed to reenqueue stale task",
				"task_id", task.TaskID, "error", err)
			continue
		}
		c.reenqueued.Add(1)
		c.logger.Warn("Re-enqueued stale task",
			"task_id", task.TaskID,
			"task_name", task.Name,
			"state", task.State(),
			"idle", now.Sub(task.UpdatedAt))
	}
	return nil
}

// isStale reports whether a task needs rescue: it is in a state the queue
// should be driving, and nothing has touched it for longer than the
// threshold.
func (c *Component) isStale(task *workflow.Task, now time.Time) bool {
	switch task.State() {
	case workflow.TaskStatePending, workflow.TaskStateInProgress:
	default:
		// Terminal tasks are done; error tasks leave via retry or manual
		// resolution, not the queue.
		return false
	}

	idle := now.Sub(task.UpdatedAt)
	if idle < c.threshold {
		return false
	}
	if task.EnqueuedAt != nil && now.Sub(*task.EnqueuedAt) < c.threshold {
		return false
	}
	return true
}

// Meta describes the component.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        c.name,
		Type:        "processor",
		Description: "Re-enqueues non-terminal tasks that fell off the queue",
		Version:     ComponentVersion,
	}
}

// Health reports sweep counters.
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
		status.Detail = fmt.Sprintf("sweeps=%d reenqueued=%d",
			c.sweeps.Load(), c.reenqueued.Load())
	}
	return status
}
