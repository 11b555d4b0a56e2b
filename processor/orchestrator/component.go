// Package orchestratorproc consumes the background task queue and drives each
// pickup through the orchestration coordinator. Workers share one durable
// work-queue consumer; a message delivered before its available_at rides a
// NakWithDelay back onto the stream.
package orchestratorproc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/tasker/component"
	"github.com/c360studio/tasker/config"
	"github.com/c360studio/tasker/natsclient"
	"github.com/c360studio/tasker/orchestration"
)

var _ component.Component = (*Component)(nil)

// ComponentVersion is reported in component metadata.
const ComponentVersion = "1.0.0"

// Component is the queue-consumer processor.
type Component struct {
	name        string
	cfg         config.QueueConfig
	natsClient  *natsclient.Client
	coordinator *orchestration.Coordinator
	logger      *slog.Logger

	consumer jetstream.Consumer

	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	pickupsProcessed atomic.Int64
	pickupsDeferred  atomic.Int64
	pickupsFailed    atomic.Int64
}

// NewComponent creates the orchestrator queue consumer.
func NewComponent(cfg config.QueueConfig, nc *natsclient.Client, coordinator *orchestration.Coordinator, logger *slog.Logger) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:        "orchestrator",
		cfg:         cfg,
		natsClient:  nc,
		coordinator: coordinator,
		logger:      logger.With("component", "orchestrator"),
	}
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	if c.natsClient == nil {
		return fmt.Errorf("NATS client required")
	}
	if c.coordinator == nil {
		return fmt.Errorf("coordinator required")
	}
	c.logger.Debug("Initialized orchestrator",
		"stream", c.cfg.StreamName,
		"consumer", c.cfg.ConsumerName,
		"workers", c.cfg.Workers)
	return nil
}

// Start creates the durable consumer and launches the worker loops.
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

	js := c.natsClient.JetStream()
	stream, err := js.Stream(subCtx, c.cfg.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.cfg.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.cfg.ConsumerName,
		FilterSubject: orchestration.QueueSubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    -1,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer %s: %w", c.cfg.ConsumerName, err)
	}
	c.consumer = consumer

	workers := c.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func(worker int) {
			defer c.wg.Done()
			c.consumeLoop(subCtx, worker)
		}(i)
	}

	c.logger.Info("Orchestrator started",
		"stream", c.cfg.StreamName,
		"consumer", c.cfg.ConsumerName,
		"workers", workers)
	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// Stop cancels the workers and waits out the timeout.
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
		return fmt.Errorf("orchestrator workers did not stop within %s", timeout)
	}
}

// consumeLoop fetches one pickup at a time until the context ends.
func (c *Component) consumeLoop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "worker", worker, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handlePickup(ctx, msg)
		}
		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "worker", worker, "error", msgs.Error())
		}
	}
}

// handlePickup processes one queue message. A malformed message is
// terminated so it cannot poison the queue; an early delivery is NAKed back
// with its remaining delay; an infrastructure failure is NAKed for redelivery.
func (c *Component) handlePickup(ctx context.Context, msg jetstream.Msg) {
	var pickup orchestration.QueueMessage
	if err := json.Unmarshal(msg.Data(), &pickup); err != nil {
		c.logger.Error("Failed to parse queue message", "error", err)
		if err := msg.Term(); err != nil {
			c.logger.Warn("Failed to terminate message", "error", err)
		}
		return
	}

	if delay := pickup.RemainingDelay(time.Now().UTC()); delay > 0 {
		c.pickupsDeferred.Add(1)
		if err := msg.NakWithDelay(delay); err != nil {
			c.logger.Warn("Failed to defer message",
				"task_id", pickup.TaskID, "error", err)
		}
		return
	}

	if err := c.coordinator.Run(ctx, pickup.TaskID); err != nil {
		c.pickupsFailed.Add(1)
		c.logger.Error("Task pickup failed",
			"task_id", pickup.TaskID, "error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "task_id", pickup.TaskID, "error", err)
		}
		return
	}

	c.pickupsProcessed.Add(1)
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "task_id", pickup.TaskID, "error", err)
	}
}

// Meta describes the component.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        c.name,
		Type:        "processor",
		Description: "Consumes the task queue and orchestrates pickups",
		Version:     ComponentVersion,
	}
}

// Health reports worker status and throughput counters.
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
		status.Detail = fmt.Sprintf("processed=%d deferred=%d failed=%d",
			c.pickupsProcessed.Load(), c.pickupsDeferred.Load(), c.pickupsFailed.Load())
	}
	return status
}
