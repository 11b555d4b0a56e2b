package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// DefaultRelayPrefix is the subject prefix for mirrored events.
const DefaultRelayPrefix = "tasker.events"

// Relay mirrors every bus event onto a NATS subject
// `{prefix}.{domain}.{action}` so external consumers can observe the engine
// without linking against it. The relay is a plain core-NATS publisher:
// delivery to external subscribers is at-most-once, and a mirror failure
// never affects the in-process subscribers.
type Relay struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewRelay builds a relay over an established NATS connection.
func NewRelay(nc *nats.Conn, prefix string, logger *slog.Logger) *Relay {
	if prefix == "" {
		prefix = DefaultRelayPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		nc:     nc,
		prefix: prefix,
		logger: logger.With("component", "event-relay"),
	}
}

// Name implements Subscriber.
func (r *Relay) Name() string { return "event-relay" }

// EventNames implements Subscriber. The nil set subscribes the relay to
// every registered event, including custom events registered later.
func (r *Relay) EventNames() []string { return nil }

// ShouldProcess implements Subscriber.
func (r *Relay) ShouldProcess(Event) bool { return true }

// Handle implements Subscriber by publishing the event envelope as JSON.
func (r *Relay) Handle(_ context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.Name, err)
	}
	subject := r.prefix + "." + evt.Name
	if err := r.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
