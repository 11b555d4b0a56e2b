package events

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// Event is the envelope delivered to subscribers. CorrelationID is filled
// from the publishing context when present.
type Event struct {
	Name          string    `json:"event"`
	Payload       any       `json:"payload"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Subscriber receives events synchronously on the publisher's goroutine.
// EventNames declares the subscription set; every declared name must already
// be registered on the bus. A nil set subscribes to all registered events.
type Subscriber interface {
	Name() string
	EventNames() []string
	ShouldProcess(evt Event) bool
	Handle(ctx context.Context, evt Event) error
}

// correlationKey is the context key for the per-execution correlation id.
type correlationKey struct{}

// WithCorrelationID attaches a correlation id to a context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation id from a context, or "".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

type subscription struct {
	subscriber Subscriber
	names      map[string]bool // nil means all events
}

// Bus is the process-local publish/subscribe bus. Registration is explicit:
// publishing a name that was never registered fails fast. Delivery failures
// never propagate to the publisher.
type Bus struct {
	logger *slog.Logger

	mu            sync.RWMutex
	registered    map[string]bool
	subscriptions []subscription
}

// NewBus builds a bus with every engine event pre-registered.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:     logger.With("component", "event-bus"),
		registered: make(map[string]bool, len(canonicalNames)),
	}
	for _, name := range canonicalNames {
		b.registered[name] = true
	}
	return b
}

// Register adds an engine event name. Engine names bypass the custom naming
// rules; use RegisterCustom for consumer-defined events.
func (b *Bus) Register(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.registered[name] {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, name)
	}
	b.registered[name] = true
	return nil
}

// RegisterCustom adds a consumer-defined event name after validating it
// against the naming rules.
func (b *Bus) RegisterCustom(name string) error {
	if err := ValidateCustomName(name); err != nil {
		return err
	}
	return b.Register(name)
}

// Registered reports whether a name may be published.
func (b *Bus) Registered(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.registered[Canonicalize(name)]
}

// RegisteredEvents returns every registered name, sorted.
func (b *Bus) RegisteredEvents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.registered))
	for name := range b.registered {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe attaches a subscriber. Every name it declares must already be
// registered, so wiring mistakes surface at startup rather than as silently
// dropped events.
func (b *Bus) Subscribe(sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	declared := sub.EventNames()
	var names map[string]bool
	if declared != nil {
		names = make(map[string]bool, len(declared))
		for _, raw := range declared {
			name := Canonicalize(raw)
			if !b.registered[name] {
				return fmt.Errorf("subscriber %s: %w: %s", sub.Name(), ErrUnregisteredEvent, raw)
			}
			names[name] = true
		}
	}

	b.subscriptions = append(b.subscriptions, subscription{subscriber: sub, names: names})
	b.logger.Debug("Subscriber attached", "subscriber", sub.Name(), "events", len(declared))
	return nil
}

// Publish delivers an event synchronously to every matching subscriber.
// Legacy names are folded to their canonical form first. Subscriber errors
// and panics are logged and do not affect other subscribers or the
// publisher; the only error Publish returns is an unregistered name.
func (b *Bus) Publish(ctx context.Context, name string, payload any) error {
	canonical := Canonicalize(name)

	b.mu.RLock()
	if !b.registered[canonical] {
		b.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnregisteredEvent, name)
	}
	subs := make([]subscription, len(b.subscriptions))
	copy(subs, b.subscriptions)
	b.mu.RUnlock()

	evt := Event{
		Name:          canonical,
		Payload:       payload,
		CorrelationID: CorrelationID(ctx),
		Timestamp:     time.Now().UTC(),
	}

	for _, sub := range subs {
		if sub.names != nil && !sub.names[canonical] {
			continue
		}
		b.deliver(ctx, sub.subscriber, evt)
	}
	return nil
}

// deliver invokes one subscriber under a panic guard.
func (b *Bus) deliver(ctx context.Context, sub Subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber panicked",
				"subscriber", sub.Name(),
				"event", evt.Name,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	if !sub.ShouldProcess(evt) {
		return
	}
	if err := sub.Handle(ctx, evt); err != nil {
		b.logger.Error("Subscriber failed",
			"subscriber", sub.Name(),
			"event", evt.Name,
			"error", err)
	}
}

// SubscriberFunc adapts a function into a Subscriber covering a fixed name
// set.
type SubscriberFunc struct {
	SubscriberName string
	Events         []string
	Func           func(ctx context.Context, evt Event) error
}

func (s *SubscriberFunc) Name() string             { return s.SubscriberName }
func (s *SubscriberFunc) EventNames() []string     { return s.Events }
func (s *SubscriberFunc) ShouldProcess(Event) bool { return true }
func (s *SubscriberFunc) Handle(ctx context.Context, evt Event) error {
	return s.Func(ctx, evt)
}
