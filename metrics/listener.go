package metrics

import (
	"context"

	"github.com/c360studio/tasker/events"
)

// Listener is the firehose bus subscriber that turns engine events into
// collector updates. It subscribes to every registered event, so custom
// events show up in tasker_events_total without extra wiring.
type Listener struct {
	metrics *Metrics
}

// NewListener builds a listener over the collector set.
func NewListener(m *Metrics) *Listener {
	return &Listener{metrics: m}
}

func (l *Listener) Name() string                    { return "metrics-listener" }
func (l *Listener) EventNames() []string            { return nil }
func (l *Listener) ShouldProcess(events.Event) bool { return true }

// Handle maps one event onto the collectors. Unknown payload shapes still
// count in the per-event totals.
func (l *Listener) Handle(_ context.Context, evt events.Event) error {
	l.metrics.EventsTotal.WithLabelValues(evt.Name).Inc()

	switch evt.Name {
	case events.TaskStarted:
		l.metrics.TasksTotal.WithLabelValues("started").Inc()
	case events.TaskCompleted:
		l.metrics.TasksTotal.WithLabelValues("completed").Inc()
		if p, ok := evt.Payload.(events.TaskPayload); ok && p.TotalExecutionDuration > 0 {
			l.metrics.TaskDuration.Observe(p.TotalExecutionDuration)
		}
	case events.TaskFailed:
		l.metrics.TasksTotal.WithLabelValues("failed").Inc()
	case events.TaskCancelled:
		l.metrics.TasksTotal.WithLabelValues("cancelled").Inc()

	case events.StepExecutionRequested:
		l.metrics.StepsTotal.WithLabelValues("requested").Inc()
	case events.StepCompleted:
		l.metrics.StepsTotal.WithLabelValues("completed").Inc()
		if p, ok := evt.Payload.(events.StepPayload); ok && p.ExecutionDuration > 0 {
			l.metrics.StepDuration.WithLabelValues(p.StepName).Observe(p.ExecutionDuration)
		}
	case events.StepFailed:
		l.metrics.StepsTotal.WithLabelValues("failed").Inc()
		if p, ok := evt.Payload.(events.StepPayload); ok && p.ExceptionClass != "" {
			l.metrics.StepFailures.WithLabelValues(p.ExceptionClass).Inc()
		}
	case events.StepCancelled:
		l.metrics.StepsTotal.WithLabelValues("cancelled").Inc()

	case events.WorkflowTaskReenqueueStarted:
		l.metrics.Reenqueues.WithLabelValues("started").Inc()
	case events.WorkflowTaskReenqueueFailed:
		l.metrics.Reenqueues.WithLabelValues("failed").Inc()
	case events.WorkflowTaskReenqueueDelayed:
		l.metrics.Reenqueues.WithLabelValues("delayed").Inc()
	}
	return nil
}
