package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/tasker/events"
	"github.com/c360studio/tasker/handler"
	"github.com/c360studio/tasker/storage"
	"github.com/c360studio/tasker/workflow"
)

// fakeClock is a settable time source shared by every component in a test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// eventRecorder captures everything published on the bus.
type eventRecorder struct {
	mu       sync.Mutex
	captured []events.Event
}

func (r *eventRecorder) Name() string                    { return "test-recorder" }
func (r *eventRecorder) EventNames() []string            { return nil }
func (r *eventRecorder) ShouldProcess(events.Event) bool { return true }
func (r *eventRecorder) Handle(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	r.captured = append(r.captured, evt)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.captured))
	for _, evt := range r.captured {
		out = append(out, evt.Name)
	}
	return out
}

func (r *eventRecorder) last(name string) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.captured) - 1; i >= 0; i-- {
		if r.captured[i].Name == name {
			return r.captured[i], true
		}
	}
	return events.Event{}, false
}

func (r *eventRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.captured {
		if evt.Name == name {
			n++
		}
	}
	return n
}

// harness wires the full engine over the in-memory store and queue.
type harness struct {
	store    *storage.MemoryStore
	queue    *MemoryQueue
	bus      *events.Bus
	handlers *handler.Registry
	clock    *fakeClock
	recorder *eventRecorder

	initializer *Initializer
	coordinator *Coordinator
}

func newHarness(t *testing.T, identity workflow.IdentityStrategy) *harness {
	t.Helper()

	h := &harness{
		store:    storage.NewMemoryStore(),
		queue:    NewMemoryQueue(),
		bus:      events.NewBus(nil),
		handlers: handler.NewRegistry(),
		clock:    newFakeClock(),
		recorder: &eventRecorder{},
	}
	require.NoError(t, h.bus.Subscribe(h.recorder))

	h.queue.clock = h.clock.Now

	reenqueuer := NewReenqueuer(h.store, h.queue, h.bus, nil)
	reenqueuer.clock = h.clock.Now

	executor := NewStepExecutor(h.store, h.bus, h.handlers, 3, nil)
	executor.clock = h.clock.Now

	discovery := NewDiscovery(h.store, h.bus, nil)
	discovery.clock = h.clock.Now

	finalizer := NewFinalizer(h.store, h.bus, reenqueuer, 5*time.Second, 30*time.Second, nil)
	finalizer.clock = h.clock.Now

	h.initializer = NewInitializer(h.store, h.bus, reenqueuer, identity, nil)
	h.initializer.clock = h.clock.Now

	h.coordinator = NewCoordinator(h.store, h.bus, discovery, executor, finalizer, reenqueuer, nil)
	h.coordinator.clock = h.clock.Now
	return h
}

func (h *harness) registerTemplate(t *testing.T, tmpl *workflow.NamedTask) {
	t.Helper()
	require.NoError(t, tmpl.Validate())
	require.NoError(t, h.store.PutTemplate(context.Background(), tmpl))
}

// drain pops queued pickups and runs the coordinator on each, advancing the
// clock over any delivery delay, until the queue empties or the bound trips.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		msg, ok := h.queue.Pop()
		if !ok {
			return
		}
		if d := msg.RemainingDelay(h.clock.Now()); d > 0 {
			h.clock.Advance(d)
		}
		require.NoError(t, h.coordinator.Run(context.Background(), msg.TaskID))
	}
	t.Fatal("queue did not drain within 100 pickups")
}

func handlerRef(name string) workflow.HandlerRef {
	return workflow.HandlerRef{Namespace: "test", Name: name, Version: "1.0.0"}
}

// diamondTemplate is the four-step DAG: a and b fan in to c, d consumes c.
func diamondTemplate() *workflow.NamedTask {
	return &workflow.NamedTask{
		Name:      "release",
		Namespace: "payments",
		Version:   "1.0.0",
		Steps: []workflow.NamedStep{
			{Name: "a", DependentSystem: "ci", Handler: handlerRef("a"), Retryable: true},
			{Name: "b", DependentSystem: "ci", Handler: handlerRef("b"), Retryable: true},
			{Name: "c", DependentSystem: "ci", Handler: handlerRef("c"), Retryable: true, DependsOn: []string{"a", "b"}},
			{Name: "d", DependentSystem: "ci", Handler: handlerRef("d"), Retryable: true, DependsOn: []string{"c"}},
		},
	}
}

func taskRequest(name string) *workflow.TaskRequest {
	return &workflow.TaskRequest{
		Name:      name,
		Namespace: "payments",
		Version:   "1.0.0",
		Context:   map[string]any{"build": 42},
	}
}

func TestDiamondWorkflowCompletes(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	h.registerTemplate(t, diamondTemplate())

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"a", "b", "c", "d"} {
		name := name
		require.NoError(t, h.handlers.RegisterFunc(
			handler.Info{Namespace: "test", Name: name, Version: "1.0.0"},
			func(_ context.Context, req *workflow.StepRequest) (map[string]any, error) {
				mu.Lock()
				order = append(order, req.StepName)
				mu.Unlock()
				return map[string]any{"ran": req.StepName}, nil
			}))
	}

	task, err := h.initializer.Initialize(context.Background(), taskRequest("release"))
	require.NoError(t, err)
	h.drain(t)

	final, err := h.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStateComplete, final.State())
	assert.True(t, final.Complete)
	require.NotNil(t, final.CompletedAt)

	steps, err := h.store.ListSteps(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	for _, step := range steps {
		assert.Equal(t, workflow.StepStateComplete, step.State(), step.NamedStep)
		assert.True(t, step.Processed)
		assert.Equal(t, 1, step.Attempts)
	}

	// c must run after both roots, d after c.
	pos := map[string]int{}
	mu.Lock()
	for i, name := range order {
		pos[name] = i
	}
	mu.Unlock()
	assert.Greater(t, pos["c"], pos["a"])
	assert.Greater(t, pos["c"], pos["b"])
	assert.Greater(t, pos["d"], pos["c"])

	assert.Equal(t, 1, h.recorder.count(events.TaskStarted))
	assert.Equal(t, 1, h.recorder.count(events.TaskCompleted))
	assert.Equal(t, 4, h.recorder.count(events.StepCompleted))
}

func TestParentResultsReachConsumers(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	h.registerTemplate(t, &workflow.NamedTask{
		Name:      "pipeline",
		Namespace: "payments",
		Version:   "1.0.0",
		Steps: []workflow.NamedStep{
			{Name: "produce", DependentSystem: "ci", Handler: handlerRef("produce"), Retryable: true},
			{Name: "consume", DependentSystem: "ci", Handler: handlerRef("consume"), Retryable: true, DependsOn: []string{"produce"}},
		},
	})

	require.NoError(t, h.handlers.RegisterFunc(
		handler.Info{Namespace: "test", Name: "produce", Version: "1.0.0"},
		func(context.Context, *workflow.StepRequest) (map[string]any, error) {
			return map[string]any{"artifact": "v42"}, nil
		}))

	var got []workflow.ParentResult
	require.NoError(t, h.handlers.RegisterFunc(
		handler.Info{Namespace: "test", Name: "consume", Version: "1.0.0"},
		func(_ context.Context, req *workflow.StepRequest) (map[string]any, error) {
			got = req.ParentResults
			return map[string]any{}, nil
		}))

	_, err := h.initializer.Initialize(context.Background(), taskRequest("pipeline"))
	require.NoError(t, err)
	h.drain(t)

	require.Len(t, got, 1)
	assert.Equal(t, "produce", got[0].StepName)
	assert.Equal(t, "v42", got[0].Results["artifact"])
}

func TestRetryWithExponentialBackoff(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	h.registerTemplate(t, &workflow.NamedTask{
		Name:      "flaky",
		Namespace: "payments",
		Version:   "1.0.0",
		Steps: []workflow.NamedStep{
			{Name: "wobble", DependentSystem: "ci", Handler: handlerRef("wobble"), Retryable: true, RetryLimit: 3},
		},
	})

	calls := 0
	require.NoError(t, h.handlers.RegisterFunc(
		handler.Info{Namespace: "test", Name: "wobble", Version: "1.0.0"},
		func(context.Context, *workflow.StepRequest) (map[string]any, error) {
			calls++
			if calls < 3 {
				return nil, workflow.NewRetryableError("transient outage")
			}
			return map[string]any{"ok": true}, nil
		}))

	task, err := h.initializer.Initialize(context.Background(), taskRequest("flaky"))
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, 3, calls)

	final, err := h.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStateComplete, final.State())

	steps, err := h.store.ListSteps(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, workflow.StepStateComplete, steps[0].State())
	assert.Equal(t, 3, steps[0].Attempts)

	assert.Equal(t, 2, h.recorder.count(events.StepFailed))
	assert.Equal(t, 1, h.recorder.count(events.StepCompleted))
}

func TestNonRetryableStepRunsOnce(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	h.registerTemplate(t, &workflow.NamedTask{
		Name:      "oneshot",
		Namespace: "payments",
		Version:   "1.0.0",
		Steps: []workflow.NamedStep{
			{Name: "charge", DependentSystem: "billing", Handler: handlerRef("charge"), Retryable: false},
		},
	})

	calls := 0
	require.NoError(t, h.handlers.RegisterFunc(
		handler.Info{Namespace: "test", Name: "charge", Version: "1.0.0"},
		func(context.Context, *workflow.StepRequest) (map[string]any, error) {
			calls++
			return map[string]any{"charged": true}, nil
		}))

	task, err := h.initializer.Initialize(context.Background(), taskRequest("oneshot"))
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, 1, calls)

	final, err := h.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStateComplete, final.State())

	step := findStep(t, h, task.TaskID, "charge")
	assert.Equal(t, workflow.StepStateComplete, step.State())
	assert.Equal(t, 1, step.Attempts)
}

func TestNonRetryableStepFailsAfterSingleAttempt(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	h.registerTemplate(t, &workflow.NamedTask{
		Name:      "oneshot",
		Namespace: "payments",
		Version:   "1.0.0",
		Steps: []workflow.NamedStep{
			{Name: "charge", DependentSystem: "billing", Handler: handlerRef("charge"), Retryable: false, RetryLimit: 3},
		},
	})

	calls := 0
	require.NoError(t, h.handlers.RegisterFunc(
		handler.Info{Namespace: "test", Name: "charge", Version: "1.0.0"},
		func(context.Context, *workflow.StepRequest) (map[string]any, error) {
			calls++
			return nil, workflow.NewRetryableError("gateway timeout")
		}))

	task, err := h.initializer.Initialize(context.Background(), taskRequest("oneshot"))
	require.NoError(t, err)
	h.drain(t)

	// The failure class is transient, but the step forbids retries.
	assert.Equal(t, 1, calls)

	final, err := h.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStateError, final.State())

	step := findStep(t, h, task.TaskID, "charge")
	assert.Equal(t, workflow.StepStateFailed, step.State())
	assert.Equal(t, 1, step.Attempts)
}

func TestServerRequestedBackoffDelaysRetry(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	h.registerTemplate(t, &workflow.NamedTask{
		Name:      "throttled",
		Namespace: "payments",
		Version:   "1.0.0",
		Steps: []workflow.NamedStep{
			{Name: "call", DependentSystem: "api", Handler: handlerRef("call"), Retryable: true, RetryLimit: 3},
		},
	})

	var attemptTimes []time.Time
	calls := 0
	require.NoError(t, h.handlers.RegisterFunc(
		handler.Info{Namespace: "test", Name: "call", Version: "1.0.0"},
		func(context.Context, *workflow.StepRequest) (map[string]any, error) {
			calls++
			attemptTimes = append(attemptTimes, h.clock.Now())
			if calls == 1 {
				return nil, workflow.NewRetryableErrorWithBackoff(30, "rate limited")
			}
			return map[string]any{}, nil
		}))

	task, err := h.initializer.Initialize(context.Background(), taskRequest("throttled"))
	require.NoError(t, err)
	h.drain(t)

	require.Equal(t, 2, calls)
	// The second attempt respects the server's 30s window, not the 2s
	// exponential default.
	gap := attemptTimes[1].Sub(attemptTimes[0])
	assert.GreaterOrEqual(t, gap, 30*time.Second)

	final, err := h.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStateComplete, final.State())
}

func TestIterationEventCarriesExecutionContext(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	h.registerTemplate(t, diamondTemplate())
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, h.handlers.RegisterFunc(
			handler.Info{Namespace: "test", Name: name, Version: "1.0.0"},
			func(context.Context, *workflow.StepRequest) (map[string]any, error) {
				return map[string]any{}, nil
			}))
	}

	task, err := h.initializer.Initialize(context.Background(), taskRequest("release"))
	require.NoError(t, err)
	h.drain(t)

	evt, ok := h.recorder.last(events.WorkflowIterationStarted)
	require.True(t, ok)
	payload, ok := evt.Payload.(events.OrchestrationPayload)
	require.True(t, ok)
	assert.Equal(t, task.TaskID, payload.Context["task_id"])

	execCtx, ok := payload.Context["execution_context"].(workflow.TaskExecutionContext)
	require.True(t, ok, "iteration event must embed the execution context")
	assert.Equal(t, task.TaskID, execCtx.TaskID)
	assert.Equal(t, 4, execCtx.TotalSteps)
}

func TestPermanentFailureBlocksTask(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	h.registerTemplate(t, &workflow.NamedTask{
		Name:      "doomed",
		Namespace: "payments",
		Version:   "1.0.0",
		Steps: []workflow.NamedStep{
			{Name: "gate", DependentSystem: "ci", Handler: handlerRef("gate"), Retryable: true, RetryLimit: 3},
			{Name: "after", DependentSystem: "ci", Handler: handlerRef("after"), Retryable: true, DependsOn: []string{"gate"}},
		},
	})

	calls := 0
	require.NoError(t, h.handlers.RegisterFunc(
		handler.Info{Namespace: "test", Name: "gate", Version: "1.0.0"},
		func(context.Context, *workflow.StepRequest) (map[string]any, error) {
			calls++
			return nil, workflow.NewPermanentError("schema rejected")
		}))
	require.NoError(t, h.handlers.RegisterFunc(
		handler.Info{Namespace: "test", Name: "after", Version: "1.0.0"},
		func(context.Context, *workflow.StepRequest) (map[string]any, error) {
			t.Fatal("downstream step must not run")
			return nil, nil
		}))

	task, err := h.initializer.Initialize(context.Background(), taskRequest("doomed"))
	require.NoError(t, err)
	h.drain(t)

	// Permanent means exactly one attempt despite the retry budget.
	assert.Equal(t, 1, calls)

	final, err := h.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStateError, final.State())

	gate := findStep(t, h, task.TaskID, "gate")
	assert.Equal(t, workflow.StepStateFailed, gate.State())
	assert.False(t, gate.Retryable)
	assert.Equal(t, "schema rejected", gate.Results[workflow.ResultKeyError])

	after := findStep(t, h, task.TaskID, "after")
	assert.Equal(t, workflow.StepStatePending, after.State())

	evt, ok := h.recorder.last(events.TaskFailed)
	require.True(t, ok)
	payload, ok := evt.Payload.(events.TaskPayload)
	require.True(t, ok)
	assert.Equal(t, []string{"gate"}, payload.ErrorSteps)
}

func TestHashIdentityDeduplicatesRequests(t *testing.T) {
	h := newHarness(t, workflow.HashIdentity{})
	h.registerTemplate(t, &workflow.NamedTask{
		Name:      "nightly",
		Namespace: "payments",
		Version:   "1.0.0",
		Steps: []workflow.NamedStep{
			{Name: "run", DependentSystem: "ci", Handler: handlerRef("run"), Retryable: true},
		},
	})
	require.NoError(t, h.handlers.RegisterFunc(
		handler.Info{Namespace: "test", Name: "run", Version: "1.0.0"},
		func(context.Context, *workflow.StepRequest) (map[string]any, error) {
			return map[string]any{}, nil
		}))

	base := h.clock.Now()
	first, err := h.initializer.Initialize(context.Background(), &workflow.TaskRequest{
		Name: "nightly", Namespace: "payments", Version: "1.0.0",
		Context: map[string]any{"suite": "smoke"}, RequestedAt: base,
	})
	require.NoError(t, err)

	// Same request within the same minute collapses onto the winner.
	dup, err := h.initializer.Initialize(context.Background(), &workflow.TaskRequest{
		Name: "nightly", Namespace: "payments", Version: "1.0.0",
		Context: map[string]any{"suite": "smoke"}, RequestedAt: base.Add(10 * time.Second),
	})
	require.ErrorIs(t, err, storage.ErrDuplicateTask)
	assert.Equal(t, first.TaskID, dup.TaskID)

	// A minute later the same request is a new task.
	later, err := h.initializer.Initialize(context.Background(), &workflow.TaskRequest{
		Name: "nightly", Namespace: "payments", Version: "1.0.0",
		Context: map[string]any{"suite": "smoke"}, RequestedAt: base.Add(90 * time.Second),
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.TaskID, later.TaskID)

	tasks, err := h.store.ListTasks(context.Background())
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestTemplateCycleRejected(t *testing.T) {
	tmpl := &workflow.NamedTask{
		Name:      "loop",
		Namespace: "payments",
		Version:   "1.0.0",
		Steps: []workflow.NamedStep{
			{Name: "x", DependentSystem: "ci", Handler: handlerRef("x"), DependsOn: []string{"y"}},
			{Name: "y", DependentSystem: "ci", Handler: handlerRef("y"), DependsOn: []string{"x"}},
		},
	}
	err := tmpl.Validate()
	require.ErrorIs(t, err, workflow.ErrCycleDetected)
}

func TestBypassContractsGraph(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	tmpl := diamondTemplate()
	// c becomes optional; its consumers inherit its parents.
	tmpl.Steps[2].Skippable = true
	h.registerTemplate(t, tmpl)

	for _, name := range []string{"a", "b", "d"} {
		require.NoError(t, h.handlers.RegisterFunc(
			handler.Info{Namespace: "test", Name: name, Version: "1.0.0"},
			func(context.Context, *workflow.StepRequest) (map[string]any, error) {
				return map[string]any{}, nil
			}))
	}

	req := taskRequest("release")
	req.BypassSteps = []string{"c"}
	task, err := h.initializer.Initialize(context.Background(), req)
	require.NoError(t, err)

	steps, err := h.store.ListSteps(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	var d *workflow.WorkflowStep
	byID := map[string]string{}
	for _, s := range steps {
		byID[s.WorkflowStepID] = s.NamedStep
		if s.NamedStep == "d" {
			d = s
		}
	}
	require.NotNil(t, d)
	parents := map[string]bool{}
	for _, pid := range d.ParentIDs() {
		parents[byID[pid]] = true
	}
	assert.True(t, parents["a"])
	assert.True(t, parents["b"])

	h.drain(t)
	final, err := h.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStateComplete, final.State())
}

func TestBypassOfNonSkippableStepRejected(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	h.registerTemplate(t, diamondTemplate())

	req := taskRequest("release")
	req.BypassSteps = []string{"c"}
	_, err := h.initializer.Initialize(context.Background(), req)

	var verr *workflow.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "bypass_steps", verr.Field)
}

func TestCancelledTaskSweepsPendingSteps(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	h.registerTemplate(t, diamondTemplate())

	task, err := h.initializer.Initialize(context.Background(), taskRequest("release"))
	require.NoError(t, err)

	reenqueuer := NewReenqueuer(h.store, h.queue, h.bus, nil)
	reenqueuer.clock = h.clock.Now
	require.NoError(t, reenqueuer.Cancel(context.Background(), task, "operator request"))

	h.drain(t)

	final, err := h.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStateCancelled, final.State())

	steps, err := h.store.ListSteps(context.Background(), task.TaskID)
	require.NoError(t, err)
	for _, step := range steps {
		assert.Equal(t, workflow.StepStateCancelled, step.State(), step.NamedStep)
	}
	assert.Equal(t, 1, h.recorder.count(events.TaskCancelled))
	assert.Equal(t, 4, h.recorder.count(events.StepCancelled))
}

func TestUnknownTemplateRejected(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	_, err := h.initializer.Initialize(context.Background(), taskRequest("nowhere"))
	var verr *workflow.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestMissingHandlerFailsPermanently(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	h.registerTemplate(t, &workflow.NamedTask{
		Name:      "unbound",
		Namespace: "payments",
		Version:   "1.0.0",
		Steps: []workflow.NamedStep{
			{Name: "ghost", DependentSystem: "ci", Handler: handlerRef("ghost"), Retryable: true, RetryLimit: 3},
		},
	})

	task, err := h.initializer.Initialize(context.Background(), taskRequest("unbound"))
	require.NoError(t, err)
	h.drain(t)

	final, err := h.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStateError, final.State())

	step := findStep(t, h, task.TaskID, "ghost")
	assert.Equal(t, 1, step.Attempts)
	assert.Equal(t, "HandlerNotRegistered", step.Results[workflow.ResultKeyErrorClass])
}

func TestHandlerPanicIsRetryable(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	h.registerTemplate(t, &workflow.NamedTask{
		Name:      "panicky",
		Namespace: "payments",
		Version:   "1.0.0",
		Steps: []workflow.NamedStep{
			{Name: "boom", DependentSystem: "ci", Handler: handlerRef("boom"), Retryable: true, RetryLimit: 3},
		},
	})

	calls := 0
	require.NoError(t, h.handlers.RegisterFunc(
		handler.Info{Namespace: "test", Name: "boom", Version: "1.0.0"},
		func(context.Context, *workflow.StepRequest) (map[string]any, error) {
			calls++
			if calls == 1 {
				panic("unexpected nil")
			}
			return map[string]any{}, nil
		}))

	task, err := h.initializer.Initialize(context.Background(), taskRequest("panicky"))
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, 2, calls)
	final, err := h.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStateComplete, final.State())
}

func TestOrderedExecutionRunsSequentially(t *testing.T) {
	h := newHarness(t, workflow.UUIDIdentity{})
	tmpl := diamondTemplate()
	tmpl.OrderedExecution = true
	h.registerTemplate(t, tmpl)

	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, h.handlers.RegisterFunc(
			handler.Info{Namespace: "test", Name: name, Version: "1.0.0"},
			func(context.Context, *workflow.StepRequest) (map[string]any, error) {
				return map[string]any{}, nil
			}))
	}

	task, err := h.initializer.Initialize(context.Background(), taskRequest("release"))
	require.NoError(t, err)
	h.drain(t)

	final, err := h.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStateComplete, final.State())

	// Every discovery round declared sequential mode, including the a+b
	// round that would otherwise fan out.
	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	rounds := 0
	for _, evt := range h.recorder.captured {
		if evt.Name != events.WorkflowViableStepsDiscovered {
			continue
		}
		rounds++
		payload, ok := evt.Payload.(events.OrchestrationPayload)
		require.True(t, ok)
		assert.Equal(t, "sequential", payload.Context["processing_mode"])
	}
	assert.GreaterOrEqual(t, rounds, 3)
}

func findStep(t *testing.T, h *harness, taskID, name string) *workflow.WorkflowStep {
	t.Helper()
	steps, err := h.store.ListSteps(context.Background(), taskID)
	require.NoError(t, err)
	for _, s := range steps {
		if s.NamedStep == name {
			return s
		}
	}
	t.Fatalf("step %s not found", name)
	return nil
}
