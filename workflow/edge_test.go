package workflow

import (
	"errors"
	"testing"
	"time"
)

// buildChain materializes steps named a, b, c, ... with the given edges
// expressed as name pairs.
func buildSteps(t *testing.T, names []string, deps map[string][]string) map[string]*WorkflowStep {
	t.Helper()
	now := time.Now().UTC()
	steps := make(map[string]*WorkflowStep, len(names))
	for _, name := range names {
		tmpl := &NamedStep{
			Name:            name,
			DependentSystem: "test",
			Handler:         HandlerRef{Namespace: "test", Name: name},
			RetryLimit:      3,
			Retryable:       true,
		}
		steps[name] = NewWorkflowStep("task-1", tmpl, nil, now)
	}
	for name, parents := range deps {
		for _, parent := range parents {
			steps[name].Edges = append(steps[name].Edges, NewEdge(steps[parent].WorkflowStepID, steps[name].WorkflowStepID))
		}
	}
	return steps
}

func stepSlice(steps map[string]*WorkflowStep) []*WorkflowStep {
	out := make([]*WorkflowStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, s)
	}
	return out
}

func TestNewStepGraph_RootsAndParents(t *testing.T) {
	steps := buildSteps(t, []string{"a", "b", "c", "d"}, map[string][]string{
		"c": {"b"},
		"d": {"c"},
	})

	graph, err := NewStepGraph(stepSlice(steps))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	roots := graph.RootStepIDs()
	if len(roots) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(roots))
	}

	parents := graph.Parents(steps["c"].WorkflowStepID)
	if len(parents) != 1 || parents[0].WorkflowStepID != steps["b"].WorkflowStepID {
		t.Error("expected c's parent to be b")
	}
	if len(graph.Parents(steps["a"].WorkflowStepID)) != 0 {
		t.Error("root step must have no parents")
	}
}

func TestNewStepGraph_CycleDetected(t *testing.T) {
	steps := buildSteps(t, []string{"a", "b", "c"}, map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	})

	_, err := NewStepGraph(stepSlice(steps))
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !errors.Is(err, ErrCycleDetected) {
		t.Errorf("expected ErrCycleDetected, got %v", err)
	}
}

func TestNewStepGraph_UnknownParent(t *testing.T) {
	steps := buildSteps(t, []string{"a"}, nil)
	steps["a"].Edges = append(steps["a"].Edges, NewEdge("missing-step", steps["a"].WorkflowStepID))

	if _, err := NewStepGraph(stepSlice(steps)); err == nil {
		t.Fatal("expected error for unknown parent")
	}
}

func TestStepGraph_TopologicalOrder(t *testing.T) {
	steps := buildSteps(t, []string{"a", "b", "c", "d"}, map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	})

	graph, err := NewStepGraph(stepSlice(steps))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order := graph.TopologicalOrder()
	if len(order) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(order))
	}

	index := make(map[string]int)
	for i, s := range order {
		index[s.NamedStep] = i
	}
	if index["a"] >= index["b"] || index["a"] >= index["c"] || index["b"] >= index["d"] || index["c"] >= index["d"] {
		t.Errorf("order violates dependencies: %v", index)
	}
}

func TestValidateEdgeAddition(t *testing.T) {
	steps := buildSteps(t, []string{"a", "b", "c", "d"}, map[string][]string{
		"b": {"a"},
		"c": {"b"},
		"d": {"c"},
	})
	all := stepSlice(steps)

	t.Run("cycle-introducing edge rejected", func(t *testing.T) {
		edge := NewEdge(steps["d"].WorkflowStepID, steps["a"].WorkflowStepID)
		err := ValidateEdgeAddition(all, edge)
		if err == nil {
			t.Fatal("expected validation failure for d -> a")
		}
		if !errors.Is(err, ErrCycleDetected) {
			t.Errorf("expected ErrCycleDetected, got %v", err)
		}
		// Edge set unchanged.
		if len(steps["a"].Edges) != 0 {
			t.Error("rejected edge must not persist")
		}
	})

	t.Run("self edge rejected", func(t *testing.T) {
		edge := NewEdge(steps["a"].WorkflowStepID, steps["a"].WorkflowStepID)
		if err := ValidateEdgeAddition(all, edge); !errors.Is(err, ErrCycleDetected) {
			t.Errorf("expected ErrCycleDetected, got %v", err)
		}
	})

	t.Run("safe edge accepted", func(t *testing.T) {
		edge := NewEdge(steps["a"].WorkflowStepID, steps["d"].WorkflowStepID)
		if err := ValidateEdgeAddition(all, edge); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("unknown endpoint rejected", func(t *testing.T) {
		edge := NewEdge("missing", steps["d"].WorkflowStepID)
		if err := ValidateEdgeAddition(all, edge); err == nil {
			t.Error("expected error for unknown producer")
		}
	})
}
