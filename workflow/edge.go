package workflow

import (
	"fmt"
	"sort"
)

// EdgeNameProvides is the default edge name: the producer provides results
// the consumer reads.
const EdgeNameProvides = "provides"

// WorkflowStepEdge is a directed edge from a producer step to a consumer
// step within one task.
type WorkflowStepEdge struct {
	FromStepID string `json:"from_step_id"`
	ToStepID   string `json:"to_step_id"`
	Name       string `json:"name"`
}

// NewEdge builds a provides-edge between two steps.
func NewEdge(fromStepID, toStepID string) WorkflowStepEdge {
	return WorkflowStepEdge{FromStepID: fromStepID, ToStepID: toStepID, Name: EdgeNameProvides}
}

// StepGraph indexes a task's steps and edges for dependency queries. It is
// built per iteration from committed state and is not mutated afterwards.
type StepGraph struct {
	steps    map[string]*WorkflowStep
	inDegree map[string]int
	children map[string][]string
	parents  map[string][]string
}

// NewStepGraph builds the graph and validates that the edge set is acyclic
// and references only known steps.
func NewStepGraph(steps []*WorkflowStep) (*StepGraph, error) {
	g := &StepGraph{
		steps:    make(map[string]*WorkflowStep, len(steps)),
		inDegree: make(map[string]int, len(steps)),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}

	for _, s := range steps {
		g.steps[s.WorkflowStepID] = s
		g.inDegree[s.WorkflowStepID] = 0
	}

	for _, s := range steps {
		for _, e := range s.Edges {
			if _, exists := g.steps[e.FromStepID]; !exists {
				return nil, &ValidationError{
					Field:   "edges",
					Message: fmt.Sprintf("step %s depends on unknown step %s", s.WorkflowStepID, e.FromStepID),
				}
			}
			g.inDegree[s.WorkflowStepID]++
			g.children[e.FromStepID] = append(g.children[e.FromStepID], s.WorkflowStepID)
			g.parents[s.WorkflowStepID] = append(g.parents[s.WorkflowStepID], e.FromStepID)
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// detectCycles runs Kahn's algorithm; leftover nodes mean a cycle.
func (g *StepGraph) detectCycles() error {
	tempDegree := make(map[string]int, len(g.inDegree))
	for id, deg := range g.inDegree {
		tempDegree[id] = deg
	}

	var queue []string
	for id, deg := range tempDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++

		for _, child := range g.children[id] {
			tempDegree[child]--
			if tempDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if processed != len(g.steps) {
		return fmt.Errorf("%w: %d steps could not be ordered", ErrCycleDetected, len(g.steps)-processed)
	}
	return nil
}

// Step returns a step by id, or nil.
func (g *StepGraph) Step(id string) *WorkflowStep {
	return g.steps[id]
}

// Parents returns the producer steps of a step, sorted by id.
func (g *StepGraph) Parents(id string) []*WorkflowStep {
	ids := append([]string(nil), g.parents[id]...)
	sort.Strings(ids)
	out := make([]*WorkflowStep, 0, len(ids))
	for _, pid := range ids {
		if p, ok := g.steps[pid]; ok {
			out = append(out, p)
		}
	}
	return out
}

// RootStepIDs returns the ids of steps with no parents, sorted.
func (g *StepGraph) RootStepIDs() []string {
	var roots []string
	for id, deg := range g.inDegree {
		if deg == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// TopologicalOrder returns steps dependencies-first. Ties are broken by step
// id so replays are reproducible.
func (g *StepGraph) TopologicalOrder() []*WorkflowStep {
	tempDegree := make(map[string]int, len(g.inDegree))
	for id, deg := range g.inDegree {
		tempDegree[id] = deg
	}

	var queue []string
	for id, deg := range tempDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]*WorkflowStep, 0, len(g.steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, g.steps[id])

		var unblocked []string
		for _, child := range g.children[id] {
			tempDegree[child]--
			if tempDegree[child] == 0 {
				unblocked = append(unblocked, child)
			}
		}
		sort.Strings(unblocked)
		queue = append(queue, unblocked...)
	}
	return order
}

// ValidateEdgeAddition rejects an edge that would make a step reachable from
// itself. The existing steps are assumed acyclic.
func ValidateEdgeAddition(steps []*WorkflowStep, edge WorkflowStepEdge) error {
	byID := make(map[string]*WorkflowStep, len(steps))
	for _, s := range steps {
		byID[s.WorkflowStepID] = s
	}
	if _, ok := byID[edge.FromStepID]; !ok {
		return &ValidationError{Field: "from_step_id", Message: "unknown step " + edge.FromStepID}
	}
	if _, ok := byID[edge.ToStepID]; !ok {
		return &ValidationError{Field: "to_step_id", Message: "unknown step " + edge.ToStepID}
	}
	if edge.FromStepID == edge.ToStepID {
		return fmt.Errorf("%w: step %s cannot depend on itself", ErrCycleDetected, edge.FromStepID)
	}

	// The new edge closes a cycle iff its producer is reachable from its
	// consumer through existing edges.
	children := make(map[string][]string)
	for _, s := range steps {
		for _, e := range s.Edges {
			children[e.FromStepID] = append(children[e.FromStepID], s.WorkflowStepID)
		}
	}

	seen := map[string]bool{edge.ToStepID: true}
	stack := []string{edge.ToStepID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == edge.FromStepID {
			return fmt.Errorf("%w: edge %s -> %s would make %s reachable from itself",
				ErrCycleDetected, edge.FromStepID, edge.ToStepID, edge.FromStepID)
		}
		for _, child := range children[id] {
			if !seen[child] {
				seen[child] = true
				stack = append(stack, child)
			}
		}
	}
	return nil
}
