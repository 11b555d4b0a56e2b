package taskapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/c360studio/tasker/storage"
	"github.com/c360studio/tasker/workflow"
)

// Pagination bounds.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// sortFields are the task list fields sort_by accepts. Anything else falls
// back to requested_at.
var sortFields = map[string]bool{
	"requested_at": true,
	"created_at":   true,
	"updated_at":   true,
	"name":         true,
	"namespace":    true,
	"status":       true,
}

// RegisterHTTPHandlers mounts the API under the given prefix (no trailing
// slash, e.g. "/v1").
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	c.httpCfg.Prefix = prefix
	mux.HandleFunc(prefix+"/tasks", c.handleTasks)
	mux.HandleFunc(prefix+"/tasks/", c.handleTaskSubtree)
	mux.HandleFunc(prefix+"/handlers", c.handleHandlers)
	mux.HandleFunc(prefix+"/handlers/", c.handleHandlers)
	mux.HandleFunc(prefix+"/health/live", c.handleLive)
	mux.HandleFunc(prefix+"/health/ready", c.handleReady)
	mux.HandleFunc(prefix+"/health/status", c.handleStatus)
	mux.HandleFunc(prefix+"/metrics", c.handleMetrics)
	mux.HandleFunc(prefix+"/analytics/performance", c.handlePerformance)
	mux.HandleFunc(prefix+"/analytics/bottlenecks", c.handleBottlenecks)
}

// handleTasks serves GET (list) and POST (create) on /tasks.
func (c *Component) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		c.listTasks(w, r)
	case http.MethodPost:
		c.createTask(w, r)
	default:
		c.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (c *Component) listTasks(w http.ResponseWriter, r *http.Request) {
	page, err := parsePagination(r)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tasks, err := c.store.ListTasks(r.Context())
	if err != nil {
		c.writeServerError(w, "failed to list tasks", err)
		return
	}

	sortTasks(tasks, page.sortBy, page.sortOrder)

	total := len(tasks)
	start := page.offset
	if start > total {
		start = total
	}
	end := start + page.limit
	if end > total {
		end = total
	}

	c.writeJSON(w, http.StatusOK, map[string]any{
		"tasks":  taskResources(tasks[start:end]),
		"total":  total,
		"limit":  page.limit,
		"offset": page.offset,
	})
}

func (c *Component) createTask(w http.ResponseWriter, r *http.Request) {
	var req workflow.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	task, err := c.initializer.Initialize(r.Context(), &req)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateTask) {
			// Rejected, but pointing at the task that won the identity claim.
			body := map[string]any{
				"error": "duplicate task: an identical request already exists within the deduplication window",
			}
			if task != nil {
				body["task_id"] = task.TaskID
			}
			c.writeJSON(w, http.StatusBadRequest, body)
			return
		}
		var verr *workflow.ValidationError
		if errors.As(err, &verr) {
			c.writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		c.writeServerError(w, "failed to create task", err)
		return
	}
	c.writeJSON(w, http.StatusCreated, taskResource(task))
}

// handleTaskSubtree routes /tasks/{id}[/...] by path segment.
func (c *Component) handleTaskSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, c.httpCfg.Prefix+"/tasks/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		c.writeError(w, http.StatusBadRequest, "task id required")
		return
	}
	taskID := segments[0]

	switch {
	case len(segments) == 1:
		c.handleTask(w, r, taskID)
	case len(segments) == 2 && segments[1] == "workflow_steps":
		c.handleSteps(w, r, taskID)
	case len(segments) == 3 && segments[1] == "workflow_steps":
		c.handleStep(w, r, taskID, segments[2])
	case len(segments) == 2 && segments[1] == "task_diagrams":
		c.handleDiagram(w, r, taskID)
	default:
		c.writeError(w, http.StatusNotFound, "unknown endpoint")
	}
}

func (c *Component) handleTask(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		c.getTask(w, r, taskID)
	case http.MethodPatch:
		c.patchTask(w, r, taskID)
	case http.MethodDelete:
		c.cancelTask(w, r, taskID)
	default:
		c.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (c *Component) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, ok := c.loadTask(w, r, taskID)
	if !ok {
		return
	}

	resource := taskResource(task)
	if summary, err := c.workflowSummary(r, task); err == nil {
		resource["execution_context"] = summary
	}
	c.writeJSON(w, http.StatusOK, resource)
}

// patchTask updates the task's mutable annotation fields only.
func (c *Component) patchTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var patch struct {
		Reason *string   `json:"reason"`
		Tags   *[]string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if patch.Reason == nil && patch.Tags == nil {
		c.writeError(w, http.StatusBadRequest, "nothing to update: reason and tags are the only mutable fields")
		return
	}

	task, ok := c.loadTask(w, r, taskID)
	if !ok {
		return
	}
	if patch.Reason != nil {
		task.Reason = *patch.Reason
	}
	if patch.Tags != nil {
		task.Tags = *patch.Tags
	}
	task.UpdatedAt = c.clock().UTC()

	if err := c.store.UpdateTask(r.Context(), task); err != nil {
		if errors.Is(err, workflow.ErrGuardFailed) {
			c.writeError(w, http.StatusConflict, "task was modified concurrently, retry")
			return
		}
		c.writeServerError(w, "failed to update task", err)
		return
	}
	c.writeJSON(w, http.StatusOK, taskResource(task))
}

func (c *Component) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, ok := c.loadTask(w, r, taskID)
	if !ok {
		return
	}

	if err := c.reenqueuer.Cancel(r.Context(), task, "cancelled via API"); err != nil {
		if errors.Is(err, workflow.ErrInvalidTransition) {
			c.writeError(w, http.StatusBadRequest, "task cannot be cancelled from state "+string(task.State()))
			return
		}
		c.writeServerError(w, "failed to cancel task", err)
		return
	}
	c.writeJSON(w, http.StatusOK, taskResource(task))
}

func (c *Component) handleSteps(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		c.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := c.loadTask(w, r, taskID); !ok {
		return
	}

	steps, err := c.store.ListSteps(r.Context(), taskID)
	if err != nil {
		c.writeServerError(w, "failed to list steps", err)
		return
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].WorkflowStepID < steps[j].WorkflowStepID
	})
	c.writeJSON(w, http.StatusOK, map[string]any{
		"task_id":        taskID,
		"workflow_steps": steps,
		"total":          len(steps),
	})
}

func (c *Component) handleStep(w http.ResponseWriter, r *http.Request, taskID, stepID string) {
	switch r.Method {
	case http.MethodGet:
		step, ok := c.loadStep(w, r, taskID, stepID)
		if !ok {
			return
		}
		c.writeJSON(w, http.StatusOK, step)
	case http.MethodPatch:
		c.patchStep(w, r, taskID, stepID)
	case http.MethodDelete:
		c.cancelStep(w, r, taskID, stepID)
	default:
		c.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// patchStep updates the step's mutable fields: retry_limit and inputs.
func (c *Component) patchStep(w http.ResponseWriter, r *http.Request, taskID, stepID string) {
	var patch struct {
		RetryLimit *int            `json:"retry_limit"`
		Inputs     *map[string]any `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if patch.RetryLimit == nil && patch.Inputs == nil {
		c.writeError(w, http.StatusBadRequest, "nothing to update: retry_limit and inputs are the only mutable fields")
		return
	}
	if patch.RetryLimit != nil && *patch.RetryLimit < 1 {
		c.writeError(w, http.StatusBadRequest, "retry_limit must be at least 1")
		return
	}

	step, ok := c.loadStep(w, r, taskID, stepID)
	if !ok {
		return
	}
	if step.State().IsTerminal() {
		c.writeError(w, http.StatusBadRequest, "step is in terminal state "+string(step.State()))
		return
	}
	if patch.RetryLimit != nil {
		step.RetryLimit = *patch.RetryLimit
	}
	if patch.Inputs != nil {
		step.Inputs = *patch.Inputs
	}
	step.UpdatedAt = c.clock().UTC()

	if err := c.store.UpdateStep(r.Context(), step); err != nil {
		if errors.Is(err, workflow.ErrGuardFailed) {
			c.writeError(w, http.StatusConflict, "step was modified concurrently, retry")
			return
		}
		c.writeServerError(w, "failed to update step", err)
		return
	}
	c.writeJSON(w, http.StatusOK, step)
}

func (c *Component) cancelStep(w http.ResponseWriter, r *http.Request, taskID, stepID string) {
	step, ok := c.loadStep(w, r, taskID, stepID)
	if !ok {
		return
	}

	if _, err := step.TransitionTo(workflow.StepStateCancelled, workflow.TransitionMetadata{
		workflow.MetaComponent: "task-api",
	}); err != nil {
		c.writeError(w, http.StatusBadRequest, "step cannot be cancelled from state "+string(step.State()))
		return
	}
	if err := c.store.UpdateStep(r.Context(), step); err != nil {
		if errors.Is(err, workflow.ErrGuardFailed) {
			c.writeError(w, http.StatusConflict, "step was modified concurrently, retry")
			return
		}
		c.writeServerError(w, "failed to cancel step", err)
		return
	}
	c.writeJSON(w, http.StatusOK, step)
}

// handleDiagram serves the task's DAG as nodes and edges.
func (c *Component) handleDiagram(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		c.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	task, ok := c.loadTask(w, r, taskID)
	if !ok {
		return
	}

	steps, err := c.store.ListSteps(r.Context(), taskID)
	if err != nil {
		c.writeServerError(w, "failed to list steps", err)
		return
	}
	graph, err := workflow.NewStepGraph(steps)
	if err != nil {
		c.writeServerError(w, "failed to build step graph", err)
		return
	}

	type node struct {
		ID       string             `json:"id"`
		Name     string             `json:"name"`
		State    workflow.StepState `json:"state"`
		Attempts int                `json:"attempts"`
	}
	type edge struct {
		From string `json:"from"`
		To   string `json:"to"`
		Name string `json:"name"`
	}

	var nodes []node
	var edges []edge
	for _, step := range graph.TopologicalOrder() {
		nodes = append(nodes, node{
			ID:       step.WorkflowStepID,
			Name:     step.NamedStep,
			State:    step.State(),
			Attempts: step.Attempts,
		})
		for _, e := range step.Edges {
			edges = append(edges, edge{From: e.FromStepID, To: e.ToStepID, Name: e.Name})
		}
	}

	c.writeJSON(w, http.StatusOK, map[string]any{
		"task_id":   taskID,
		"task_name": task.Name,
		"nodes":     nodes,
		"edges":     edges,
	})
}

// handleHandlers serves /handlers, /handlers/{ns}, /handlers/{ns}/{name}.
func (c *Component) handleHandlers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		c.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, c.httpCfg.Prefix+"/handlers")
	segments := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(segments) == 1 && segments[0] == "":
		c.writeJSON(w, http.StatusOK, map[string]any{"handlers": c.handlers.List()})
	case len(segments) == 1:
		infos := c.handlers.ListNamespace(segments[0])
		if len(infos) == 0 {
			c.writeError(w, http.StatusNotFound, "namespace not found")
			return
		}
		c.writeJSON(w, http.StatusOK, map[string]any{"namespace": segments[0], "handlers": infos})
	case len(segments) == 2:
		info, ok := c.handlers.Get(segments[0], segments[1], r.URL.Query().Get("version"))
		if !ok {
			c.writeError(w, http.StatusNotFound, "handler not found")
			return
		}
		c.writeJSON(w, http.StatusOK, info)
	default:
		c.writeError(w, http.StatusNotFound, "unknown endpoint")
	}
}

func (c *Component) handleLive(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
}

func (c *Component) handleReady(w http.ResponseWriter, r *http.Request) {
	// Readiness is the store answering; a dead store means traffic should
	// drain away.
	if _, err := c.store.ListNamespaces(r.Context()); err != nil {
		c.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (c *Component) handleStatus(w http.ResponseWriter, r *http.Request) {
	if c.healthCfg.StatusRequiresAuthentication && !c.authorized(r) {
		c.writeUnauthorized(w, r)
		return
	}

	body := map[string]any{
		"status":  "running",
		"version": ComponentVersion,
	}
	if c.reporter != nil {
		report := c.reporter.Health()
		body["healthy"] = report.Healthy
		body["components"] = report.Components
	}
	c.writeJSON(w, http.StatusOK, body)
}

func (c *Component) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !c.metricsCfg.Enabled || c.metricsHTTP == nil {
		c.writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	if c.metricsCfg.AuthRequired && !c.authorized(r) {
		c.writeUnauthorized(w, r)
		return
	}
	c.metricsHTTP.ServeHTTP(w, r)
}

// authorized checks the bearer token against the configured auth token.
func (c *Component) authorized(r *http.Request) bool {
	if c.healthCfg.AuthToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	const scheme = "Bearer "
	if !strings.HasPrefix(auth, scheme) {
		return false
	}
	return strings.TrimPrefix(auth, scheme) == c.healthCfg.AuthToken
}

func (c *Component) writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		c.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	c.writeError(w, http.StatusForbidden, "invalid token")
}

// loadTask fetches the task or writes the 404.
func (c *Component) loadTask(w http.ResponseWriter, r *http.Request, taskID string) (*workflow.Task, bool) {
	task, err := c.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.writeError(w, http.StatusNotFound, "task not found")
			return nil, false
		}
		c.writeServerError(w, "failed to load task", err)
		return nil, false
	}
	return task, true
}

func (c *Component) loadStep(w http.ResponseWriter, r *http.Request, taskID, stepID string) (*workflow.WorkflowStep, bool) {
	step, err := c.store.GetStep(r.Context(), taskID, stepID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.writeError(w, http.StatusNotFound, "workflow step not found")
			return nil, false
		}
		c.writeServerError(w, "failed to load step", err)
		return nil, false
	}
	return step, true
}

func (c *Component) workflowSummary(r *http.Request, task *workflow.Task) (workflow.TaskWorkflowSummary, error) {
	steps, err := c.store.ListSteps(r.Context(), task.TaskID)
	if err != nil {
		return workflow.TaskWorkflowSummary{}, err
	}
	graph, err := workflow.NewStepGraph(steps)
	if err != nil {
		return workflow.TaskWorkflowSummary{}, err
	}
	return workflow.ComputeWorkflowSummary(task, graph, c.clock().UTC()), nil
}

// taskResource flattens a task for API responses, surfacing the derived
// state alongside the raw record.
func taskResource(task *workflow.Task) map[string]any {
	return map[string]any{
		"task_id":       task.TaskID,
		"name":          task.Name,
		"namespace":     task.Namespace,
		"version":       task.Version,
		"status":        task.State(),
		"complete":      task.Complete,
		"context":       task.Context,
		"tags":          task.Tags,
		"reason":        task.Reason,
		"initiator":     task.Initiator,
		"source_system": task.SourceSystem,
		"requested_at":  task.RequestedAt,
		"started_at":    task.StartedAt,
		"completed_at":  task.CompletedAt,
		"created_at":    task.CreatedAt,
		"updated_at":    task.UpdatedAt,
	}
}

func taskResources(tasks []*workflow.Task) []map[string]any {
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResource(t))
	}
	return out
}

type pagination struct {
	limit     int
	offset    int
	sortBy    string
	sortOrder string
}

// parsePagination applies the list defaults: limit 20 capped at 100, offset
// 0, sort_by validated with requested_at fallback, sort_order asc unless
// desc.
func parsePagination(r *http.Request) (pagination, error) {
	page := pagination{limit: DefaultPageLimit, sortBy: "requested_at", sortOrder: "asc"}
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return page, errors.New("limit must be a positive integer")
		}
		if n > MaxPageLimit {
			n = MaxPageLimit
		}
		page.limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return page, errors.New("offset must be a non-negative integer")
		}
		page.offset = n
	}
	if raw := q.Get("sort_by"); raw != "" && sortFields[raw] {
		page.sortBy = raw
	}
	if q.Get("sort_order") == "desc" {
		page.sortOrder = "desc"
	}
	return page, nil
}

func sortTasks(tasks []*workflow.Task, by, order string) {
	less := func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		switch by {
		case "created_at":
			return a.CreatedAt.Before(b.CreatedAt)
		case "updated_at":
			return a.UpdatedAt.Before(b.UpdatedAt)
		case "name":
			return a.Name < b.Name
		case "namespace":
			return a.Namespace < b.Namespace
		case "status":
			return a.State() < b.State()
		default:
			return a.RequestedAt.Before(b.RequestedAt)
		}
	}
	if order == "desc" {
		sort.SliceStable(tasks, func(i, j int) bool { return less(j, i) })
		return
	}
	sort.SliceStable(tasks, less)
}

func (c *Component) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		c.logger.Warn("Failed to write response", "error", err)
	}
}

func (c *Component) writeError(w http.ResponseWriter, status int, message string) {
	c.writeJSON(w, status, map[string]any{"error": message})
}

// writeServerError logs the cause and answers with the 5xx envelope.
func (c *Component) writeServerError(w http.ResponseWriter, message string, err error) {
	c.logger.Error(message, "error", err)
	c.writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error":     "internal server error",
		"message":   message,
		"timestamp": c.clock().UTC(),
	})
}
