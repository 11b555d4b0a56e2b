package taskapi

import (
	"net/http"
	"sort"
	"time"

	"github.com/c360studio/tasker/workflow"
)

// DefaultAnalyticsPeriod bounds how far back the analytics endpoints look
// when the request does not say.
const DefaultAnalyticsPeriod = 24 * time.Hour

// performanceReport summarizes task throughput over a period.
type performanceReport struct {
	Period          string         `json:"period"`
	TotalTasks      int            `json:"total_tasks"`
	TasksByStatus   map[string]int `json:"tasks_by_status"`
	CompletionRate  float64        `json:"completion_rate"`
	AvgDurationSecs float64        `json:"avg_duration_seconds"`
	MaxDurationSecs float64        `json:"max_duration_seconds"`
}

// stepAggregate is one named step's timing and failure profile.
type stepAggregate struct {
	NamedStep       string  `json:"named_step"`
	Executions      int     `json:"executions"`
	Failures        int     `json:"failures"`
	Retries         int     `json:"retries"`
	AvgDurationSecs float64 `json:"avg_duration_seconds"`
	MaxDurationSecs float64 `json:"max_duration_seconds"`
	FailureRate     float64 `json:"failure_rate"`
}

// handlePerformance serves task-level throughput analytics. Any internal
// failure degrades to an empty report rather than an error response.
func (c *Component) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		c.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if c.metricsCfg.AuthRequired && !c.authorized(r) {
		c.writeUnauthorized(w, r)
		return
	}

	period := parsePeriod(r.URL.Query().Get("period"))
	report := performanceReport{
		Period:        period.String(),
		TasksByStatus: map[string]int{},
	}

	tasks, err := c.store.ListTasks(r.Context())
	if err != nil {
		c.logger.Warn("Analytics degraded to defaults", "error", err)
		c.writeJSON(w, http.StatusOK, report)
		return
	}

	cutoff := c.clock().UTC().Add(-period)
	var totalDur, maxDur time.Duration
	var completed int
	for _, task := range tasks {
		if task.RequestedAt.Before(cutoff) {
			continue
		}
		report.TotalTasks++
		report.TasksByStatus[string(task.State())]++
		if task.State() == workflow.TaskStateComplete && task.StartedAt != nil && task.CompletedAt != nil {
			completed++
			d := task.CompletedAt.Sub(*task.StartedAt)
			totalDur += d
			if d > maxDur {
				maxDur = d
			}
		}
	}
	if completed > 0 {
		report.AvgDurationSecs = totalDur.Seconds() / float64(completed)
		report.MaxDurationSecs = maxDur.Seconds()
	}
	if report.TotalTasks > 0 {
		report.CompletionRate = float64(report.TasksByStatus[string(workflow.TaskStateComplete)]) /
			float64(report.TotalTasks)
	}

	c.writeJSON(w, http.StatusOK, report)
}

// handleBottlenecks aggregates per-named-step timings across recent tasks,
// slowest first. Filters narrow by task namespace, name, and version. Like
// performance, it degrades to an empty report instead of failing.
func (c *Component) handleBottlenecks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		c.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if c.metricsCfg.AuthRequired && !c.authorized(r) {
		c.writeUnauthorized(w, r)
		return
	}

	q := r.URL.Query()
	period := parsePeriod(q.Get("period"))
	namespace := q.Get("namespace")
	name := q.Get("name")
	version := q.Get("version")

	empty := map[string]any{"period": period.String(), "steps": []stepAggregate{}}

	tasks, err := c.store.ListTasks(r.Context())
	if err != nil {
		c.logger.Warn("Analytics degraded to defaults", "error", err)
		c.writeJSON(w, http.StatusOK, empty)
		return
	}

	cutoff := c.clock().UTC().Add(-period)
	type acc struct {
		executions int
		failures   int
		retries    int
		total      time.Duration
		max        time.Duration
	}
	byStep := map[string]*acc{}

	for _, task := range tasks {
		if task.RequestedAt.Before(cutoff) {
			continue
		}
		if namespace != "" && task.Namespace != namespace {
			continue
		}
		if name != "" && task.Name != name {
			continue
		}
		if version != "" && task.Version != version {
			continue
		}

		steps, err := c.store.ListSteps(r.Context(), task.TaskID)
		if err != nil {
			c.logger.Warn("Analytics degraded to defaults",
				"task_id", task.TaskID, "error", err)
			c.writeJSON(w, http.StatusOK, empty)
			return
		}
		for _, step := range steps {
			if step.Attempts == 0 {
				continue
			}
			a := byStep[step.NamedStep]
			if a == nil {
				a = &acc{}
				byStep[step.NamedStep] = a
			}
			a.executions++
			a.retries += step.Attempts - 1
			if step.State() == workflow.StepStateFailed {
				a.failures++
			}
			if step.LastAttemptedAt != nil && step.ProcessedAt != nil {
				d := step.ProcessedAt.Sub(*step.LastAttemptedAt)
				a.total += d
				if d > a.max {
					a.max = d
				}
			}
		}
	}

	aggregates := make([]stepAggregate, 0, len(byStep))
	for named, a := range byStep {
		agg := stepAggregate{
			NamedStep:       named,
			Executions:      a.executions,
			Failures:        a.failures,
			Retries:         a.retries,
			MaxDurationSecs: a.max.Seconds(),
			FailureRate:     float64(a.failures) / float64(a.executions),
		}
		if a.executions > 0 {
			agg.AvgDurationSecs = a.total.Seconds() / float64(a.executions)
		}
		aggregates = append(aggregates, agg)
	}
	sort.Slice(aggregates, func(i, j int) bool {
		if aggregates[i].AvgDurationSecs != aggregates[j].AvgDurationSecs {
			return aggregates[i].AvgDurationSecs > aggregates[j].AvgDurationSecs
		}
		return aggregates[i].NamedStep < aggregates[j].NamedStep
	})

	c.writeJSON(w, http.StatusOK, map[string]any{
		"period": period.String(),
		"steps":  aggregates,
	})
}

// parsePeriod reads a Go duration string, falling back to the default on
// anything unparseable or non-positive.
func parsePeriod(raw string) time.Duration {
	if raw == "" {
		return DefaultAnalyticsPeriod
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return DefaultAnalyticsPeriod
	}
	return d
}
