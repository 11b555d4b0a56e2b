package workflow

import "context"

// ParentResult is one completed producer's output, delivered to consumers in
// step-id order.
type ParentResult struct {
	StepID   string         `json:"step_id"`
	StepName string         `json:"step_name"`
	Results  map[string]any `json:"results,omitempty"`
}

// StepRequest carries everything a handler may read for one attempt.
type StepRequest struct {
	TaskID        string         `json:"task_id"`
	StepID        string         `json:"step_id"`
	StepName      string         `json:"step_name"`
	TaskContext   map[string]any `json:"task_context,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	ParentResults []ParentResult `json:"parent_results,omitempty"`
	Attempt       int            `json:"attempt"`
	RetryLimit    int            `json:"retry_limit"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// StepHandler executes one step attempt. Returning a RetryableError (or any
// untyped error) leaves the step retryable under the backoff rules; a
// PermanentError makes the failure terminal. Handlers own their own
// timeouts and should surface them as retryable errors with a class
// matching Timeout.
type StepHandler interface {
	Handle(ctx context.Context, req *StepRequest) (map[string]any, error)
}

// StepHandlerFunc adapts a plain function to StepHandler.
type StepHandlerFunc func(ctx context.Context, req *StepRequest) (map[string]any, error)

// Handle calls f.
func (f StepHandlerFunc) Handle(ctx context.Context, req *StepRequest) (map[string]any, error) {
	return f(ctx, req)
}
