package scheduler

import (
	"context"
	"time"
)

// Action is the work performed by a task. It receives the run context with the
// results of the task's upstream tasks and returns the task's own result.
// Actions must honor ctx cancellation.
type Action func(ctx context.Context, rc *RunContext) ([]byte, error)

// TaskUnit is a named, retryable unit of work
type TaskUnit struct {
	Name   string
	Action Action
	Policy RetryPolicy

	// Optional tasks may fail without failing the run; their failure makes the
	// run PartiallyFailed instead of FailedTerminal.
	Optional bool
}

// TaskOption configures a TaskUnit
type TaskOption func(*TaskUnit)

// NewTask creates a task unit with the default retry policy.
func NewTask(name string, action Action, opts ...TaskOption) TaskUnit {
	t := TaskUnit{
		Name:   name,
		Action: action,
		Policy: DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// WithRetryPolicy replaces the task's retry policy.
func WithRetryPolicy(p RetryPolicy) TaskOption {
	return func(t *TaskUnit) { t.Policy = p }
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *TaskUnit) { t.Policy.Timeout = d }
}

// AsOptional marks the task as non-critical.
func AsOptional() TaskOption {
	return func(t *TaskUnit) { t.Optional = true }
}

// Timeout returns the per-attempt execution timeout.
func (t TaskUnit) Timeout() time.Duration {
	return t.Policy.Timeout
}

// Critical reports whether a failure of this task fails the run.
func (t TaskUnit) Critical() bool {
	return !t.Optional
}

func (t TaskUnit) validate() error {
	if t.Name == "" {
		return &ConfigurationError{Reason: "task name is empty"}
	}
	if t.Action == nil {
		return &ConfigurationError{Reason: "task " + t.Name + " has no action"}
	}
	if err := t.Policy.Validate(); err != nil {
		return &ConfigurationError{Reason: "task " + t.Name, Err: err}
	}
	return nil
}
