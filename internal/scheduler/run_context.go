package scheduler

import (
	"time"
)

const (
	runIDLayout   = "20060102T150405Z"
	dateStampForm = "2006-01-02"
)

// RunContext carries per-run data into task actions
type RunContext struct {
	RunID       string
	Graph       string
	LogicalTime time.Time
	// Deadline is the latest time the run can end when every task uses its
	// worst case. It is not enforced; actions may use it to budget work.
	Deadline time.Time

	results map[string][]byte
}

// NewRunContext creates the context of a run stamped with its logical time.
func NewRunContext(graph string, logical time.Time) *RunContext {
	return &RunContext{
		RunID:       RunIDFor(logical),
		Graph:       graph,
		LogicalTime: logical.UTC(),
		results:     make(map[string][]byte),
	}
}

// RunIDFor derives the run id from a logical trigger time, so the same logical
// time always maps to the same run.
func RunIDFor(logical time.Time) string {
	return logical.UTC().Format(runIDLayout)
}

// DateStamp returns the logical date as YYYY-MM-DD.
func (rc *RunContext) DateStamp() string {
	return rc.LogicalTime.Format(dateStampForm)
}

// Result returns the result produced by an upstream task.
func (rc *RunContext) Result(task string) ([]byte, bool) {
	v, ok := rc.results[task]
	return v, ok
}

// Results returns a copy of the upstream results.
func (rc *RunContext) Results() map[string][]byte {
	out := make(map[string][]byte, len(rc.results))
	for k, v := range rc.results {
		out[k] = v
	}
	return out
}

// WithUpstream returns a copy of the context exposing only the given results.
func (rc *RunContext) WithUpstream(results map[string][]byte) *RunContext {
	cp := *rc
	cp.results = make(map[string][]byte, len(results))
	for k, v := range results {
		cp.results[k] = v
	}
	return &cp
}
