package model

import (
	"time"
)

// RunStatus represents the overall status of a run
type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusSucceeded       RunStatus = "succeeded"
	RunStatusPartiallyFailed RunStatus = "partially_failed"
	RunStatusFailedTerminal  RunStatus = "failed_terminal"
	RunStatusCancelled       RunStatus = "cancelled"
)

// IsFinal reports whether a run with this status is closed for good. A
// cancelled run is not: the next run of its logical time re-enters it.
func (s RunStatus) IsFinal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusPartiallyFailed, RunStatusFailedTerminal:
		return true
	}
	return false
}

// RunRecord represents one end-to-end execution of a graph
type RunRecord struct {
	ID          string           `json:"id"`
	Graph       string           `json:"graph"`
	LogicalTime time.Time        `json:"logical_time"`
	Status      RunStatus        `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Tasks       []*TaskRunRecord `json:"tasks"`
	Resources   *ResourceStats   `json:"resources,omitempty"`
}

// Task returns the record for the named task, or nil.
func (r *RunRecord) Task(name string) *TaskRunRecord {
	for _, t := range r.Tasks {
		if t.TaskName == name {
			return t
		}
	}
	return nil
}

// Clone returns a deep copy of the run record.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Tasks = make([]*TaskRunRecord, len(r.Tasks))
	for i, t := range r.Tasks {
		cp.Tasks[i] = t.Clone()
	}
	if r.Resources != nil {
		res := *r.Resources
		cp.Resources = &res
	}
	return &cp
}

// TaskFailure describes a task that ended FailedTerminal
type TaskFailure struct {
	Task     string `json:"task"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// FailureSummary is handed to the notification sink once per failed run
type FailureSummary struct {
	RunID       string        `json:"run_id"`
	Graph       string        `json:"graph"`
	LogicalTime time.Time     `json:"logical_time"`
	Status      RunStatus     `json:"status"`
	Failures    []TaskFailure `json:"failures"`
}

// TaskNames returns the names of the failed tasks.
func (s FailureSummary) TaskNames() []string {
	names := make([]string, 0, len(s.Failures))
	for _, f := range s.Failures {
		names = append(names, f.Task)
	}
	return names
}
