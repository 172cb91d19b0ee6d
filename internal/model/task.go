package model

import (
	"time"
)

// TaskStatus represents the current status of a task within a run
type TaskStatus string

const (
	TaskStatusPending         TaskStatus = "pending"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusSucceeded       TaskStatus = "succeeded"
	TaskStatusFailedRetryable TaskStatus = "failed_retryable"
	TaskStatusFailedTerminal  TaskStatus = "failed_terminal"
	TaskStatusSkipped         TaskStatus = "skipped"
)

// IsFinal reports whether the status ends a task for the run.
func (s TaskStatus) IsFinal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailedTerminal, TaskStatusSkipped:
		return true
	}
	return false
}

// AttemptRecord is the append-only record of a single attempt of a task
type AttemptRecord struct {
	ID        string     `json:"id"`
	TaskName  string     `json:"task_name"`
	Attempt   int        `json:"attempt"`
	Status    TaskStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// TaskRunRecord represents the state of one task in one run
type TaskRunRecord struct {
	TaskName  string     `json:"task_name"`
	Attempt   int        `json:"attempt"`
	Status    TaskStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	Output    []byte     `json:"output,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Attempts in the order they were made
	Attempts []*AttemptRecord `json:"attempts,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *TaskRunRecord) Clone() *TaskRunRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Output != nil {
		cp.Output = append([]byte(nil), r.Output...)
	}
	if r.Attempts != nil {
		cp.Attempts = make([]*AttemptRecord, len(r.Attempts))
		for i, a := range r.Attempts {
			ac := *a
			cp.Attempts[i] = &ac
		}
	}
	return &cp
}
