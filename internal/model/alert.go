package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeTaskFailure AlertType = "task_failure"
)

// Alert represents an alert event raised for a failed run
type Alert struct {
	ID          string        `json:"id"`
	Type        AlertType     `json:"type"`
	Severity    AlertSeverity `json:"severity"`
	RunID       string        `json:"run_id"`
	Graph       string        `json:"graph"`
	LogicalTime time.Time     `json:"logical_time"`
	Message     string        `json:"message"`
	Failures    []TaskFailure `json:"failures,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}
