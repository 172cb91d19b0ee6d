package model

import (
	"time"
)

// ScheduleStatus represents the state of a scheduler
type ScheduleStatus struct {
	Graph       string     `json:"graph"`
	Expression  string     `json:"expression"`
	ActiveRunID string     `json:"active_run_id,omitempty"`
	LastTrigger *time.Time `json:"last_trigger,omitempty"`
	NextTrigger *time.Time `json:"next_trigger,omitempty"`
}
