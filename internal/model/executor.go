package model

import "time"

// ResourceStats is a host resource snapshot taken by the executor
type ResourceStats struct {
	RunningTasks int       `json:"running_tasks"`
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	CollectedAt  time.Time `json:"collected_at"`
}

// RunMetrics aggregates the outcome of the runs of one graph
type RunMetrics struct {
	Graph        string            `json:"graph"`
	Runs         map[RunStatus]int `json:"runs"`
	Attempts     int               `json:"attempts"`
	Retries      int               `json:"retries"`
	LastRunID    string            `json:"last_run_id"`
	LastStatus   RunStatus         `json:"last_status"`
	LastDuration time.Duration     `json:"last_duration"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
