package models

import "time"

// Project is the persisted identity of a project. The live state (task pool,
// leases, bus) is owned by its ProjectContext, not this record.
type Project struct {
	ID           string    `json:"project_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// ProjectSnapshot captures a project's aggregate state at a lifecycle edge
// (switch away, eviction, shutdown).
type ProjectSnapshot struct {
	ID             string         `json:"snapshot_id"`
	ProjectID      string         `json:"project_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Trigger        string         `json:"trigger"`
	TotalTasks     int            `json:"total_tasks"`
	CompletedTasks int            `json:"completed_tasks"`
	ActiveAgents   int            `json:"active_agents"`
	State          map[string]any `json:"state_json,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
