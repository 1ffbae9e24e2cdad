package models

import "time"

// Event is an immutable record published on a project's event bus.
// Timestamps are always timezone-aware UTC.
type Event struct {
	ID        string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"event_type"`
	Source    string         `json:"source,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
