package models

import (
	"strings"
	"time"
)

// ID Strategy:
// - Tasks and Projects use prefixed string IDs ("task_<nanos>_<hex>") so that
//   task producers can generate them without coordinating with the server.
// - Leases, Decisions, Artifacts and Events use UUIDs minted at creation time.

// TaskStatus represents the current state of a task.
type TaskStatus string

// Task status constants.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal returns true if no further transitions are expected.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// IsPending returns true if the task is waiting for assignment.
func (s TaskStatus) IsPending() bool {
	return s == TaskStatusPending
}

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusInProgress,
		TaskStatusBlocked, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Priority is an ordinal task priority.
type Priority string

// Priority constants.
const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Ordinal returns the scheduling weight of the priority.
// Urgent dominates everything else; the gap to high is intentional.
func (p Priority) Ordinal() int {
	switch p {
	case PriorityUrgent:
		return 10
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 0
}

// DependencyType qualifies a subtask dependency edge.
type DependencyType string

// Dependency type constants.
const (
	DependencyHard DependencyType = "hard"
	DependencySoft DependencyType = "soft"
)

// Labels with semantic meaning to the task-graph validator.
const (
	LabelDocumentation = "documentation"
	LabelFinal         = "final"
	LabelReadme        = "readme"
	LabelVerification  = "verification"
)

// Task represents a unit of work in a project's task graph.
// Subtasks share the same shape with the parent-link fields populated; the
// scheduler treats them as first-class tasks.
type Task struct {
	ID             string     `json:"task_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Status         TaskStatus `json:"status"`
	Priority       Priority   `json:"priority"`
	Labels         []string   `json:"labels,omitempty"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	EstimatedHours float64    `json:"estimated_hours,omitempty"`
	AssignedAgent  string     `json:"assigned_agent_id,omitempty"`
	LeaseID        string     `json:"lease_id,omitempty"`
	ProjectID      string     `json:"project_id,omitempty"`

	// Subtask fields. Zero values on top-level tasks.
	ParentTaskID    string           `json:"parent_task_id,omitempty"`
	Order           int              `json:"order,omitempty"`
	DependencyTypes []DependencyType `json:"dependency_types,omitempty"`
	Provides        []string         `json:"provides,omitempty"`
	Requires        []string         `json:"requires,omitempty"`
	FileArtifacts   []string         `json:"file_artifacts,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsSubtask returns true when the task carries a parent link.
func (t *Task) IsSubtask() bool {
	return t.ParentTaskID != ""
}

// HasLabel reports whether the task carries the given label exactly.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsFinal returns true for end-of-project tasks: label "final", "readme" or
// "verification", or a name containing "README".
func (t *Task) IsFinal() bool {
	if t.HasLabel(LabelFinal) || t.HasLabel(LabelReadme) || t.HasLabel(LabelVerification) {
		return true
	}
	return strings.Contains(t.Name, "README")
}

// IsImplementation returns true for tasks that produce the project's actual
// work product, i.e. tasks carrying none of the closing labels.
func (t *Task) IsImplementation() bool {
	return !t.HasLabel(LabelDocumentation) && !t.HasLabel(LabelFinal) && !t.HasLabel(LabelVerification)
}

// Clone returns a deep copy so callers can hand tasks across goroutines
// without aliasing the pool's slices.
func (t *Task) Clone() *Task {
	c := *t
	c.Labels = append([]string(nil), t.Labels...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.DependencyTypes = append([]DependencyType(nil), t.DependencyTypes...)
	c.Provides = append([]string(nil), t.Provides...)
	c.Requires = append([]string(nil), t.Requires...)
	c.FileArtifacts = append([]string(nil), t.FileArtifacts...)
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}
