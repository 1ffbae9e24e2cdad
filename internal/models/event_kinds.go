package models

// Event types emitted by the coordination core.
const (
	EventTaskCreated         = "task_created"
	EventTaskAssigned        = "task_assigned"
	EventTaskStarted         = "task_started"
	EventTaskCompleted       = "task_completed"
	EventTaskBlocked         = "task_blocked"
	EventLeaseExpired        = "lease_expired"
	EventLeaseReclaimed      = "lease_reclaimed"
	EventAgentRegistered     = "agent_registered"
	EventProjectStateChanged = "project_state_changed"
	EventAssignmentFailed    = "assignment_failed"
)

// EventTopicAll subscribes a handler to every event type.
const EventTopicAll = "*"
