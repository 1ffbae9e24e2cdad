package models

import (
	"strings"
	"time"
)

// Role controls which tools a connected client may invoke.
type Role string

// Role constants.
const (
	RoleObserver  Role = "observer"
	RoleDeveloper Role = "developer"
	RoleAgent     Role = "agent"
	RoleAdmin     Role = "admin"
)

// ValidRole reports whether r is a known role.
func ValidRole(r string) bool {
	switch Role(r) {
	case RoleObserver, RoleDeveloper, RoleAgent, RoleAdmin:
		return true
	}
	return false
}

// AgentStatus represents the availability of a worker agent.
type AgentStatus string

// Agent status constants.
const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusWorking AgentStatus = "working"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent is a registered worker. Capabilities are free-form tokens matched
// case-insensitively against task labels and keywords.
type Agent struct {
	ID            string      `json:"agent_id"`
	Name          string      `json:"name,omitempty"`
	Role          Role        `json:"role"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	Status        AgentStatus `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	RegisteredAt  time.Time   `json:"registered_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// CapabilitySet returns the agent's capabilities lowercased for matching.
func (a *Agent) CapabilitySet() map[string]struct{} {
	set := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		set[strings.ToLower(c)] = struct{}{}
	}
	return set
}
