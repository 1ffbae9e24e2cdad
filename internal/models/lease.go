package models

import "time"

// LeaseStatus represents the lease lifecycle state.
type LeaseStatus string

// Lease status constants.
const (
	LeaseStatusActive    LeaseStatus = "active"
	LeaseStatusRenewed   LeaseStatus = "renewed"
	LeaseStatusCompleted LeaseStatus = "completed"
	LeaseStatusExpired   LeaseStatus = "expired"
	LeaseStatusReclaimed LeaseStatus = "reclaimed"
)

// IsHeld returns true while the lease grants exclusive access to the task.
func (s LeaseStatus) IsHeld() bool {
	return s == LeaseStatusActive || s == LeaseStatusRenewed
}

// IsTerminal returns true for states with no outgoing transitions.
func (s LeaseStatus) IsTerminal() bool {
	return s == LeaseStatusCompleted || s == LeaseStatusExpired || s == LeaseStatusReclaimed
}

// Lease is a time-bounded exclusive permission for one agent to work on one
// task. Invariant: at most one lease per task (and per agent) is held at a
// time.
type Lease struct {
	ID           string      `json:"lease_id"`
	TaskID       string      `json:"task_id"`
	AgentID      string      `json:"agent_id"`
	GrantedAt    time.Time   `json:"granted_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	RenewalCount int         `json:"renewal_count"`
	Status       LeaseStatus `json:"status"`
}

// Expired reports whether the wall clock has passed the lease deadline.
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Clone returns a copy safe to hand to callers.
func (l *Lease) Clone() *Lease {
	c := *l
	return &c
}
