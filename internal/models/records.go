package models

import "time"

// Impact grades the blast radius of a logged decision.
type Impact string

// Impact constants.
const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactMajor    Impact = "major"
	ImpactCritical Impact = "critical"
)

// ValidImpact reports whether s is a known impact grade.
func ValidImpact(s string) bool {
	switch Impact(s) {
	case ImpactLow, ImpactMedium, ImpactMajor, ImpactCritical:
		return true
	}
	return false
}

// Decision is an append-only record of an architectural or tactical choice
// made by an agent while working a task.
type Decision struct {
	ID            string    `json:"decision_id"`
	ProjectID     string    `json:"project_id,omitempty"`
	TaskID        string    `json:"task_id"`
	AgentID       string    `json:"agent_id"`
	Timestamp     time.Time `json:"timestamp"`
	What          string    `json:"what"`
	Why           string    `json:"why"`
	Impact        Impact    `json:"impact"`
	AffectedTasks []string  `json:"affected_tasks,omitempty"`
	Confidence    float64   `json:"confidence,omitempty"`
}

// Artifact is append-only metadata describing a file produced by an agent.
type Artifact struct {
	ID           string    `json:"artifact_id"`
	ProjectID    string    `json:"project_id,omitempty"`
	TaskID       string    `json:"task_id"`
	AgentID      string    `json:"agent_id"`
	Timestamp    time.Time `json:"timestamp"`
	ArtifactType string    `json:"artifact_type"`
	Filename     string    `json:"filename"`
	RelativePath string    `json:"relative_path,omitempty"`
	AbsolutePath string    `json:"absolute_path,omitempty"`
	Description  string    `json:"description,omitempty"`
	SizeBytes    int64     `json:"file_size_bytes,omitempty"`
	SHA256       string    `json:"sha256_hash,omitempty"`
}
