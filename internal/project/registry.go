package project

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marcushq/marcus/internal/logging"
	"github.com/marcushq/marcus/internal/marcuserr"
	"github.com/marcushq/marcus/internal/models"
	"github.com/marcushq/marcus/internal/persistence"
)

// Registry tracks the agents registered in one project context. Agents are
// referenced, not owned: the same agent may be registered in several
// projects, so persisted records are keyed per project.
type Registry struct {
	projectID string
	store     persistence.Store
	log       zerolog.Logger

	mu     sync.RWMutex
	agents map[string]*models.Agent
}

// agentRecord scopes a persisted agent to its project.
type agentRecord struct {
	models.Agent
	ProjectID string `json:"project_id"`
}

// NewRegistry creates an empty registry. store may be nil.
func NewRegistry(projectID string, store persistence.Store) *Registry {
	return &Registry{
		projectID: projectID,
		store:     store,
		log:       logging.WithComponent("agents").With().Str("project_id", projectID).Logger(),
		agents:    make(map[string]*models.Agent),
	}
}

// Load rehydrates the registry from persistence.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	rows, err := r.store.Query(ctx, persistence.CollectionAgents, func(raw json.RawMessage) bool {
		var probe struct {
			ProjectID string `json:"project_id"`
		}
		return json.Unmarshal(raw, &probe) == nil && probe.ProjectID == r.projectID
	}, 0, 0)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, raw := range rows {
		var rec agentRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			r.log.Warn().Err(err).Msg("skipping unreadable agent record")
			continue
		}
		a := rec.Agent
		// Rehydrated agents start offline until they re-register or ping.
		a.Status = models.AgentStatusOffline
		r.agents[a.ID] = &a
	}
	return nil
}

// Register upserts an agent. Re-registering refreshes capabilities and marks
// the agent idle.
func (r *Registry) Register(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	a, ok := r.agents[agent.ID]
	if !ok {
		a = &models.Agent{ID: agent.ID, RegisteredAt: now}
		r.agents[agent.ID] = a
	}
	if agent.Name != "" {
		a.Name = agent.Name
	}
	if agent.Role != "" {
		a.Role = agent.Role
	}
	if agent.Capabilities != nil {
		a.Capabilities = append([]string(nil), agent.Capabilities...)
	}
	a.Status = models.AgentStatusIdle
	a.LastHeartbeat = now
	out := *a
	r.mu.Unlock()

	if err := r.persist(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns a copy of the agent, or marcuserr.ErrNotFound.
func (r *Registry) Get(agentID string) (*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, marcuserr.ErrNotFound
	}
	out := *a
	return &out, nil
}

// List returns copies of all registered agents.
func (r *Registry) List() []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		c := *a
		out = append(out, &c)
	}
	return out
}

// SetWorking records that an agent picked up a task.
func (r *Registry) SetWorking(ctx context.Context, agentID, taskID string) error {
	return r.update(ctx, agentID, func(a *models.Agent) {
		a.Status = models.AgentStatusWorking
		a.CurrentTaskID = taskID
	})
}

// SetIdle clears an agent's current task.
func (r *Registry) SetIdle(ctx context.Context, agentID string) error {
	return r.update(ctx, agentID, func(a *models.Agent) {
		a.Status = models.AgentStatusIdle
		a.CurrentTaskID = ""
	})
}

// Heartbeat refreshes an agent's liveness stamp.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	return r.update(ctx, agentID, func(a *models.Agent) {
		a.LastHeartbeat = time.Now().UTC()
		if a.Status == models.AgentStatusOffline {
			a.Status = models.AgentStatusIdle
		}
	})
}

// WorkingCount returns how many agents are currently working.
func (r *Registry) WorkingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.agents {
		if a.Status == models.AgentStatusWorking {
			n++
		}
	}
	return n
}

func (r *Registry) update(ctx context.Context, agentID string, apply func(*models.Agent)) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return marcuserr.ErrNotFound
	}
	apply(a)
	out := *a
	r.mu.Unlock()
	return r.persist(ctx, &out)
}

func (r *Registry) persist(ctx context.Context, a *models.Agent) error {
	if r.store == nil {
		return nil
	}
	rec := agentRecord{Agent: *a, ProjectID: r.projectID}
	key := r.projectID + ":" + a.ID
	if err := r.store.Store(ctx, persistence.CollectionAgents, key, rec); err != nil {
		r.log.Error().Err(err).Str("agent_id", a.ID).Msg("agent write-through failed")
		return err
	}
	return nil
}
