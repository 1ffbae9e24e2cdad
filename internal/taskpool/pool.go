// Package taskpool holds one project's tasks behind a single write lock. The
// pool is the only place task status changes, so per-task transitions are
// linearizable. Mutations write through to persistence when a store is
// attached.
package taskpool

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

// allowedTransitions is the task status state machine. Completed and failed
// are terminal.
var allowedTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusPending:    {models.TaskStatusAssigned, models.TaskStatusBlocked, models.TaskStatusFailed},
	models.TaskStatusAssigned:   {models.TaskStatusInProgress, models.TaskStatusPending, models.TaskStatusBlocked, models.TaskStatusCompleted, models.TaskStatusFailed},
	models.TaskStatusInProgress: {models.TaskStatusCompleted, models.TaskStatusBlocked, models.TaskStatusPending, models.TaskStatusFailed},
	models.TaskStatusBlocked:    {models.TaskStatusPending, models.TaskStatusInProgress, models.TaskStatusFailed},
}

func transitionAllowed(from, to models.TaskStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Summary is the aggregate view used by project status reporting.
type Summary struct {
	Total          int                       `json:"total"`
	ByStatus       map[models.TaskStatus]int `json:"by_status"`
	CompletionRate float64                   `json:"completion_rate"`
}

// Pool indexes one project's tasks. store may be nil (tests).
type Pool struct {
	projectID string
	store     persistence.Store
	log       zerolog.Logger

	mu    sync.RWMutex
	order []string
	tasks map[string]*models.Task
}

// New creates an empty pool for projectID.
func New(projectID string, store persistence.Store) *Pool {
	return &Pool{
		projectID: projectID,
		store:     store,
		log:       logging.WithComponent("taskpool").With().Str("project_id", projectID).Logger(),
		tasks:     make(map[string]*models.Task),
	}
}

// Load rehydrates the pool from persistence, keeping storage order.
func (p *Pool) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	rows, err := p.store.Query(ctx, persistence.CollectionTasks, func(raw json.RawMessage) bool {
		var probe struct {
			ProjectID string `json:"project_id"`
		}
		return json.Unmarshal(raw, &probe) == nil && probe.ProjectID == p.projectID
	}, 0, 0)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = p.order[:0]
	p.tasks = make(map[string]*models.Task, len(rows))
	for _, raw := range rows {
		var t models.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			p.log.Warn().Err(err).Msg("skipping unreadable task record")
			continue
		}
		if _, dup := p.tasks[t.ID]; dup {
			continue
		}
		p.order = append(p.order, t.ID)
		p.tasks[t.ID] = &t
	}
	p.log.Debug().Int("tasks", len(p.tasks)).Msg("task pool rehydrated")
	return nil
}

// Add inserts one task. Duplicate IDs are a business rule violation.
func (p *Pool) Add(ctx context.Context, task *models.Task) error {
	return p.AddAll(ctx, []*models.Task{task})
}

// AddAll inserts tasks in order, stamping project and timestamps. The caller
// is expected to have run the graph validator first.
func (p *Pool) AddAll(ctx context.Context, tasks []*models.Task) error {
	now := time.Now().UTC()

	p.mu.Lock()
	for _, t := range tasks {
		if _, dup := p.tasks[t.ID]; dup {
			p.mu.Unlock()
			return marcuserr.New(marcuserr.KindBusinessLogic, "task already exists",
				marcuserr.WithOperation("taskpool.add"),
				marcuserr.WithProject(p.projectID),
				marcuserr.WithTask(t.ID))
		}
	}
	stored := make([]*models.Task, 0, len(tasks))
	for _, t := range tasks {
		c := t.Clone()
		c.ProjectID = p.projectID
		if c.Status == "" {
			c.Status = models.TaskStatusPending
		}
		if c.Priority == "" {
			c.Priority = models.PriorityNormal
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		p.order = append(p.order, c.ID)
		p.tasks[c.ID] = c
		stored = append(stored, c.Clone())
	}
	p.mu.Unlock()

	for _, c := range stored {
		if err := p.persist(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a copy of the task, or marcuserr.ErrNotFound.
func (p *Pool) Get(id string) (*models.Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[id]
	if !ok {
		return nil, marcuserr.ErrNotFound
	}
	return t.Clone(), nil
}

// List returns copies of tasks matching filter (nil matches all), in
// insertion order.
func (p *Pool) List(filter func(*models.Task) bool) []*models.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*models.Task
	for _, id := range p.order {
		t := p.tasks[id]
		if filter == nil || filter(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// ListByStatus returns copies of tasks in the given status.
func (p *Pool) ListByStatus(status models.TaskStatus) []*models.Task {
	return p.List(func(t *models.Task) bool { return t.Status == status })
}

// Transition moves a task to a new status, enforcing the state machine.
// Completing a task requires an assigned agent.
func (p *Pool) Transition(ctx context.Context, id string, to models.TaskStatus) (*models.Task, error) {
	p.mu.Lock()
	t, ok := p.tasks[id]
	if !ok {
		p.mu.Unlock()
		return nil, marcuserr.ErrNotFound
	}
	if !transitionAllowed(t.Status, to) {
		from := t.Status
		p.mu.Unlock()
		return nil, marcuserr.New(marcuserr.KindBusinessLogic,
			"invalid task status transition "+string(from)+" -> "+string(to),
			marcuserr.WithOperation("taskpool.transition"),
			marcuserr.WithProject(p.projectID),
			marcuserr.WithTask(id))
	}
	if to == models.TaskStatusCompleted && t.AssignedAgent == "" {
		p.mu.Unlock()
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "cannot complete a task no agent holds",
			marcuserr.WithOperation("taskpool.transition"),
			marcuserr.WithProject(p.projectID),
			marcuserr.WithTask(id))
	}

	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	switch to {
	case models.TaskStatusCompleted:
		ts := t.UpdatedAt
		t.CompletedAt = &ts
		t.LeaseID = ""
	case models.TaskStatusPending:
		t.AssignedAgent = ""
		t.LeaseID = ""
	}
	out := t.Clone()
	p.mu.Unlock()

	if err := p.persist(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Assign moves a pending task to assigned, recording agent and lease. The
// lock is held across the whole transition so two agents cannot win the same
// task.
func (p *Pool) Assign(ctx context.Context, id, agentID, leaseID string) (*models.Task, error) {
	p.mu.Lock()
	t, ok := p.tasks[id]
	if !ok {
		p.mu.Unlock()
		return nil, marcuserr.ErrNotFound
	}
	if t.Status != models.TaskStatusPending {
		p.mu.Unlock()
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "task is not pending",
			marcuserr.WithOperation("taskpool.assign"),
			marcuserr.WithProject(p.projectID),
			marcuserr.WithTask(id))
	}
	t.Status = models.TaskStatusAssigned
	t.AssignedAgent = agentID
	t.LeaseID = leaseID
	t.UpdatedAt = time.Now().UTC()
	out := t.Clone()
	p.mu.Unlock()

	if err := p.persist(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Release returns a task to pending, clearing assignment state. Used by
// lease expiry and reclamation.
func (p *Pool) Release(ctx context.Context, id string) (*models.Task, error) {
	return p.Transition(ctx, id, models.TaskStatusPending)
}

// DependenciesSatisfied reports whether every dependency of the task is
// completed. Unknown dependency IDs count as unsatisfied.
func (p *Pool) DependenciesSatisfied(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[id]
	if !ok {
		return false
	}
	for _, dep := range t.Dependencies {
		d, ok := p.tasks[dep]
		if !ok || d.Status != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// DependencyDepth is the length of the longest dependency chain below the
// task. Roots have depth 0. Cycles (which the validator prevents) are
// treated as depth 0 rather than recursing forever.
func (p *Pool) DependencyDepth(id string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	memo := make(map[string]int, len(p.tasks))
	visiting := make(map[string]bool)

	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		if visiting[id] {
			return 0
		}
		t, ok := p.tasks[id]
		if !ok {
			return 0
		}
		visiting[id] = true
		d := 0
		for _, dep := range t.Dependencies {
			if cand := depth(dep) + 1; cand > d {
				d = cand
			}
		}
		visiting[id] = false
		memo[id] = d
		return d
	}
	return depth(id)
}

// Summary aggregates status counts and completion rate.
func (p *Pool) Summary() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Summary{
		Total:    len(p.order),
		ByStatus: make(map[models.TaskStatus]int),
	}
	for _, id := range p.order {
		s.ByStatus[p.tasks[id].Status]++
	}
	if s.Total > 0 {
		s.CompletionRate = float64(s.ByStatus[models.TaskStatusCompleted]) / float64(s.Total)
	}
	return s
}

// Len returns the number of tasks in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

func (p *Pool) persist(ctx context.Context, t *models.Task) error {
	if p.store == nil {
		return nil
	}
	if err := p.store.Store(ctx, persistence.CollectionTasks, t.ID, t); err != nil {
		p.log.Error().Err(err).Str("task_id", t.ID).Msg("task write-through failed")
		return err
	}
	return nil
}
