// Package lease grants and tracks time-bounded exclusive permission for one
// agent to work on one task, with a background reclaim loop that returns
// abandoned work to the pending pool.
package lease

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marcushq/marcus/internal/eventbus"
	"github.com/marcushq/marcus/internal/logging"
	"github.com/marcushq/marcus/internal/marcuserr"
	"github.com/marcushq/marcus/internal/models"
	"github.com/marcushq/marcus/internal/persistence"
	"github.com/marcushq/marcus/internal/taskpool"
)

// Config controls lease defaults.
type Config struct {
	DefaultTTL      time.Duration // <=0 uses 1h
	ReclaimInterval time.Duration // <=0 uses 30s
	Clock           func() time.Time
}

// DefaultConfig returns the configured defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      time.Hour,
		ReclaimInterval: 30 * time.Second,
	}
}

// Manager owns one project's leases. All state transitions happen under a
// single write lock; the winner of a grant race is whoever takes the lock
// first, the loser sees LeaseConflict.
type Manager struct {
	projectID string
	pool      *taskpool.Pool
	bus       *eventbus.Bus
	store     persistence.Store
	cfg       Config
	clock     func() time.Time
	log       zerolog.Logger

	mu      sync.Mutex
	leases  map[string]*models.Lease
	byTask  map[string]string // task_id -> held lease_id
	byAgent map[string]string // agent_id -> held lease_id

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// NewManager creates a lease manager. store may be nil (tests).
func NewManager(projectID string, pool *taskpool.Pool, bus *eventbus.Bus, store persistence.Store, cfg Config) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		projectID: projectID,
		pool:      pool,
		bus:       bus,
		store:     store,
		cfg:       cfg,
		clock:     clock,
		log:       logging.WithComponent("lease").With().Str("project_id", projectID).Logger(),
		leases:    make(map[string]*models.Lease),
		byTask:    make(map[string]string),
		byAgent:   make(map[string]string),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Load rehydrates leases from persistence. Only held leases re-enter the
// exclusion indexes; terminal leases load as history.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	rows, err := m.store.Query(ctx, persistence.CollectionLeases, func(raw json.RawMessage) bool {
		var probe struct {
			ProjectID string `json:"project_id"`
		}
		return json.Unmarshal(raw, &probe) == nil && probe.ProjectID == m.projectID
	}, 0, 0)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, raw := range rows {
		var rec leaseRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			m.log.Warn().Err(err).Msg("skipping unreadable lease record")
			continue
		}
		l := rec.Lease
		m.leases[l.ID] = &l
		if l.Status.IsHeld() {
			m.byTask[l.TaskID] = l.ID
			m.byAgent[l.AgentID] = l.ID
		}
	}
	return nil
}

// leaseRecord adds the project scope the Lease model itself does not carry.
type leaseRecord struct {
	models.Lease
	ProjectID string `json:"project_id"`
}

// Grant issues a lease on taskID to agentID. ttl <= 0 uses the default.
// Fails with LeaseConflict when the task already has a held lease, and with
// a business rule violation when the agent already holds one.
func (m *Manager) Grant(ctx context.Context, taskID, agentID string, ttl time.Duration) (*models.Lease, error) {
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	now := m.clock().UTC()

	m.mu.Lock()
	if heldID, ok := m.byTask[taskID]; ok {
		heldBy := m.holderOf(heldID)
		m.mu.Unlock()
		return nil, marcuserr.LeaseConflict(taskID, agentID,
			marcuserr.WithOperation("lease.grant"),
			marcuserr.WithProject(m.projectID),
			marcuserr.WithExtra("held_by", heldBy))
	}
	if _, ok := m.byAgent[agentID]; ok {
		m.mu.Unlock()
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "agent already holds an active lease",
			marcuserr.WithOperation("lease.grant"),
			marcuserr.WithProject(m.projectID),
			marcuserr.WithTask(taskID),
			marcuserr.WithAgent(agentID))
	}

	l := &models.Lease{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		AgentID:   agentID,
		GrantedAt: now,
		ExpiresAt: now.Add(ttl),
		Status:    models.LeaseStatusActive,
	}
	m.leases[l.ID] = l
	m.byTask[taskID] = l.ID
	m.byAgent[agentID] = l.ID
	out := l.Clone()
	m.mu.Unlock()

	m.persist(ctx, out)
	m.log.Debug().Str("lease_id", out.ID).Str("task_id", taskID).Str("agent_id", agentID).
		Time("expires_at", out.ExpiresAt).Msg("lease granted")
	return out, nil
}

func (m *Manager) holderOf(leaseID string) string {
	if l, ok := m.leases[leaseID]; ok {
		return l.AgentID
	}
	return ""
}

// Renew extends a held lease by extension (<=0 uses the default TTL) and
// increments the renewal count. Fails with LeaseNotActive on terminal leases.
func (m *Manager) Renew(ctx context.Context, leaseID string, extension time.Duration) (*models.Lease, error) {
	if extension <= 0 {
		extension = m.cfg.DefaultTTL
	}
	now := m.clock().UTC()

	m.mu.Lock()
	l, ok := m.leases[leaseID]
	if !ok {
		m.mu.Unlock()
		return nil, marcuserr.ErrNotFound
	}
	if !l.Status.IsHeld() {
		status := l.Status
		m.mu.Unlock()
		return nil, marcuserr.LeaseNotActive("cannot renew lease in state "+string(status),
			marcuserr.WithOperation("lease.renew"),
			marcuserr.WithProject(m.projectID),
			marcuserr.WithTask(l.TaskID),
			marcuserr.WithAgent(l.AgentID))
	}
	l.Status = models.LeaseStatusRenewed
	l.RenewalCount++
	l.ExpiresAt = now.Add(extension)
	out := l.Clone()
	m.mu.Unlock()

	m.persist(ctx, out)
	return out, nil
}

// Complete moves the lease's task to completed, then terminates the lease.
// The pool transition runs first: when the pool rejects it (a blocked task,
// for example) the lease stays held and the agent can retry after fixing the
// task state. Publishes task_completed.
func (m *Manager) Complete(ctx context.Context, leaseID string) (*models.Lease, error) {
	m.mu.Lock()
	l, ok := m.leases[leaseID]
	if !ok {
		m.mu.Unlock()
		return nil, marcuserr.ErrNotFound
	}
	if !l.Status.IsHeld() {
		status := l.Status
		m.mu.Unlock()
		return nil, marcuserr.LeaseNotActive("lease already in state "+string(status),
			marcuserr.WithOperation("lease.complete"),
			marcuserr.WithProject(m.projectID),
			marcuserr.WithTask(l.TaskID),
			marcuserr.WithAgent(l.AgentID))
	}
	taskID := l.TaskID
	m.mu.Unlock()

	if _, err := m.pool.Transition(ctx, taskID, models.TaskStatusCompleted); err != nil {
		return nil, err
	}
	out, err := m.terminate(ctx, leaseID, models.LeaseStatusCompleted, "lease.complete")
	if err != nil {
		return nil, err
	}
	m.publish(ctx, models.EventTaskCompleted, out)
	return out, nil
}

// Expire terminates the lease as expired and returns the task to pending.
// Publishes lease_expired.
func (m *Manager) Expire(ctx context.Context, leaseID string) (*models.Lease, error) {
	out, err := m.terminate(ctx, leaseID, models.LeaseStatusExpired, "lease.expire")
	if err != nil {
		return nil, err
	}
	if _, err := m.pool.Release(ctx, out.TaskID); err != nil && !marcuserr.IsNotFound(err) {
		m.log.Warn().Err(err).Str("task_id", out.TaskID).Msg("could not release expired task")
	}
	m.publish(ctx, models.EventLeaseExpired, out)
	return out, nil
}

// Reclaim transitions a held lease past its deadline to reclaimed and
// returns the task to pending. Returns (nil, nil) when the lease is not yet
// reclaimable. Publishes lease_expired then lease_reclaimed, in that order.
func (m *Manager) Reclaim(ctx context.Context, leaseID string) (*models.Lease, error) {
	now := m.clock().UTC()

	m.mu.Lock()
	l, ok := m.leases[leaseID]
	if !ok {
		m.mu.Unlock()
		return nil, marcuserr.ErrNotFound
	}
	if !l.Status.IsHeld() || !l.Expired(now) {
		m.mu.Unlock()
		return nil, nil
	}
	l.Status = models.LeaseStatusReclaimed
	m.release(l)
	out := l.Clone()
	m.mu.Unlock()

	m.persist(ctx, out)
	if _, err := m.pool.Release(ctx, out.TaskID); err != nil && !marcuserr.IsNotFound(err) {
		m.log.Warn().Err(err).Str("task_id", out.TaskID).Msg("could not release reclaimed task")
	}
	m.publish(ctx, models.EventLeaseExpired, out)
	m.publish(ctx, models.EventLeaseReclaimed, out)
	m.log.Info().Str("lease_id", out.ID).Str("task_id", out.TaskID).Str("agent_id", out.AgentID).
		Msg("lease reclaimed")
	return out, nil
}

// ReclaimExpired scans held leases and reclaims every one past its deadline.
// The reclaim loop calls this on each tick; tests call it directly.
func (m *Manager) ReclaimExpired(ctx context.Context) int {
	now := m.clock().UTC()

	m.mu.Lock()
	var due []string
	for _, id := range m.byTask {
		if l := m.leases[id]; l != nil && l.Expired(now) {
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	reclaimed := 0
	for _, id := range due {
		if l, err := m.Reclaim(ctx, id); err == nil && l != nil {
			reclaimed++
		}
	}
	return reclaimed
}

// terminate applies a terminal transition under the lock.
func (m *Manager) terminate(ctx context.Context, leaseID string, to models.LeaseStatus, op string) (*models.Lease, error) {
	m.mu.Lock()
	l, ok := m.leases[leaseID]
	if !ok {
		m.mu.Unlock()
		return nil, marcuserr.ErrNotFound
	}
	if !l.Status.IsHeld() {
		status := l.Status
		m.mu.Unlock()
		return nil, marcuserr.LeaseNotActive("lease already in state "+string(status),
			marcuserr.WithOperation(op),
			marcuserr.WithProject(m.projectID),
			marcuserr.WithTask(l.TaskID),
			marcuserr.WithAgent(l.AgentID))
	}
	l.Status = to
	m.release(l)
	out := l.Clone()
	m.mu.Unlock()

	m.persist(ctx, out)
	return out, nil
}

// release drops the exclusion index entries. Caller holds m.mu.
func (m *Manager) release(l *models.Lease) {
	if m.byTask[l.TaskID] == l.ID {
		delete(m.byTask, l.TaskID)
	}
	if m.byAgent[l.AgentID] == l.ID {
		delete(m.byAgent, l.AgentID)
	}
}

// Get returns a copy of the lease.
func (m *Manager) Get(leaseID string) (*models.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[leaseID]
	if !ok {
		return nil, marcuserr.ErrNotFound
	}
	return l.Clone(), nil
}

// HeldByTask returns the held lease for taskID, or nil.
func (m *Manager) HeldByTask(taskID string) *models.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byTask[taskID]; ok {
		return m.leases[id].Clone()
	}
	return nil
}

// HeldByAgent returns the held lease for agentID, or nil.
func (m *Manager) HeldByAgent(agentID string) *models.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byAgent[agentID]; ok {
		return m.leases[id].Clone()
	}
	return nil
}

// Start launches the background reclaim loop once. Stop ends it; cancelling
// ctx ends it as well.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go func() {
			defer close(m.done)
			ticker := time.NewTicker(m.cfg.ReclaimInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n := m.ReclaimExpired(ctx); n > 0 {
						m.log.Info().Int("reclaimed", n).Msg("reclaim tick")
					}
				case <-m.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// Stop ends the reclaim loop and waits for it to exit. Safe to call without
// a prior Start, and more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
}

// assignmentRecord is the history row the post-project analyzer reads: one
// per lease, status mirroring the lease lifecycle.
type assignmentRecord struct {
	ID          string    `json:"assignment_id"`
	ProjectID   string    `json:"project_id"`
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	AssignedAt  time.Time `json:"assigned_at"`
	LeaseExpiry time.Time `json:"lease_expiry"`
	Status      string    `json:"status"`
}

func (m *Manager) persist(ctx context.Context, l *models.Lease) {
	if m.store == nil {
		return
	}
	rec := leaseRecord{Lease: *l, ProjectID: m.projectID}
	if err := m.store.Store(ctx, persistence.CollectionLeases, l.ID, rec); err != nil {
		m.log.Error().Err(err).Str("lease_id", l.ID).Msg("lease write-through failed")
	}
	arec := assignmentRecord{
		ID:          l.ID,
		ProjectID:   m.projectID,
		TaskID:      l.TaskID,
		AgentID:     l.AgentID,
		AssignedAt:  l.GrantedAt,
		LeaseExpiry: l.ExpiresAt,
		Status:      string(l.Status),
	}
	if err := m.store.Store(ctx, persistence.CollectionAssignments, l.ID, arec); err != nil {
		m.log.Error().Err(err).Str("lease_id", l.ID).Msg("assignment write-through failed")
	}
}

func (m *Manager) publish(ctx context.Context, eventType string, l *models.Lease) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, &models.Event{
		Type:    eventType,
		Source:  "lease",
		TaskID:  l.TaskID,
		AgentID: l.AgentID,
		Data: map[string]any{
			"lease_id":      l.ID,
			"lease_status":  string(l.Status),
			"renewal_count": l.RenewalCount,
		},
	})
}
