package project

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/marcushq/marcus/internal/assignment"
	"github.com/marcushq/marcus/internal/classifier"
	"github.com/marcushq/marcus/internal/eventbus"
	"github.com/marcushq/marcus/internal/lease"
	"github.com/marcushq/marcus/internal/logging"
	"github.com/marcushq/marcus/internal/marcuserr"
	"github.com/marcushq/marcus/internal/models"
	"github.com/marcushq/marcus/internal/persistence"
	"github.com/marcushq/marcus/internal/resilience"
)

// DefaultCapacity is the default number of resident project contexts.
const DefaultCapacity = 10

// Deps carries the shared collaborators every context is built with.
type Deps struct {
	BusConfig         eventbus.Config
	LeaseConfig       lease.Config
	EngineConfig      assignment.Config
	Classifier        classifier.Classifier
	ClassifierBreaker *resilience.CircuitBreaker
	// AttachSink connects a kanban sink to a new context's bus and returns
	// the detach func. nil disables kanban sync.
	AttachSink func(projectID string, bus *eventbus.Bus) func()
}

// Manager owns the set of live project contexts: an LRU cache bounded by
// capacity, plus the active-project singleton.
type Manager struct {
	store persistence.Store
	deps  Deps
	log   zerolog.Logger

	// mu guards cache and activeID. Lookups are short and never block on
	// I/O while holding it; context construction happens outside.
	mu       sync.Mutex
	cache    *lru.Cache[string, *Context]
	activeID string
}

// NewManager creates a project context manager. capacity <= 0 uses the
// default.
func NewManager(store persistence.Store, capacity int, deps Deps) (*Manager, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &Manager{
		store: store,
		deps:  deps,
		log:   logging.WithComponent("projects"),
	}
	cache, err := lru.NewWithEvict[string, *Context](capacity, func(id string, c *Context) {
		// Async close: eviction must not block the LRU insert that caused it.
		m.log.Info().Str("project_id", id).Msg("evicting least-recently-used project")
		go c.Close(context.Background(), "evict")
	})
	if err != nil {
		return nil, marcuserr.Wrap(marcuserr.KindConfiguration, err, "invalid context cache capacity")
	}
	m.cache = cache
	return m, nil
}

func (m *Manager) lock()   { m.mu.Lock() }
func (m *Manager) unlock() { m.mu.Unlock() }

// GetOrCreate returns the live context for projectID, rehydrating or
// creating it on a miss and promoting it in the LRU.
func (m *Manager) GetOrCreate(ctx context.Context, projectID string) (*Context, error) {
	m.lock()
	if c, ok := m.cache.Get(projectID); ok {
		c.touch()
		m.unlock()
		return c, nil
	}
	m.unlock()

	proj, err := m.loadOrCreateProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	c, err := buildContext(ctx, proj, m.store, m.deps)
	if err != nil {
		return nil, err
	}

	m.lock()
	defer m.unlock()
	// Another caller may have built the same context while we were loading.
	if existing, ok := m.cache.Get(projectID); ok {
		go c.Close(context.Background(), "duplicate")
		existing.touch()
		return existing, nil
	}
	m.cache.Add(projectID, c)
	return c, nil
}

// Create registers a new project and returns its live context.
func (m *Manager) Create(ctx context.Context, name, description string) (*Context, error) {
	proj := &models.Project{
		ID:          models.NewProjectID(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.persistProject(ctx, proj); err != nil {
		return nil, err
	}
	m.log.Info().Str("project_id", proj.ID).Str("name", name).Msg("project created")
	return m.GetOrCreate(ctx, proj.ID)
}

// Switch saves the active context's state, makes projectID active, and
// publishes project_state_changed on the new active bus.
func (m *Manager) Switch(ctx context.Context, projectID string) (*Context, error) {
	m.lock()
	prevID := m.activeID
	var prev *Context
	if prevID != "" && prevID != projectID {
		prev, _ = m.cache.Peek(prevID)
	}
	m.unlock()

	if prev != nil {
		if err := prev.Snapshot(ctx, "switch"); err != nil {
			m.log.Warn().Err(err).Str("project_id", prevID).Msg("outgoing snapshot failed")
		}
	}

	c, err := m.GetOrCreate(ctx, projectID)
	if err != nil {
		return nil, err
	}

	m.lock()
	m.activeID = projectID
	m.unlock()

	c.Bus.Publish(ctx, &models.Event{
		Type:   models.EventProjectStateChanged,
		Source: "projects",
		Data: map[string]any{
			"previous_project_id": prevID,
			"active_project_id":   projectID,
		},
	})
	m.log.Info().Str("from", prevID).Str("to", projectID).Msg("active project switched")
	return c, nil
}

// Current returns the active context, or ErrNoActiveProject.
func (m *Manager) Current() (*Context, error) {
	m.lock()
	id := m.activeID
	var c *Context
	if id != "" {
		c, _ = m.cache.Peek(id)
	}
	m.unlock()

	if c == nil {
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "no active project",
			marcuserr.WithOperation("projects.current"),
			marcuserr.WithCause(marcuserr.ErrNoActiveProject))
	}
	c.touch()
	return c, nil
}

// ActiveID returns the active project ID, or "".
func (m *Manager) ActiveID() string {
	m.lock()
	defer m.unlock()
	return m.activeID
}

// Resident returns how many contexts are currently cached.
func (m *Manager) Resident() int {
	m.lock()
	defer m.unlock()
	return m.cache.Len()
}

// ListProjects enumerates known projects: the persisted set united with any
// cached contexts not yet flushed, sorted by name then ID.
func (m *Manager) ListProjects(ctx context.Context) ([]*models.Project, error) {
	seen := make(map[string]*models.Project)

	if m.store != nil {
		rows, err := m.store.Query(ctx, persistence.CollectionProjects, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		for _, raw := range rows {
			var p models.Project
			if err := json.Unmarshal(raw, &p); err != nil {
				continue
			}
			seen[p.ID] = &p
		}
	}

	m.lock()
	for _, id := range m.cache.Keys() {
		if _, ok := seen[id]; ok {
			continue
		}
		if c, ok := m.cache.Peek(id); ok {
			proj := *c.Project
			seen[id] = &proj
		}
	}
	m.unlock()

	out := make([]*models.Project, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// FindByName returns the first project whose name matches exactly.
func (m *Manager) FindByName(ctx context.Context, name string) (*models.Project, error) {
	projects, err := m.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, marcuserr.ErrNotFound
}

// Close shuts down every cached context. Called at server shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.lock()
	keys := m.cache.Keys()
	contexts := make([]*Context, 0, len(keys))
	for _, id := range keys {
		if c, ok := m.cache.Peek(id); ok {
			contexts = append(contexts, c)
		}
	}
	m.cache.Purge()
	m.activeID = ""
	m.unlock()

	for _, c := range contexts {
		c.Close(ctx, "shutdown")
	}
}

// loadOrCreateProject reads the project record, minting a fresh one when the
// ID is unknown.
func (m *Manager) loadOrCreateProject(ctx context.Context, projectID string) (*models.Project, error) {
	proj := &models.Project{}
	if m.store != nil {
		err := m.store.Retrieve(ctx, persistence.CollectionProjects, projectID, proj)
		if err == nil {
			proj.LastAccessed = time.Now().UTC()
			if perr := m.persistProject(ctx, proj); perr != nil {
				m.log.Warn().Err(perr).Str("project_id", projectID).Msg("could not stamp last access")
			}
			return proj, nil
		}
		if !marcuserr.IsNotFound(err) {
			return nil, err
		}
	}
	proj = &models.Project{
		ID:        projectID,
		Name:      projectID,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.persistProject(ctx, proj); err != nil {
		return nil, err
	}
	return proj, nil
}

func (m *Manager) persistProject(ctx context.Context, proj *models.Project) error {
	if m.store == nil {
		return nil
	}
	return m.store.Store(ctx, persistence.CollectionProjects, proj.ID, proj)
}
