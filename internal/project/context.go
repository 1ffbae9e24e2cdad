// Package project multiplexes per-project coordination state behind an LRU
// cache, exposing exactly one active project to the rest of the server.
package project

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marcushq/marcus/internal/assignment"
	"github.com/marcushq/marcus/internal/eventbus"
	"github.com/marcushq/marcus/internal/lease"
	"github.com/marcushq/marcus/internal/logging"
	"github.com/marcushq/marcus/internal/models"
	"github.com/marcushq/marcus/internal/persistence"
	"github.com/marcushq/marcus/internal/taskgraph"
	"github.com/marcushq/marcus/internal/taskpool"
)

// Context is the live, in-memory state of one project. It exclusively owns
// its task pool, lease manager, event bus, agent registry, and assignment
// engine. Dropping a Context loses nothing durable: everything rehydrates
// from persistence.
type Context struct {
	Project *models.Project
	Pool    *taskpool.Pool
	Leases  *lease.Manager
	Bus     *eventbus.Bus
	Agents  *Registry
	Engine  *assignment.Engine

	store        persistence.Store
	detachSink   func()
	log          zerolog.Logger
	createdAt    time.Time
	lastAccessed time.Time

	closeOnce sync.Once
}

func (c *Context) touch() {
	c.lastAccessed = time.Now().UTC()
}

// ID returns the project ID.
func (c *Context) ID() string { return c.Project.ID }

// SubmitTasks validates and auto-repairs a task-graph submission, adds the
// repaired tasks to the pool, and publishes task_created for each. The
// returned warnings describe every repair made.
func (c *Context) SubmitTasks(ctx context.Context, tasks []*models.Task) ([]string, error) {
	fixed, warnings := taskgraph.ValidateAndFix(tasks)
	for _, w := range warnings {
		c.log.Warn().Str("warning", w).Msg("task graph repaired")
	}
	if err := c.Pool.AddAll(ctx, fixed); err != nil {
		return warnings, err
	}
	for _, t := range fixed {
		c.Bus.Publish(ctx, &models.Event{
			Type:   models.EventTaskCreated,
			Source: "project",
			TaskID: t.ID,
			Data:   map[string]any{"name": t.Name, "priority": string(t.Priority)},
		})
	}
	return warnings, nil
}

// Snapshot writes the project's aggregate state to the snapshots collection.
// trigger names the lifecycle edge ("switch", "evict", "shutdown").
func (c *Context) Snapshot(ctx context.Context, trigger string) error {
	if c.store == nil {
		return nil
	}
	summary := c.Pool.Summary()
	snap := models.ProjectSnapshot{
		ID:             uuid.NewString(),
		ProjectID:      c.Project.ID,
		Timestamp:      time.Now().UTC(),
		Trigger:        trigger,
		TotalTasks:     summary.Total,
		CompletedTasks: summary.ByStatus[models.TaskStatusCompleted],
		ActiveAgents:   c.Agents.WorkingCount(),
		State: map[string]any{
			"by_status":       summary.ByStatus,
			"completion_rate": summary.CompletionRate,
		},
	}
	return c.store.Store(ctx, persistence.CollectionProjectSnapshots, snap.ID, snap)
}

// Close flushes a final snapshot, stops the reclaim loop, detaches the
// kanban sink, and drops subscribers. Idempotent.
func (c *Context) Close(ctx context.Context, trigger string) {
	c.closeOnce.Do(func() {
		c.Leases.Stop()
		if c.detachSink != nil {
			c.detachSink()
		}
		if err := c.Snapshot(ctx, trigger); err != nil {
			c.log.Warn().Err(err).Msg("final snapshot failed")
		}
		c.Bus.Close()
		c.log.Info().Str("trigger", trigger).Msg("project context closed")
	})
}

// buildContext wires a Context from its parts and rehydrates state.
func buildContext(ctx context.Context, proj *models.Project, store persistence.Store, deps Deps) (*Context, error) {
	bus := eventbus.New(proj.ID, deps.BusConfig, store)
	pool := taskpool.New(proj.ID, store)
	if err := pool.Load(ctx); err != nil {
		return nil, err
	}
	leases := lease.NewManager(proj.ID, pool, bus, store, deps.LeaseConfig)
	if err := leases.Load(ctx); err != nil {
		return nil, err
	}
	agents := NewRegistry(proj.ID, store)
	if err := agents.Load(ctx); err != nil {
		return nil, err
	}
	engine := assignment.NewEngine(proj.ID, pool, leases, bus, deps.Classifier, deps.ClassifierBreaker, deps.EngineConfig)

	c := &Context{
		Project:      proj,
		Pool:         pool,
		Leases:       leases,
		Bus:          bus,
		Agents:       agents,
		Engine:       engine,
		store:        store,
		log:          logging.WithComponent("project").With().Str("project_id", proj.ID).Logger(),
		createdAt:    time.Now().UTC(),
		lastAccessed: time.Now().UTC(),
	}
	if deps.AttachSink != nil {
		c.detachSink = deps.AttachSink(proj.ID, bus)
	}
	// The reclaim loop outlives the request that created the context; it is
	// stopped by Close, not by request cancellation.
	leases.Start(context.Background())
	return c, nil
}
