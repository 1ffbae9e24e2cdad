// Package assignment picks the best eligible task for a requesting agent.
// Scoring is deterministic; an optional external classifier may rescore, and
// every classifier failure silently falls back to the deterministic order.
package assignment

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/marcushq/marcus/internal/classifier"
	"github.com/marcushq/marcus/internal/eventbus"
	"github.com/marcushq/marcus/internal/lease"
	"github.com/marcushq/marcus/internal/logging"
	"github.com/marcushq/marcus/internal/marcuserr"
	"github.com/marcushq/marcus/internal/models"
	"github.com/marcushq/marcus/internal/resilience"
	"github.com/marcushq/marcus/internal/taskpool"
)

// Config controls engine behavior.
type Config struct {
	LeaseTTL time.Duration // 0 uses the lease manager default
	// Retry wraps each classifier call batch. Defaults to a single attempt;
	// the breaker and fallback provide the real protection.
	Retry resilience.RetryConfig
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Retry: resilience.RetryConfig{MaxAttempts: 1},
	}
}

// Engine assigns tasks for one project.
type Engine struct {
	projectID string
	pool      *taskpool.Pool
	leases    *lease.Manager
	bus       *eventbus.Bus
	clf       classifier.Classifier // nil disables rescoring
	breaker   *resilience.CircuitBreaker
	cfg       Config
	log       zerolog.Logger
}

// NewEngine creates an assignment engine. clf may be nil to disable AI
// rescoring; breaker may be nil only when clf is nil.
func NewEngine(projectID string, pool *taskpool.Pool, leases *lease.Manager, bus *eventbus.Bus,
	clf classifier.Classifier, breaker *resilience.CircuitBreaker, cfg Config) *Engine {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Engine{
		projectID: projectID,
		pool:      pool,
		leases:    leases,
		bus:       bus,
		clf:       clf,
		breaker:   breaker,
		cfg:       cfg,
		log:       logging.WithComponent("assignment").With().Str("project_id", projectID).Logger(),
	}
}

// NextTask returns the best eligible task for agent, leased and moved to
// assigned, or (nil, nil) when no work is available. A lost race is retried
// once; a second loss publishes assignment_failed carrying the reason of the
// last failure and yields no task.
func (e *Engine) NextTask(ctx context.Context, agent *models.Agent) (*models.Task, error) {
	if held := e.leases.HeldByAgent(agent.ID); held != nil {
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "agent already holds an active lease",
			marcuserr.WithOperation("assignment.next_task"),
			marcuserr.WithProject(e.projectID),
			marcuserr.WithTask(held.TaskID),
			marcuserr.WithAgent(agent.ID))
	}

	var failure string
	for attempt := 0; attempt < 2; attempt++ {
		candidates := e.eligible()
		if len(candidates) == 0 {
			return nil, nil
		}
		e.rank(candidates, agent)
		best := e.rescore(ctx, candidates, agent)

		l, err := e.leases.Grant(ctx, best.ID, agent.ID, e.cfg.LeaseTTL)
		if err != nil {
			if errors.Is(err, marcuserr.ErrLeaseConflict) {
				e.log.Debug().Str("task_id", best.ID).Int("attempt", attempt+1).Msg("lost lease race")
				failure = "lease conflict"
				continue
			}
			return nil, err
		}

		task, err := e.pool.Assign(ctx, best.ID, agent.ID, l.ID)
		if err != nil {
			// The task left pending between selection and assignment. Drop
			// the provisional lease and try again.
			if _, expErr := e.leases.Expire(ctx, l.ID); expErr != nil {
				e.log.Warn().Err(expErr).Str("lease_id", l.ID).Msg("could not drop provisional lease")
			}
			if marcuserr.KindOf(err) == marcuserr.KindBusinessLogic {
				failure = "task no longer pending"
				continue
			}
			return nil, err
		}

		e.publishAssigned(ctx, task, agent, l)
		return task, nil
	}

	e.publishFailed(ctx, agent, failure)
	return nil, nil
}

// eligible returns pending tasks whose dependencies are all completed and
// that no other agent holds a lease on, in pool order.
func (e *Engine) eligible() []*models.Task {
	return e.pool.List(func(t *models.Task) bool {
		if t.Status != models.TaskStatusPending {
			return false
		}
		if !e.pool.DependenciesSatisfied(t.ID) {
			return false
		}
		return e.leases.HeldByTask(t.ID) == nil
	})
}

// rank sorts candidates best-first by the deterministic tuple: priority
// ordinal, capability match ratio, dependency depth (shallower wins),
// sibling order for subtasks of the same parent, then task ID.
func (e *Engine) rank(candidates []*models.Task, agent *models.Agent) {
	caps := agent.CapabilitySet()
	ratio := make(map[string]float64, len(candidates))
	depth := make(map[string]int, len(candidates))
	for _, t := range candidates {
		ratio[t.ID] = capabilityMatch(t, caps)
		depth[t.ID] = e.pool.DependencyDepth(t.ID)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if pa, pb := a.Priority.Ordinal(), b.Priority.Ordinal(); pa != pb {
			return pa > pb
		}
		if ra, rb := ratio[a.ID], ratio[b.ID]; ra != rb {
			return ra > rb
		}
		if da, db := depth[a.ID], depth[b.ID]; da != db {
			return da < db
		}
		if a.ParentTaskID != "" && a.ParentTaskID == b.ParentTaskID && a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
}

// rescore asks the classifier to pick among the ranked candidates. Any error
// on the classifier path (including an open breaker) falls back to the
// deterministic front-runner; callers cannot tell which path ran.
func (e *Engine) rescore(ctx context.Context, ranked []*models.Task, agent *models.Agent) *models.Task {
	deterministic := ranked[0]
	if e.clf == nil || e.breaker == nil {
		return deterministic
	}

	best, _ := resilience.Fallback(ctx,
		func(ctx context.Context) (*models.Task, error) {
			return resilience.ExecuteResult(e.breaker, ctx, func(ctx context.Context) (*models.Task, error) {
				return resilience.RetryResult(ctx, e.cfg.Retry, func(ctx context.Context) (*models.Task, error) {
					return e.classifyBest(ctx, ranked, agent)
				})
			})
		},
		func(ctx context.Context) (*models.Task, error) {
			return deterministic, nil
		})
	if best == nil {
		return deterministic
	}
	return best
}

// classifyBest scores every candidate through the classifier and returns the
// highest-scored one; deterministic rank breaks score ties.
func (e *Engine) classifyBest(ctx context.Context, ranked []*models.Task, agent *models.Agent) (*models.Task, error) {
	best := ranked[0]
	bestScore := -1.0
	for _, t := range ranked {
		res, err := e.clf.Classify(ctx, t, agent)
		if err != nil {
			return nil, err
		}
		if res.Score > bestScore {
			best, bestScore = t, res.Score
		}
	}
	return best, nil
}

func (e *Engine) publishAssigned(ctx context.Context, task *models.Task, agent *models.Agent, l *models.Lease) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, &models.Event{
		Type:    models.EventTaskAssigned,
		Source:  "assignment",
		TaskID:  task.ID,
		AgentID: agent.ID,
		Data: map[string]any{
			"lease_id":   l.ID,
			"expires_at": l.ExpiresAt,
			"priority":   string(task.Priority),
		},
	})
}

func (e *Engine) publishFailed(ctx context.Context, agent *models.Agent, reason string) {
	e.log.Warn().Str("agent_id", agent.ID).Str("reason", reason).Msg("assignment failed after retry")
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, &models.Event{
		Type:    models.EventAssignmentFailed,
		Source:  "assignment",
		AgentID: agent.ID,
		Data:    map[string]any{"reason": reason},
	})
}

// capabilityMatch is |capabilities ∩ keywords| / max(1, |keywords|).
func capabilityMatch(t *models.Task, caps map[string]struct{}) float64 {
	kw := keywords(t)
	if len(kw) == 0 {
		return 0
	}
	hits := 0
	for k := range kw {
		if _, ok := caps[k]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(kw))
}

// keywords is the union of the task's labels and the lowercased alphanumeric
// tokens of length >= 3 from its name and description.
func keywords(t *models.Task) map[string]struct{} {
	set := make(map[string]struct{})
	for _, l := range t.Labels {
		if l != "" {
			set[strings.ToLower(l)] = struct{}{}
		}
	}
	for _, tok := range tokenize(t.Name + " " + t.Description) {
		set[tok] = struct{}{}
	}
	return set
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}
