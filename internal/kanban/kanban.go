// Package kanban bridges the event bus to an external kanban board. The
// provider clients themselves live outside the core; this package defines
// their contract and the resilient subscriber glue.
package kanban

import (
	"context"
	"time"

	"github.com/marcushq/marcus/internal/eventbus"
	"github.com/marcushq/marcus/internal/logging"
	"github.com/marcushq/marcus/internal/marcuserr"
	"github.com/marcushq/marcus/internal/models"
	"github.com/marcushq/marcus/internal/resilience"
)

// Known provider names. Only "none" is bundled; the rest are external
// clients registered at wiring time.
const (
	ProviderNone   = "none"
	ProviderPlanka = "planka"
	ProviderGitHub = "github"
	ProviderLinear = "linear"
)

// ValidProvider reports whether name is a recognized provider.
func ValidProvider(name string) bool {
	switch name {
	case ProviderNone, ProviderPlanka, ProviderGitHub, ProviderLinear:
		return true
	}
	return false
}

// Provider applies one event to an external board. Apply must be idempotent:
// the subscriber retries on recoverable errors.
type Provider interface {
	Name() string
	Apply(ctx context.Context, event *models.Event) error
}

// syncedEvents are the event types mirrored to the board.
var syncedEvents = []string{
	models.EventTaskCreated,
	models.EventTaskAssigned,
	models.EventTaskStarted,
	models.EventTaskCompleted,
	models.EventTaskBlocked,
	models.EventLeaseReclaimed,
}

// Config controls the subscriber's resilience stack.
type Config struct {
	Retry   resilience.RetryConfig
	Breaker resilience.BreakerConfig
	Timeout time.Duration // per-apply deadline; <=0 uses 30s
}

// DefaultConfig returns the configured defaults.
func DefaultConfig() Config {
	return Config{
		Retry:   resilience.DefaultRetryConfig(),
		Breaker: resilience.DefaultBreakerConfig(),
		Timeout: 30 * time.Second,
	}
}

// Attach subscribes provider to the bus for the synced event types, wrapping
// every apply in retry inside a circuit breaker inside a drop-and-log
// fallback. Returns the detach func. A nil provider (or "none") attaches
// nothing.
func Attach(projectID string, bus *eventbus.Bus, provider Provider, cfg Config) func() {
	if provider == nil || provider.Name() == ProviderNone {
		return func() {}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log := logging.WithComponent("kanban").With().
		Str("project_id", projectID).
		Str("provider", provider.Name()).
		Logger()
	breaker := resilience.NewCircuitBreaker("kanban:"+provider.Name(), cfg.Breaker)

	handler := func(event *models.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()

		_, err := resilience.Fallback(ctx,
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, breaker.Execute(ctx, func(ctx context.Context) error {
					return resilience.Retry(ctx, cfg.Retry, func(ctx context.Context) error {
						return provider.Apply(ctx, event)
					})
				})
			},
			func(ctx context.Context) (struct{}, error) {
				// Lossy by contract: the board is a mirror, persistence is
				// the durable record.
				log.Warn().Str("event_type", event.Type).Str("task_id", event.TaskID).
					Msg("kanban sync dropped after retries")
				return struct{}{}, nil
			})
		if err != nil {
			log.Error().Err(err).Str("event_type", event.Type).Msg("kanban sync failed")
		}
	}

	unsubs := make([]func(), 0, len(syncedEvents))
	for _, t := range syncedEvents {
		unsubs = append(unsubs, bus.Subscribe(t, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// noneProvider discards everything. Used when boards are disabled but a
// Provider value is still required.
type noneProvider struct{}

func (noneProvider) Name() string                               { return ProviderNone }
func (noneProvider) Apply(context.Context, *models.Event) error { return nil }

// NewProvider returns the bundled provider for name. External providers
// (planka, github, linear) must be injected by the embedding process; asking
// for one here is a configuration error.
func NewProvider(name string) (Provider, error) {
	switch name {
	case "", ProviderNone:
		return noneProvider{}, nil
	case ProviderPlanka, ProviderGitHub, ProviderLinear:
		return nil, marcuserr.Configuration("kanban provider "+name+" requires external credentials and client wiring",
			marcuserr.WithOperation("kanban.new_provider"))
	default:
		return nil, marcuserr.Configuration("unknown kanban provider "+name,
			marcuserr.WithOperation("kanban.new_provider"))
	}
}
