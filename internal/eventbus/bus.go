// Package eventbus implements the in-process publish/subscribe fabric for a
// single project: per-handler isolation, bounded in-memory history, optional
// persistence of every event, and an error-spike signal when a handler keeps
// failing.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marcushq/marcus/internal/logging"
	"github.com/marcushq/marcus/internal/models"
	"github.com/marcushq/marcus/internal/persistence"
)

// Handler consumes one event. Handlers are untrusted with respect to both
// panics and latency; the bus isolates them from each other.
type Handler func(event *models.Event)

// Config controls bus behavior.
type Config struct {
	HistorySize    int  // ring buffer capacity; <=0 uses 1000
	PersistEvents  bool // mirror every event into the events collection
	SpikeThreshold int  // handler failures per type within SpikeWindow before a critical log; <=0 uses 10
	SpikeWindow    time.Duration
}

// DefaultConfig returns the configured defaults.
func DefaultConfig() Config {
	return Config{
		HistorySize:    1000,
		PersistEvents:  true,
		SpikeThreshold: 10,
		SpikeWindow:    5 * time.Minute,
	}
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is one project's event bus.
type Bus struct {
	projectID string
	cfg       Config
	store     persistence.Store // nil disables persistence
	log       zerolog.Logger

	mu      sync.Mutex
	nextSub uint64
	subs    map[string][]subscription
	history []*models.Event

	// deliverMu serializes deliveries so a single subscriber observes
	// events in publication order.
	deliverMu sync.Mutex

	errMu      sync.Mutex
	errWindows map[string][]time.Time
	errCounts  map[string]uint64
}

// New creates a bus for projectID. store may be nil to disable persistence.
func New(projectID string, cfg Config, store persistence.Store) *Bus {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.SpikeThreshold <= 0 {
		cfg.SpikeThreshold = 10
	}
	if cfg.SpikeWindow <= 0 {
		cfg.SpikeWindow = 5 * time.Minute
	}
	if !cfg.PersistEvents {
		store = nil
	}
	return &Bus{
		projectID:  projectID,
		cfg:        cfg,
		store:      store,
		log:        logging.WithComponent("eventbus").With().Str("project_id", projectID).Logger(),
		subs:       make(map[string][]subscription),
		errWindows: make(map[string][]time.Time),
		errCounts:  make(map[string]uint64),
	}
}

// Subscribe registers handler for eventType. models.EventTopicAll ("*")
// receives every event. The returned func unsubscribes.
func (b *Bus) Subscribe(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	id := b.nextSub
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[eventType]
		for i, s := range list {
			if s.id == id {
				b.subs[eventType] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish stamps the event, appends it to history, optionally persists it,
// and delivers it to every matching subscriber. One failing handler does not
// short-circuit the rest.
func (b *Bus) Publish(ctx context.Context, event *models.Event) {
	b.stamp(event)
	b.appendHistory(event)
	b.persist(ctx, event)

	// Copy-on-publish: snapshot the subscriber list so subscribe and
	// unsubscribe stay safe during delivery, and never hold b.mu across a
	// handler.
	b.mu.Lock()
	targets := make([]subscription, 0, len(b.subs[event.Type])+len(b.subs[models.EventTopicAll]))
	targets = append(targets, b.subs[event.Type]...)
	targets = append(targets, b.subs[models.EventTopicAll]...)
	b.mu.Unlock()

	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	for _, sub := range targets {
		b.deliver(sub, event)
	}
}

// PublishNowait schedules delivery and returns immediately.
func (b *Bus) PublishNowait(event *models.Event) {
	b.stamp(event)
	go func() {
		b.appendHistory(event)
		b.persist(context.Background(), event)

		b.mu.Lock()
		targets := make([]subscription, 0, len(b.subs[event.Type])+len(b.subs[models.EventTopicAll]))
		targets = append(targets, b.subs[event.Type]...)
		targets = append(targets, b.subs[models.EventTopicAll]...)
		b.mu.Unlock()

		b.deliverMu.Lock()
		defer b.deliverMu.Unlock()
		for _, sub := range targets {
			b.deliver(sub, event)
		}
	}()
}

func (b *Bus) stamp(event *models.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}
	if event.ProjectID == "" {
		event.ProjectID = b.projectID
	}
}

func (b *Bus) appendHistory(event *models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, event)
	if len(b.history) > b.cfg.HistorySize {
		// Lossy by design: persistence is the durable record.
		b.history = b.history[len(b.history)-b.cfg.HistorySize:]
	}
}

func (b *Bus) persist(ctx context.Context, event *models.Event) {
	if b.store == nil {
		return
	}
	if err := b.store.Store(ctx, persistence.CollectionEvents, event.ID, event); err != nil {
		b.log.Warn().Err(err).Str("event_type", event.Type).Msg("event persistence failed")
	}
}

// deliver runs one handler with panic isolation.
func (b *Bus) deliver(sub subscription, event *models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.recordHandlerError(event.Type, fmt.Errorf("handler panic: %v", r))
		}
	}()
	sub.handler(event)
}

// recordHandlerError counts a handler failure and emits the error-spike
// signal when a type's failures exceed the threshold inside the window.
func (b *Bus) recordHandlerError(eventType string, err error) {
	now := time.Now()

	b.errMu.Lock()
	b.errCounts[eventType]++
	total := b.errCounts[eventType]
	window := b.errWindows[eventType]
	cutoff := now.Add(-b.cfg.SpikeWindow)
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	b.errWindows[eventType] = kept
	inWindow := len(kept)
	b.errMu.Unlock()

	evt := b.log.Error()
	if inWindow > b.cfg.SpikeThreshold {
		evt = b.log.Error().Str("severity", "critical").Str("signal", "error_spike")
	}
	evt.Err(err).
		Str("event_type", eventType).
		Uint64("total_failures", total).
		Int("failures_in_window", inWindow).
		Msg("event handler failed")
}

// HandlerErrorCount returns the monotonic failure counter for an event type.
func (b *Bus) HandlerErrorCount(eventType string) uint64 {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.errCounts[eventType]
}

// History returns a copy of the retained event history, oldest first.
func (b *Bus) History() []*models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*models.Event(nil), b.history...)
}

// WaitForEvent blocks until an event satisfying predicate is published or
// ctx expires. A coordination primitive for tests.
func (b *Bus) WaitForEvent(ctx context.Context, predicate func(*models.Event) bool) (*models.Event, error) {
	ch := make(chan *models.Event, 1)
	unsubscribe := b.Subscribe(models.EventTopicAll, func(e *models.Event) {
		if predicate(e) {
			select {
			case ch <- e:
			default:
			}
		}
	})
	defer unsubscribe()

	select {
	case e := <-ch:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close drops all subscribers. Pending nowait deliveries may still run.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscription)
}
