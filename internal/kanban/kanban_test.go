package kanban

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcushq/marcus/internal/eventbus"
	"github.com/marcushq/marcus/internal/marcuserr"
	"github.com/marcushq/marcus/internal/models"
	"github.com/marcushq/marcus/internal/resilience"
)

type recordingProvider struct {
	mu     sync.Mutex
	events []string
	fail   int // apply failures remaining before success
}

func (p *recordingProvider) Name() string { return "planka" }

func (p *recordingProvider) Apply(_ context.Context, e *models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail > 0 {
		p.fail--
		return marcuserr.Integration("board unreachable")
	}
	p.events = append(p.events, e.Type)
	return nil
}

func (p *recordingProvider) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func newBus() *eventbus.Bus {
	cfg := eventbus.DefaultConfig()
	cfg.PersistEvents = false
	return eventbus.New("proj_a", cfg, nil)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	cfg.Timeout = time.Second
	return cfg
}

func TestSyncedEventsReachProvider(t *testing.T) {
	bus := newBus()
	p := &recordingProvider{}
	detach := Attach("proj_a", bus, p, fastConfig())
	defer detach()

	bus.Publish(context.Background(), &models.Event{Type: models.EventTaskCreated, TaskID: "t1"})
	bus.Publish(context.Background(), &models.Event{Type: models.EventTaskCompleted, TaskID: "t1"})
	// Not in the synced set.
	bus.Publish(context.Background(), &models.Event{Type: models.EventAgentRegistered})

	assert.Equal(t, []string{models.EventTaskCreated, models.EventTaskCompleted}, p.seen())
}

func TestRetryRecoversTransientApply(t *testing.T) {
	bus := newBus()
	p := &recordingProvider{fail: 2}
	detach := Attach("proj_a", bus, p, fastConfig())
	defer detach()

	bus.Publish(context.Background(), &models.Event{Type: models.EventTaskCreated, TaskID: "t1"})
	assert.Equal(t, []string{models.EventTaskCreated}, p.seen(), "third attempt lands")
}

func TestExhaustedRetriesDropEvent(t *testing.T) {
	bus := newBus()
	p := &recordingProvider{fail: 100}
	detach := Attach("proj_a", bus, p, fastConfig())
	defer detach()

	bus.Publish(context.Background(), &models.Event{Type: models.EventTaskCreated, TaskID: "t1"})
	assert.Empty(t, p.seen(), "event dropped, publish not blocked")
	assert.Zero(t, bus.HandlerErrorCount(models.EventTaskCreated), "drop is handled, not a handler crash")
}

func TestDetachStopsSync(t *testing.T) {
	bus := newBus()
	p := &recordingProvider{}
	detach := Attach("proj_a", bus, p, fastConfig())

	bus.Publish(context.Background(), &models.Event{Type: models.EventTaskCreated})
	detach()
	bus.Publish(context.Background(), &models.Event{Type: models.EventTaskCreated})

	require.Len(t, p.seen(), 1)
}

func TestNoneProviderAttachesNothing(t *testing.T) {
	bus := newBus()
	p, err := NewProvider("none")
	require.NoError(t, err)
	detach := Attach("proj_a", bus, p, DefaultConfig())
	detach()

	_, err = NewProvider("linear")
	require.Error(t, err)
	assert.Equal(t, marcuserr.KindConfiguration, marcuserr.KindOf(err))

	_, err = NewProvider("trello")
	require.Error(t, err)
}
