package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcushq/marcus/internal/models"
	"github.com/marcushq/marcus/internal/persistence"
)

func newTestBus() *Bus {
	cfg := DefaultConfig()
	cfg.PersistEvents = false
	return New("proj_test", cfg, nil)
}

func TestPublishStampsIdentity(t *testing.T) {
	b := newTestBus()
	var got *models.Event
	b.Subscribe(models.EventTaskCreated, func(e *models.Event) { got = e })

	b.Publish(context.Background(), &models.Event{Type: models.EventTaskCreated})

	require.NotNil(t, got)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, time.UTC, got.Timestamp.Location())
	assert.Equal(t, "proj_test", got.ProjectID)
}

func TestSubscriberFIFO(t *testing.T) {
	b := newTestBus()
	var seen []string
	b.Subscribe(models.EventTaskCreated, func(e *models.Event) {
		seen = append(seen, e.Data["n"].(string))
	})

	for i := 0; i < 20; i++ {
		b.Publish(context.Background(), &models.Event{
			Type: models.EventTaskCreated,
			Data: map[string]any{"n": fmt.Sprintf("%02d", i)},
		})
	}

	require.Len(t, seen, 20)
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
}

func TestHandlerIsolation(t *testing.T) {
	b := newTestBus()
	delivered := 0
	b.Subscribe(models.EventTaskAssigned, func(e *models.Event) { panic("handler bug") })
	b.Subscribe(models.EventTaskAssigned, func(e *models.Event) { delivered++ })

	b.Publish(context.Background(), &models.Event{Type: models.EventTaskAssigned})
	b.Publish(context.Background(), &models.Event{Type: models.EventTaskAssigned})

	assert.Equal(t, 2, delivered, "panicking sibling must not block delivery")
	assert.Equal(t, uint64(2), b.HandlerErrorCount(models.EventTaskAssigned))
}

func TestWildcardSubscriber(t *testing.T) {
	b := newTestBus()
	var types []string
	b.Subscribe(models.EventTopicAll, func(e *models.Event) { types = append(types, e.Type) })

	b.Publish(context.Background(), &models.Event{Type: models.EventTaskCreated})
	b.Publish(context.Background(), &models.Event{Type: models.EventLeaseExpired})

	assert.Equal(t, []string{models.EventTaskCreated, models.EventLeaseExpired}, types)
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus()
	count := 0
	unsub := b.Subscribe(models.EventTaskCreated, func(e *models.Event) { count++ })

	b.Publish(context.Background(), &models.Event{Type: models.EventTaskCreated})
	unsub()
	b.Publish(context.Background(), &models.Event{Type: models.EventTaskCreated})

	assert.Equal(t, 1, count)
}

func TestHistoryRingBuffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PersistEvents = false
	cfg.HistorySize = 5
	b := New("proj_test", cfg, nil)

	for i := 0; i < 8; i++ {
		b.Publish(context.Background(), &models.Event{
			Type: models.EventTaskCreated,
			Data: map[string]any{"n": i},
		})
	}

	hist := b.History()
	require.Len(t, hist, 5)
	assert.EqualValues(t, 3, hist[0].Data["n"], "oldest entries evicted")
	assert.EqualValues(t, 7, hist[4].Data["n"])
}

func TestPersistEvents(t *testing.T) {
	store := persistence.NewMemoryStore()
	cfg := DefaultConfig()
	b := New("proj_test", cfg, store)

	b.Publish(context.Background(), &models.Event{Type: models.EventTaskCompleted, TaskID: "t1"})

	out, err := store.Query(context.Background(), persistence.CollectionEvents, func(raw json.RawMessage) bool {
		var e models.Event
		return json.Unmarshal(raw, &e) == nil && e.TaskID == "t1"
	}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestWaitForEvent(t *testing.T) {
	b := newTestBus()

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Publish(context.Background(), &models.Event{Type: models.EventLeaseReclaimed, TaskID: "t9"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := b.WaitForEvent(ctx, func(e *models.Event) bool { return e.Type == models.EventLeaseReclaimed })
	require.NoError(t, err)
	assert.Equal(t, "t9", e.TaskID)
}

func TestWaitForEventTimeout(t *testing.T) {
	b := newTestBus()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := b.WaitForEvent(ctx, func(e *models.Event) bool { return false })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublishNowait(t *testing.T) {
	b := newTestBus()
	done := make(chan *models.Event, 1)
	b.Subscribe(models.EventTaskStarted, func(e *models.Event) { done <- e })

	b.PublishNowait(&models.Event{Type: models.EventTaskStarted})

	select {
	case e := <-done:
		assert.NotEmpty(t, e.ID)
	case <-time.After(time.Second):
		t.Fatal("nowait publish never delivered")
	}
}
