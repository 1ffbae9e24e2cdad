package taskpool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcushq/marcus/internal/marcuserr"
	"github.com/marcushq/marcus/internal/models"
	"github.com/marcushq/marcus/internal/persistence"
)

func seedPool(t *testing.T) *Pool {
	t.Helper()
	p := New("proj_a", nil)
	require.NoError(t, p.AddAll(context.Background(), []*models.Task{
		{ID: "t1", Name: "Schema"},
		{ID: "t2", Name: "Handlers", Dependencies: []string{"t1"}},
		{ID: "t3", Name: "Docs", Dependencies: []string{"t1", "t2"}},
	}))
	return p
}

func TestAddStampsDefaults(t *testing.T) {
	p := seedPool(t)
	got, err := p.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Equal(t, models.PriorityNormal, got.Priority)
	assert.Equal(t, "proj_a", got.ProjectID)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestAddDuplicateRejected(t *testing.T) {
	p := seedPool(t)
	err := p.Add(context.Background(), &models.Task{ID: "t1", Name: "again"})
	require.Error(t, err)
	assert.Equal(t, marcuserr.KindBusinessLogic, marcuserr.KindOf(err))
	assert.Equal(t, 3, p.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	p := seedPool(t)
	a, err := p.Get("t2")
	require.NoError(t, err)
	a.Name = "mutated"
	a.Dependencies[0] = "mutated"

	b, err := p.Get("t2")
	require.NoError(t, err)
	assert.Equal(t, "Handlers", b.Name)
	assert.Equal(t, []string{"t1"}, b.Dependencies)
}

func TestGetMissing(t *testing.T) {
	p := seedPool(t)
	_, err := p.Get("nope")
	assert.ErrorIs(t, err, marcuserr.ErrNotFound)
}

func TestListInsertionOrder(t *testing.T) {
	p := seedPool(t)
	var ids []string
	for _, task := range p.List(nil) {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, ids)
}

func TestAssignAndTransitions(t *testing.T) {
	ctx := context.Background()
	p := seedPool(t)

	got, err := p.Assign(ctx, "t1", "agent_1", "lease_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAssigned, got.Status)
	assert.Equal(t, "agent_1", got.AssignedAgent)
	assert.Equal(t, "lease_1", got.LeaseID)

	// Second assignment of the same task loses.
	_, err = p.Assign(ctx, "t1", "agent_2", "lease_2")
	require.Error(t, err)
	assert.Equal(t, marcuserr.KindBusinessLogic, marcuserr.KindOf(err))

	_, err = p.Transition(ctx, "t1", models.TaskStatusInProgress)
	require.NoError(t, err)
	done, err := p.Transition(ctx, "t1", models.TaskStatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.LeaseID)

	// Terminal state: nothing leaves completed.
	_, err = p.Transition(ctx, "t1", models.TaskStatusPending)
	require.Error(t, err)
	assert.Equal(t, marcuserr.KindBusinessLogic, marcuserr.KindOf(err))
}

func TestCompleteRequiresAgent(t *testing.T) {
	ctx := context.Background()
	p := seedPool(t)
	_, err := p.Transition(ctx, "t1", models.TaskStatusBlocked)
	require.NoError(t, err)
	_, err = p.Transition(ctx, "t1", models.TaskStatusInProgress)
	require.NoError(t, err)

	_, err = p.Transition(ctx, "t1", models.TaskStatusCompleted)
	require.Error(t, err, "completed implies an assigned agent")
}

func TestReleaseClearsAssignment(t *testing.T) {
	ctx := context.Background()
	p := seedPool(t)
	_, err := p.Assign(ctx, "t1", "agent_1", "lease_1")
	require.NoError(t, err)

	got, err := p.Release(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Empty(t, got.AssignedAgent)
	assert.Empty(t, got.LeaseID)
}

func TestDependenciesSatisfied(t *testing.T) {
	ctx := context.Background()
	p := seedPool(t)

	assert.True(t, p.DependenciesSatisfied("t1"))
	assert.False(t, p.DependenciesSatisfied("t2"))

	_, err := p.Assign(ctx, "t1", "agent_1", "lease_1")
	require.NoError(t, err)
	_, err = p.Transition(ctx, "t1", models.TaskStatusCompleted)
	require.NoError(t, err)

	assert.True(t, p.DependenciesSatisfied("t2"))
	assert.False(t, p.DependenciesSatisfied("t3"), "t2 still pending")
}

func TestDependencyDepth(t *testing.T) {
	p := seedPool(t)
	assert.Equal(t, 0, p.DependencyDepth("t1"))
	assert.Equal(t, 1, p.DependencyDepth("t2"))
	assert.Equal(t, 2, p.DependencyDepth("t3"))
	assert.Equal(t, 0, p.DependencyDepth("missing"))
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	p := seedPool(t)
	_, err := p.Assign(ctx, "t1", "agent_1", "lease_1")
	require.NoError(t, err)
	_, err = p.Transition(ctx, "t1", models.TaskStatusCompleted)
	require.NoError(t, err)

	s := p.Summary()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.ByStatus[models.TaskStatusCompleted])
	assert.Equal(t, 2, s.ByStatus[models.TaskStatusPending])
	assert.InDelta(t, 1.0/3.0, s.CompletionRate, 1e-9)
}

func TestWriteThroughAndLoad(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()

	p := New("proj_a", store)
	require.NoError(t, p.AddAll(ctx, []*models.Task{
		{ID: "t1", Name: "Schema"},
		{ID: "t2", Name: "Handlers", Dependencies: []string{"t1"}},
	}))
	_, err := p.Assign(ctx, "t1", "agent_1", "lease_1")
	require.NoError(t, err)

	// A different project's task must not rehydrate into proj_a.
	other := New("proj_b", store)
	require.NoError(t, other.Add(ctx, &models.Task{ID: "x1", Name: "Other"}))

	fresh := New("proj_a", store)
	require.NoError(t, fresh.Load(ctx))
	assert.Equal(t, 2, fresh.Len())
	got, err := fresh.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAssigned, got.Status)
	assert.Equal(t, "agent_1", got.AssignedAgent)
	_, err = fresh.Get("x1")
	assert.ErrorIs(t, err, marcuserr.ErrNotFound)
}

func TestPersistedShape(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	p := New("proj_a", store)
	require.NoError(t, p.Add(ctx, &models.Task{ID: "t1", Name: "Schema"}))

	rows, err := store.Query(ctx, persistence.CollectionTasks, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(rows[0], &rec))
	assert.Equal(t, "proj_a", rec["project_id"])
	assert.Contains(t, rec, persistence.StoredAtField)
}
