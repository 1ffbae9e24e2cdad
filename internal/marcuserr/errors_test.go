package marcuserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindDefaults(t *testing.T) {
	tests := []struct {
		kind        Kind
		recoverable bool
	}{
		{KindIntegration, true},
		{KindTransient, true},
		{KindResourceExhausted, true},
		{KindConfiguration, false},
		{KindBusinessLogic, false},
		{KindSecurity, false},
		{KindStorage, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "boom")
			assert.Equal(t, tt.recoverable, err.Recoverable)
			assert.Equal(t, tt.recoverable, IsRecoverable(err))
			assert.False(t, err.Timestamp.IsZero())
		})
	}
}

func TestErrorContext(t *testing.T) {
	err := BusinessLogic("agent already holds a lease",
		WithOperation("request_next_task"),
		WithProject("proj_1"),
		WithTask("task_1"),
		WithAgent("agent_1"),
		WithExtra("lease_id", "abc"))

	assert.Equal(t, "request_next_task", err.Ctx.Operation)
	assert.Equal(t, "proj_1", err.Ctx.ProjectID)
	assert.Equal(t, "task_1", err.Ctx.TaskID)
	assert.Equal(t, "agent_1", err.Ctx.AgentID)
	assert.Equal(t, "abc", err.Ctx.Extra["lease_id"])
	assert.Contains(t, err.Error(), "request_next_task")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindTransient, nil, "ignored"))
}

func TestUnwrapChain(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindTransient, cause, "store failed")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("outer: %w", err)
	var me *Error
	require.ErrorAs(t, wrapped, &me)
	assert.Equal(t, KindTransient, me.Kind)
	assert.Equal(t, KindTransient, KindOf(wrapped))
}

func TestSentinelsSurviveEnvelope(t *testing.T) {
	assert.ErrorIs(t, LeaseConflict("t1", "a1"), ErrLeaseConflict)
	assert.ErrorIs(t, Unauthorized("create_project", "observer"), ErrUnauthorized)
	assert.ErrorIs(t, CircuitOpen("kanban"), ErrCircuitOpen)

	// CircuitOpen must remain recoverable so the fallback path engages.
	assert.True(t, IsRecoverable(CircuitOpen("classifier")))
	// Lease conflicts are rule violations and must never be retried blindly.
	assert.False(t, IsRecoverable(LeaseConflict("t1", "a1")))
}

func TestIsRecoverableUnknownError(t *testing.T) {
	assert.False(t, IsRecoverable(errors.New("plain")))
	assert.False(t, IsRecoverable(nil))
}
