package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcushq/marcus/internal/assignment"
	"github.com/marcushq/marcus/internal/convlog"
	"github.com/marcushq/marcus/internal/eventbus"
	"github.com/marcushq/marcus/internal/lease"
	"github.com/marcushq/marcus/internal/persistence"
	"github.com/marcushq/marcus/internal/project"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	busCfg := eventbus.DefaultConfig()
	busCfg.PersistEvents = false
	leaseCfg := lease.DefaultConfig()
	leaseCfg.ReclaimInterval = time.Hour

	mgr, err := project.NewManager(persistence.NewMemoryStore(), 0, project.Deps{
		BusConfig:    busCfg,
		LeaseConfig:  leaseCfg,
		EngineConfig: assignment.DefaultConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close(context.Background()) })

	conv, err := convlog.Open(filepath.Join(t.TempDir(), "conversation.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conv.Close() })

	return New(mgr, persistence.NewMemoryStore(), conv)
}

func call(t *testing.T, d *Dispatcher, clientID, tool string, args map[string]any) map[string]any {
	t.Helper()
	return d.Call(context.Background(), clientID, tool, args)
}

func authenticate(t *testing.T, d *Dispatcher, clientID, role string) {
	t.Helper()
	resp := call(t, d, clientID, "authenticate", map[string]any{
		"client_id":   clientID,
		"client_type": "test",
		"role":        role,
	})
	require.Equal(t, true, resp["success"], "authenticate failed: %v", resp)
}

// seedProject creates and activates a project with the given tasks.
func seedProject(t *testing.T, d *Dispatcher, name string, tasks []map[string]any) string {
	t.Helper()
	authenticate(t, d, "dev", "developer")
	args := map[string]any{"name": name, "description": "test project"}
	if tasks != nil {
		anyTasks := make([]any, len(tasks))
		for i, task := range tasks {
			anyTasks[i] = task
		}
		args["tasks"] = anyTasks
	}
	resp := call(t, d, "dev", "create_project", args)
	require.Equal(t, true, resp["success"], "create_project failed: %v", resp)
	return resp["project_id"].(string)
}

func taskSpec(id, name string, deps ...string) map[string]any {
	m := map[string]any{"task_id": id, "name": name}
	if len(deps) > 0 {
		anyDeps := make([]any, len(deps))
		for i, dep := range deps {
			anyDeps[i] = dep
		}
		m["dependencies"] = anyDeps
	}
	return m
}

func TestUnauthenticatedClientIsObserver(t *testing.T) {
	d := newTestDispatcher(t)

	resp := call(t, d, "stranger", "request_next_task", map[string]any{"agent_id": "a1"})
	require.Equal(t, false, resp["success"])
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, "security", errObj["kind"])
	assert.Equal(t, false, errObj["recoverable"])
	assert.Equal(t, "request_next_task", resp["tool"])

	// Observer tools still work.
	resp = call(t, d, "stranger", "ping", nil)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "pong", resp["message"])
}

func TestAdminImplicitlyAllowedEverywhere(t *testing.T) {
	d := newTestDispatcher(t)
	authenticate(t, d, "root", "admin")

	resp := call(t, d, "root", "create_project", map[string]any{"name": "p"})
	assert.Equal(t, true, resp["success"])

	resp = call(t, d, "root", "register_agent", map[string]any{"agent_id": "a1"})
	assert.Equal(t, true, resp["success"])
}

func TestAuthenticateRejectsUnknownRole(t *testing.T) {
	d := newTestDispatcher(t)
	resp := call(t, d, "c1", "authenticate", map[string]any{
		"client_id": "c1", "client_type": "test", "role": "superuser",
	})
	require.Equal(t, false, resp["success"])
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, "configuration", errObj["kind"])
}

func TestAuthenticateListsToolsForRole(t *testing.T) {
	d := newTestDispatcher(t)
	resp := call(t, d, "obs", "authenticate", map[string]any{
		"client_id": "obs", "client_type": "dashboard", "role": "observer",
	})
	require.Equal(t, true, resp["success"])
	tools := resp["available_tools"].([]string)
	assert.Contains(t, tools, "ping")
	assert.Contains(t, tools, "get_project_status")
	assert.NotContains(t, tools, "create_project")
	assert.NotContains(t, tools, "request_next_task")
	assert.IsType(t, []string{}, tools)
	assert.True(t, sortedStrings(tools))
}

func sortedStrings(s []string) bool {
	for i := 1; i < len(s); i++ {
		if s[i-1] > s[i] {
			return false
		}
	}
	return true
}

func TestUnknownToolEnvelope(t *testing.T) {
	d := newTestDispatcher(t)
	resp := call(t, d, "c1", "no_such_tool", map[string]any{"x": 1})
	require.Equal(t, false, resp["success"])
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, "business_logic", errObj["kind"])
	assert.NotEmpty(t, errObj["message"])
	assert.NotNil(t, errObj["timestamp"])
	assert.Equal(t, "no_such_tool", resp["tool"])
	assert.Equal(t, map[string]any{"x": 1}, resp["arguments"])
}

func TestNoActiveProjectFailure(t *testing.T) {
	d := newTestDispatcher(t)
	authenticate(t, d, "a1", "agent")

	resp := call(t, d, "a1", "register_agent", map[string]any{"agent_id": "a1"})
	require.Equal(t, false, resp["success"])
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, "business_logic", errObj["kind"])
	assert.Contains(t, errObj["message"].(string), "no active project")
}

func TestCreateProjectValidatesTaskGraph(t *testing.T) {
	d := newTestDispatcher(t)
	authenticate(t, d, "dev", "developer")

	resp := call(t, d, "dev", "create_project", map[string]any{
		"name": "alpha", "description": "test",
		"tasks": []any{
			taskSpec("t1", "Build core"),
			taskSpec("t2", "Build API", "t1", "t_missing"),
		},
	})
	require.Equal(t, true, resp["success"], "create_project failed: %v", resp)
	warnings := resp["warnings"].([]string)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "Removed 1 invalid dependency from 'Build API'")

	status := call(t, d, "dev", "get_project_status", nil)
	require.Equal(t, true, status["success"])
	assert.Equal(t, 2, asInt(status["total_tasks"]))
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return -1
}

func TestCreateProjectAutoModeMatchesByName(t *testing.T) {
	d := newTestDispatcher(t)
	first := seedProject(t, d, "billing", nil)

	resp := call(t, d, "dev", "create_project", map[string]any{
		"name": "billing", "options": map[string]any{"mode": "auto"},
	})
	require.Equal(t, true, resp["success"])
	assert.Equal(t, first, resp["project_id"])
	assert.Equal(t, false, resp["created"])

	resp = call(t, d, "dev", "create_project", map[string]any{
		"name": "shipping", "options": map[string]any{"mode": "auto"},
	})
	require.Equal(t, true, resp["success"])
	assert.NotEqual(t, first, resp["project_id"])
	assert.Equal(t, true, resp["created"])
}

func TestAgentWorkflow(t *testing.T) {
	d := newTestDispatcher(t)
	seedProject(t, d, "alpha", []map[string]any{
		taskSpec("t1", "Design schema"),
		taskSpec("t2", "Implement storage", "t1"),
	})
	authenticate(t, d, "worker", "agent")

	resp := call(t, d, "worker", "register_agent", map[string]any{
		"agent_id": "worker", "name": "Worker One", "capabilities": []any{"go", "storage"},
	})
	require.Equal(t, true, resp["success"])
	assert.Equal(t, "agent", resp["role"])

	// Only t1 is eligible; t2 waits on it.
	resp = call(t, d, "worker", "request_next_task", map[string]any{"agent_id": "worker"})
	require.Equal(t, true, resp["success"])
	task := resp["task"].(map[string]any)
	assert.Equal(t, "t1", task["task_id"])

	resp = call(t, d, "worker", "report_task_progress", map[string]any{
		"task_id": "t1", "status": "in_progress", "percent": 50, "notes": "halfway",
	})
	require.Equal(t, true, resp["success"])

	resp = call(t, d, "worker", "report_task_progress", map[string]any{
		"task_id": "t1", "status": "completed",
	})
	require.Equal(t, true, resp["success"])

	status := call(t, d, "worker", "get_project_status", nil)
	require.Equal(t, true, status["success"])
	assert.InDelta(t, 0.5, status["completion_rate"], 0.001)

	// Completing t1 unblocks t2.
	resp = call(t, d, "worker", "request_next_task", map[string]any{"agent_id": "worker"})
	require.Equal(t, true, resp["success"])
	task = resp["task"].(map[string]any)
	assert.Equal(t, "t2", task["task_id"])
}

func TestRequestNextTaskRequiresRegistration(t *testing.T) {
	d := newTestDispatcher(t)
	seedProject(t, d, "alpha", []map[string]any{taskSpec("t1", "Work")})
	authenticate(t, d, "ghost", "agent")

	resp := call(t, d, "ghost", "request_next_task", map[string]any{"agent_id": "ghost"})
	require.Equal(t, false, resp["success"])
	errObj := resp["error"].(map[string]any)
	assert.Contains(t, errObj["message"].(string), "not registered")
}

func TestRequestNextTaskEmptyPool(t *testing.T) {
	d := newTestDispatcher(t)
	seedProject(t, d, "alpha", nil)
	authenticate(t, d, "worker", "agent")
	call(t, d, "worker", "register_agent", map[string]any{"agent_id": "worker"})

	resp := call(t, d, "worker", "request_next_task", map[string]any{"agent_id": "worker"})
	require.Equal(t, true, resp["success"])
	assert.Nil(t, resp["task"])
}

func TestCompleteWithoutLeaseRejected(t *testing.T) {
	d := newTestDispatcher(t)
	seedProject(t, d, "alpha", []map[string]any{taskSpec("t1", "Work")})
	authenticate(t, d, "worker", "agent")

	resp := call(t, d, "worker", "report_task_progress", map[string]any{
		"task_id": "t1", "status": "completed",
	})
	require.Equal(t, false, resp["success"])
	errObj := resp["error"].(map[string]any)
	assert.Contains(t, errObj["message"].(string), "no active lease")
}

func TestReportBlocker(t *testing.T) {
	d := newTestDispatcher(t)
	seedProject(t, d, "alpha", []map[string]any{taskSpec("t1", "Work")})
	authenticate(t, d, "worker", "agent")
	call(t, d, "worker", "register_agent", map[string]any{"agent_id": "worker"})
	call(t, d, "worker", "request_next_task", map[string]any{"agent_id": "worker"})

	resp := call(t, d, "worker", "report_blocker", map[string]any{
		"task_id": "t1", "description": "missing credentials", "severity": "high",
	})
	require.Equal(t, true, resp["success"])
	assert.NotEmpty(t, resp["suggestions"])

	status := call(t, d, "worker", "get_project_status", nil)
	blockers := status["blockers"].([]map[string]any)
	require.Len(t, blockers, 1)
	assert.Equal(t, "t1", blockers[0]["task_id"])
}

func TestNotFoundEnvelope(t *testing.T) {
	d := newTestDispatcher(t)
	seedProject(t, d, "alpha", nil)

	resp := call(t, d, "dev", "get_task_context", map[string]any{"task_id": "absent"})
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, false, resp["exists"])
	assert.Nil(t, resp["result"])
}

func TestDecisionArtifactAndTaskContext(t *testing.T) {
	d := newTestDispatcher(t)
	seedProject(t, d, "alpha", []map[string]any{taskSpec("t1", "Work")})
	authenticate(t, d, "worker", "agent")
	call(t, d, "worker", "register_agent", map[string]any{"agent_id": "worker"})
	call(t, d, "worker", "request_next_task", map[string]any{"agent_id": "worker"})

	resp := call(t, d, "worker", "log_decision", map[string]any{
		"task_id": "t1", "what": "use sqlite", "why": "zero ops", "impact": "medium",
		"confidence": 0.8,
	})
	require.Equal(t, true, resp["success"], "log_decision failed: %v", resp)
	decisionID := resp["decision_id"].(string)
	assert.NotEmpty(t, decisionID)

	resp = call(t, d, "worker", "log_artifact", map[string]any{
		"task_id": "t1", "filename": "schema.sql", "artifact_type": "code",
		"description": "initial schema",
	})
	require.Equal(t, true, resp["success"])
	assert.NotEmpty(t, resp["artifact_id"])

	resp = call(t, d, "worker", "get_task_context", map[string]any{"task_id": "t1"})
	require.Equal(t, true, resp["success"])
	assert.NotNil(t, resp["task"])
	assert.Len(t, resp["decisions"].([]json.RawMessage), 1)
	assert.Len(t, resp["artifacts"].([]json.RawMessage), 1)
	// The request/assignment exchange is in the conversation excerpts.
	assert.NotEmpty(t, resp["conversation"])
}

func TestLogDecisionValidation(t *testing.T) {
	d := newTestDispatcher(t)
	seedProject(t, d, "alpha", []map[string]any{taskSpec("t1", "Work")})
	authenticate(t, d, "worker", "agent")

	resp := call(t, d, "worker", "log_decision", map[string]any{
		"task_id": "t1", "what": "w", "why": "y", "impact": "catastrophic",
	})
	require.Equal(t, false, resp["success"])

	resp = call(t, d, "worker", "log_decision", map[string]any{
		"task_id": "t1", "what": "w", "why": "y", "impact": "low", "confidence": 1.5,
	})
	require.Equal(t, false, resp["success"])
}

func TestSwitchProjectByName(t *testing.T) {
	d := newTestDispatcher(t)
	seedProject(t, d, "alpha", nil)
	beta := seedProject(t, d, "beta", nil)

	resp := call(t, d, "dev", "switch_project", map[string]any{"name": "beta"})
	require.Equal(t, true, resp["success"])
	assert.Equal(t, beta, resp["active_project_id"])

	resp = call(t, d, "dev", "list_projects", nil)
	require.Equal(t, true, resp["success"])
	projects := resp["projects"].([]map[string]any)
	require.Len(t, projects, 2)
	for _, p := range projects {
		assert.Equal(t, p["name"] == "beta", p["active"])
	}
}

func TestServeStdio(t *testing.T) {
	d := newTestDispatcher(t)

	var in bytes.Buffer
	lines := []string{
		`{"id":"1","client_id":"c1","tool":"ping"}`,
		`not json at all`,
		`{"id":"2","client_id":"c1","tool":"authenticate","arguments":{"client_id":"c1","client_type":"test","role":"developer"}}`,
	}
	in.WriteString(strings.Join(lines, "\n") + "\n")

	var out bytes.Buffer
	require.NoError(t, d.ServeStdio(context.Background(), &in, &out))

	responses := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, responses, 3)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(responses[0]), &first))
	assert.Equal(t, true, first["success"])
	assert.Equal(t, "1", first["id"])
	assert.Equal(t, "pong", first["message"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(responses[1]), &second))
	assert.Equal(t, false, second["success"])

	var third map[string]any
	require.NoError(t, json.Unmarshal([]byte(responses[2]), &third))
	assert.Equal(t, true, third["success"])
	assert.Equal(t, "developer", third["role"])
}
