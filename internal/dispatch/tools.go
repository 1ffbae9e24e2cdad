package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/marcushq/marcus/internal/convlog"
	"github.com/marcushq/marcus/internal/marcuserr"
	"github.com/marcushq/marcus/internal/models"
	"github.com/marcushq/marcus/internal/persistence"
	"github.com/marcushq/marcus/internal/project"
)

// allRoles is the access list for tools every client may call.
var allRoles = []models.Role{models.RoleObserver, models.RoleDeveloper, models.RoleAgent}

// agentRoles gates the worker surface.
var agentRoles = []models.Role{models.RoleAgent}

// writerRoles gates the record-keeping surface.
var writerRoles = []models.Role{models.RoleDeveloper, models.RoleAgent}

// developerRoles gates project administration.
var developerRoles = []models.Role{models.RoleDeveloper}

func (d *Dispatcher) registerTools() {
	d.register(Tool{Name: "authenticate", Roles: allRoles, Handler: toolAuthenticate})
	d.register(Tool{Name: "ping", Roles: allRoles, Handler: toolPing})
	d.register(Tool{Name: "register_agent", Roles: agentRoles, Handler: toolRegisterAgent})
	d.register(Tool{Name: "request_next_task", Roles: agentRoles, Handler: toolRequestNextTask})
	d.register(Tool{Name: "report_task_progress", Roles: agentRoles, Handler: toolReportTaskProgress})
	d.register(Tool{Name: "report_blocker", Roles: agentRoles, Handler: toolReportBlocker})
	d.register(Tool{Name: "log_decision", Roles: writerRoles, Handler: toolLogDecision})
	d.register(Tool{Name: "log_artifact", Roles: writerRoles, Handler: toolLogArtifact})
	d.register(Tool{Name: "create_project", Roles: developerRoles, Handler: toolCreateProject})
	d.register(Tool{Name: "switch_project", Roles: developerRoles, Handler: toolSwitchProject})
	d.register(Tool{Name: "list_projects", Roles: developerRoles, Handler: toolListProjects})
	d.register(Tool{Name: "get_project_status", Roles: allRoles, Handler: toolGetProjectStatus})
	d.register(Tool{Name: "get_task_context", Roles: allRoles, Handler: toolGetTaskContext})
}

func toolAuthenticate(_ context.Context, d *Dispatcher, _ *Session, args map[string]any) (map[string]any, error) {
	clientID, err := strArg("authenticate", args, "client_id", true)
	if err != nil {
		return nil, err
	}
	clientType, err := strArg("authenticate", args, "client_type", true)
	if err != nil {
		return nil, err
	}
	role, err := strArg("authenticate", args, "role", true)
	if err != nil {
		return nil, err
	}
	if !models.ValidRole(role) {
		return nil, marcuserr.New(marcuserr.KindConfiguration, "unknown role "+role,
			marcuserr.WithOperation("authenticate"))
	}
	metadata, err := mapArg("authenticate", args, "metadata")
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ClientID:   clientID,
		ClientType: clientType,
		Role:       models.Role(role),
		Metadata:   metadata,
		AuthedAt:   time.Now().UTC(),
	}
	d.putSession(sess)
	return map[string]any{
		"role":            role,
		"available_tools": d.toolsForRole(sess.Role),
	}, nil
}

func toolPing(_ context.Context, d *Dispatcher, _ *Session, _ map[string]any) (map[string]any, error) {
	return map[string]any{
		"message":        "pong",
		"instance_id":    d.instanceID,
		"uptime_seconds": time.Since(d.startedAt).Seconds(),
		"active_project": d.projects.ActiveID(),
	}, nil
}

func toolRegisterAgent(ctx context.Context, d *Dispatcher, sess *Session, args map[string]any) (map[string]any, error) {
	agentID, err := strArg("register_agent", args, "agent_id", true)
	if err != nil {
		return nil, err
	}
	name, err := strArg("register_agent", args, "name", false)
	if err != nil {
		return nil, err
	}
	capabilities, err := strSliceArg("register_agent", args, "capabilities")
	if err != nil {
		return nil, err
	}
	c, err := d.active("register_agent")
	if err != nil {
		return nil, err
	}

	agent, err := c.Agents.Register(ctx, &models.Agent{
		ID:           agentID,
		Name:         name,
		Role:         sess.Role,
		Capabilities: capabilities,
	})
	if err != nil {
		return nil, err
	}
	c.Bus.Publish(ctx, &models.Event{
		Type:    models.EventAgentRegistered,
		Source:  "dispatch",
		AgentID: agent.ID,
		Data:    map[string]any{"capabilities": agent.Capabilities},
	})
	return map[string]any{
		"agent_id":        agent.ID,
		"role":            string(agent.Role),
		"available_tools": d.toolsForRole(agent.Role),
	}, nil
}

func toolRequestNextTask(ctx context.Context, d *Dispatcher, _ *Session, args map[string]any) (map[string]any, error) {
	agentID, err := strArg("request_next_task", args, "agent_id", true)
	if err != nil {
		return nil, err
	}
	c, err := d.active("request_next_task")
	if err != nil {
		return nil, err
	}
	agent, err := c.Agents.Get(agentID)
	if err != nil {
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "agent not registered",
			marcuserr.WithOperation("request_next_task"),
			marcuserr.WithProject(c.ID()),
			marcuserr.WithAgent(agentID))
	}

	d.logConversation(convlog.Entry{
		Direction: convlog.DirectionInbound,
		AgentID:   agentID,
		Content:   "requesting next task",
		Metadata:  convlog.Metadata{ProjectID: c.ID(), MessageType: "request_next_task"},
	})

	task, err := c.Engine.NextTask(ctx, agent)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return map[string]any{"task": nil}, nil
	}

	if err := c.Agents.SetWorking(ctx, agentID, task.ID); err != nil {
		d.log.Warn().Err(err).Str("agent_id", agentID).Msg("could not mark agent working")
	}
	d.logConversation(convlog.Entry{
		Direction: convlog.DirectionOutbound,
		AgentID:   agentID,
		Content:   fmt.Sprintf("assigned task %q", task.Name),
		Metadata:  convlog.Metadata{ProjectID: c.ID(), TaskID: task.ID, MessageType: "task_assignment"},
	})
	return map[string]any{"task": task}, nil
}

func toolReportTaskProgress(ctx context.Context, d *Dispatcher, _ *Session, args map[string]any) (map[string]any, error) {
	const tool = "report_task_progress"
	taskID, err := strArg(tool, args, "task_id", true)
	if err != nil {
		return nil, err
	}
	status, err := strArg(tool, args, "status", true)
	if err != nil {
		return nil, err
	}
	notes, err := strArg(tool, args, "notes", false)
	if err != nil {
		return nil, err
	}
	percent, _, err := floatArg(tool, args, "percent")
	if err != nil {
		return nil, err
	}
	c, err := d.active(tool)
	if err != nil {
		return nil, err
	}

	task, err := c.Pool.Get(taskID)
	if err != nil {
		return nil, err
	}
	held := c.Leases.HeldByTask(taskID)

	switch models.TaskStatus(status) {
	case models.TaskStatusInProgress:
		if _, err := c.Pool.Transition(ctx, taskID, models.TaskStatusInProgress); err != nil {
			return nil, err
		}
		c.Bus.Publish(ctx, &models.Event{
			Type: models.EventTaskStarted, Source: "dispatch",
			TaskID: taskID, AgentID: task.AssignedAgent,
			Data: map[string]any{"percent": percent},
		})
	case models.TaskStatusCompleted:
		if held == nil {
			return nil, marcuserr.New(marcuserr.KindBusinessLogic, "no active lease for task",
				marcuserr.WithOperation(tool),
				marcuserr.WithProject(c.ID()),
				marcuserr.WithTask(taskID))
		}
		if _, err := c.Leases.Complete(ctx, held.ID); err != nil {
			return nil, err
		}
		if err := c.Agents.SetIdle(ctx, held.AgentID); err != nil && !marcuserr.IsNotFound(err) {
			d.log.Warn().Err(err).Str("agent_id", held.AgentID).Msg("could not mark agent idle")
		}
	case models.TaskStatusBlocked:
		if _, err := c.Pool.Transition(ctx, taskID, models.TaskStatusBlocked); err != nil {
			return nil, err
		}
		c.Bus.Publish(ctx, &models.Event{
			Type: models.EventTaskBlocked, Source: "dispatch",
			TaskID: taskID, AgentID: task.AssignedAgent,
			Data: map[string]any{"notes": notes},
		})
	case models.TaskStatusFailed:
		// Drop the lease before failing so the transition comes from a
		// non-terminal state.
		if held != nil {
			if _, err := c.Leases.Expire(ctx, held.ID); err != nil {
				return nil, err
			}
		}
		if _, err := c.Pool.Transition(ctx, taskID, models.TaskStatusFailed); err != nil {
			return nil, err
		}
	default:
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "unsupported progress status "+status,
			marcuserr.WithOperation(tool),
			marcuserr.WithTask(taskID))
	}

	if notes != "" {
		d.logConversation(convlog.Entry{
			Direction: convlog.DirectionInbound,
			AgentID:   task.AssignedAgent,
			Content:   notes,
			Metadata:  convlog.Metadata{ProjectID: c.ID(), TaskID: taskID, MessageType: "progress_report"},
		})
	}
	return map[string]any{"task_id": taskID, "status": status}, nil
}

// blockerSuggestions is the canned fallback offered when the external
// classifier cannot produce tailored advice.
var blockerSuggestions = []string{
	"Break the blocker into a smaller task and report it via log_decision.",
	"Check whether a dependency task is still pending and request reprioritization.",
	"Escalate to a developer-role client if the blocker involves external credentials.",
}

func toolReportBlocker(ctx context.Context, d *Dispatcher, _ *Session, args map[string]any) (map[string]any, error) {
	const tool = "report_blocker"
	taskID, err := strArg(tool, args, "task_id", true)
	if err != nil {
		return nil, err
	}
	description, err := strArg(tool, args, "description", true)
	if err != nil {
		return nil, err
	}
	severity, err := strArg(tool, args, "severity", true)
	if err != nil {
		return nil, err
	}
	c, err := d.active(tool)
	if err != nil {
		return nil, err
	}

	task, err := c.Pool.Get(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusBlocked {
		if _, err := c.Pool.Transition(ctx, taskID, models.TaskStatusBlocked); err != nil {
			return nil, err
		}
	}
	c.Bus.Publish(ctx, &models.Event{
		Type: models.EventTaskBlocked, Source: "dispatch",
		TaskID: taskID, AgentID: task.AssignedAgent,
		Data: map[string]any{"description": description, "severity": severity},
	})
	d.logConversation(convlog.Entry{
		Direction: convlog.DirectionInbound,
		AgentID:   task.AssignedAgent,
		Content:   description,
		Metadata:  convlog.Metadata{ProjectID: c.ID(), TaskID: taskID, MessageType: "blocker_report"},
	})
	return map[string]any{
		"task_id":     taskID,
		"severity":    severity,
		"suggestions": blockerSuggestions,
	}, nil
}

func toolLogDecision(ctx context.Context, d *Dispatcher, sess *Session, args map[string]any) (map[string]any, error) {
	const tool = "log_decision"
	taskID, err := strArg(tool, args, "task_id", true)
	if err != nil {
		return nil, err
	}
	what, err := strArg(tool, args, "what", true)
	if err != nil {
		return nil, err
	}
	why, err := strArg(tool, args, "why", true)
	if err != nil {
		return nil, err
	}
	impact, err := strArg(tool, args, "impact", true)
	if err != nil {
		return nil, err
	}
	if !models.ValidImpact(impact) {
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "unknown impact grade "+impact,
			marcuserr.WithOperation(tool))
	}
	affected, err := strSliceArg(tool, args, "affected_tasks")
	if err != nil {
		return nil, err
	}
	confidence, _, err := floatArg(tool, args, "confidence")
	if err != nil {
		return nil, err
	}
	if confidence < 0 || confidence > 1 {
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "confidence must be within [0,1]",
			marcuserr.WithOperation(tool))
	}
	c, err := d.active(tool)
	if err != nil {
		return nil, err
	}

	dec := models.Decision{
		ID:            uuid.NewString(),
		ProjectID:     c.ID(),
		TaskID:        taskID,
		AgentID:       sess.ClientID,
		Timestamp:     time.Now().UTC(),
		What:          what,
		Why:           why,
		Impact:        models.Impact(impact),
		AffectedTasks: affected,
		Confidence:    confidence,
	}
	if err := d.store.Store(ctx, persistence.CollectionDecisions, dec.ID, dec); err != nil {
		return nil, err
	}
	d.logConversation(convlog.Entry{
		Direction: convlog.DirectionInbound,
		AgentID:   sess.ClientID,
		Content:   what,
		Metadata:  convlog.Metadata{ProjectID: c.ID(), TaskID: taskID, MessageType: "decision"},
	})
	return map[string]any{"decision_id": dec.ID}, nil
}

func toolLogArtifact(ctx context.Context, d *Dispatcher, sess *Session, args map[string]any) (map[string]any, error) {
	const tool = "log_artifact"
	taskID, err := strArg(tool, args, "task_id", true)
	if err != nil {
		return nil, err
	}
	filename, err := strArg(tool, args, "filename", true)
	if err != nil {
		return nil, err
	}
	artifactType, err := strArg(tool, args, "artifact_type", true)
	if err != nil {
		return nil, err
	}
	description, err := strArg(tool, args, "description", false)
	if err != nil {
		return nil, err
	}
	absPath, err := strArg(tool, args, "absolute_path", false)
	if err != nil {
		return nil, err
	}
	relPath, err := strArg(tool, args, "relative_path", false)
	if err != nil {
		return nil, err
	}
	c, err := d.active(tool)
	if err != nil {
		return nil, err
	}

	art := models.Artifact{
		ID:           uuid.NewString(),
		ProjectID:    c.ID(),
		TaskID:       taskID,
		AgentID:      sess.ClientID,
		Timestamp:    time.Now().UTC(),
		ArtifactType: artifactType,
		Filename:     filename,
		RelativePath: relPath,
		AbsolutePath: absPath,
		Description:  description,
	}
	if absPath != "" {
		if sum, size, herr := hashFile(absPath); herr == nil {
			art.SHA256 = sum
			art.SizeBytes = size
		} else {
			d.log.Warn().Err(herr).Str("path", absPath).Msg("artifact file not hashable")
		}
	}
	if err := d.store.Store(ctx, persistence.CollectionArtifacts, art.ID, art); err != nil {
		return nil, err
	}
	return map[string]any{"artifact_id": art.ID, "sha256_hash": art.SHA256, "file_size_bytes": art.SizeBytes}, nil
}

// hashFile returns the sha256 hex digest and size of the file at path.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// create_project modes.
const (
	modeNewProject    = "new_project"
	modeAuto          = "auto"
	modeSelectProject = "select_project"
)

func toolCreateProject(ctx context.Context, d *Dispatcher, _ *Session, args map[string]any) (map[string]any, error) {
	const tool = "create_project"
	name, err := strArg(tool, args, "name", true)
	if err != nil {
		return nil, err
	}
	description, err := strArg(tool, args, "description", false)
	if err != nil {
		return nil, err
	}
	options, err := mapArg(tool, args, "options")
	if err != nil {
		return nil, err
	}
	tasks, err := tasksArg(tool, args, "tasks")
	if err != nil {
		return nil, err
	}
	mode := modeNewProject
	var optProjectID string
	if options != nil {
		if m, merr := strArg(tool, options, "mode", false); merr == nil && m != "" {
			mode = m
		} else if merr != nil {
			return nil, merr
		}
		if pid, perr := strArg(tool, options, "project_id", false); perr == nil {
			optProjectID = pid
		} else {
			return nil, perr
		}
	}

	createAndSwitch := func() (map[string]any, error) {
		c, err := d.projects.Create(ctx, name, description)
		if err != nil {
			return nil, err
		}
		if _, err := d.projects.Switch(ctx, c.ID()); err != nil {
			return nil, err
		}
		out := map[string]any{"project_id": c.ID(), "created": true}
		if len(tasks) > 0 {
			warnings, err := c.SubmitTasks(ctx, tasks)
			if err != nil {
				return nil, err
			}
			out["task_count"] = len(tasks)
			out["warnings"] = warnings
		}
		return out, nil
	}

	switch mode {
	case modeNewProject:
		return createAndSwitch()

	case modeSelectProject:
		targetID := optProjectID
		if targetID == "" {
			p, err := d.projects.FindByName(ctx, name)
			if err != nil {
				return nil, err
			}
			targetID = p.ID
		}
		if _, err := d.projects.Switch(ctx, targetID); err != nil {
			return nil, err
		}
		return map[string]any{"project_id": targetID, "created": false}, nil

	case modeAuto:
		// Match by exact name first; create only when nothing matches.
		if p, err := d.projects.FindByName(ctx, name); err == nil {
			if _, err := d.projects.Switch(ctx, p.ID); err != nil {
				return nil, err
			}
			return map[string]any{"project_id": p.ID, "created": false}, nil
		} else if !marcuserr.IsNotFound(err) {
			return nil, err
		}
		return createAndSwitch()

	default:
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "unknown create_project mode "+mode,
			marcuserr.WithOperation(tool))
	}
}

func toolSwitchProject(ctx context.Context, d *Dispatcher, _ *Session, args map[string]any) (map[string]any, error) {
	const tool = "switch_project"
	projectID, err := strArg(tool, args, "project_id", false)
	if err != nil {
		return nil, err
	}
	name, err := strArg(tool, args, "name", false)
	if err != nil {
		return nil, err
	}
	if projectID == "" && name == "" {
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "either project_id or name is required",
			marcuserr.WithOperation(tool))
	}
	if projectID == "" {
		p, err := d.projects.FindByName(ctx, name)
		if err != nil {
			return nil, err
		}
		projectID = p.ID
	}
	if _, err := d.projects.Switch(ctx, projectID); err != nil {
		return nil, err
	}
	return map[string]any{"active_project_id": projectID}, nil
}

func toolListProjects(ctx context.Context, d *Dispatcher, _ *Session, _ map[string]any) (map[string]any, error) {
	projects, err := d.projects.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	activeID := d.projects.ActiveID()
	out := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		out = append(out, map[string]any{
			"project_id":  p.ID,
			"name":        p.Name,
			"description": p.Description,
			"created_at":  p.CreatedAt,
			"active":      p.ID == activeID,
		})
	}
	return map[string]any{"projects": out}, nil
}

func toolGetProjectStatus(ctx context.Context, d *Dispatcher, _ *Session, args map[string]any) (map[string]any, error) {
	const tool = "get_project_status"
	projectID, err := strArg(tool, args, "project_id", false)
	if err != nil {
		return nil, err
	}

	var c *project.Context
	if projectID == "" {
		c, err = d.active(tool)
	} else {
		c, err = d.projects.GetOrCreate(ctx, projectID)
	}
	if err != nil {
		return nil, err
	}

	summary := c.Pool.Summary()
	var blockers []map[string]any
	for _, t := range c.Pool.ListByStatus(models.TaskStatusBlocked) {
		blockers = append(blockers, map[string]any{"task_id": t.ID, "name": t.Name})
	}
	return map[string]any{
		"project_id":      c.ID(),
		"name":            c.Project.Name,
		"total_tasks":     summary.Total,
		"by_status":       summary.ByStatus,
		"completion_rate": summary.CompletionRate,
		"blockers":        blockers,
		"working_agents":  c.Agents.WorkingCount(),
	}, nil
}

func toolGetTaskContext(ctx context.Context, d *Dispatcher, _ *Session, args map[string]any) (map[string]any, error) {
	const tool = "get_task_context"
	taskID, err := strArg(tool, args, "task_id", true)
	if err != nil {
		return nil, err
	}
	c, err := d.active(tool)
	if err != nil {
		return nil, err
	}
	task, err := c.Pool.Get(taskID)
	if err != nil {
		return nil, err
	}

	decisions, err := d.queryByTask(ctx, persistence.CollectionDecisions, taskID)
	if err != nil {
		return nil, err
	}
	artifacts, err := d.queryByTask(ctx, persistence.CollectionArtifacts, taskID)
	if err != nil {
		return nil, err
	}

	var excerpts []convlog.Entry
	if d.conv != nil {
		excerpts, err = convlog.TaskExcerpts(d.conv.Path(), taskID, 10)
		if err != nil {
			d.log.Warn().Err(err).Str("task_id", taskID).Msg("conversation excerpts unavailable")
			excerpts = nil
		}
	}

	return map[string]any{
		"task":         task,
		"decisions":    decisions,
		"artifacts":    artifacts,
		"conversation": excerpts,
	}, nil
}

// tasksArg decodes an optional list of task objects through a JSON
// round-trip so tool transports need no task-specific decoding.
func tasksArg(tool string, args map[string]any, key string) ([]*models.Task, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "argument "+key+" must be a list of task objects",
			marcuserr.WithOperation(tool))
	}
	var tasks []*models.Task
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "argument "+key+" must be a list of task objects",
			marcuserr.WithOperation(tool))
	}
	for _, t := range tasks {
		if t == nil || t.ID == "" || t.Name == "" {
			return nil, marcuserr.New(marcuserr.KindBusinessLogic, "every task needs task_id and name",
				marcuserr.WithOperation(tool))
		}
	}
	return tasks, nil
}

// queryByTask pulls every record in collection whose task_id matches.
func (d *Dispatcher) queryByTask(ctx context.Context, collection, taskID string) ([]json.RawMessage, error) {
	return d.store.Query(ctx, collection, func(raw json.RawMessage) bool {
		var probe struct {
			TaskID string `json:"task_id"`
		}
		return json.Unmarshal(raw, &probe) == nil && probe.TaskID == taskID
	}, 0, 0)
}
