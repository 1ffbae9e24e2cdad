// Package dispatch maps named tool calls onto the coordination core under a
// static role-based access list, and exposes the surface over HTTP and
// stdio. Every call is logged in a structured form the post-project
// analyzer reads back.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marcushq/marcus/internal/convlog"
	"github.com/marcushq/marcus/internal/logging"
	"github.com/marcushq/marcus/internal/marcuserr"
	"github.com/marcushq/marcus/internal/models"
	"github.com/marcushq/marcus/internal/persistence"
	"github.com/marcushq/marcus/internal/project"
)

// defaultCallTimeout bounds every externally-triggered operation.
const defaultCallTimeout = 30 * time.Second

// Handler executes one tool call and returns the success payload.
type Handler func(ctx context.Context, d *Dispatcher, sess *Session, args map[string]any) (map[string]any, error)

// Tool couples a handler with its access list. Admin is implicitly allowed
// everywhere and is not listed.
type Tool struct {
	Name    string
	Roles   []models.Role
	Handler Handler
}

func (t Tool) allowed(role models.Role) bool {
	if role == models.RoleAdmin {
		return true
	}
	for _, r := range t.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Session is one authenticated client.
type Session struct {
	ClientID   string
	ClientType string
	Role       models.Role
	Metadata   map[string]any
	AuthedAt   time.Time
}

// Dispatcher routes tool calls to the core.
type Dispatcher struct {
	projects   *project.Manager
	store      persistence.Store
	conv       *convlog.Log
	log        zerolog.Logger
	instanceID string
	startedAt  time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	tools map[string]Tool
}

// New creates a dispatcher over the project manager. conv may be nil to
// disable conversation logging.
func New(projects *project.Manager, store persistence.Store, conv *convlog.Log) *Dispatcher {
	d := &Dispatcher{
		projects:   projects,
		store:      store,
		conv:       conv,
		log:        logging.WithComponent("dispatch"),
		instanceID: uuid.NewString(),
		startedAt:  time.Now().UTC(),
		sessions:   make(map[string]*Session),
		tools:      make(map[string]Tool),
	}
	d.registerTools()
	return d
}

func (d *Dispatcher) register(t Tool) {
	d.tools[t.Name] = t
}

// session returns the client's session, defaulting unauthenticated clients
// to observer.
func (d *Dispatcher) session(clientID string) *Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.sessions[clientID]; ok {
		return s
	}
	return &Session{ClientID: clientID, Role: models.RoleObserver}
}

func (d *Dispatcher) putSession(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[s.ClientID] = s
}

// toolsForRole lists the tool names a role may call, sorted.
func (d *Dispatcher) toolsForRole(role models.Role) []string {
	var out []string
	for name, t := range d.tools {
		if t.allowed(role) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Call executes one tool call and always returns a JSON-shaped response:
// either the handler's success payload (with success=true) or the failure
// envelope.
func (d *Dispatcher) Call(ctx context.Context, clientID, toolName string, args map[string]any) map[string]any {
	start := time.Now()
	sess := d.session(clientID)
	callLog := d.log.With().
		Str("tool", toolName).
		Str("client_id", clientID).
		Str("role", string(sess.Role)).
		Logger()

	tool, ok := d.tools[toolName]
	if !ok {
		err := marcuserr.New(marcuserr.KindBusinessLogic, "unknown tool",
			marcuserr.WithOperation(toolName))
		callLog.Warn().Msg("unknown tool requested")
		return failureEnvelope(toolName, args, err)
	}
	if !tool.allowed(sess.Role) {
		err := marcuserr.Unauthorized(toolName, string(sess.Role))
		callLog.Warn().Msg("tool call rejected by role gate")
		return failureEnvelope(toolName, args, err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	result, err := tool.Handler(ctx, d, sess, args)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		if result == nil {
			result = map[string]any{}
		}
		if _, ok := result["success"]; !ok {
			result["success"] = true
		}
		callLog.Info().Dur("elapsed", elapsed).Msg("tool call ok")
		return result
	case marcuserr.IsNotFound(err):
		// NotFound is an expected outcome, not a failure.
		callLog.Info().Dur("elapsed", elapsed).Msg("tool call target not found")
		return map[string]any{"success": true, "exists": false, "result": nil}
	default:
		callLog.Error().Err(err).Dur("elapsed", elapsed).Msg("tool call failed")
		return failureEnvelope(toolName, args, err)
	}
}

// failureEnvelope builds the uniform failure shape every tool returns.
func failureEnvelope(tool string, args map[string]any, err error) map[string]any {
	var me *marcuserr.Error
	if !errors.As(err, &me) {
		me = marcuserr.Wrap(marcuserr.KindTransient, err, "internal error")
	}
	return map[string]any{
		"success": false,
		"error": map[string]any{
			"kind":        string(me.Kind),
			"message":     me.Message,
			"recoverable": me.Recoverable,
			"timestamp":   me.Timestamp,
			"context":     me.Ctx,
		},
		"tool":      tool,
		"arguments": args,
	}
}

// active returns the active project context or the NoActiveProject failure.
func (d *Dispatcher) active(toolName string) (*project.Context, error) {
	c, err := d.projects.Current()
	if err != nil {
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "no active project",
			marcuserr.WithOperation(toolName),
			marcuserr.WithCause(marcuserr.ErrNoActiveProject))
	}
	return c, nil
}

// logConversation appends to the conversation log, best-effort.
func (d *Dispatcher) logConversation(e convlog.Entry) {
	if d.conv == nil {
		return
	}
	if err := d.conv.Append(e); err != nil {
		d.log.Warn().Err(err).Msg("conversation log append failed")
	}
}

// argument helpers

func strArg(tool string, args map[string]any, key string, required bool) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		if required {
			return "", marcuserr.New(marcuserr.KindBusinessLogic, "missing required argument "+key,
				marcuserr.WithOperation(tool))
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", marcuserr.New(marcuserr.KindBusinessLogic, "argument "+key+" must be a string",
			marcuserr.WithOperation(tool))
	}
	if required && s == "" {
		return "", marcuserr.New(marcuserr.KindBusinessLogic, "missing required argument "+key,
			marcuserr.WithOperation(tool))
	}
	return s, nil
}

func strSliceArg(tool string, args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, marcuserr.New(marcuserr.KindBusinessLogic, "argument "+key+" must be a list of strings",
					marcuserr.WithOperation(tool))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "argument "+key+" must be a list of strings",
			marcuserr.WithOperation(tool))
	}
}

func floatArg(tool string, args map[string]any, key string) (float64, bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case int:
		return float64(n), true, nil
	default:
		return 0, false, marcuserr.New(marcuserr.KindBusinessLogic, "argument "+key+" must be a number",
			marcuserr.WithOperation(tool))
	}
}

func mapArg(tool string, args map[string]any, key string) (map[string]any, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, marcuserr.New(marcuserr.KindBusinessLogic, "argument "+key+" must be an object",
			marcuserr.WithOperation(tool))
	}
	return m, nil
}
