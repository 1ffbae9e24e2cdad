// Package marcuserr defines the tagged error space shared by the
// coordination core. Every error surfaced to a tool caller is an *Error
// carrying a kind, a recoverability flag, and the operation context.
package marcuserr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation and retry policy.
type Kind string

// Error kinds. The set is exhaustive for the core.
const (
	KindIntegration       Kind = "integration"        // external service failed; recoverable
	KindConfiguration     Kind = "configuration"      // bad option or missing credentials; fatal
	KindBusinessLogic     Kind = "business_logic"     // rule violation; fatal
	KindTransient         Kind = "transient"          // storage unavailable, timeout; recoverable
	KindResourceExhausted Kind = "resource_exhausted" // cache full, memory pressure; recoverable
	KindSecurity          Kind = "security"           // unauthorized tool call; fatal
	KindStorage           Kind = "storage"            // corruption, schema mismatch; fatal
)

// recoverableByDefault maps each kind to its default recoverability.
func (k Kind) recoverableByDefault() bool {
	switch k {
	case KindIntegration, KindTransient, KindResourceExhausted:
		return true
	}
	return false
}

// Context carries the operation coordinates of a failure.
type Context struct {
	Operation string            `json:"operation,omitempty"`
	ProjectID string            `json:"project_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Error is the common envelope for all core failures.
type Error struct {
	Kind        Kind      `json:"kind"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Timestamp   time.Time `json:"timestamp"`
	Ctx         Context   `json:"context"`
	cause       error
}

func (e *Error) Error() string {
	if e.Ctx.Operation != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Ctx.Operation, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Option mutates a new Error before it is returned.
type Option func(*Error)

// WithOperation names the failing operation.
func WithOperation(op string) Option {
	return func(e *Error) { e.Ctx.Operation = op }
}

// WithProject attaches the project ID.
func WithProject(id string) Option {
	return func(e *Error) { e.Ctx.ProjectID = id }
}

// WithTask attaches the task ID.
func WithTask(id string) Option {
	return func(e *Error) { e.Ctx.TaskID = id }
}

// WithAgent attaches the agent ID.
func WithAgent(id string) Option {
	return func(e *Error) { e.Ctx.AgentID = id }
}

// WithExtra attaches a free-form context entry.
func WithExtra(key, value string) Option {
	return func(e *Error) {
		if e.Ctx.Extra == nil {
			e.Ctx.Extra = make(map[string]string)
		}
		e.Ctx.Extra[key] = value
	}
}

// WithCause wraps an underlying error.
func WithCause(err error) Option {
	return func(e *Error) { e.cause = err }
}

// WithRecoverable overrides the kind's default recoverability.
func WithRecoverable(v bool) Option {
	return func(e *Error) { e.Recoverable = v }
}

// New builds an Error of the given kind.
func New(kind Kind, message string, opts ...Option) *Error {
	e := &Error{
		Kind:        kind,
		Message:     message,
		Recoverable: kind.recoverableByDefault(),
		Timestamp:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Wrap builds an Error of the given kind with err as the cause. A nil err
// returns nil.
func Wrap(kind Kind, err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(kind, message, append(opts, WithCause(err))...)
}

// Integration builds a recoverable external-service error.
func Integration(message string, opts ...Option) *Error {
	return New(KindIntegration, message, opts...)
}

// Configuration builds a fatal configuration error.
func Configuration(message string, opts ...Option) *Error {
	return New(KindConfiguration, message, opts...)
}

// BusinessLogic builds a fatal rule-violation error.
func BusinessLogic(message string, opts ...Option) *Error {
	return New(KindBusinessLogic, message, opts...)
}

// Transient builds a recoverable storage/timeout error.
func Transient(message string, opts ...Option) *Error {
	return New(KindTransient, message, opts...)
}

// ResourceExhausted builds a recoverable resource-pressure error.
func ResourceExhausted(message string, opts ...Option) *Error {
	return New(KindResourceExhausted, message, opts...)
}

// Security builds a fatal authorization error.
func Security(message string, opts ...Option) *Error {
	return New(KindSecurity, message, opts...)
}

// Storage builds a fatal corruption/schema error.
func Storage(message string, opts ...Option) *Error {
	return New(KindStorage, message, opts...)
}

// IsRecoverable reports whether err may be retried or recovered through a
// fallback. Unknown error types default to non-recoverable so a bug never
// loops forever.
func IsRecoverable(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Recoverable
	}
	return false
}

// KindOf returns the kind of err, or "" for non-core errors.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}
