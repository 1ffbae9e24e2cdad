package marcuserr

import "errors"

// Sentinels usable with errors.Is. NotFound is an expected outcome, not a
// failure: tool responses carry {exists: false} instead of an error envelope.
var (
	ErrNotFound        = errors.New("not found")
	ErrNoActiveProject = errors.New("no active project")
	ErrLeaseConflict   = errors.New("lease conflict: task already leased")
	ErrLeaseNotActive  = errors.New("lease is not in a renewable state")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrUnauthorized    = errors.New("tool not permitted for role")
)

// IsNotFound reports whether err is the NotFound sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// LeaseConflict builds the business-logic envelope for a lease contention
// failure, keeping the sentinel reachable through errors.Is.
func LeaseConflict(taskID, agentID string, opts ...Option) *Error {
	opts = append(opts, WithTask(taskID), WithAgent(agentID), WithCause(ErrLeaseConflict))
	return BusinessLogic("task already has an active lease", opts...)
}

// LeaseNotActive builds the business-logic envelope for an operation on a
// lease already in a terminal state.
func LeaseNotActive(message string, opts ...Option) *Error {
	opts = append(opts, WithCause(ErrLeaseNotActive))
	return BusinessLogic(message, opts...)
}

// Unauthorized builds the security envelope for a rejected tool call.
func Unauthorized(tool, role string, opts ...Option) *Error {
	opts = append(opts,
		WithOperation(tool),
		WithExtra("role", role),
		WithCause(ErrUnauthorized))
	return Security("tool not permitted for role", opts...)
}

// CircuitOpen builds the transient envelope emitted when a breaker fails
// fast. Recoverable so callers may route to a fallback.
func CircuitOpen(resource string, opts ...Option) *Error {
	opts = append(opts, WithExtra("resource", resource), WithCause(ErrCircuitOpen))
	return Transient("circuit breaker open for "+resource, opts...)
}
