package resilience

import (
	"context"

	"github.com/marcushq/marcus/internal/marcuserr"
)

// Fallback runs primary and, on a recoverable error, runs secondary with the
// same context. Non-recoverable errors propagate untouched: a rule violation
// must not be papered over by a degraded path.
func Fallback[T any](ctx context.Context, primary, secondary func(ctx context.Context) (T, error)) (T, error) {
	out, err := primary(ctx)
	if err == nil {
		return out, nil
	}
	if !marcuserr.IsRecoverable(err) {
		return out, err
	}
	return secondary(ctx)
}
