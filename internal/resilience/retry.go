// Package resilience provides the three composable strategies that wrap
// external calls: retry with exponential backoff, a per-resource circuit
// breaker, and fallback. Kanban and classifier calls typically stack all
// three: retry inside breaker inside fallback.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marcushq/marcus/internal/logging"
	"github.com/marcushq/marcus/internal/marcuserr"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	MaxAttempts int           // total attempts, not additional retries
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // backoff ceiling
	Jitter      bool          // randomize each delay by ±25%
}

// DefaultRetryConfig returns the configured defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      true,
	}
}

// Retry executes op until it succeeds, returns a non-recoverable error, or
// attempts are exhausted. Only errors marked recoverable by the error
// framework are retried.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	_, err := RetryResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// RetryResult is the value-returning variant of Retry.
func RetryResult[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	log := logging.WithComponent("retry")
	schedule := newBackOff(cfg)
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, marcuserr.Wrap(marcuserr.KindTransient, err, "retry cancelled")
		}

		out, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.Debug().Int("attempt", attempt).Msg("retry succeeded")
			}
			return out, nil
		}
		lastErr = err

		if !marcuserr.IsRecoverable(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := schedule.NextBackOff()
		log.Debug().Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, marcuserr.Wrap(marcuserr.KindTransient, ctx.Err(), "retry cancelled during backoff")
		}
	}

	return zero, lastErr
}

// newBackOff maps the retry config onto cenkalti's exponential schedule:
// doubling intervals from BaseDelay, capped at MaxDelay, randomized ±25%
// when Jitter is set. MaxElapsedTime stays zero; MaxAttempts is the only
// exhaustion condition.
func newBackOff(cfg RetryConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.Multiplier = 2
	b.MaxInterval = cfg.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = 60 * time.Second
	}
	b.RandomizationFactor = 0
	if cfg.Jitter {
		b.RandomizationFactor = 0.25
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
