package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcushq/marcus/internal/marcuserr"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryRecoversTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return marcuserr.Transient("storage unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryNeverRetriesNonRecoverable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(5), func(ctx context.Context) error {
		calls++
		return marcuserr.BusinessLogic("agent already holds a lease")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPlainErrorNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(5), func(ctx context.Context) error {
		calls++
		return errors.New("unclassified")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		return marcuserr.Transient("still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, marcuserr.KindTransient, marcuserr.KindOf(err))
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastRetry(3), func(ctx context.Context) error {
		t.Fatal("op must not run after cancellation")
		return nil
	})
	require.Error(t, err)
}

func TestBackOffScheduleDoublesToCap(t *testing.T) {
	b := newBackOff(RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 400*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 800*time.Millisecond, b.NextBackOff())
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, time.Second, b.NextBackOff(), "delay stays at the ceiling")
}

func TestBackOffJitterBounds(t *testing.T) {
	b := newBackOff(RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: true})
	d := b.NextBackOff()
	assert.GreaterOrEqual(t, d, 75*time.Millisecond)
	assert.LessOrEqual(t, d, 125*time.Millisecond)
}

func newTestBreaker(threshold int, timeout time.Duration, clock *time.Time) *CircuitBreaker {
	return NewCircuitBreaker("test", BreakerConfig{
		FailureThreshold: threshold,
		RecoveryTimeout:  timeout,
		Clock:            func() time.Time { return *clock },
	})
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(5, time.Minute, &now)
	boom := marcuserr.Integration("kanban down")

	for i := 0; i < 5; i++ {
		assert.Equal(t, StateClosed, cb.State())
		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	}
	assert.Equal(t, StateOpen, cb.State())

	// While open, calls fail fast without invoking the function.
	invoked := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, marcuserr.ErrCircuitOpen)
	assert.True(t, marcuserr.IsRecoverable(err))
	assert.False(t, invoked)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(2, time.Minute, &now)
	boom := marcuserr.Integration("down")

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(61 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	// Successful probe closes the breaker.
	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(1, time.Minute, &now)
	boom := marcuserr.Integration("down")

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Minute)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(3, time.Minute, &now)
	boom := marcuserr.Integration("blip")

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	assert.Equal(t, StateClosed, cb.State())
}

func TestFallbackEngagesOnRecoverable(t *testing.T) {
	out, err := Fallback(context.Background(),
		func(ctx context.Context) (string, error) { return "", marcuserr.CircuitOpen("classifier") },
		func(ctx context.Context) (string, error) { return "deterministic", nil })
	require.NoError(t, err)
	assert.Equal(t, "deterministic", out)
}

func TestFallbackSkippedOnFatal(t *testing.T) {
	fatal := marcuserr.Security("nope")
	_, err := Fallback(context.Background(),
		func(ctx context.Context) (string, error) { return "", fatal },
		func(ctx context.Context) (string, error) {
			t.Fatal("fallback must not run for non-recoverable errors")
			return "", nil
		})
	assert.ErrorIs(t, err, fatal)
}

func TestComposedRetryInsideBreakerInsideFallback(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(2, time.Minute, &now)

	primary := func(ctx context.Context) (string, error) {
		return ExecuteResult(cb, ctx, func(ctx context.Context) (string, error) {
			return RetryResult(ctx, fastRetry(2), func(ctx context.Context) (string, error) {
				return "", marcuserr.Integration("kanban unreachable")
			})
		})
	}
	secondary := func(ctx context.Context) (string, error) { return "queued locally", nil }

	for i := 0; i < 3; i++ {
		out, err := Fallback(context.Background(), primary, secondary)
		require.NoError(t, err)
		assert.Equal(t, "queued locally", out)
	}
	// Two breaker-visible failures opened the circuit; later rounds fail fast.
	assert.Equal(t, StateOpen, cb.State())
}
