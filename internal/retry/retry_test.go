package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"photomesh/internal/apperr"
)

func TestDoFirstAttemptSucceeds(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), Policy{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond}, zap.NewNop(), "op", func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	start := time.Now()
	got, err := Do(context.Background(), Policy{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond}, zap.NewNop(), "op", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset")
		}
		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", got)
	assert.Equal(t, 3, calls)
	// two waits: initial + doubled initial
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestDoExhaustsAndReturnsLastError(t *testing.T) {
	calls := 0
	lastErr := errors.New("still down")
	_, err := Do(context.Background(), Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}, zap.NewNop(), "op", func(ctx context.Context) (int, error) {
		calls++
		return 0, lastErr
	})

	assert.ErrorIs(t, err, lastErr)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryBadInput(t *testing.T) {
	for _, msg := range []string{"invalid image data", "missing image payload"} {
		t.Run(msg, func(t *testing.T) {
			calls := 0
			_, err := Do(context.Background(), Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}, zap.NewNop(), "op", func(ctx context.Context) (int, error) {
				calls++
				return 0, errors.New(msg)
			})

			assert.Error(t, err)
			assert.Equal(t, 1, calls, "bad input must not be retried")
		})
	}
}

func TestDoDoesNotRetryAuthErrors(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}, zap.NewNop(), "op", func(ctx context.Context) (int, error) {
		calls++
		return 0, apperr.Auth("credential rejected")
	})

	assert.Error(t, err)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestDoDoesNotRetryRemoteJobFailures(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}, zap.NewNop(), "op", func(ctx context.Context) (int, error) {
		calls++
		return 0, apperr.RemoteFailure("inference job failed", errors.New("NSFW input rejected"))
	})

	assert.Error(t, err)
	assert.Equal(t, apperr.KindRemoteFailure, apperr.KindOf(err))
	assert.Equal(t, 1, calls, "a job that already failed must not be re-submitted")
}

func TestDoHonorsContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	_, err := Do(ctx, Policy{MaxAttempts: 5, InitialDelay: time.Second}, zap.NewNop(), "op", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("flaky")
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(apperr.Validation("bad payload")))
	assert.False(t, Retryable(apperr.Auth("no key")))
	assert.False(t, Retryable(apperr.RemoteFailure("inference job canceled", nil)))
	assert.False(t, Retryable(errors.New("Invalid model output")))
	assert.False(t, Retryable(errors.New("missing field")))
	assert.True(t, Retryable(apperr.RateLimit("throttled")))
	assert.True(t, Retryable(errors.New("connection refused")))
}
