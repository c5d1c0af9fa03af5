// Package retry is a bounded exponential-backoff combinator. It knows
// nothing about images, meshes or the database; callers pass a deferred
// unit of work and a policy.
package retry

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"photomesh/internal/apperr"
)

type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

// StoragePolicy covers blob uploads and mesh fetches.
func StoragePolicy() Policy {
	return Policy{MaxAttempts: 3, InitialDelay: time.Second}
}

// InferencePolicy starts with a longer wait: the remote model service is
// slow to recover compared to storage.
func InferencePolicy() Policy {
	return Policy{MaxAttempts: 3, InitialDelay: 2 * time.Second}
}

// Do runs fn up to p.MaxAttempts times, doubling the delay between
// attempts. Errors classified as validation, auth or remote-failure
// problems, and errors whose message signals invalid or missing input,
// fail immediately. The wait honors ctx cancellation. The last observed
// error is returned after exhaustion.
func Do[T any](ctx context.Context, p Policy, logger *zap.Logger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	delay := p.InitialDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			logger.Debug("retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !Retryable(err) {
			return zero, err
		}
	}

	logger.Warn("attempts exhausted",
		zap.String("op", op),
		zap.Int("attempts", p.MaxAttempts),
		zap.Error(lastErr),
	)
	return zero, lastErr
}

// Retryable reports whether err is worth another attempt. Validation and
// auth failures are terminal, remote job failures are terminal (the job
// already ran to a final verdict), and so is any error whose message
// points at invalid or missing input.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindAuth, apperr.KindRemoteFailure:
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid") || strings.Contains(msg, "missing") {
		return false
	}
	return true
}
