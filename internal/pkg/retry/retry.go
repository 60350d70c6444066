// Package retry implements the exponential-backoff envelope shared by every
// outbound chain and P2P call. Retries happen here and nowhere else; callers
// treat a returned failure as final.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
)

// Policy bounds one retry envelope.
type Policy struct {
	MaxAttempts int           // total attempts, not retries
	BaseDelay   time.Duration // first backoff sleep
	MaxDelay    time.Duration // backoff cap
}

// DefaultPolicy matches the P2P transport defaults: 3 attempts,
// 200ms doubling to a 2s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Do invokes fn up to p.MaxAttempts times, sleeping an exponentially doubling
// backoff between attempts. Non-retryable errors (per errors.IsRetryable) and
// context expiry end the envelope immediately.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	delay := p.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return boterrors.Transient(op, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !boterrors.IsRetryable(lastErr) {
			return lastErr
		}

		if attempt == p.MaxAttempts {
			break
		}

		slog.Debug("retrying after failure",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", p.MaxAttempts),
			slog.String("error", lastErr.Error()),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return boterrors.Transient(op, ctx.Err())
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return fmt.Errorf("%s: exhausted %d attempts: %w", op, p.MaxAttempts, lastErr)
}

// DoValue is Do for functions that return a value.
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
