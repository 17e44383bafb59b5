// Package retry runs an operation again after transient failures with
// exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	umserr "github.com/alexjbarnes/ums-client/internal/errors"
)

const (
	// DefaultAttempts is the total number of tries, including the first.
	DefaultAttempts = 3

	// DefaultBackoff is the wait before the second try.
	DefaultBackoff = time.Second

	// maxBackoff caps the doubling.
	maxBackoff = 30 * time.Second

	// jitterDivisor bounds jitter to [0, backoff/jitterDivisor).
	jitterDivisor = 4
)

// Policy controls retries. The zero value uses the defaults.
type Policy struct {
	Attempts int
	Backoff  time.Duration
	Logger   *slog.Logger
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return DefaultAttempts
	}

	return p.Attempts
}

func (p Policy) backoff() time.Duration {
	if p.Backoff <= 0 {
		return DefaultBackoff
	}

	return p.Backoff
}

// Do calls fn until it succeeds, returns a non-transient error, the
// attempts are exhausted, or ctx is done.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	backoff := p.backoff()
	attempts := p.attempts()

	var zero T

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		if !umserr.IsTransient(err) || ctx.Err() != nil {
			return zero, err
		}

		if attempt >= attempts {
			return zero, fmt.Errorf("%s: giving up after %d attempts: %w", op, attempts, err)
		}

		if p.Logger != nil {
			p.Logger.Warn("transient failure, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
		}

		wait := backoff
		if j := int64(backoff) / jitterDivisor; j > 0 {
			wait += time.Duration(rand.Int64N(j)) //nolint:gosec // G404: jitter has no security impact
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, maxBackoff)
	}
}
