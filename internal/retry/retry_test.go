package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transient() error {
	return &umserr.TransientError{Err: errors.New("connection refused")}
}

func fastPolicy() Policy {
	return Policy{Attempts: 3, Backoff: time.Millisecond}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), "op", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return transient()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), "listing users", func(context.Context) error {
		calls++
		return transient()
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.True(t, umserr.IsTransient(err))
}

func TestDo_NonTransientNotRetried(t *testing.T) {
	calls := 0
	forbidden := &umserr.StatusError{StatusCode: 403}
	err := Do(context.Background(), fastPolicy(), "op", func(context.Context) error {
		calls++
		return forbidden
	})
	assert.ErrorIs(t, err, forbidden)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, Backoff: time.Hour}, "op", func(context.Context) error {
		calls++
		cancel()
		return transient()
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestValue_ReturnsResult(t *testing.T) {
	calls := 0
	v, err := Value(context.Background(), fastPolicy(), "op", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, transient()
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPolicy_Defaults(t *testing.T) {
	var p Policy
	assert.Equal(t, DefaultAttempts, p.attempts())
	assert.Equal(t, DefaultBackoff, p.backoff())
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Do(ctx, Policy{Attempts: 5, Backoff: time.Hour}, "op", func(context.Context) error {
		return transient()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
