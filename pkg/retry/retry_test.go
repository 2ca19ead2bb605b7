package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("conflict")

func fast(n int) *Retrier {
	return New(WithMaxAttempts(n), WithInitialDelay(0), WithJitter(0))
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := fast(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errConflict)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustedKeepsCause(t *testing.T) {
	calls := 0
	err := fast(4).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Retryable(errConflict)
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.True(t, IsExhausted(err))
	assert.ErrorIs(t, err, errConflict)
	assert.False(t, IsRetryable(err))

	var x *ExhaustedError
	require.ErrorAs(t, err, &x)
	assert.Equal(t, 4, x.Attempts)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := fast(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(errConflict)
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, errConflict, err)
}

func TestDo_UnmarkedErrorIsNotRetried(t *testing.T) {
	calls := 0
	err := fast(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errConflict
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, errConflict, err)
}

func TestDo_RetryIfOverridesMarkers(t *testing.T) {
	calls := 0
	r := New(WithMaxAttempts(3), WithInitialDelay(0), WithRetryIf(func(err error) bool {
		return errors.Is(err, errConflict)
	}))
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errConflict
	})

	assert.Equal(t, 3, calls)
	assert.True(t, IsExhausted(err))
}

func TestDo_ContextCancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r := New(WithMaxAttempts(10), WithInitialDelay(time.Hour), WithJitter(0))

	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func(ctx context.Context) error {
			calls++
			return Retryable(errConflict)
		})
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errConflict)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retrier did not observe cancellation")
	}
}

func TestDelay_CappedAndNonNegative(t *testing.T) {
	r := New(WithInitialDelay(10*time.Millisecond), WithMaxDelay(40*time.Millisecond), WithMultiplier(2), WithJitter(0))

	assert.Equal(t, 10*time.Millisecond, r.delay(1))
	assert.Equal(t, 20*time.Millisecond, r.delay(2))
	assert.Equal(t, 40*time.Millisecond, r.delay(3))
	assert.Equal(t, 40*time.Millisecond, r.delay(8))
}

func TestDoWithData(t *testing.T) {
	calls := 0
	v, err := DoWithData(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, Retryable(errConflict)
		}
		return 42, nil
	}, WithMaxAttempts(2), WithInitialDelay(0))

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
