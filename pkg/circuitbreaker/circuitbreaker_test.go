package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("connection refused")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func failing(context.Context) error { return errDown }
func ok(context.Context) error      { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	var transitions []State
	cb := New("db",
		WithFailureThreshold(3),
		WithOnStateChange(func(_ string, _, to State) { transitions = append(transitions, to) }),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failing), errDown)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsRejected(err))
	assert.False(t, called)
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestBreaker_HalfOpenProbeClosesCircuit(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := New("db",
		WithFailureThreshold(1),
		WithSuccessThreshold(1),
		WithOpenTimeout(10*time.Second),
		WithClock(clock.now),
	)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	require.Equal(t, StateOpen, cb.State())

	clock.advance(9 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)

	clock.advance(2 * time.Second)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := New("db", WithFailureThreshold(1), WithOpenTimeout(time.Second), WithClock(clock.now))
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	clock.advance(2 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, failing), errDown)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)
}

func TestBreaker_IsFailureFiltersCallerErrors(t *testing.T) {
	errMismatch := errors.New("version mismatch")
	cb := New("db",
		WithFailureThreshold(1),
		WithIsFailure(func(err error) bool { return !errors.Is(err, errMismatch) }),
	)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errMismatch })
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 5, cb.Counts().TotalSuccesses)
}

func TestExecuteValue(t *testing.T) {
	cb := New("cache")
	v, err := ExecuteValue(context.Background(), cb, func(context.Context) (string, error) {
		return "hit", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hit", v)
}
