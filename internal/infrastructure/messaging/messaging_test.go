package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/research-pipeline/internal/domain/shared"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

var t0 = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

func syncBus() *InMemoryEventBus {
	return NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: false, Logger: logger.Nop()})
}

func TestInMemoryEventBus_RoutesByType(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	var unlocked, all []string
	require.NoError(t, bus.Subscribe(shared.EventAchievementUnlocked, func(ctx context.Context, e shared.Event) error {
		unlocked = append(unlocked, e.EventID())
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(ctx context.Context, e shared.Event) error {
		all = append(all, string(e.EventType()))
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, shared.NewAchievementUnlockedEvent("u1", "streak_3", "On a Roll", t0)))
	require.NoError(t, bus.Publish(ctx, shared.NewContributionValidatedEvent("c1", "u1", "p1", "validated", 0.9, 0.8, 40, t0)))

	assert.Len(t, unlocked, 1)
	assert.Equal(t, []string{"achievement.unlocked", "contribution.validated"}, all)
}

func TestInMemoryEventBus_SyncReturnsHandlerError(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	boom := errors.New("boom")
	var calls int
	require.NoError(t, bus.SubscribeAll(func(context.Context, shared.Event) error { calls++; return boom }))
	require.NoError(t, bus.SubscribeAll(func(context.Context, shared.Event) error { calls++; return nil }))

	err := bus.Publish(context.Background(), shared.NewAchievementUnlockedEvent("u1", "a", "", t0))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestInMemoryEventBus_AsyncDrainsOnClose(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2, Logger: logger.Nop()})

	var n atomic.Int64
	require.NoError(t, bus.SubscribeAll(func(context.Context, shared.Event) error {
		time.Sleep(5 * time.Millisecond)
		n.Add(1)
		return nil
	}))
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), shared.NewAchievementUnlockedEvent("u1", "a", "", t0)))
	}
	require.NoError(t, bus.Close())

	assert.Equal(t, int64(5), n.Load())
	assert.ErrorIs(t, bus.Publish(context.Background(), shared.NewAchievementUnlockedEvent("u1", "a", "", t0)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventAchievementUnlocked, func(context.Context, shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryEventBus_NilHandler(t *testing.T) {
	bus := syncBus()
	assert.ErrorIs(t, bus.Subscribe(shared.EventAchievementUnlocked, nil), ErrNilHandler)
	assert.ErrorIs(t, bus.SubscribeAll(nil), ErrNilHandler)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	e := shared.NewContributionValidatedEvent("c1", "u1", "p1", "validated", 0.9, 0.75, 40, t0)

	data, err := encodeEnvelope(e, "test")
	require.NoError(t, err)

	got, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, e.EventID(), got.EventID())
	assert.Equal(t, shared.EventContributionValidated, got.EventType())
	assert.Equal(t, "c1", got.AggregateID())
	assert.True(t, t0.Equal(got.OccurredAt()))
	assert.Equal(t, "u1", got.Payload()["user_id"])
	assert.Equal(t, float64(40), got.Payload()["points"])
	assert.Equal(t, "test", got.Envelope.Source)
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	_, err := decodeEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = decodeEnvelope([]byte(`{"id":"x"}`))
	assert.Error(t, err)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "research.achievement.unlocked", Subject("research", shared.EventAchievementUnlocked))
	assert.Equal(t, "research.achievement.unlocked", Subject("research.", shared.EventAchievementUnlocked))
	assert.Equal(t, "achievement.unlocked", Subject("", shared.EventAchievementUnlocked))
}

func newTestDispatcher(bus *InMemoryEventBus, attempts int) *Dispatcher {
	return NewDispatcher(DispatcherConfig{
		Subscriber:     bus,
		MaxAttempts:    attempts,
		InitialDelay:   time.Millisecond,
		HandlerTimeout: time.Second,
		DeadLetterSize: 2,
		Logger:         logger.Nop(),
	})
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	bus := syncBus()
	d := newTestDispatcher(bus, 3)

	var calls int
	require.NoError(t, d.Register(shared.EventAchievementUnlocked, "flaky", func(context.Context, shared.Event) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), shared.NewAchievementUnlockedEvent("u1", "a", "", t0)))
	assert.Equal(t, 3, calls)
	assert.Zero(t, d.DeadLetterQueue().Size())
}

func TestDispatcher_DeadLettersAfterExhaustion(t *testing.T) {
	bus := syncBus()
	d := newTestDispatcher(bus, 2)
	require.NoError(t, d.RegisterAll("broken", func(context.Context, shared.Event) error {
		return errors.New("down")
	}))

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		assert.Error(t, bus.Publish(ctx, shared.NewAchievementUnlockedEvent("u1", id, "", t0)))
	}

	entries := d.DeadLetterQueue().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "broken", entries[0].Handler)
	assert.Equal(t, shared.NewAchievementUnlockedEvent("u1", "b", "", t0).EventID(), entries[0].Event.EventID())

	first, ok := d.DeadLetterQueue().Pop()
	require.True(t, ok)
	assert.Equal(t, entries[0].Event.EventID(), first.Event.EventID())
	assert.Equal(t, 1, d.DeadLetterQueue().Size())
}

func TestDispatcher_PanicIsNotRetried(t *testing.T) {
	bus := syncBus()
	d := newTestDispatcher(bus, 5)

	var mu sync.Mutex
	var calls int
	require.NoError(t, d.RegisterAll("panicky", func(context.Context, shared.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("nil map")
	}))

	err := bus.Publish(context.Background(), shared.NewAchievementUnlockedEvent("u1", "a", "", t0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic")
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, d.DeadLetterQueue().Size())
}
