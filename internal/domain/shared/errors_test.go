package shared

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestReject_KindFollowsReason(t *testing.T) {
	err := Reject("contribution", "Validate", ReasonMalformedSolution, "missing field detections")

	assert.ErrorIs(t, err, ErrMalformedSolution)
	assert.True(t, IsRejection(err))
	assert.False(t, IsRetryable(err))

	code, ok := ReasonOf(fmt.Errorf("submit: %w", err))
	assert.True(t, ok)
	assert.Equal(t, ReasonMalformedSolution, code)
}

func TestStorageError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := StorageError("progress", "Get", cause)

	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsStorageUnavailable(err))

	code, _ := ReasonOf(err)
	assert.Equal(t, ReasonStorageUnavailable, code)

	conflict := Reject("progress", "Apply", ReasonProgressionConflict, "retries exhausted")
	assert.Same(t, conflict, StorageError("progress", "Apply", conflict).(*DomainError))
	assert.Nil(t, StorageError("x", "y", nil))
}

func TestReasonOf_BareSentinel(t *testing.T) {
	code, ok := ReasonOf(fmt.Errorf("wrapped: %w", ErrDuplicateSubmission))
	assert.True(t, ok)
	assert.Equal(t, ReasonDuplicateSubmission, code)

	_, ok = ReasonOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Reject("progress", "Apply", ReasonProgressionConflict, "x")))
	assert.False(t, IsRetryable(Reject("progress", "Apply", ReasonStorageUnavailable, "x")))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.5))
	assert.Equal(t, 1.0, Clamp01(1.5))
	assert.Equal(t, 0.25, Clamp01(0.25))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
	assert.Equal(t, 0.0, Finite(math.Inf(1)))
	assert.Equal(t, 3.0, Finite(3))
}

func TestDeterministicEventID(t *testing.T) {
	a := NewAchievementUnlockedEvent("u1", "first_contribution", "First", testTime)
	b := NewAchievementUnlockedEvent("u1", "first_contribution", "First", testTime.Add(1))
	c := NewAchievementUnlockedEvent("u2", "first_contribution", "First", testTime)

	assert.Equal(t, a.EventID(), b.EventID())
	assert.NotEqual(t, a.EventID(), c.EventID())
	assert.Equal(t, EventAchievementUnlocked, a.EventType())
	assert.Equal(t, "u1", a.AggregateID())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	ev := NewContributionValidatedEvent("c1", "u1", "p1", "validated", 0.74, 0.5, 52, testTime)
	ev.BaseEvent = ev.WithCorrelationID("req-7")

	env, err := NewEnvelope(ev, "instance-a")
	assert.NoError(t, err)
	assert.Equal(t, ev.EventID(), env.ID)
	assert.Equal(t, "req-7", env.CorrelationID)

	back, err := FromEnvelope(env)
	assert.NoError(t, err)
	assert.Equal(t, "c1", back.Payload()["contribution_id"])
	assert.Equal(t, float64(52), back.Payload()["points"])
}
