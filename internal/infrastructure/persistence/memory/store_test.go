package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/research-pipeline/internal/domain/contribution"
	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/progress"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

var storeTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func storeProblem(id string) *problem.Problem {
	return &problem.Problem{
		ID:               id,
		Type:             problem.TypeBiasDetection,
		Difficulty:       3,
		QualityThreshold: 0.5,
		Active:           true,
		Criteria:         problem.Criteria{{Metric: "accuracy", Threshold: 1}},
		GroundTruth:      problem.GroundTruth{Labels: map[string]string{"s1": "gender"}},
	}
}

func TestProblemRepository_TotalsFollowCounters(t *testing.T) {
	ctx := context.Background()
	counters := NewCounterStore()
	repo := NewProblemRepository().WithCounters(counters)
	require.NoError(t, repo.Save(ctx, storeProblem("p1")))

	for _, id := range []string{"c1", "c2", "c1"} {
		_, err := counters.IncrementProblemCounter(ctx, "p1", id)
		require.NoError(t, err)
	}

	p, err := repo.GetProblem(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.TotalContributions)

	all, err := repo.ListProblems(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(2), all[0].TotalContributions)
}

func TestProgressRepository_OutboxOnlyOnSuccessfulSwap(t *testing.T) {
	ctx := context.Background()
	outbox := NewOutbox()
	repo := NewProgressRepository().WithOutbox(outbox)
	event := shared.NewAchievementUnlockedEvent("u1", "first_contribution", "First", storeTime)

	err := repo.CompareAndSwapUserProgress(ctx, "u1", 3, progress.NewUserProgress("u1"), event)
	assert.ErrorIs(t, err, progress.ErrVersionMismatch)
	assert.Zero(t, outbox.Len())

	require.NoError(t, repo.CompareAndSwapUserProgress(ctx, "u1", 0, progress.NewUserProgress("u1"), event))
	assert.Equal(t, 1, outbox.Len())

	// Same fact again keeps one entry.
	require.NoError(t, repo.CompareAndSwapUserProgress(ctx, "u1", 1, progress.NewUserProgress("u1"), event))
	assert.Equal(t, 1, outbox.Len())
}

func TestContributionRepository_OutboxOnFinalize(t *testing.T) {
	ctx := context.Background()
	outbox := NewOutbox()
	repo := NewContributionRepository().WithOutbox(outbox)

	c := &contribution.Contribution{
		ID:          "c1",
		UserID:      "u1",
		ProblemID:   "p1",
		Status:      contribution.StatusPending,
		SubmittedAt: storeTime,
	}
	require.NoError(t, repo.PersistContribution(ctx, c))
	assert.Zero(t, outbox.Len())

	final := c.Clone()
	final.Status = contribution.StatusValidated
	event := shared.NewContributionValidatedEvent("c1", "u1", "p1", "validated", 1, 1, 30, storeTime)
	require.NoError(t, repo.PersistContribution(ctx, final, event))
	assert.Equal(t, 1, outbox.Len())

	again := final.Clone()
	err := repo.PersistContribution(ctx, again, shared.NewContributionValidatedEvent("c1", "u1", "p1", "rejected", 0, 0, 0, storeTime))
	assert.ErrorIs(t, err, contribution.ErrContributionConflict)
	assert.Equal(t, 1, outbox.Len())
}

func TestOutbox_PendingDeliveredFailed(t *testing.T) {
	ctx := context.Background()
	outbox := NewOutbox()
	clock := storeTime
	outbox.now = func() time.Time { return clock }

	a := shared.NewAchievementUnlockedEvent("u1", "a", "", storeTime)
	b := shared.NewAchievementUnlockedEvent("u1", "b", "", storeTime)
	envs, err := shared.OutboxEnvelopes([]shared.Event{a})
	require.NoError(t, err)
	outbox.add(envs)
	clock = clock.Add(time.Minute)
	envs, err = shared.OutboxEnvelopes([]shared.Event{b})
	require.NoError(t, err)
	outbox.add(envs)

	pending, err := outbox.PendingEvents(ctx, storeTime.Add(30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.EventID(), pending[0].Envelope.ID)

	require.NoError(t, outbox.MarkFailed(ctx, a.EventID()))
	pending, err = outbox.PendingEvents(ctx, storeTime.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempts)

	e, err := pending[1].Event()
	require.NoError(t, err)
	assert.Equal(t, shared.EventAchievementUnlocked, e.EventType())
	assert.Equal(t, "b", e.Payload()["achievement_id"])

	require.NoError(t, outbox.MarkDelivered(ctx, a.EventID()))
	require.NoError(t, outbox.MarkDelivered(ctx, "unknown"))
	assert.Equal(t, 1, outbox.Len())
}
