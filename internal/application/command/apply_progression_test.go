package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/research-pipeline/internal/application"
	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/progress"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
	"github.com/alem-hub/research-pipeline/internal/infrastructure/persistence/memory"
)

type countingMetrics struct {
	retries   int
	conflicts int
}

func (m *countingMetrics) SubmissionFinished(string, time.Duration) {}
func (m *countingMetrics) ProgressionRetried()                      { m.retries++ }
func (m *countingMetrics) ProgressionConflicted()                   { m.conflicts++ }
func (m *countingMetrics) AchievementUnlocked(string)               {}
func (m *countingMetrics) CounterDeduplicated(string)               {}
func (m *countingMetrics) EventPublishFailed(string)                {}

type brokenProgress struct{ progress.Repository }

func (brokenProgress) GetUserProgress(context.Context, string) (*progress.UserProgress, error) {
	return nil, errors.New("connection refused")
}

func outcome(problemID string, at time.Time) progress.Outcome {
	return progress.Outcome{
		UserID:         "u1",
		ContributionID: "c-" + problemID,
		ProblemID:      problemID,
		ProblemType:    problem.TypeAlignment,
		Difficulty:     4,
		Validated:      true,
		Quality:        0.9,
		Points:         36,
		At:             at,
	}
}

func newTracker(t *testing.T, repo progress.Repository, retries int, m application.Metrics) *ProgressionTracker {
	t.Helper()
	cfg := DefaultProgressionConfig()
	cfg.MaxRetries = retries
	cfg.RetryDelay = time.Millisecond
	tr, err := NewProgressionTracker(repo, cfg, nil, m)
	require.NoError(t, err)
	return tr
}

func TestProgressionTracker_AppliesAndBumpsVersion(t *testing.T) {
	repo := memory.NewProgressRepository()
	tr := newTracker(t, repo, 3, &countingMetrics{})
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	res, err := tr.Apply(context.Background(), outcome("p1", at))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Progress.Version)
	assert.Equal(t, int64(40), res.Delta.ExperienceGained)
	assert.Equal(t, 1, res.Attempts)

	stored, err := repo.GetUserProgress(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, int64(36), stored.LifetimeScore)
}

func TestProgressionTracker_ReplayWritesNothing(t *testing.T) {
	repo := memory.NewProgressRepository()
	tr := newTracker(t, repo, 3, &countingMetrics{})
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := tr.Apply(context.Background(), outcome("p1", at))
	require.NoError(t, err)

	res, err := tr.Apply(context.Background(), outcome("p1", at.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, res.Delta.Replay)
	assert.Equal(t, int64(1), res.Progress.Version)
	assert.Equal(t, 1, res.Progress.ValidatedContributions)
}

func TestProgressionTracker_RetriesVersionMismatch(t *testing.T) {
	repo := &flakyProgress{Repository: memory.NewProgressRepository()}
	repo.failures.Store(2)
	m := &countingMetrics{}
	tr := newTracker(t, repo, 3, m)

	res, err := tr.Apply(context.Background(), outcome("p1", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, m.retries)
	assert.Zero(t, m.conflicts)
}

func TestProgressionTracker_ExhaustedIsProgressionConflict(t *testing.T) {
	repo := &flakyProgress{Repository: memory.NewProgressRepository()}
	repo.failures.Store(10)
	m := &countingMetrics{}
	tr := newTracker(t, repo, 2, m)

	_, err := tr.Apply(context.Background(), outcome("p1", time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrProgressionConflict)
	code, ok := shared.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, shared.ReasonProgressionConflict, code)
	assert.Equal(t, 1, m.conflicts)

	u, err := repo.GetUserProgress(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, u.Version)
}

func TestProgressionTracker_StorageFailure(t *testing.T) {
	tr := newTracker(t, brokenProgress{}, 3, &countingMetrics{})

	_, err := tr.Apply(context.Background(), outcome("p1", time.Now()))
	require.Error(t, err)
	assert.True(t, shared.IsStorageUnavailable(err))
	assert.False(t, shared.IsRetryable(err))
}

func TestProgressionTracker_RejectsBadParams(t *testing.T) {
	cfg := DefaultProgressionConfig()
	cfg.Params.StreakWindow = 0
	_, err := NewProgressionTracker(memory.NewProgressRepository(), cfg, nil, nil)
	assert.Error(t, err)
}

func TestProgressionTracker_ConcurrentOutcomesAllLand(t *testing.T) {
	repo := memory.NewProgressRepository()
	tr := newTracker(t, repo, 50, nil)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	problems := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	var g errgroup.Group
	for _, id := range problems {
		id := id
		g.Go(func() error {
			_, err := tr.Apply(context.Background(), outcome(id, at))
			return err
		})
	}
	require.NoError(t, g.Wait())

	u, err := repo.GetUserProgress(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, len(problems), u.ValidatedContributions)
	assert.Equal(t, int64(len(problems))*40, u.Experience)
	assert.Equal(t, int64(len(problems)), u.Version)
	assert.Equal(t, len(problems), u.CurrentStreak)
	assert.NoError(t, u.CheckInvariants())
}
