package progress

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func validated(problemID string, at time.Time) Outcome {
	return Outcome{
		UserID:      "u1",
		ProblemID:   problemID,
		ProblemType: problem.TypeBiasDetection,
		Difficulty:  5,
		Validated:   true,
		Quality:     0.8,
		Points:      40,
		At:          at,
	}
}

func TestLevelFor(t *testing.T) {
	p := DefaultParams()
	cases := map[int64]int{0: 1, 99: 1, 100: 2, 249: 2, 250: 3, 10999: 9, 11000: 10, 1_000_000: 10}
	for xp, want := range cases {
		assert.Equal(t, want, p.LevelFor(xp), "xp=%d", xp)
	}
}

func TestParams_Validate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	p := DefaultParams()
	p.LevelBreakpoints = []int64{10, 20}
	assert.Error(t, p.Validate())

	p = DefaultParams()
	p.LevelBreakpoints = []int64{0, 100, 100}
	assert.Error(t, p.Validate())

	p = DefaultParams()
	p.ProficiencyAlpha = 0
	assert.Error(t, p.Validate())
}

func TestApply_ValidatedOutcome(t *testing.T) {
	u := NewUserProgress("u1")
	next, d := Apply(u, validated("p1", t0), DefaultParams())

	assert.Equal(t, int64(40), next.LifetimeScore)
	assert.Equal(t, int64(50), next.Experience)
	assert.Equal(t, 1, next.Level)
	assert.Equal(t, 1, next.CurrentStreak)
	assert.Equal(t, 1, next.BestStreak)
	assert.Equal(t, 1, next.ValidatedContributions)
	assert.Equal(t, []string{"p1"}, next.CompletedChallenges)
	assert.InDelta(t, 0.16, next.Proficiency(problem.TypeBiasDetection), 1e-12)
	assert.Equal(t, t0, *next.LastValidatedAt)
	assert.Equal(t, t0, *next.LastActivityAt)
	assert.False(t, d.Replay)
	assert.Equal(t, int64(50), d.ExperienceGained)

	assert.Zero(t, u.Experience, "input must not be mutated")
	assert.Empty(t, u.CompletedChallenges)
}

func TestApply_StreakWithinWindowThenReset(t *testing.T) {
	params := DefaultParams()
	last := t0
	u := NewUserProgress("u1")
	u.CurrentStreak = 3
	u.BestStreak = 5
	u.LastValidatedAt = &last

	next, d := Apply(u, validated("p9", t0.Add(23*time.Hour)), params)
	assert.Equal(t, 4, next.CurrentStreak)
	assert.Equal(t, 5, next.BestStreak)
	assert.Equal(t, 3, d.StreakBefore)
	assert.Equal(t, 4, d.StreakAfter)

	after, _ := Apply(next, validated("p10", t0.Add(23*time.Hour+params.StreakWindow+time.Minute)), params)
	assert.Equal(t, 1, after.CurrentStreak)
	assert.Equal(t, 5, after.BestStreak)
}

func TestApply_BestStreakFollowsCurrent(t *testing.T) {
	u := NewUserProgress("u1")
	params := DefaultParams()
	for i := 0; i < 6; i++ {
		u, _ = Apply(u, validated(string(rune('a'+i)), t0.Add(time.Duration(i)*time.Hour)), params)
	}
	assert.Equal(t, 6, u.CurrentStreak)
	assert.Equal(t, 6, u.BestStreak)
}

func TestApply_OutOfOrderOutcomeKeepsRecencyAnchor(t *testing.T) {
	params := DefaultParams()
	u := NewUserProgress("u1")

	u, _ = Apply(u, validated("b", t0.Add(time.Hour)), params)
	u, d := Apply(u, validated("a", t0), params)
	assert.Equal(t, 2, d.StreakAfter)
	assert.Equal(t, t0.Add(time.Hour), *u.LastValidatedAt)
	assert.Equal(t, t0.Add(time.Hour), *u.LastActivityAt)

	u, d = Apply(u, validated("c", t0.Add(24*time.Hour+30*time.Minute)), params)
	assert.Equal(t, 3, d.StreakAfter)
	assert.Equal(t, 3, u.BestStreak)
	assert.Equal(t, t0.Add(24*time.Hour+30*time.Minute), *u.LastValidatedAt)
}

func TestApply_RejectedOnlyTouchesActivity(t *testing.T) {
	u := NewUserProgress("u1")
	o := validated("p1", t0)
	o.Validated = false

	next, d := Apply(u, o, DefaultParams())

	assert.Equal(t, t0, *next.LastActivityAt)
	assert.Nil(t, next.LastValidatedAt)
	assert.Zero(t, next.Experience)
	assert.Zero(t, next.CurrentStreak)
	assert.Empty(t, next.CompletedChallenges)
	assert.Zero(t, d.ExperienceGained)
}

func TestApply_ReplayIsSkipped(t *testing.T) {
	params := DefaultParams()
	once, _ := Apply(NewUserProgress("u1"), validated("p1", t0), params)
	twice, d := Apply(once, validated("p1", t0.Add(time.Minute)), params)

	assert.True(t, d.Replay)
	assert.Equal(t, once.Experience, twice.Experience)
	assert.Equal(t, once.LifetimeScore, twice.LifetimeScore)
	assert.Equal(t, once.CurrentStreak, twice.CurrentStreak)
	assert.Equal(t, []string{"p1"}, twice.CompletedChallenges)
}

func TestApply_LevelNeverDecreases(t *testing.T) {
	u := NewUserProgress("u1")
	u.Level = 7
	u.Experience = 10

	next, d := Apply(u, validated("p1", t0), DefaultParams())
	assert.Equal(t, 7, next.Level)
	assert.False(t, d.LeveledUp())
}

func TestApply_RandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	params := DefaultParams()
	types := problem.AllTypes()

	for run := 0; run < 50; run++ {
		u := NewUserProgress("u1")
		at := t0
		for i := 0; i < 200; i++ {
			at = at.Add(time.Duration(rng.Int63n(int64(60 * time.Hour))))
			o := Outcome{
				ProblemID:   string(rune('A' + rng.Intn(40))),
				ProblemType: types[rng.Intn(len(types))],
				Difficulty:  1 + rng.Intn(10),
				Validated:   rng.Intn(4) != 0,
				Quality:     rng.Float64()*1.4 - 0.2,
				Points:      rng.Intn(100),
				At:          at,
			}
			prevLevel := u.Level
			u, _ = Apply(u, o, params)

			require.NoError(t, u.CheckInvariants())
			require.GreaterOrEqual(t, u.BestStreak, u.CurrentStreak)
			require.GreaterOrEqual(t, u.Level, prevLevel)
			require.Equal(t, params.LevelFor(u.Experience), u.Level)
		}
	}
}

func TestAddAchievement(t *testing.T) {
	u := NewUserProgress("u1")
	assert.True(t, u.AddAchievement("first_contribution", t0))
	assert.False(t, u.AddAchievement("first_contribution", t0.Add(time.Hour)))
	assert.Equal(t, t0, u.Achievements["first_contribution"])
	assert.Equal(t, []string{"first_contribution"}, u.AchievementIDs())

	cp := u.Clone()
	cp.AddAchievement("streak_3", t0)
	assert.False(t, u.HasAchievement("streak_3"))
}
