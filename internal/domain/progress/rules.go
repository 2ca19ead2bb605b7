package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PARAMS
// ══════════════════════════════════════════════════════════════════════════════

// Params - настраиваемые параметры прогрессии.
type Params struct {
	// LevelBreakpoints[i] - минимальный опыт для уровня i+1. Начинается с 0, строго растёт.
	LevelBreakpoints []int64
	StreakWindow     time.Duration
	ProficiencyAlpha float64
	XPPerDifficulty  int64
}

// DefaultParams возвращает значения по умолчанию.
func DefaultParams() Params {
	return Params{
		LevelBreakpoints: []int64{0, 100, 250, 500, 1000, 2000, 3500, 5500, 8000, 11000},
		StreakWindow:     24 * time.Hour,
		ProficiencyAlpha: 0.2,
		XPPerDifficulty:  10,
	}
}

// Validate проверяет параметры.
func (p Params) Validate() error {
	var errs []error
	if len(p.LevelBreakpoints) == 0 || p.LevelBreakpoints[0] != 0 {
		errs = append(errs, errors.New("level breakpoints must start at 0"))
	}
	for i := 1; i < len(p.LevelBreakpoints); i++ {
		if p.LevelBreakpoints[i] <= p.LevelBreakpoints[i-1] {
			errs = append(errs, fmt.Errorf("level breakpoint %d is not above the previous one", i))
		}
	}
	if p.StreakWindow <= 0 {
		errs = append(errs, errors.New("streak window must be positive"))
	}
	if p.ProficiencyAlpha <= 0 || p.ProficiencyAlpha > 1 {
		errs = append(errs, errors.New("proficiency alpha must be in (0,1]"))
	}
	if p.XPPerDifficulty <= 0 {
		errs = append(errs, errors.New("xp per difficulty must be positive"))
	}
	return errors.Join(errs...)
}

// LevelFor - ступенчатая функция опыта: число пройденных порогов.
func (p Params) LevelFor(xp int64) int {
	level := 0
	for _, bp := range p.LevelBreakpoints {
		if xp < bp {
			break
		}
		level++
	}
	if level < 1 {
		return 1
	}
	return level
}

// ══════════════════════════════════════════════════════════════════════════════
// OUTCOME & APPLY
// ══════════════════════════════════════════════════════════════════════════════

// Outcome - результат одного вклада, применяемый к прогрессу.
type Outcome struct {
	UserID         string
	ContributionID string
	ProblemID      string
	ProblemType    problem.Type
	Difficulty     int
	Validated      bool
	Quality        float64
	Points         int
	At             time.Time
}

// Delta описывает, что изменило применение результата.
type Delta struct {
	// Replay - результат для этой задачи уже был засчитан ранее.
	Replay           bool
	ExperienceGained int64
	PointsGained     int64
	LevelBefore      int
	LevelAfter       int
	StreakBefore     int
	StreakAfter      int
}

// LeveledUp сообщает о повышении уровня.
func (d Delta) LeveledUp() bool { return d.LevelAfter > d.LevelBefore }

// Apply - чистая функция: возвращает новое состояние и дельту, не меняя u.
func Apply(u *UserProgress, o Outcome, params Params) (*UserProgress, Delta) {
	next := u.Clone()
	at := o.At.UTC()
	d := Delta{
		LevelBefore:  u.Level,
		LevelAfter:   u.Level,
		StreakBefore: u.CurrentStreak,
		StreakAfter:  u.CurrentStreak,
	}

	if u.LastActivityAt == nil || at.After(*u.LastActivityAt) {
		next.LastActivityAt = &at
	}
	next.UpdatedAt = at

	if !o.Validated {
		return next, d
	}
	if u.HasCompleted(o.ProblemID) {
		d.Replay = true
		return next, d
	}

	points := int64(o.Points)
	if points < 0 {
		points = 0
	}
	xp := params.XPPerDifficulty * int64(o.Difficulty)
	if xp < 0 {
		xp = 0
	}
	next.LifetimeScore += points
	next.Experience += xp
	if lvl := params.LevelFor(next.Experience); lvl > next.Level {
		next.Level = lvl
	}

	// Результат, пришедший не по порядку (at раньше якоря), считается внутри окна.
	if u.LastValidatedAt != nil && at.Sub(*u.LastValidatedAt) <= params.StreakWindow {
		next.CurrentStreak = u.CurrentStreak + 1
	} else {
		next.CurrentStreak = 1
	}
	if next.CurrentStreak > next.BestStreak {
		next.BestStreak = next.CurrentStreak
	}

	old := next.SkillProficiency[o.ProblemType]
	q := shared.Clamp01(shared.Finite(o.Quality))
	next.SkillProficiency[o.ProblemType] = shared.Clamp01(old + params.ProficiencyAlpha*(q-old))

	next.CompletedChallenges = append(next.CompletedChallenges, o.ProblemID)
	next.ValidatedContributions++
	if u.LastValidatedAt == nil || at.After(*u.LastValidatedAt) {
		next.LastValidatedAt = &at
	}

	d.ExperienceGained = xp
	d.PointsGained = points
	d.LevelAfter = next.Level
	d.StreakAfter = next.CurrentStreak
	return next, d
}
