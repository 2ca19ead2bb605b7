// Package progress содержит доменную модель прогресса пользователя:
// опыт, уровень, серии, навыки и разблокированные достижения.
// Изменения применяются только через Apply и сохраняются через CAS по версии.
package progress

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
)

// ══════════════════════════════════════════════════════════════════════════════
// USER PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// UserProgress - агрегат прогресса одного пользователя.
// Version - токен оптимистичной блокировки, растёт на 1 при каждой записи.
type UserProgress struct {
	UserID  string
	Version int64

	Level                  int
	Experience             int64
	LifetimeScore          int64
	ValidatedContributions int

	// CompletedChallenges - упорядоченный список без повторов.
	CompletedChallenges []string
	SkillProficiency    map[problem.Type]float64
	// Achievements - множество: id достижения -> момент разблокировки.
	Achievements map[string]time.Time

	CurrentStreak   int
	BestStreak      int
	LastValidatedAt *time.Time
	LastActivityAt  *time.Time

	UpdatedAt time.Time
}

// NewUserProgress создаёт начальное состояние для пользователя без истории.
func NewUserProgress(userID string) *UserProgress {
	return &UserProgress{
		UserID:           userID,
		Level:            1,
		SkillProficiency: make(map[problem.Type]float64),
		Achievements:     make(map[string]time.Time),
	}
}

// Clone возвращает глубокую копию.
func (u *UserProgress) Clone() *UserProgress {
	cp := *u
	cp.CompletedChallenges = append([]string(nil), u.CompletedChallenges...)
	cp.SkillProficiency = make(map[problem.Type]float64, len(u.SkillProficiency))
	for k, v := range u.SkillProficiency {
		cp.SkillProficiency[k] = v
	}
	cp.Achievements = make(map[string]time.Time, len(u.Achievements))
	for k, v := range u.Achievements {
		cp.Achievements[k] = v
	}
	if u.LastValidatedAt != nil {
		t := *u.LastValidatedAt
		cp.LastValidatedAt = &t
	}
	if u.LastActivityAt != nil {
		t := *u.LastActivityAt
		cp.LastActivityAt = &t
	}
	return &cp
}

// HasCompleted проверяет, засчитана ли уже задача.
func (u *UserProgress) HasCompleted(problemID string) bool {
	for _, id := range u.CompletedChallenges {
		if id == problemID {
			return true
		}
	}
	return false
}

// HasAchievement проверяет наличие достижения в множестве.
func (u *UserProgress) HasAchievement(id string) bool {
	_, ok := u.Achievements[id]
	return ok
}

// AddAchievement добавляет достижение, если его ещё нет. Возвращает false, если уже было.
func (u *UserProgress) AddAchievement(id string, at time.Time) bool {
	if u.HasAchievement(id) {
		return false
	}
	if u.Achievements == nil {
		u.Achievements = make(map[string]time.Time)
	}
	u.Achievements[id] = at.UTC()
	return true
}

// AchievementIDs возвращает id достижений в алфавитном порядке.
func (u *UserProgress) AchievementIDs() []string {
	ids := make([]string, 0, len(u.Achievements))
	for id := range u.Achievements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Proficiency возвращает уровень навыка по типу задач (0, если не было попыток).
func (u *UserProgress) Proficiency(t problem.Type) float64 {
	return u.SkillProficiency[t]
}

// CheckInvariants проверяет инварианты агрегата.
func (u *UserProgress) CheckInvariants() error {
	var errs []error
	if u.BestStreak < u.CurrentStreak {
		errs = append(errs, fmt.Errorf("best streak %d below current %d", u.BestStreak, u.CurrentStreak))
	}
	if u.Level < 1 {
		errs = append(errs, fmt.Errorf("level %d below 1", u.Level))
	}
	if u.Experience < 0 || u.LifetimeScore < 0 {
		errs = append(errs, errors.New("experience and lifetime score must be non-negative"))
	}
	for t, v := range u.SkillProficiency {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("proficiency %s=%.4f outside [0,1]", t, v))
		}
	}
	seen := make(map[string]bool, len(u.CompletedChallenges))
	for _, id := range u.CompletedChallenges {
		if seen[id] {
			errs = append(errs, fmt.Errorf("challenge %s completed twice", id))
		}
		seen[id] = true
	}
	return errors.Join(errs...)
}
