package query

import (
	"context"
	"sort"
	"time"

	"github.com/alem-hub/research-pipeline/internal/domain/achievement"
	"github.com/alem-hub/research-pipeline/internal/domain/progress"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET USER PROGRESS QUERY
// Текущее состояние прогресса пользователя и его достижения.
// ══════════════════════════════════════════════════════════════════════════════

// GetUserProgressQuery - параметры запроса.
type GetUserProgressQuery struct {
	UserID string
}

// Validate проверяет запрос.
func (q GetUserProgressQuery) Validate() error {
	if !shared.UserID(q.UserID).IsValid() {
		return shared.NewDomainError("progress", "Get", shared.ErrInvalidInput, "user ID is required")
	}
	return nil
}

// AchievementDTO - разблокированное достижение.
type AchievementDTO struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	UnlockedAt time.Time `json:"unlocked_at"`
}

// UserProgressDTO - прогресс пользователя.
type UserProgressDTO struct {
	UserID                 string             `json:"user_id"`
	Level                  int                `json:"level"`
	Experience             int64              `json:"experience"`
	NextLevelAt            *int64             `json:"next_level_at,omitempty"`
	LifetimeScore          int64              `json:"lifetime_score"`
	ValidatedContributions int                `json:"validated_contributions"`
	CompletedChallenges    []string           `json:"completed_challenges"`
	SkillProficiency       map[string]float64 `json:"skill_proficiency"`
	CurrentStreak          int                `json:"current_streak"`
	BestStreak             int                `json:"best_streak"`
	Achievements           []AchievementDTO   `json:"achievements"`
	LastActivityAt         *time.Time         `json:"last_activity_at,omitempty"`
	Version                int64              `json:"version"`
}

// GetUserProgressHandler обрабатывает запрос.
type GetUserProgressHandler struct {
	repo   progress.Repository
	rules  *achievement.RuleSet
	params progress.Params
}

// NewGetUserProgressHandler создаёт обработчик.
func NewGetUserProgressHandler(repo progress.Repository, rules *achievement.RuleSet, params progress.Params) *GetUserProgressHandler {
	return &GetUserProgressHandler{repo: repo, rules: rules, params: params}
}

// Handle выполняет запрос. Пользователь без истории получает начальное состояние.
func (h *GetUserProgressHandler) Handle(ctx context.Context, q GetUserProgressQuery) (*UserProgressDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	u, err := h.repo.GetUserProgress(ctx, q.UserID)
	if err != nil {
		return nil, shared.StorageError("progress", "Get", err)
	}
	return h.toDTO(u), nil
}

func (h *GetUserProgressHandler) toDTO(u *progress.UserProgress) *UserProgressDTO {
	dto := &UserProgressDTO{
		UserID:                 u.UserID,
		Level:                  u.Level,
		Experience:             u.Experience,
		LifetimeScore:          u.LifetimeScore,
		ValidatedContributions: u.ValidatedContributions,
		CompletedChallenges:    append([]string{}, u.CompletedChallenges...),
		SkillProficiency:       make(map[string]float64, len(u.SkillProficiency)),
		CurrentStreak:          u.CurrentStreak,
		BestStreak:             u.BestStreak,
		Achievements:           make([]AchievementDTO, 0, len(u.Achievements)),
		LastActivityAt:         u.LastActivityAt,
		Version:                u.Version,
	}
	for t, v := range u.SkillProficiency {
		dto.SkillProficiency[string(t)] = v
	}

	// Следующий порог опыта, если он есть.
	if u.Level < len(h.params.LevelBreakpoints) {
		next := h.params.LevelBreakpoints[u.Level]
		dto.NextLevelAt = &next
	}

	for id, at := range u.Achievements {
		a := AchievementDTO{ID: id, UnlockedAt: at}
		if h.rules != nil {
			if r, ok := h.rules.Get(id); ok {
				a.Name = r.Name
			}
		}
		dto.Achievements = append(dto.Achievements, a)
	}
	sort.Slice(dto.Achievements, func(i, j int) bool {
		if !dto.Achievements[i].UnlockedAt.Equal(dto.Achievements[j].UnlockedAt) {
			return dto.Achievements[i].UnlockedAt.Before(dto.Achievements[j].UnlockedAt)
		}
		return dto.Achievements[i].ID < dto.Achievements[j].ID
	})
	return dto
}
