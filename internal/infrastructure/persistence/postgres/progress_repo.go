package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/progress"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ProgressRepository implements progress.Repository for PostgreSQL.
// The row and its achievements are written in one transaction guarded by
// the version column.
type ProgressRepository struct {
	conn *Connection
}

// NewProgressRepository creates a new ProgressRepository.
func NewProgressRepository(conn *Connection) *ProgressRepository {
	return &ProgressRepository{conn: conn}
}

// GetUserProgress returns the stored progress, or a Version 0 initial state.
func (r *ProgressRepository) GetUserProgress(ctx context.Context, userID string) (*progress.UserProgress, error) {
	query := `
		SELECT user_id, version, level, experience, lifetime_score,
			validated_contributions, completed_challenges, skill_proficiency,
			current_streak, best_streak, last_validated_at, last_activity_at, updated_at
		FROM user_progress
		WHERE user_id = $1
	`

	var u *progress.UserProgress
	err := r.conn.guard(ctx, func(ctx context.Context) error {
		var err error
		u, err = scanProgress(r.conn.pool.QueryRow(ctx, query, userID))
		if err != nil {
			return err
		}
		return r.loadAchievements(ctx, r.conn.pool, u)
	})
	if err != nil {
		if IsNoRows(err) {
			return progress.NewUserProgress(userID), nil
		}
		return nil, fmt.Errorf("failed to get user progress: %w", err)
	}
	return u, nil
}

// CompareAndSwapUserProgress writes next if the stored version equals
// expectedVersion. Achievements are insert-only. events go to the outbox in
// the same transaction.
func (r *ProgressRepository) CompareAndSwapUserProgress(ctx context.Context, userID string, expectedVersion int64, next *progress.UserProgress, events ...shared.Event) error {
	skills, err := json.Marshal(next.SkillProficiency)
	if err != nil {
		return fmt.Errorf("failed to marshal skill proficiency: %w", err)
	}
	completed := next.CompletedChallenges
	if completed == nil {
		completed = []string{}
	}
	newVersion := expectedVersion + 1
	updatedAt := next.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	args := []any{
		userID,
		newVersion,
		next.Level,
		next.Experience,
		next.LifetimeScore,
		next.ValidatedContributions,
		completed,
		skills,
		next.CurrentStreak,
		next.BestStreak,
		next.LastValidatedAt,
		next.LastActivityAt,
		updatedAt,
	}

	var query string
	if expectedVersion == 0 {
		query = `
			INSERT INTO user_progress (
				user_id, version, level, experience, lifetime_score,
				validated_contributions, completed_challenges, skill_proficiency,
				current_streak, best_streak, last_validated_at, last_activity_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (user_id) DO NOTHING
		`
	} else {
		query = `
			UPDATE user_progress SET
				version = $2,
				level = $3,
				experience = $4,
				lifetime_score = $5,
				validated_contributions = $6,
				completed_challenges = $7,
				skill_proficiency = $8,
				current_streak = $9,
				best_streak = $10,
				last_validated_at = $11,
				last_activity_at = $12,
				updated_at = $13
			WHERE user_id = $1 AND version = $14
		`
		args = append(args, expectedVersion)
	}

	err = r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return progress.ErrVersionMismatch
		}

		for _, id := range next.AchievementIDs() {
			if _, err := tx.Exec(ctx, `
				INSERT INTO user_achievements (user_id, achievement_id, unlocked_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id, achievement_id) DO NOTHING
			`, userID, id, next.Achievements[id]); err != nil {
				return fmt.Errorf("failed to insert achievement %s: %w", id, err)
			}
		}
		return writeOutbox(ctx, tx, events)
	})
	if err != nil {
		if errors.Is(err, progress.ErrVersionMismatch) {
			return err
		}
		return fmt.Errorf("failed to swap user progress: %w", err)
	}

	next.UserID = userID
	next.Version = newVersion
	return nil
}

func (r *ProgressRepository) loadAchievements(ctx context.Context, q Querier, u *progress.UserProgress) error {
	rows, err := q.Query(ctx, `
		SELECT achievement_id, unlocked_at
		FROM user_achievements
		WHERE user_id = $1
	`, u.UserID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			at time.Time
		)
		if err := rows.Scan(&id, &at); err != nil {
			return err
		}
		u.Achievements[id] = at.UTC()
	}
	return rows.Err()
}

func scanProgress(row pgx.Row) (*progress.UserProgress, error) {
	var (
		userID string
		skills []byte
	)
	u := progress.NewUserProgress("")
	err := row.Scan(
		&userID,
		&u.Version,
		&u.Level,
		&u.Experience,
		&u.LifetimeScore,
		&u.ValidatedContributions,
		&u.CompletedChallenges,
		&skills,
		&u.CurrentStreak,
		&u.BestStreak,
		&u.LastValidatedAt,
		&u.LastActivityAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.UserID = userID

	raw := make(map[string]float64)
	if err := json.Unmarshal(skills, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal skills of %s: %w", userID, err)
	}
	for k, v := range raw {
		u.SkillProficiency[problem.Type(k)] = v
	}
	return u, nil
}

var _ progress.Repository = (*ProgressRepository)(nil)
