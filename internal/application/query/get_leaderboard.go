// Package query contains read operations following CQRS pattern.
// Queries never modify state - they only read and return data.
// Each query is a self-contained use case with its own request/response types.
package query

import (
	"context"
	"errors"
	"time"

	"github.com/alem-hub/research-pipeline/internal/application/aggregation"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEADERBOARD QUERY
// Топ-N пользователей по сумме начисленных очков.
// ══════════════════════════════════════════════════════════════════════════════

// GetLeaderboardQuery содержит параметры запроса лидерборда.
type GetLeaderboardQuery struct {
	// Limit - количество записей (по умолчанию 50, максимум 500).
	Limit int
}

// Validate проверяет корректность параметров запроса.
func (q *GetLeaderboardQuery) Validate() error {
	if q.Limit < 0 {
		return errors.New("limit cannot be negative")
	}
	if q.Limit == 0 {
		q.Limit = aggregation.DefaultLeaderboardLimit
	}
	if q.Limit > aggregation.MaxLeaderboardLimit {
		q.Limit = aggregation.MaxLeaderboardLimit
	}
	return nil
}

// LeaderboardEntryDTO - запись лидерборда.
type LeaderboardEntryDTO struct {
	Rank   int    `json:"rank"`
	UserID string `json:"user_id"`
	Points int64  `json:"points"`
}

// GetLeaderboardResult содержит результат запроса лидерборда.
type GetLeaderboardResult struct {
	Entries     []LeaderboardEntryDTO `json:"entries"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// GetLeaderboardHandler обрабатывает запрос лидерборда.
type GetLeaderboardHandler struct {
	aggregates *aggregation.Service
}

// NewGetLeaderboardHandler создаёт обработчик.
func NewGetLeaderboardHandler(aggregates *aggregation.Service) *GetLeaderboardHandler {
	return &GetLeaderboardHandler{aggregates: aggregates}
}

// Handle выполняет запрос.
func (h *GetLeaderboardHandler) Handle(ctx context.Context, q GetLeaderboardQuery) (*GetLeaderboardResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	entries, err := h.aggregates.Leaderboard(ctx, q.Limit)
	if err != nil {
		return nil, err
	}

	out := make([]LeaderboardEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, LeaderboardEntryDTO{Rank: e.Rank, UserID: e.UserID, Points: e.Points})
	}
	return &GetLeaderboardResult{
		Entries:     out,
		GeneratedAt: time.Now().UTC(),
	}, nil
}
