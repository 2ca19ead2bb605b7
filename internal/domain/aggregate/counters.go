// Package aggregate defines the shared counters: contributions per problem
// and points per user. Every increment is keyed by contribution id so a
// redelivered update has no effect.
package aggregate

import (
	"context"
	"errors"
)

// ErrEmptyKey is returned when a problem, user or contribution id is blank.
var ErrEmptyKey = errors.New("aggregate: empty key")

// CounterStore counts distinct contributions per problem.
type CounterStore interface {
	// IncrementProblemCounter adds contributionID to the problem's ledger.
	// It reports whether the id was new.
	IncrementProblemCounter(ctx context.Context, problemID, contributionID string) (bool, error)
	ProblemTotal(ctx context.Context, problemID string) (int64, error)
}

// Entry is one leaderboard row.
type Entry struct {
	Rank   int    `json:"rank"`
	UserID string `json:"user_id"`
	Points int64  `json:"points"`
}

// LeaderboardStore keeps per-user point totals.
type LeaderboardStore interface {
	// AddPoints credits points for contributionID once. It reports whether
	// the credit was applied.
	AddPoints(ctx context.Context, userID, contributionID string, points int64) (bool, error)
	UserTotal(ctx context.Context, userID string) (int64, error)
	// Top returns the highest totals, ranked from 1. Ties are ordered by user id.
	Top(ctx context.Context, limit int) ([]Entry, error)
}

// PointsLedger is a LeaderboardStore that can also list every total. The
// durable store implements it so caches can be rebuilt from it.
type PointsLedger interface {
	LeaderboardStore
	AllTotals(ctx context.Context) (map[string]int64, error)
}

// LeaderboardMirror is a rebuildable copy of the leaderboard.
type LeaderboardMirror interface {
	LeaderboardStore
	// Replace swaps the mirror contents for totals.
	Replace(ctx context.Context, totals map[string]int64) error
}
