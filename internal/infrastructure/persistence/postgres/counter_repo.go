package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/research-pipeline/internal/domain/aggregate"
)

// ══════════════════════════════════════════════════════════════════════════════
// COUNTER LEDGERS
// ══════════════════════════════════════════════════════════════════════════════

// CounterRepository implements aggregate.CounterStore and aggregate.PointsLedger.
// Each increment inserts its contribution id into a ledger table first; the
// total moves only when that insert created a row.
type CounterRepository struct {
	conn *Connection
}

// NewCounterRepository creates a new CounterRepository.
func NewCounterRepository(conn *Connection) *CounterRepository {
	return &CounterRepository{conn: conn}
}

// IncrementProblemCounter counts contributionID toward the problem once.
func (r *CounterRepository) IncrementProblemCounter(ctx context.Context, problemID, contributionID string) (bool, error) {
	if strings.TrimSpace(problemID) == "" || strings.TrimSpace(contributionID) == "" {
		return false, aggregate.ErrEmptyKey
	}

	var applied bool
	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO problem_contribution_ledger (problem_id, contribution_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, problemID, contributionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true
		_, err = tx.Exec(ctx, `
			INSERT INTO problem_counters (problem_id, total) VALUES ($1, 1)
			ON CONFLICT (problem_id) DO UPDATE SET total = problem_counters.total + 1
		`, problemID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to increment problem counter: %w", err)
	}
	return applied, nil
}

// ProblemTotal returns the number of distinct contributions counted for the problem.
func (r *CounterRepository) ProblemTotal(ctx context.Context, problemID string) (int64, error) {
	var total int64
	err := r.conn.guard(ctx, func(ctx context.Context) error {
		err := r.conn.pool.QueryRow(ctx,
			`SELECT total FROM problem_counters WHERE problem_id = $1`, problemID,
		).Scan(&total)
		if IsNoRows(err) {
			total = 0
			return nil
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get problem total: %w", err)
	}
	return total, nil
}

// AddPoints credits points for contributionID once.
func (r *CounterRepository) AddPoints(ctx context.Context, userID, contributionID string, points int64) (bool, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(contributionID) == "" {
		return false, aggregate.ErrEmptyKey
	}

	var applied bool
	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO points_ledger (contribution_id, user_id, points)
			VALUES ($1, $2, $3)
			ON CONFLICT (contribution_id) DO NOTHING
		`, contributionID, userID, points)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true
		_, err = tx.Exec(ctx, `
			INSERT INTO user_points (user_id, total) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET total = user_points.total + EXCLUDED.total
		`, userID, points)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to add points: %w", err)
	}
	return applied, nil
}

// UserTotal returns the user's credited points.
func (r *CounterRepository) UserTotal(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := r.conn.guard(ctx, func(ctx context.Context) error {
		err := r.conn.pool.QueryRow(ctx,
			`SELECT total FROM user_points WHERE user_id = $1`, userID,
		).Scan(&total)
		if IsNoRows(err) {
			total = 0
			return nil
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get user points: %w", err)
	}
	return total, nil
}

// Top returns the highest totals, ties ordered by user id.
func (r *CounterRepository) Top(ctx context.Context, limit int) ([]aggregate.Entry, error) {
	if limit <= 0 {
		limit = aggregateDefaultLimit
	}

	var out []aggregate.Entry
	err := r.conn.guard(ctx, func(ctx context.Context) error {
		rows, err := r.conn.pool.Query(ctx, `
			SELECT user_id, total
			FROM user_points
			ORDER BY total DESC, user_id
			LIMIT $1
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var e aggregate.Entry
			if err := rows.Scan(&e.UserID, &e.Points); err != nil {
				return err
			}
			e.Rank = len(out) + 1
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get leaderboard: %w", err)
	}
	return out, nil
}

// AllTotals returns every user total.
func (r *CounterRepository) AllTotals(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	err := r.conn.guard(ctx, func(ctx context.Context) error {
		rows, err := r.conn.pool.Query(ctx, `SELECT user_id, total FROM user_points`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id    string
				total int64
			)
			if err := rows.Scan(&id, &total); err != nil {
				return err
			}
			out[id] = total
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list user totals: %w", err)
	}
	return out, nil
}

const aggregateDefaultLimit = 50

var (
	_ aggregate.CounterStore = (*CounterRepository)(nil)
	_ aggregate.PointsLedger = (*CounterRepository)(nil)
)
