package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROBLEM REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ProblemRepository implements problem.Repository for PostgreSQL.
type ProblemRepository struct {
	conn *Connection
}

// NewProblemRepository creates a new ProblemRepository.
func NewProblemRepository(conn *Connection) *ProblemRepository {
	return &ProblemRepository{conn: conn}
}

const problemColumns = `
	p.id, p.title, p.type, p.difficulty, p.criteria, p.quality_threshold,
	p.expected_duration_seconds, p.ground_truth, p.active, p.created_at, p.updated_at,
	COALESCE(c.total, 0)`

const problemFrom = `
	FROM problems p
	LEFT JOIN problem_counters c ON c.problem_id = p.id`

// GetProblem returns a problem by ID regardless of its active flag.
func (r *ProblemRepository) GetProblem(ctx context.Context, id string) (*problem.Problem, error) {
	var p *problem.Problem
	err := r.conn.guard(ctx, func(ctx context.Context) error {
		row := r.conn.pool.QueryRow(ctx, `SELECT `+problemColumns+problemFrom+` WHERE p.id = $1`, id)
		var err error
		p, err = scanProblem(row)
		return err
	})
	if err != nil {
		if IsNoRows(err) {
			return nil, problem.ErrProblemNotFound
		}
		return nil, fmt.Errorf("failed to get problem: %w", err)
	}
	return p, nil
}

// GetActiveProblem returns ErrProblemNotFound for unknown or inactive problems.
func (r *ProblemRepository) GetActiveProblem(ctx context.Context, id string) (*problem.Problem, error) {
	p, err := r.GetProblem(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, problem.ErrProblemNotFound
	}
	return p, nil
}

// ListProblems returns problems ordered by ID.
func (r *ProblemRepository) ListProblems(ctx context.Context, activeOnly bool) ([]*problem.Problem, error) {
	query := `SELECT ` + problemColumns + problemFrom
	if activeOnly {
		query += ` WHERE p.active`
	}
	query += ` ORDER BY p.id`

	var out []*problem.Problem
	err := r.conn.guard(ctx, func(ctx context.Context) error {
		rows, err := r.conn.pool.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			p, err := scanProblem(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list problems: %w", err)
	}
	return out, nil
}

// Save inserts or replaces a problem definition.
func (r *ProblemRepository) Save(ctx context.Context, p *problem.Problem) error {
	if err := p.Validate(); err != nil {
		return err
	}

	criteria, err := json.Marshal(p.Criteria)
	if err != nil {
		return fmt.Errorf("failed to marshal criteria: %w", err)
	}
	truth, err := json.Marshal(p.GroundTruth)
	if err != nil {
		return fmt.Errorf("failed to marshal ground truth: %w", err)
	}

	query := `
		INSERT INTO problems (
			id, title, type, difficulty, criteria, quality_threshold,
			expected_duration_seconds, ground_truth, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			type = EXCLUDED.type,
			difficulty = EXCLUDED.difficulty,
			criteria = EXCLUDED.criteria,
			quality_threshold = EXCLUDED.quality_threshold,
			expected_duration_seconds = EXCLUDED.expected_duration_seconds,
			ground_truth = EXCLUDED.ground_truth,
			active = EXCLUDED.active
	`
	err = r.conn.guard(ctx, func(ctx context.Context) error {
		_, err := r.conn.pool.Exec(ctx, query,
			p.ID,
			p.Title,
			string(p.Type),
			p.Difficulty,
			criteria,
			p.QualityThreshold,
			p.ExpectedDuration.Seconds(),
			truth,
			p.Active,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save problem: %w", err)
	}
	return nil
}

// SetActive toggles whether the problem accepts submissions.
func (r *ProblemRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.updateOne(ctx, `UPDATE problems SET active = $2 WHERE id = $1`, id, active)
}

// SetQualityThreshold changes the acceptance threshold.
func (r *ProblemRepository) SetQualityThreshold(ctx context.Context, id string, threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("quality threshold %.3f outside [0,1]", threshold)
	}
	return r.updateOne(ctx, `UPDATE problems SET quality_threshold = $2 WHERE id = $1`, id, threshold)
}

func (r *ProblemRepository) updateOne(ctx context.Context, query, id string, value any) error {
	var affected int64
	err := r.conn.guard(ctx, func(ctx context.Context) error {
		tag, err := r.conn.pool.Exec(ctx, query, id, value)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update problem: %w", err)
	}
	if affected == 0 {
		return problem.ErrProblemNotFound
	}
	return nil
}

func scanProblem(row pgx.Row) (*problem.Problem, error) {
	var (
		p               problem.Problem
		typ             string
		criteria, truth []byte
		expectedSeconds float64
	)
	err := row.Scan(
		&p.ID,
		&p.Title,
		&typ,
		&p.Difficulty,
		&criteria,
		&p.QualityThreshold,
		&expectedSeconds,
		&truth,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.TotalContributions,
	)
	if err != nil {
		return nil, err
	}

	p.Type = problem.Type(typ)
	p.ExpectedDuration = time.Duration(expectedSeconds * float64(time.Second))
	if err := json.Unmarshal(criteria, &p.Criteria); err != nil {
		return nil, fmt.Errorf("failed to unmarshal criteria of %s: %w", p.ID, err)
	}
	if len(truth) > 0 {
		if err := json.Unmarshal(truth, &p.GroundTruth); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ground truth of %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

var _ problem.Repository = (*ProblemRepository)(nil)
