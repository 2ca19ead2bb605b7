package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/research-pipeline/internal/domain/contribution"
	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONTRIBUTION REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ContributionRepository implements contribution.Repository for PostgreSQL.
// The partial unique index uq_contributions_blocking enforces one pending or
// validated contribution per (user, problem).
type ContributionRepository struct {
	conn *Connection
}

// NewContributionRepository creates a new ContributionRepository.
func NewContributionRepository(conn *Connection) *ContributionRepository {
	return &ContributionRepository{conn: conn}
}

const contributionColumns = `
	id, user_id, problem_id, problem_type, payload, metadata, status,
	quality_score, confidence_score, points_awarded, rejection_reason,
	failed_criterion, metrics, clamps, submitted_at, validated_at`

// FindExistingContribution returns the most relevant contribution of the user
// to the problem: blocking statuses first, newest first.
func (r *ContributionRepository) FindExistingContribution(ctx context.Context, userID, problemID string) (*contribution.Contribution, error) {
	query := `
		SELECT ` + contributionColumns + `
		FROM contributions
		WHERE user_id = $1 AND problem_id = $2
		ORDER BY (status IN ('pending', 'validated')) DESC, submitted_at DESC
		LIMIT 1
	`

	var c *contribution.Contribution
	err := r.conn.guard(ctx, func(ctx context.Context) error {
		var err error
		c, err = scanContribution(r.conn.pool.QueryRow(ctx, query, userID, problemID))
		return err
	})
	if err != nil {
		if IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find contribution: %w", err)
	}
	return c, nil
}

// PersistContribution inserts a Pending contribution, or moves a stored
// Pending one to its final state. events go to the outbox in the same
// transaction.
func (r *ContributionRepository) PersistContribution(ctx context.Context, c *contribution.Contribution, events ...shared.Event) error {
	metadata, metrics, clamps, err := encodeContribution(c)
	if err != nil {
		return err
	}

	if c.Status == contribution.StatusPending {
		return r.insert(ctx, c, metadata, metrics, clamps, events)
	}

	query := `
		UPDATE contributions SET
			status = $2,
			quality_score = $3,
			confidence_score = $4,
			points_awarded = $5,
			rejection_reason = $6,
			failed_criterion = $7,
			validated_at = $8
		WHERE id = $1 AND status = 'pending'
	`
	err = r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query,
			c.ID,
			string(c.Status),
			c.QualityScore,
			c.ConfidenceScore,
			c.PointsAwarded,
			string(c.RejectionReason),
			c.FailedCriterion,
			c.ValidatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return contribution.ErrContributionConflict
		}
		return writeOutbox(ctx, tx, events)
	})
	if err != nil {
		if errors.Is(err, contribution.ErrContributionConflict) {
			return err
		}
		return fmt.Errorf("failed to finalize contribution: %w", err)
	}
	return nil
}

func (r *ContributionRepository) insert(ctx context.Context, c *contribution.Contribution, metadata, metrics, clamps []byte, events []shared.Event) error {
	query := `
		INSERT INTO contributions (
			id, user_id, problem_id, problem_type, payload, metadata, status,
			metrics, clamps, submitted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			c.ID,
			c.UserID,
			c.ProblemID,
			string(c.ProblemType),
			[]byte(c.Payload),
			metadata,
			string(c.Status),
			metrics,
			clamps,
			c.SubmittedAt,
		)
		if err != nil {
			return err
		}
		return writeOutbox(ctx, tx, events)
	})
	if err != nil {
		if IsUniqueViolation(err) {
			return contribution.ErrContributionConflict
		}
		return fmt.Errorf("failed to insert contribution: %w", err)
	}
	return nil
}

// GetContribution returns a contribution by ID.
func (r *ContributionRepository) GetContribution(ctx context.Context, id string) (*contribution.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE id = $1`

	var c *contribution.Contribution
	err := r.conn.guard(ctx, func(ctx context.Context) error {
		var err error
		c, err = scanContribution(r.conn.pool.QueryRow(ctx, query, id))
		return err
	})
	if err != nil {
		if IsNoRows(err) {
			return nil, contribution.ErrContributionNotFound
		}
		return nil, fmt.Errorf("failed to get contribution: %w", err)
	}
	return c, nil
}

// ListPending returns Pending contributions submitted before the cutoff, oldest first.
func (r *ContributionRepository) ListPending(ctx context.Context, before time.Time, limit int) ([]*contribution.Contribution, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + contributionColumns + `
		FROM contributions
		WHERE status = 'pending' AND submitted_at < $1
		ORDER BY submitted_at
		LIMIT $2
	`

	var out []*contribution.Contribution
	err := r.conn.guard(ctx, func(ctx context.Context) error {
		rows, err := r.conn.pool.Query(ctx, query, before, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			c, err := scanContribution(rows)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending contributions: %w", err)
	}
	return out, nil
}

func encodeContribution(c *contribution.Contribution) (metadata, metrics, clamps []byte, err error) {
	if metadata, err = json.Marshal(c.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	finite := make(map[string]float64, len(c.Metrics))
	for k, v := range c.Metrics {
		finite[k] = shared.Finite(v)
	}
	if metrics, err = json.Marshal(finite); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}

	// NaN and Inf are not valid JSON; the clamped value is what was scored.
	cl := make([]contribution.Clamp, 0, len(c.Clamps))
	for _, x := range c.Clamps {
		x.Raw = shared.Finite(x.Raw)
		cl = append(cl, x)
	}
	if clamps, err = json.Marshal(cl); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal clamps: %w", err)
	}
	return metadata, metrics, clamps, nil
}

func scanContribution(row pgx.Row) (*contribution.Contribution, error) {
	var (
		c                   contribution.Contribution
		problemType, status string
		reason              string
		payload, metadata   []byte
		metrics, clamps     []byte
	)
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.ProblemID,
		&problemType,
		&payload,
		&metadata,
		&status,
		&c.QualityScore,
		&c.ConfidenceScore,
		&c.PointsAwarded,
		&reason,
		&c.FailedCriterion,
		&metrics,
		&clamps,
		&c.SubmittedAt,
		&c.ValidatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.ProblemType = problem.Type(problemType)
	c.Status = contribution.Status(status)
	c.RejectionReason = shared.ReasonCode(reason)
	c.Payload = json.RawMessage(payload)

	if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(metrics, &c.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(clamps, &c.Clamps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal clamps of %s: %w", c.ID, err)
	}
	if err := c.RestoreSolution(); err != nil {
		return nil, fmt.Errorf("stored payload of %s no longer decodes: %w", c.ID, err)
	}
	return &c, nil
}

var _ contribution.Repository = (*ContributionRepository)(nil)
