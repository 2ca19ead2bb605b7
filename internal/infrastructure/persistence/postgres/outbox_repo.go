package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// OUTBOX REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// OutboxRepository implements shared.Outbox over the event_outbox table.
// Rows are written by the other repositories inside their own transactions.
type OutboxRepository struct {
	conn *Connection
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(conn *Connection) *OutboxRepository {
	return &OutboxRepository{conn: conn}
}

// PendingEvents returns undelivered events created before olderThan, oldest first.
func (r *OutboxRepository) PendingEvents(ctx context.Context, olderThan time.Time, limit int) ([]shared.OutboxEntry, error) {
	query := `
		SELECT envelope, attempts, created_at
		FROM event_outbox
		WHERE created_at < $1
		ORDER BY created_at, event_id
		LIMIT $2
	`

	var out []shared.OutboxEntry
	err := r.conn.guard(ctx, func(ctx context.Context) error {
		rows, err := r.conn.pool.Query(ctx, query, olderThan, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var (
				raw []byte
				e   shared.OutboxEntry
			)
			if err := rows.Scan(&raw, &e.Attempts, &e.CreatedAt); err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &e.Envelope); err != nil {
				return fmt.Errorf("failed to decode outbox envelope: %w", err)
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	return out, nil
}

// MarkDelivered deletes the row of a published event.
func (r *OutboxRepository) MarkDelivered(ctx context.Context, eventID string) error {
	err := r.conn.guard(ctx, func(ctx context.Context) error {
		_, err := r.conn.pool.Exec(ctx, `DELETE FROM event_outbox WHERE event_id = $1`, eventID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark event delivered: %w", err)
	}
	return nil
}

// MarkFailed counts a failed relay attempt.
func (r *OutboxRepository) MarkFailed(ctx context.Context, eventID string) error {
	err := r.conn.guard(ctx, func(ctx context.Context) error {
		_, err := r.conn.pool.Exec(ctx, `UPDATE event_outbox SET attempts = attempts + 1 WHERE event_id = $1`, eventID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	return nil
}

// writeOutbox stores events in tx. A fact already in the outbox is kept once.
func writeOutbox(ctx context.Context, tx pgx.Tx, events []shared.Event) error {
	envs, err := shared.OutboxEnvelopes(events)
	if err != nil {
		return fmt.Errorf("failed to encode outbox events: %w", err)
	}
	for _, env := range envs {
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal outbox envelope: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_outbox (event_id, event_type, aggregate_id, envelope)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id) DO NOTHING
		`, env.ID, string(env.Type), env.AggregateID, raw); err != nil {
			return fmt.Errorf("failed to insert outbox event %s: %w", env.ID, err)
		}
	}
	return nil
}

var _ shared.Outbox = (*OutboxRepository)(nil)
