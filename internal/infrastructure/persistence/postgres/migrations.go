package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator handles database migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a new migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: GetMigrations(),
		tableName:  "schema_migrations",
	}
}

// EnsureMigrationTable creates the migration tracking table if it doesn't exist.
func (m *Migrator) EnsureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.Pool().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.conn.Pool().Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = appliedAt
	}
	return applied, rows.Err()
}

// Migrate applies all pending migrations and returns how many ran.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if mig.UpSQL == "" {
			return ran, fmt.Errorf("%w: missing up SQL for migration %d", ErrMigrationFailed, mig.Version)
		}

		err := m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
			}
			_, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName), mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
		ran++
	}
	return ran, nil
}

// Rollback rolls back the last applied migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	var last int
	for v := range applied {
		if v > last {
			last = v
		}
	}
	if last == 0 {
		return nil
	}

	var mig *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == last {
			mig = &m.migrations[i]
			break
		}
	}
	if mig == nil || mig.DownSQL == "" {
		return fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, last)
	}

	return m.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.DownSQL); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", last, err)
		}
		_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName), last)
		return err
	})
}

// Status returns the migration status.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Migration, len(m.migrations))
	copy(result, m.migrations)
	for i := range result {
		if at, ok := applied[result[i].Version]; ok {
			result[i].IsApplied = true
			result[i].AppliedAt = at
		}
	}
	return result, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_catalog_and_contributions", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_user_progress", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_counter_ledgers", UpSQL: migration003Up, DownSQL: migration003Down},
		{Version: 4, Name: "create_event_outbox", UpSQL: migration004Up, DownSQL: migration004Down},
	}
}

const migration001Up = `
CREATE TABLE IF NOT EXISTS problems (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    type VARCHAR(32) NOT NULL,
    difficulty SMALLINT NOT NULL,
    criteria JSONB NOT NULL,
    quality_threshold DOUBLE PRECISION NOT NULL,
    expected_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    ground_truth JSONB NOT NULL DEFAULT '{}'::jsonb,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_problem_type CHECK (type IN ('bias_detection', 'alignment', 'context_evaluation')),
    CONSTRAINT valid_difficulty CHECK (difficulty BETWEEN 1 AND 10),
    CONSTRAINT valid_quality_threshold CHECK (quality_threshold >= 0 AND quality_threshold <= 1)
);

CREATE INDEX IF NOT EXISTS idx_problems_active ON problems(active) WHERE active;

CREATE TABLE IF NOT EXISTS contributions (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    problem_id TEXT NOT NULL REFERENCES problems(id),
    problem_type VARCHAR(32) NOT NULL,
    payload JSONB NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    quality_score DOUBLE PRECISION,
    confidence_score DOUBLE PRECISION,
    points_awarded INTEGER NOT NULL DEFAULT 0,
    rejection_reason VARCHAR(48) NOT NULL DEFAULT '',
    failed_criterion TEXT NOT NULL DEFAULT '',
    metrics JSONB NOT NULL DEFAULT '{}'::jsonb,
    clamps JSONB NOT NULL DEFAULT '[]'::jsonb,
    submitted_at TIMESTAMPTZ NOT NULL,
    validated_at TIMESTAMPTZ,

    CONSTRAINT valid_contribution_status CHECK (status IN ('pending', 'validated', 'rejected')),
    CONSTRAINT valid_scores CHECK (
        (quality_score IS NULL OR (quality_score >= 0 AND quality_score <= 1)) AND
        (confidence_score IS NULL OR (confidence_score >= 0 AND confidence_score <= 1))
    ),
    CONSTRAINT valid_points CHECK (points_awarded >= 0)
);

-- At most one pending or validated contribution per user and problem.
CREATE UNIQUE INDEX IF NOT EXISTS uq_contributions_blocking
    ON contributions(user_id, problem_id) WHERE status IN ('pending', 'validated');

CREATE INDEX IF NOT EXISTS idx_contributions_user_problem ON contributions(user_id, problem_id, submitted_at DESC);
CREATE INDEX IF NOT EXISTS idx_contributions_pending ON contributions(submitted_at) WHERE status = 'pending';

CREATE OR REPLACE FUNCTION update_updated_at_column()
RETURNS TRIGGER AS $$
BEGIN
    NEW.updated_at = NOW();
    RETURN NEW;
END;
$$ language 'plpgsql';

DROP TRIGGER IF EXISTS update_problems_updated_at ON problems;
CREATE TRIGGER update_problems_updated_at
    BEFORE UPDATE ON problems
    FOR EACH ROW
    EXECUTE FUNCTION update_updated_at_column();
`

const migration001Down = `
DROP TRIGGER IF EXISTS update_problems_updated_at ON problems;
DROP FUNCTION IF EXISTS update_updated_at_column();
DROP TABLE IF EXISTS contributions;
DROP TABLE IF EXISTS problems;
`

const migration002Up = `
CREATE TABLE IF NOT EXISTS user_progress (
    user_id TEXT PRIMARY KEY,
    version BIGINT NOT NULL,
    level INTEGER NOT NULL DEFAULT 1,
    experience BIGINT NOT NULL DEFAULT 0,
    lifetime_score BIGINT NOT NULL DEFAULT 0,
    validated_contributions INTEGER NOT NULL DEFAULT 0,
    completed_challenges TEXT[] NOT NULL DEFAULT '{}',
    skill_proficiency JSONB NOT NULL DEFAULT '{}'::jsonb,
    current_streak INTEGER NOT NULL DEFAULT 0,
    best_streak INTEGER NOT NULL DEFAULT 0,
    last_validated_at TIMESTAMPTZ,
    last_activity_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_version CHECK (version > 0),
    CONSTRAINT valid_level CHECK (level >= 1),
    CONSTRAINT valid_streaks CHECK (current_streak >= 0 AND best_streak >= current_streak)
);

CREATE TABLE IF NOT EXISTS user_achievements (
    user_id TEXT NOT NULL REFERENCES user_progress(user_id) ON DELETE CASCADE,
    achievement_id TEXT NOT NULL,
    unlocked_at TIMESTAMPTZ NOT NULL,

    PRIMARY KEY (user_id, achievement_id)
);

CREATE INDEX IF NOT EXISTS idx_user_achievements_unlocked_at ON user_achievements(unlocked_at DESC);
`

const migration002Down = `
DROP TABLE IF EXISTS user_achievements;
DROP TABLE IF EXISTS user_progress;
`

const migration003Up = `
CREATE TABLE IF NOT EXISTS problem_contribution_ledger (
    problem_id TEXT NOT NULL,
    contribution_id TEXT NOT NULL,
    counted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (problem_id, contribution_id)
);

CREATE TABLE IF NOT EXISTS problem_counters (
    problem_id TEXT PRIMARY KEY,
    total BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS points_ledger (
    contribution_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    points BIGINT NOT NULL,
    credited_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_ledger_points CHECK (points >= 0)
);

CREATE TABLE IF NOT EXISTS user_points (
    user_id TEXT PRIMARY KEY,
    total BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_user_points_rank ON user_points(total DESC, user_id);
`

const migration003Down = `
DROP TABLE IF EXISTS user_points;
DROP TABLE IF EXISTS points_ledger;
DROP TABLE IF EXISTS problem_counters;
DROP TABLE IF EXISTS problem_contribution_ledger;
`

const migration004Up = `
CREATE TABLE IF NOT EXISTS event_outbox (
    event_id TEXT PRIMARY KEY,
    event_type VARCHAR(64) NOT NULL,
    aggregate_id TEXT NOT NULL,
    envelope JSONB NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_event_outbox_created ON event_outbox(created_at, event_id);
`

const migration004Down = `
DROP TABLE IF EXISTS event_outbox;
`
