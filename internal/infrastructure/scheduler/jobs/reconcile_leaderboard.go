// Package jobs contains the worker's scheduled jobs.
package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/alem-hub/research-pipeline/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILE LEADERBOARD JOB
// ══════════════════════════════════════════════════════════════════════════════

// Reconciler rebuilds the leaderboard mirror from the durable ledger and
// reports how many users it wrote.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// ReconcileLeaderboardJob replaces the Redis leaderboard with the totals
// held in Postgres, repairing any credit the mirror missed.
type ReconcileLeaderboardJob struct {
	reconciler Reconciler
	timeout    time.Duration
	log        *logger.Logger

	lastStats atomic.Pointer[ReconcileStats]
}

// ReconcileStats contains statistics from the last run.
type ReconcileStats struct {
	StartedAt time.Time
	Duration  time.Duration
	Users     int
}

// NewReconcileLeaderboardJob creates the job. A zero timeout means one minute.
func NewReconcileLeaderboardJob(reconciler Reconciler, timeout time.Duration, log *logger.Logger) *ReconcileLeaderboardJob {
	if timeout <= 0 {
		timeout = time.Minute
	}
	if log == nil {
		log = logger.Default()
	}
	return &ReconcileLeaderboardJob{
		reconciler: reconciler,
		timeout:    timeout,
		log:        log.With(logger.Component("reconcile_leaderboard")),
	}
}

// Name returns the job name.
func (j *ReconcileLeaderboardJob) Name() string { return "reconcile_leaderboard" }

// Description returns a human-readable description.
func (j *ReconcileLeaderboardJob) Description() string {
	return "Rebuilds the Redis leaderboard from the Postgres points ledger"
}

// Run executes the job.
func (j *ReconcileLeaderboardJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	n, err := j.reconciler.Reconcile(ctx)
	if err != nil {
		return err
	}

	stats := &ReconcileStats{StartedAt: start.UTC(), Duration: time.Since(start), Users: n}
	j.lastStats.Store(stats)
	j.log.Info("leaderboard reconciled",
		logger.Int("users", n),
		logger.Duration("duration", stats.Duration),
	)
	return nil
}

// LastStats returns the stats of the last successful run, or nil.
func (j *ReconcileLeaderboardJob) LastStats() *ReconcileStats {
	return j.lastStats.Load()
}
