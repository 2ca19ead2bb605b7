// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/research-pipeline/internal/application"
	"github.com/alem-hub/research-pipeline/internal/domain/progress"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
	"github.com/alem-hub/research-pipeline/pkg/logger"
	"github.com/alem-hub/research-pipeline/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESSION TRACKER
// Applies one contribution outcome to a user's progress. Writes go through
// CompareAndSwapUserProgress; a version mismatch re-reads and retries.
// ══════════════════════════════════════════════════════════════════════════════

// ProgressionConfig configures the tracker.
type ProgressionConfig struct {
	Params progress.Params
	// MaxRetries bounds the CAS attempts after the first one.
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultProgressionConfig returns default configuration.
func DefaultProgressionConfig() ProgressionConfig {
	return ProgressionConfig{
		Params:     progress.DefaultParams(),
		MaxRetries: 5,
		RetryDelay: 5 * time.Millisecond,
	}
}

// ProgressionResult is the state after an Apply.
type ProgressionResult struct {
	Progress *progress.UserProgress
	Delta    progress.Delta
	Attempts int
}

// ProgressionTracker applies outcomes under optimistic concurrency.
type ProgressionTracker struct {
	repo    progress.Repository
	params  progress.Params
	retrier *retry.Retrier
	log     *logger.Logger
	metrics application.Metrics
}

// NewProgressionTracker creates a new ProgressionTracker.
func NewProgressionTracker(repo progress.Repository, config ProgressionConfig, log *logger.Logger, metrics application.Metrics) (*ProgressionTracker, error) {
	if err := config.Params.Validate(); err != nil {
		return nil, fmt.Errorf("progression: %w", err)
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if log == nil {
		log = logger.Nop()
	}
	if metrics == nil {
		metrics = application.NopMetrics{}
	}

	t := &ProgressionTracker{
		repo:    repo,
		params:  config.Params,
		log:     log.With(logger.Component("progression_tracker")),
		metrics: metrics,
	}
	t.retrier = retry.New(
		retry.WithMaxAttempts(config.MaxRetries+1),
		retry.WithInitialDelay(config.RetryDelay),
		retry.WithMaxDelay(250*time.Millisecond),
		retry.WithJitter(0.5),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			metrics.ProgressionRetried()
		}),
	)
	return t, nil
}

// Params returns the progression parameters in use.
func (t *ProgressionTracker) Params() progress.Params { return t.params }

// Apply applies o atomically. A Validated outcome for a problem the user has
// already completed is a replay and writes nothing.
func (t *ProgressionTracker) Apply(ctx context.Context, o progress.Outcome) (*ProgressionResult, error) {
	var res ProgressionResult

	err := t.retrier.Do(ctx, func(ctx context.Context) error {
		res.Attempts++

		cur, err := t.repo.GetUserProgress(ctx, o.UserID)
		if err != nil {
			return retry.Permanent(shared.StorageError("progress", "Apply", err))
		}

		next, delta := progress.Apply(cur, o, t.params)
		if delta.Replay {
			res.Progress, res.Delta = cur, delta
			return nil
		}

		err = t.repo.CompareAndSwapUserProgress(ctx, o.UserID, cur.Version, next)
		switch {
		case err == nil:
			res.Progress, res.Delta = next, delta
			return nil
		case errors.Is(err, progress.ErrVersionMismatch):
			return retry.Retryable(err)
		default:
			return retry.Permanent(shared.StorageError("progress", "Apply", err))
		}
	})

	if err != nil {
		if retry.IsExhausted(err) {
			t.metrics.ProgressionConflicted()
			t.log.Warn("progression retries exhausted",
				logger.UserID(o.UserID),
				logger.ContributionID(o.ContributionID),
				logger.Int("attempts", res.Attempts),
			)
			return nil, shared.Reject("progress", "Apply", shared.ReasonProgressionConflict,
				fmt.Sprintf("user progress kept changing after %d attempts", res.Attempts)).WithCause(err)
		}
		return nil, err
	}

	if res.Delta.LeveledUp() {
		t.log.Info("level up",
			logger.UserID(o.UserID),
			logger.Int("from", res.Delta.LevelBefore),
			logger.Int("to", res.Delta.LevelAfter),
		)
	}
	return &res, nil
}
