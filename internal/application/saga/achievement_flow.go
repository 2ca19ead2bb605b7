// Package saga contains business processes that span several domain
// operations and publish events for each committed step.
package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alem-hub/research-pipeline/internal/application"
	"github.com/alem-hub/research-pipeline/internal/domain/achievement"
	"github.com/alem-hub/research-pipeline/internal/domain/progress"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
	"github.com/alem-hub/research-pipeline/pkg/logger"
	"github.com/alem-hub/research-pipeline/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT FLOW SAGA
// Flow: Evaluate Rules On Snapshot → Insert If Absent + Outbox (CAS) → Publish Event
//
// Any number of evaluations may run for the same user at once. The set insert
// is the only write and carries the AchievementUnlocked events into the outbox,
// so every achievement is added and announced exactly once.
// ══════════════════════════════════════════════════════════════════════════════

// AchievementFlowConfig configures the evaluator.
type AchievementFlowConfig struct {
	MaxRetries int
	RetryDelay time.Duration
	Now        func() time.Time
}

// DefaultAchievementFlowConfig returns default configuration.
func DefaultAchievementFlowConfig() AchievementFlowConfig {
	return AchievementFlowConfig{
		MaxRetries: 5,
		RetryDelay: 5 * time.Millisecond,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Unlock is one achievement added by this evaluation.
type Unlock struct {
	AchievementID string
	Name          string
	UnlockedAt    time.Time
	Published     bool
}

// AchievementEvaluator unlocks achievements whose rules hold.
type AchievementEvaluator struct {
	rules   *achievement.RuleSet
	repo    progress.Repository
	events  *application.EventSink
	retrier *retry.Retrier
	now     func() time.Time
	log     *logger.Logger
	metrics application.Metrics
}

// NewAchievementEvaluator creates a new AchievementEvaluator.
func NewAchievementEvaluator(
	rules *achievement.RuleSet,
	repo progress.Repository,
	events *application.EventSink,
	config AchievementFlowConfig,
	log *logger.Logger,
	metrics application.Metrics,
) *AchievementEvaluator {
	defaults := DefaultAchievementFlowConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if log == nil {
		log = logger.Nop()
	}
	if metrics == nil {
		metrics = application.NopMetrics{}
	}
	if events == nil {
		events = application.NewEventSink(nil, log, metrics)
	}

	return &AchievementEvaluator{
		rules:   rules,
		repo:    repo,
		events:  events,
		retrier: retry.CompareAndSwapRetrier(config.MaxRetries+1, config.RetryDelay),
		now:     config.Now,
		log:     log.With(logger.Component("achievement_evaluator")),
		metrics: metrics,
	}
}

// Rules returns the rule set in use.
func (e *AchievementEvaluator) Rules() *achievement.RuleSet { return e.rules }

// Evaluate checks every rule against snapshot and inserts the ones that hold.
// Rules are judged on the snapshot alone; the insert itself re-reads the
// stored set, so a rule unlocked concurrently is skipped without an event.
func (e *AchievementEvaluator) Evaluate(ctx context.Context, snapshot *progress.UserProgress) ([]Unlock, error) {
	if snapshot == nil || strings.TrimSpace(snapshot.UserID) == "" {
		return nil, errors.New("achievement_flow: snapshot with user ID is required")
	}

	pending := e.rules.Pending(snapshot)
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, r := range pending {
		ids = append(ids, r.ID)
	}

	at := e.now().UTC()
	inserted, events, err := e.insertIfAbsent(ctx, snapshot.UserID, ids, at, true)
	if err != nil {
		return nil, err
	}

	unlocks := make([]Unlock, 0, len(inserted))
	for i, id := range inserted {
		rule, _ := e.rules.Get(id)
		u := Unlock{AchievementID: id, Name: rule.Name, UnlockedAt: at}

		e.metrics.AchievementUnlocked(id)
		e.log.Info("achievement unlocked",
			logger.UserID(snapshot.UserID),
			logger.AchievementID(id),
		)

		u.Published = e.events.Publish(ctx, events[i])
		unlocks = append(unlocks, u)
	}
	return unlocks, nil
}

// InsertAchievementIfAbsent adds one achievement to the user's set and
// reports whether this call added it. No event is published.
func (e *AchievementEvaluator) InsertAchievementIfAbsent(ctx context.Context, userID, achievementID string, at time.Time) (bool, error) {
	if _, ok := e.rules.Get(achievementID); !ok {
		return false, shared.NewDomainError("achievement", "Insert", shared.ErrNotFound,
			fmt.Sprintf("unknown achievement %q", achievementID))
	}
	inserted, _, err := e.insertIfAbsent(ctx, userID, []string{achievementID}, at, false)
	if err != nil {
		return false, err
	}
	return len(inserted) == 1, nil
}

// insertIfAbsent adds ids in one CAS and returns those that were not yet
// present. With announce set, an AchievementUnlocked event per inserted id is
// written to the outbox by the same CAS and returned in the same order.
func (e *AchievementEvaluator) insertIfAbsent(ctx context.Context, userID string, ids []string, at time.Time, announce bool) ([]string, []shared.Event, error) {
	var (
		inserted []string
		events   []shared.Event
	)
	attempts := 0

	err := e.retrier.Do(ctx, func(ctx context.Context) error {
		attempts++
		inserted = inserted[:0]
		events = events[:0]

		cur, err := e.repo.GetUserProgress(ctx, userID)
		if err != nil {
			return retry.Permanent(shared.StorageError("achievement", "Insert", err))
		}

		next := cur.Clone()
		for _, id := range ids {
			if !next.AddAchievement(id, at) {
				continue
			}
			inserted = append(inserted, id)
			if announce {
				rule, _ := e.rules.Get(id)
				events = append(events, shared.NewAchievementUnlockedEvent(userID, id, rule.Name, at))
			}
		}
		if len(inserted) == 0 {
			return nil
		}

		err = e.repo.CompareAndSwapUserProgress(ctx, userID, cur.Version, next, events...)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, progress.ErrVersionMismatch):
			e.metrics.ProgressionRetried()
			return retry.Retryable(err)
		default:
			return retry.Permanent(shared.StorageError("achievement", "Insert", err))
		}
	})

	if err != nil {
		if retry.IsExhausted(err) {
			e.metrics.ProgressionConflicted()
			return nil, nil, shared.Reject("achievement", "Insert", shared.ReasonProgressionConflict,
				fmt.Sprintf("achievement set kept changing after %d attempts", attempts)).WithCause(err)
		}
		return nil, nil, err
	}
	return inserted, events, nil
}
