// Package aggregation maintains the shared counters fed by the pipeline:
// contributions per problem and the points leaderboard.
package aggregation

import (
	"context"
	"strings"

	"github.com/alem-hub/research-pipeline/internal/application"
	"github.com/alem-hub/research-pipeline/internal/domain/aggregate"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

const (
	counterProblem = "problem_contributions"
	counterPoints  = "user_points"

	// DefaultLeaderboardLimit is used when a caller asks for limit <= 0.
	DefaultLeaderboardLimit = 50
	// MaxLeaderboardLimit caps Top queries.
	MaxLeaderboardLimit = 500
)

// Service applies idempotent counter updates.
//
// points is the system of record. mirror, when set, is a fast copy serving
// reads; it only receives credits the ledger accepted and is rebuilt by
// Reconcile when it drifts.
type Service struct {
	counters aggregate.CounterStore
	points   aggregate.PointsLedger
	mirror   aggregate.LeaderboardMirror
	log      *logger.Logger
	metrics  application.Metrics
}

// NewService creates a new Service. mirror may be nil.
func NewService(counters aggregate.CounterStore, points aggregate.PointsLedger, mirror aggregate.LeaderboardMirror, log *logger.Logger, metrics application.Metrics) *Service {
	if log == nil {
		log = logger.Nop()
	}
	if metrics == nil {
		metrics = application.NopMetrics{}
	}
	return &Service{
		counters: counters,
		points:   points,
		mirror:   mirror,
		log:      log.With(logger.Component("aggregation")),
		metrics:  metrics,
	}
}

// RecordContribution counts contributionID once for problemID.
func (s *Service) RecordContribution(ctx context.Context, problemID, contributionID string) error {
	if strings.TrimSpace(problemID) == "" || strings.TrimSpace(contributionID) == "" {
		return shared.WrapError("aggregation", "RecordContribution", shared.ErrInvalidInput, "problem and contribution ids are required", aggregate.ErrEmptyKey)
	}

	applied, err := s.counters.IncrementProblemCounter(ctx, problemID, contributionID)
	if err != nil {
		return shared.StorageError("aggregation", "RecordContribution", err)
	}
	if !applied {
		s.metrics.CounterDeduplicated(counterProblem)
		s.log.Debug("problem counter update already applied",
			logger.ProblemID(problemID),
			logger.ContributionID(contributionID),
		)
	}
	return nil
}

// RecordPoints credits points to userID once per contributionID.
func (s *Service) RecordPoints(ctx context.Context, userID, contributionID string, points int) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(contributionID) == "" {
		return shared.WrapError("aggregation", "RecordPoints", shared.ErrInvalidInput, "user and contribution ids are required", aggregate.ErrEmptyKey)
	}
	if points < 0 {
		return shared.NewDomainError("aggregation", "RecordPoints", shared.ErrInvalidInput, "points must not be negative")
	}

	applied, err := s.points.AddPoints(ctx, userID, contributionID, int64(points))
	if err != nil {
		return shared.StorageError("aggregation", "RecordPoints", err)
	}
	if !applied {
		s.metrics.CounterDeduplicated(counterPoints)
		return nil
	}

	if s.mirror != nil {
		if _, err := s.mirror.AddPoints(ctx, userID, contributionID, int64(points)); err != nil {
			s.log.Warn("leaderboard mirror update failed",
				logger.UserID(userID),
				logger.ContributionID(contributionID),
				logger.Err(err),
			)
		}
	}
	return nil
}

// ProblemTotal returns the number of distinct contributions counted for problemID.
func (s *Service) ProblemTotal(ctx context.Context, problemID string) (int64, error) {
	n, err := s.counters.ProblemTotal(ctx, problemID)
	if err != nil {
		return 0, shared.StorageError("aggregation", "ProblemTotal", err)
	}
	return n, nil
}

// UserPoints returns the ledger total for userID.
func (s *Service) UserPoints(ctx context.Context, userID string) (int64, error) {
	n, err := s.points.UserTotal(ctx, userID)
	if err != nil {
		return 0, shared.StorageError("aggregation", "UserPoints", err)
	}
	return n, nil
}

// Leaderboard returns the top entries, served from the mirror when it answers.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]aggregate.Entry, error) {
	switch {
	case limit <= 0:
		limit = DefaultLeaderboardLimit
	case limit > MaxLeaderboardLimit:
		limit = MaxLeaderboardLimit
	}

	if s.mirror != nil {
		entries, err := s.mirror.Top(ctx, limit)
		if err == nil {
			return entries, nil
		}
		s.log.Warn("leaderboard mirror unavailable, reading ledger", logger.Err(err))
	}

	entries, err := s.points.Top(ctx, limit)
	if err != nil {
		return nil, shared.StorageError("aggregation", "Leaderboard", err)
	}
	return entries, nil
}

// Reconcile rebuilds the mirror from the ledger and returns the number of users copied.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	if s.mirror == nil {
		return 0, nil
	}
	totals, err := s.points.AllTotals(ctx)
	if err != nil {
		return 0, shared.StorageError("aggregation", "Reconcile", err)
	}
	if err := s.mirror.Replace(ctx, totals); err != nil {
		return 0, shared.StorageError("aggregation", "Reconcile", err)
	}
	s.log.Info("leaderboard mirror reconciled", logger.Int("users", len(totals)))
	return len(totals), nil
}
