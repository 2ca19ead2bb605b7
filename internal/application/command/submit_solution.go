package command

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/alem-hub/research-pipeline/internal/application"
	"github.com/alem-hub/research-pipeline/internal/application/aggregation"
	"github.com/alem-hub/research-pipeline/internal/application/saga"
	"github.com/alem-hub/research-pipeline/internal/domain/contribution"
	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/progress"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SUBMIT SOLUTION COMMAND
// Runs one contribution through the pipeline:
// Validate → Persist Pending → Count → Score → Progression → Achievements →
// Points → Finalize + Outbox → Publish
//
// Progression is applied before the contribution is finalized. A failure in
// between leaves it Pending, and ProcessContribution picks it up again.
// ══════════════════════════════════════════════════════════════════════════════

// SubmitSolutionCommand contains data for submitting a solution.
type SubmitSolutionCommand struct {
	UserID    string
	ProblemID string
	Payload   json.RawMessage
	Metadata  contribution.Metadata

	// CorrelationID is copied into published events.
	CorrelationID string
}

// Validate validates the command.
func (c SubmitSolutionCommand) Validate() error {
	if !shared.UserID(c.UserID).IsValid() {
		return shared.NewDomainError("submission", "Validate", shared.ErrInvalidInput, "user ID is required")
	}
	if strings.TrimSpace(c.ProblemID) == "" {
		return shared.NewDomainError("submission", "Validate", shared.ErrInvalidInput, "problem ID is required")
	}
	return nil
}

// ContributionResult is the outcome of a submission.
type ContributionResult struct {
	ContributionID  string
	Status          contribution.Status
	QualityScore    *float64
	ConfidenceScore *float64
	PointsAwarded   int

	// Reason and FailedCriterion are set for Rejected contributions.
	Reason          shared.ReasonCode
	FailedCriterion string

	// Unlocked lists achievements added by this run.
	Unlocked []saga.Unlock

	// Progress is the user's state after the run; nil when the contribution
	// was already final.
	Progress *progress.UserProgress

	// AlreadyFinal is set when ProcessContribution found nothing to do.
	AlreadyFinal bool
}

// ProblemSource is the catalog view the pipeline needs. GetProblem is used
// when resuming a contribution whose problem has since been deactivated.
type ProblemSource interface {
	problem.Catalog
	GetProblem(ctx context.Context, id string) (*problem.Problem, error)
}

// SubmitSolutionConfig configures the handler.
type SubmitSolutionConfig struct {
	// Now is the clock; tests pin it.
	Now func() time.Time
}

// DefaultSubmitSolutionConfig returns default configuration.
func DefaultSubmitSolutionConfig() SubmitSolutionConfig {
	return SubmitSolutionConfig{
		Now: func() time.Time { return time.Now().UTC() },
	}
}

// SubmitSolutionHandler handles SubmitSolution and ProcessContribution.
type SubmitSolutionHandler struct {
	problems      ProblemSource
	contributions contribution.Repository
	validator     *contribution.Validator
	scoring       *contribution.ScoringEngine
	tracker       *ProgressionTracker
	achievements  *saga.AchievementEvaluator
	aggregates    *aggregation.Service
	events        *application.EventSink
	config        SubmitSolutionConfig
	log           *logger.Logger
	metrics       application.Metrics
}

// SubmitSolutionDeps groups the collaborators of the handler.
type SubmitSolutionDeps struct {
	Problems      ProblemSource
	Contributions contribution.Repository
	Validator     *contribution.Validator
	Scoring       *contribution.ScoringEngine
	Tracker       *ProgressionTracker
	Achievements  *saga.AchievementEvaluator
	Aggregates    *aggregation.Service
	Events        *application.EventSink
	Log           *logger.Logger
	Metrics       application.Metrics
}

// NewSubmitSolutionHandler creates a new SubmitSolutionHandler.
func NewSubmitSolutionHandler(deps SubmitSolutionDeps, config SubmitSolutionConfig) *SubmitSolutionHandler {
	if config.Now == nil {
		config = DefaultSubmitSolutionConfig()
	}
	if deps.Validator == nil {
		deps.Validator = contribution.NewValidator()
	}
	if deps.Scoring == nil {
		deps.Scoring = contribution.NewScoringEngine(contribution.DefaultBaseMultiplier)
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = application.NopMetrics{}
	}
	if deps.Events == nil {
		deps.Events = application.NewEventSink(nil, deps.Log, deps.Metrics)
	}

	return &SubmitSolutionHandler{
		problems:      deps.Problems,
		contributions: deps.Contributions,
		validator:     deps.Validator,
		scoring:       deps.Scoring,
		tracker:       deps.Tracker,
		achievements:  deps.Achievements,
		aggregates:    deps.Aggregates,
		events:        deps.Events,
		config:        config,
		log:           deps.Log.With(logger.Component("submit_solution")),
		metrics:       deps.Metrics,
	}
}

// Handle executes SubmitSolution. Rejections by the validator persist nothing
// and come back as errors carrying a reason code; a quality rejection is a
// normal result with Status Rejected.
func (h *SubmitSolutionHandler) Handle(ctx context.Context, cmd SubmitSolutionCommand) (*ContributionResult, error) {
	start := time.Now()
	log := logger.FromContextOr(ctx, h.log).With(logger.UserID(cmd.UserID), logger.ProblemID(cmd.ProblemID))

	if err := cmd.Validate(); err != nil {
		h.metrics.SubmissionFinished(application.OutcomeRefused, time.Since(start))
		return nil, err
	}

	p, err := h.problems.GetActiveProblem(ctx, cmd.ProblemID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		h.metrics.SubmissionFinished(application.OutcomeFailed, time.Since(start))
		return nil, shared.StorageError("submission", "GetActiveProblem", err)
	}
	if err != nil {
		p = nil
	}

	var existing *contribution.Contribution
	if p != nil {
		existing, err = h.contributions.FindExistingContribution(ctx, cmd.UserID, p.ID)
		if err != nil {
			h.metrics.SubmissionFinished(application.OutcomeFailed, time.Since(start))
			return nil, shared.StorageError("submission", "FindExistingContribution", err)
		}
	}

	m, err := h.validator.Validate(p, cmd.UserID, cmd.Payload, existing)
	if err != nil {
		reason, _ := shared.ReasonOf(err)
		log.Info("submission refused", logger.String("reason", string(reason)), logger.Err(err))
		h.metrics.SubmissionFinished(application.OutcomeRefused, time.Since(start))
		return nil, err
	}

	c := contribution.NewPending(cmd.UserID, p, contribution.Submission{
		Payload:  cmd.Payload,
		Metadata: cmd.Metadata,
	}, m, h.config.Now())

	if err := h.contributions.PersistContribution(ctx, c); err != nil {
		if errors.Is(err, contribution.ErrContributionConflict) {
			h.metrics.SubmissionFinished(application.OutcomeRefused, time.Since(start))
			return nil, shared.Reject("submission", "PersistContribution", shared.ReasonDuplicateSubmission,
				"a pending or validated contribution to this problem already exists").WithCause(err)
		}
		h.metrics.SubmissionFinished(application.OutcomeFailed, time.Since(start))
		return nil, shared.StorageError("submission", "PersistContribution", err)
	}

	for _, cl := range c.Clamps {
		log.Debug("metric clamped",
			logger.ContributionID(c.ID),
			logger.String("metric", cl.Metric),
			logger.Float64("raw", cl.Raw),
			logger.Float64("clamped", cl.Clamped),
		)
	}

	res, err := h.process(ctx, c, p, cmd.CorrelationID, log)
	h.finish(res, err, start)
	return res, err
}

// ProcessContribution resumes a Pending contribution from where a previous
// run stopped. Every step is idempotent. For a final contribution it returns
// the stored outcome and changes nothing.
func (h *SubmitSolutionHandler) ProcessContribution(ctx context.Context, contributionID string) (*ContributionResult, error) {
	start := time.Now()
	log := h.log.With(logger.ContributionID(contributionID))

	c, err := h.contributions.GetContribution(ctx, contributionID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
		return nil, shared.StorageError("submission", "GetContribution", err)
	}
	if c.Status.IsFinal() {
		res := resultFrom(c)
		res.AlreadyFinal = true
		return res, nil
	}

	p, err := h.problems.GetProblem(ctx, c.ProblemID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
		return nil, shared.StorageError("submission", "GetProblem", err)
	}

	log.Info("resuming pending contribution", logger.UserID(c.UserID), logger.ProblemID(c.ProblemID))
	res, err := h.process(ctx, c, p, "", log)
	h.finish(res, err, start)
	return res, err
}

// process runs every step after the Pending row exists.
func (h *SubmitSolutionHandler) process(ctx context.Context, c *contribution.Contribution, p *problem.Problem, correlationID string, log *logger.Logger) (*ContributionResult, error) {
	log = log.With(logger.ContributionID(c.ID))

	if err := h.aggregates.RecordContribution(ctx, p.ID, c.ID); err != nil {
		return nil, err
	}

	scores := h.scoring.Score(c.Metrics, p, c.Metadata)
	validated := scores.Status == contribution.StatusValidated

	applied, err := h.tracker.Apply(ctx, progress.Outcome{
		UserID:         c.UserID,
		ContributionID: c.ID,
		ProblemID:      p.ID,
		ProblemType:    p.Type,
		Difficulty:     p.Difficulty,
		Validated:      validated,
		Quality:        scores.Quality,
		Points:         scores.Points,
		At:             c.SubmittedAt,
	})
	if err != nil {
		log.Warn("progression failed, contribution stays pending", logger.Err(err))
		return nil, err
	}

	var unlocks []saga.Unlock
	if validated {
		unlocks, err = h.achievements.Evaluate(ctx, applied.Progress)
		if err != nil {
			log.Warn("achievement evaluation failed, contribution stays pending", logger.Err(err))
			return nil, err
		}
		if err := h.aggregates.RecordPoints(ctx, c.UserID, c.ID, scores.Points); err != nil {
			return nil, err
		}
	}

	final := c.Clone()
	if err := final.Finalize(scores, h.config.Now()); err != nil {
		return nil, err
	}
	event := shared.NewContributionValidatedEvent(final.ID, final.UserID, final.ProblemID,
		string(final.Status), scores.Quality, scores.Confidence, scores.Points, *final.ValidatedAt)
	event.Reason = string(scores.Reason)
	event.FailedCriterion = scores.FailedCriterion
	if correlationID != "" {
		event.BaseEvent = event.BaseEvent.WithCorrelationID(correlationID)
	}

	if err := h.contributions.PersistContribution(ctx, final, event); err != nil {
		if errors.Is(err, contribution.ErrContributionConflict) {
			// Another run finalized it first and stored its own event.
			stored, gerr := h.contributions.GetContribution(ctx, c.ID)
			if gerr != nil {
				return nil, shared.StorageError("submission", "GetContribution", gerr)
			}
			res := resultFrom(stored)
			res.Unlocked = unlocks
			res.Progress = applied.Progress
			return res, nil
		}
		return nil, shared.StorageError("submission", "PersistContribution", err)
	}
	h.events.Publish(ctx, event)

	log.Info("contribution finalized",
		logger.String("status", string(final.Status)),
		logger.Float64("quality", scores.Quality),
		logger.Float64("confidence", scores.Confidence),
		logger.Points(scores.Points),
		logger.Int("unlocked", len(unlocks)),
	)

	res := resultFrom(final)
	res.Unlocked = unlocks
	res.Progress = applied.Progress
	return res, nil
}

func (h *SubmitSolutionHandler) finish(res *ContributionResult, err error, start time.Time) {
	outcome := application.OutcomeFailed
	switch {
	case err != nil && shared.IsRejection(err):
		outcome = application.OutcomeRefused
	case err != nil:
	case res.Status == contribution.StatusValidated:
		outcome = application.OutcomeValidated
	case res.Status == contribution.StatusRejected:
		outcome = application.OutcomeRejected
	}
	h.metrics.SubmissionFinished(outcome, time.Since(start))
}

func resultFrom(c *contribution.Contribution) *ContributionResult {
	return &ContributionResult{
		ContributionID:  c.ID,
		Status:          c.Status,
		QualityScore:    c.QualityScore,
		ConfidenceScore: c.ConfidenceScore,
		PointsAwarded:   c.PointsAwarded,
		Reason:          c.RejectionReason,
		FailedCriterion: c.FailedCriterion,
	}
}
