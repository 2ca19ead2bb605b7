package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/research-pipeline/internal/application/command"
	"github.com/alem-hub/research-pipeline/internal/domain/contribution"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESUME PENDING JOB
// ══════════════════════════════════════════════════════════════════════════════

// PendingLister lists contributions stuck in Pending.
type PendingLister interface {
	ListPending(ctx context.Context, before time.Time, limit int) ([]*contribution.Contribution, error)
}

// Processor re-enters the pipeline for a stored contribution.
type Processor interface {
	ProcessContribution(ctx context.Context, contributionID string) (*command.ContributionResult, error)
}

// ResumePendingConfig contains configuration for ResumePendingJob.
type ResumePendingConfig struct {
	// MinAge skips contributions younger than this; they may still be in flight.
	MinAge    time.Duration
	BatchSize int
	Now       func() time.Time
}

// DefaultResumePendingConfig returns sensible defaults.
func DefaultResumePendingConfig() ResumePendingConfig {
	return ResumePendingConfig{
		MinAge:    2 * time.Minute,
		BatchSize: 100,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// ResumePendingJob finishes contributions whose submission crashed or
// failed after the Pending row was written.
type ResumePendingJob struct {
	pending   PendingLister
	processor Processor
	config    ResumePendingConfig
	log       *logger.Logger
}

// NewResumePendingJob creates the job.
func NewResumePendingJob(pending PendingLister, processor Processor, config ResumePendingConfig, log *logger.Logger) *ResumePendingJob {
	def := DefaultResumePendingConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Now == nil {
		config.Now = def.Now
	}
	if log == nil {
		log = logger.Default()
	}
	return &ResumePendingJob{
		pending:   pending,
		processor: processor,
		config:    config,
		log:       log.With(logger.Component("resume_pending")),
	}
}

// Name returns the job name.
func (j *ResumePendingJob) Name() string { return "resume_pending" }

// Description returns a human-readable description.
func (j *ResumePendingJob) Description() string {
	return "Re-runs the pipeline for contributions left in Pending"
}

// Run processes one batch. Individual failures are logged and counted; the
// run fails only when nothing could be listed or every resume failed.
func (j *ResumePendingJob) Run(ctx context.Context) error {
	cutoff := j.config.Now().Add(-j.config.MinAge)
	batch, err := j.pending.ListPending(ctx, cutoff, j.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	var resumed, failed int
	var errs []error
	for _, c := range batch {
		if ctx.Err() != nil {
			break
		}
		res, err := j.processor.ProcessContribution(ctx, c.ID)
		if err != nil {
			failed++
			errs = append(errs, err)
			j.log.Warn("resume failed", logger.ContributionID(c.ID), logger.Err(err))
			continue
		}
		resumed++
		j.log.Info("contribution resumed",
			logger.ContributionID(c.ID),
			logger.String("status", string(res.Status)),
		)
	}

	j.log.Info("pending batch done",
		logger.Int("resumed", resumed),
		logger.Int("failed", failed),
	)
	if resumed == 0 && failed > 0 {
		return errors.Join(errs...)
	}
	return nil
}
