package jobs

import (
	"context"
	"time"

	"github.com/alem-hub/research-pipeline/internal/application"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RELAY OUTBOX JOB
// ══════════════════════════════════════════════════════════════════════════════

// Relayer publishes stored outbox events.
type Relayer interface {
	Relay(ctx context.Context, olderThan time.Time, limit int) (application.RelayStats, error)
}

// RelayOutboxConfig contains configuration for RelayOutboxJob.
type RelayOutboxConfig struct {
	// MinAge leaves fresh entries to the publish that follows their commit.
	MinAge    time.Duration
	BatchSize int
	Timeout   time.Duration
	Now       func() time.Time
}

// DefaultRelayOutboxConfig returns sensible defaults.
func DefaultRelayOutboxConfig() RelayOutboxConfig {
	return RelayOutboxConfig{
		MinAge:    30 * time.Second,
		BatchSize: 200,
		Timeout:   time.Minute,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// RelayOutboxJob delivers events whose publish failed after commit.
type RelayOutboxJob struct {
	relayer Relayer
	config  RelayOutboxConfig
	log     *logger.Logger
}

// NewRelayOutboxJob creates the job.
func NewRelayOutboxJob(relayer Relayer, config RelayOutboxConfig, log *logger.Logger) *RelayOutboxJob {
	def := DefaultRelayOutboxConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Now == nil {
		config.Now = def.Now
	}
	if log == nil {
		log = logger.Default()
	}
	return &RelayOutboxJob{
		relayer: relayer,
		config:  config,
		log:     log.With(logger.Component("relay_outbox")),
	}
}

// Name returns the job name.
func (j *RelayOutboxJob) Name() string { return "relay_outbox" }

// Description returns a human-readable description.
func (j *RelayOutboxJob) Description() string {
	return "Publishes outbox events that were committed but not delivered"
}

// Run relays one batch.
func (j *RelayOutboxJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	stats, err := j.relayer.Relay(ctx, j.config.Now().Add(-j.config.MinAge), j.config.BatchSize)
	if err != nil {
		return err
	}
	if stats.Delivered > 0 || stats.Failed > 0 {
		j.log.Info("outbox relayed",
			logger.Int("delivered", stats.Delivered),
			logger.Int("failed", stats.Failed),
		)
	}
	return nil
}
