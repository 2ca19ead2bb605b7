package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/research-pipeline/internal/application"
	"github.com/alem-hub/research-pipeline/internal/application/command"
	"github.com/alem-hub/research-pipeline/internal/domain/contribution"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

type stubReconciler struct {
	n   int
	err error
}

func (s stubReconciler) Reconcile(context.Context) (int, error) { return s.n, s.err }

func TestReconcileLeaderboardJob(t *testing.T) {
	job := NewReconcileLeaderboardJob(stubReconciler{n: 7}, 0, logger.Nop())
	assert.Nil(t, job.LastStats())

	require.NoError(t, job.Run(context.Background()))
	require.NotNil(t, job.LastStats())
	assert.Equal(t, 7, job.LastStats().Users)

	failing := NewReconcileLeaderboardJob(stubReconciler{err: errors.New("redis down")}, time.Second, logger.Nop())
	assert.Error(t, failing.Run(context.Background()))
	assert.Nil(t, failing.LastStats())
}

type stubPending struct {
	items  []*contribution.Contribution
	before time.Time
	limit  int
}

func (s *stubPending) ListPending(_ context.Context, before time.Time, limit int) ([]*contribution.Contribution, error) {
	s.before, s.limit = before, limit
	return s.items, nil
}

type stubProcessor struct {
	fail map[string]bool
	seen []string
}

func (s *stubProcessor) ProcessContribution(_ context.Context, id string) (*command.ContributionResult, error) {
	s.seen = append(s.seen, id)
	if s.fail[id] {
		return nil, errors.New("storage unavailable")
	}
	return &command.ContributionResult{ContributionID: id, Status: contribution.StatusValidated}, nil
}

func TestResumePendingJob(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	pending := &stubPending{items: []*contribution.Contribution{{ID: "c1"}, {ID: "c2"}, {ID: "c3"}}}
	proc := &stubProcessor{fail: map[string]bool{"c2": true}}

	job := NewResumePendingJob(pending, proc, ResumePendingConfig{
		MinAge:    time.Minute,
		BatchSize: 10,
		Now:       func() time.Time { return now },
	}, logger.Nop())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []string{"c1", "c2", "c3"}, proc.seen)
	assert.Equal(t, now.Add(-time.Minute), pending.before)
	assert.Equal(t, 10, pending.limit)
}

func TestResumePendingJob_AllFailed(t *testing.T) {
	pending := &stubPending{items: []*contribution.Contribution{{ID: "c1"}}}
	proc := &stubProcessor{fail: map[string]bool{"c1": true}}

	job := NewResumePendingJob(pending, proc, ResumePendingConfig{}, logger.Nop())
	assert.Error(t, job.Run(context.Background()))
}

func TestResumePendingJob_NothingPending(t *testing.T) {
	proc := &stubProcessor{}
	job := NewResumePendingJob(&stubPending{}, proc, DefaultResumePendingConfig(), logger.Nop())

	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, proc.seen)
}

type stubRelayer struct {
	olderThan time.Time
	limit     int
	stats     application.RelayStats
	err       error
}

func (s *stubRelayer) Relay(_ context.Context, olderThan time.Time, limit int) (application.RelayStats, error) {
	s.olderThan, s.limit = olderThan, limit
	return s.stats, s.err
}

func TestRelayOutboxJob(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	relayer := &stubRelayer{stats: application.RelayStats{Delivered: 2, Failed: 1}}

	job := NewRelayOutboxJob(relayer, RelayOutboxConfig{
		MinAge: 30 * time.Second,
		Now:    func() time.Time { return now },
	}, logger.Nop())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, now.Add(-30*time.Second), relayer.olderThan)
	assert.Equal(t, DefaultRelayOutboxConfig().BatchSize, relayer.limit)
	assert.Equal(t, "relay_outbox", job.Name())

	failing := NewRelayOutboxJob(&stubRelayer{err: errors.New("postgres down")}, RelayOutboxConfig{}, logger.Nop())
	assert.Error(t, failing.Run(context.Background()))
}
