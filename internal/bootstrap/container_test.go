package bootstrap

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/research-pipeline/config"
	"github.com/alem-hub/research-pipeline/internal/application/command"
	"github.com/alem-hub/research-pipeline/internal/application/query"
	"github.com/alem-hub/research-pipeline/internal/domain/contribution"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

const hiringSolution = `{"detections":[
	{"item_id":"s1","label":"gender"},
	{"item_id":"s2","label":"none"},
	{"item_id":"s3","label":"age"},
	{"item_id":"s4","label":"none"},
	{"item_id":"s5","label":"ethnicity"}]}`

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "")
	t.Setenv("REDIS_DISABLED", "true")
	t.Setenv("EVENTS_BACKEND", "memory")
	t.Setenv("FEATURE_EVENTS_PUBLISH", "true")

	cfg, err := config.Load("testdata/missing.env")
	require.NoError(t, err)
	require.False(t, cfg.UsesPostgres())
	return cfg
}

func TestBuild_InMemoryPipeline(t *testing.T) {
	cfg := memoryConfig(t)
	ctx := context.Background()

	c, err := Build(ctx, cfg, logger.Nop())
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.DB)
	assert.Nil(t, c.Cache)
	require.NotNil(t, c.Subscriber)

	problems, err := c.ProblemStats.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, problems, 3)

	res, err := c.Submit.Handle(ctx, command.SubmitSolutionCommand{
		UserID:    "u1",
		ProblemID: "bias-hiring-01",
		Payload:   json.RawMessage(hiringSolution),
	})
	require.NoError(t, err)
	assert.Equal(t, contribution.StatusValidated, res.Status)
	assert.Positive(t, res.PointsAwarded)

	board, err := c.Leaderboard.Handle(ctx, query.GetLeaderboardQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, board.Entries, 1)
	assert.Equal(t, "u1", board.Entries[0].UserID)
	assert.Equal(t, int64(res.PointsAwarded), board.Entries[0].Points)

	stats, err := c.ProblemStats.Handle(ctx, query.GetProblemStatsQuery{ProblemID: "bias-hiring-01"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalContributions)

	p, err := c.Problems.GetProblem(ctx, "bias-hiring-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.TotalContributions)

	// Delivered events leave nothing for the relay.
	require.NotNil(t, c.Outbox)
	pending, err := c.Outbox.PendingEvents(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.NoError(t, c.RelayJob().Run(ctx))
}

func TestBuild_PublishingDisabledHasNoSubscriberTraffic(t *testing.T) {
	cfg := memoryConfig(t)
	require.NoError(t, cfg.Features.SetEnabled(config.FeatureEventPublishing, false))

	c, err := Build(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.Subscriber)
	d, err := c.EnableEventAudit(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestEnableEventAudit_MemoryBus(t *testing.T) {
	cfg := memoryConfig(t)
	ctx := context.Background()

	c, err := Build(ctx, cfg, logger.Nop())
	require.NoError(t, err)

	d, err := c.EnableEventAudit(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	_, err = c.Submit.Handle(ctx, command.SubmitSolutionCommand{
		UserID:    "u1",
		ProblemID: "bias-hiring-01",
		Payload:   json.RawMessage(hiringSolution),
	})
	require.NoError(t, err)

	c.Close()
	assert.Zero(t, d.DeadLetterQueue().Size())
}

func TestHealthChecker_InMemoryHasNoChecks(t *testing.T) {
	cfg := memoryConfig(t)
	c, err := Build(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer c.Close()

	status := c.HealthChecker().Check(context.Background())
	assert.Empty(t, status.Checks)
}

func TestLoadCatalog(t *testing.T) {
	problems, err := LoadCatalog("")
	require.NoError(t, err)
	assert.Len(t, problems, 3)

	_, err = LoadCatalog("testdata/does-not-exist.yaml")
	assert.Error(t, err)
}
