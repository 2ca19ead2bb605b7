package aggregation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/research-pipeline/internal/domain/aggregate"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
	"github.com/alem-hub/research-pipeline/internal/infrastructure/persistence/memory"
)

// downMirror fails every call.
type downMirror struct{ *memory.Leaderboard }

var errMirrorDown = errors.New("mirror down")

func (downMirror) AddPoints(context.Context, string, string, int64) (bool, error) {
	return false, errMirrorDown
}

func (downMirror) Top(context.Context, int) ([]aggregate.Entry, error) {
	return nil, errMirrorDown
}

func TestRecordContribution_RedeliveryCountsOnce(t *testing.T) {
	svc := NewService(memory.NewCounterStore(), memory.NewLeaderboard(), nil, nil, nil)
	ctx := context.Background()

	ids := []string{"c1", "c2", "c3"}
	var g errgroup.Group
	for round := 0; round < 5; round++ {
		for _, id := range ids {
			id := id
			g.Go(func() error { return svc.RecordContribution(ctx, "p1", id) })
		}
	}
	require.NoError(t, g.Wait())

	total, err := svc.ProblemTotal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(ids)), total)

	other, err := svc.ProblemTotal(ctx, "p2")
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestRecordContribution_EmptyKeys(t *testing.T) {
	svc := NewService(memory.NewCounterStore(), memory.NewLeaderboard(), nil, nil, nil)

	err := svc.RecordContribution(context.Background(), "", "c1")
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
	assert.ErrorIs(t, err, aggregate.ErrEmptyKey)
}

func TestRecordPoints_MirrorFollowsLedger(t *testing.T) {
	ledger := memory.NewLeaderboard()
	mirror := memory.NewLeaderboard()
	svc := NewService(memory.NewCounterStore(), ledger, mirror, nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.RecordPoints(ctx, "u1", "c1", 40))
	require.NoError(t, svc.RecordPoints(ctx, "u1", "c1", 40))
	require.NoError(t, svc.RecordPoints(ctx, "u2", "c2", 70))

	for _, store := range []aggregate.LeaderboardStore{ledger, mirror} {
		n, err := store.UserTotal(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(40), n)
	}

	top, err := svc.Leaderboard(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []aggregate.Entry{
		{Rank: 1, UserID: "u2", Points: 70},
		{Rank: 2, UserID: "u1", Points: 40},
	}, top)
}

func TestRecordPoints_NegativeRejected(t *testing.T) {
	svc := NewService(memory.NewCounterStore(), memory.NewLeaderboard(), nil, nil, nil)

	err := svc.RecordPoints(context.Background(), "u1", "c1", -1)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestLeaderboard_FallsBackToLedgerAndReconciles(t *testing.T) {
	ledger := memory.NewLeaderboard()
	mirror := downMirror{memory.NewLeaderboard()}
	svc := NewService(memory.NewCounterStore(), ledger, mirror, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.RecordPoints(ctx, fmt.Sprintf("u%d", i), fmt.Sprintf("c%d", i), 10*(i+1)))
	}

	top, err := svc.Leaderboard(ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "u2", top[0].UserID)

	n, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	total, err := mirror.Leaderboard.UserTotal(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), total)
}

func TestReconcile_WithoutMirror(t *testing.T) {
	svc := NewService(memory.NewCounterStore(), memory.NewLeaderboard(), nil, nil, nil)

	n, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
