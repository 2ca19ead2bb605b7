package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

func TestKeys(t *testing.T) {
	k := NewKeys("rp:")
	assert.Equal(t, "rp:problem:bias-1", k.Problem("bias-1"))
	assert.Equal(t, "rp:leaderboard:totals", k.LeaderboardTotals())
	assert.Equal(t, "rp:leaderboard:credited", k.LeaderboardCredited())
	assert.Equal(t, "rp:events:contribution.validated", k.EventChannel("contribution.validated"))
}

func TestEntriesFromZ(t *testing.T) {
	entries := entriesFromZ([]redis.Z{
		{Member: "u2", Score: -60},
		{Member: "u1", Score: -30},
		{Member: "u3", Score: -30},
	})

	require.Len(t, entries, 3)
	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, "u2", entries[0].UserID)
	assert.Equal(t, int64(60), entries[0].Points)
	assert.Equal(t, 3, entries[2].Rank)
	assert.Equal(t, int64(30), entries[2].Points)
}

// mapStore is an in-process jsonStore.
type mapStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet bool
	gets    atomic.Int64
}

func newMapStore() *mapStore { return &mapStore{data: make(map[string][]byte)} }

func (s *mapStore) GetJSON(ctx context.Context, key string, dest any) error {
	s.gets.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet {
		return errors.New("connection refused")
	}
	b, ok := s.data[key]
	if !ok {
		return ErrCacheMiss
	}
	return json.Unmarshal(b, dest)
}

func (s *mapStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = b
	return nil
}

func (s *mapStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

// countingRepo counts GetProblem calls.
type countingRepo struct {
	*memory.ProblemRepository
	loads atomic.Int64
	delay time.Duration
}

func (r *countingRepo) GetProblem(ctx context.Context, id string) (*problem.Problem, error) {
	r.loads.Add(1)
	time.Sleep(r.delay)
	return r.ProblemRepository.GetProblem(ctx, id)
}

func seedRepo(t *testing.T) *countingRepo {
	t.Helper()
	repo := &countingRepo{ProblemRepository: memory.NewProblemRepository()}
	require.NoError(t, repo.Save(context.Background(), &problem.Problem{
		ID:               "bias-1",
		Title:            "Spot the bias",
		Type:             problem.TypeBiasDetection,
		Difficulty:       4,
		QualityThreshold: 0.6,
		Active:           true,
		ExpectedDuration: 10 * time.Minute,
		Criteria:         problem.Criteria{{Metric: "accuracy", Threshold: 0.7, Weight: 2}},
		GroundTruth:      problem.GroundTruth{Labels: map[string]string{"s1": "gender", "s2": "none"}},
	}))
	return repo
}

func TestCachedCatalog_ReadThrough(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	store := newMapStore()
	c := newCachedCatalog(repo, store, NewKeys("t:"), time.Minute, logger.Nop())

	p, err := c.GetActiveProblem(ctx, "bias-1")
	require.NoError(t, err)
	assert.Equal(t, "gender", p.GroundTruth.Labels["s1"])

	again, err := c.GetProblem(ctx, "bias-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), repo.loads.Load())
	assert.Equal(t, 10*time.Minute, again.ExpectedDuration)
	assert.Equal(t, 2.0, again.Criteria[0].Weight)
}

func TestCachedCatalog_InactiveAfterInvalidation(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	c := newCachedCatalog(repo, newMapStore(), NewKeys("t:"), time.Minute, logger.Nop())

	_, err := c.GetActiveProblem(ctx, "bias-1")
	require.NoError(t, err)

	require.NoError(t, c.SetActive(ctx, "bias-1", false))
	_, err = c.GetActiveProblem(ctx, "bias-1")
	assert.ErrorIs(t, err, problem.ErrProblemNotFound)

	p, err := c.GetProblem(ctx, "bias-1")
	require.NoError(t, err)
	assert.False(t, p.Active)
}

func TestCachedCatalog_FallsBackWhenCacheDown(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	store := newMapStore()
	store.failGet = true
	c := newCachedCatalog(repo, store, NewKeys("t:"), time.Minute, logger.Nop())

	for i := 0; i < 3; i++ {
		_, err := c.GetActiveProblem(ctx, "bias-1")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), repo.loads.Load())
}

func TestCachedCatalog_UnknownProblem(t *testing.T) {
	c := newCachedCatalog(seedRepo(t), newMapStore(), NewKeys("t:"), time.Minute, logger.Nop())

	_, err := c.GetActiveProblem(context.Background(), "missing")
	assert.ErrorIs(t, err, problem.ErrProblemNotFound)
}

func TestCachedCatalog_ConcurrentMissesShareLoad(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	repo.delay = 50 * time.Millisecond
	store := newMapStore()
	store.failGet = true
	c := newCachedCatalog(repo, store, NewKeys("t:"), time.Minute, logger.Nop())

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			p, err := c.GetProblem(ctx, "bias-1")
			if err != nil {
				return err
			}
			p.Title = "mutated"
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Less(t, repo.loads.Load(), int64(8))

	p, err := repo.ProblemRepository.GetProblem(ctx, "bias-1")
	require.NoError(t, err)
	assert.Equal(t, "Spot the bias", p.Title)
}
