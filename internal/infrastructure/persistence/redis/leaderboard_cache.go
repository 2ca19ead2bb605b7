package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/research-pipeline/internal/domain/aggregate"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD MIRROR
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardCache is the Redis copy of the points ledger.
//
// Layout:
//   - Sorted set "leaderboard:totals" holds user id -> negated points, so an
//     ascending range gives highest totals first with ties in user id order.
//   - Set "leaderboard:credited" holds contribution ids already credited.
//
// The sorted set can always be rebuilt from Postgres with Replace.
type LeaderboardCache struct {
	cache *Cache
}

// NewLeaderboardCache creates a new LeaderboardCache.
func NewLeaderboardCache(cache *Cache) *LeaderboardCache {
	return &LeaderboardCache{cache: cache}
}

// addPointsScript credits a contribution at most once.
// KEYS[1] credited set, KEYS[2] totals; ARGV[1] contribution, ARGV[2] user, ARGV[3] points.
var addPointsScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('ZINCRBY', KEYS[2], -tonumber(ARGV[3]), ARGV[2])
return 1
`)

// AddPoints credits points for contributionID once.
func (l *LeaderboardCache) AddPoints(ctx context.Context, userID, contributionID string, points int64) (bool, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(contributionID) == "" {
		return false, aggregate.ErrEmptyKey
	}
	keys := l.cache.keys

	var applied int64
	err := l.cache.do(ctx, func(ctx context.Context) error {
		var err error
		applied, err = addPointsScript.Run(ctx, l.cache.client,
			[]string{keys.LeaderboardCredited(), keys.LeaderboardTotals()},
			contributionID, userID, points,
		).Int64()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("leaderboard_cache: add points: %w", err)
	}
	return applied == 1, nil
}

// UserTotal returns the mirrored total, 0 if the user is absent.
func (l *LeaderboardCache) UserTotal(ctx context.Context, userID string) (int64, error) {
	var score float64
	err := l.cache.do(ctx, func(ctx context.Context) error {
		var err error
		score, err = l.cache.client.ZScore(ctx, l.cache.keys.LeaderboardTotals(), userID).Result()
		return err
	})
	if errors.Is(err, ErrCacheMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("leaderboard_cache: user total: %w", err)
	}
	return -int64(score), nil
}

// Top returns the highest totals ranked from 1.
func (l *LeaderboardCache) Top(ctx context.Context, limit int) ([]aggregate.Entry, error) {
	if limit <= 0 {
		return []aggregate.Entry{}, nil
	}
	var zs []redis.Z
	err := l.cache.do(ctx, func(ctx context.Context) error {
		var err error
		zs, err = l.cache.client.ZRangeWithScores(ctx, l.cache.keys.LeaderboardTotals(), 0, int64(limit-1)).Result()
		return err
	})
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		return nil, fmt.Errorf("leaderboard_cache: top: %w", err)
	}
	return entriesFromZ(zs), nil
}

// Replace swaps the totals for the given map. The credited set is kept so
// credits already mirrored are not applied twice.
func (l *LeaderboardCache) Replace(ctx context.Context, totals map[string]int64) error {
	keys := l.cache.keys
	dst := keys.LeaderboardTotals()
	tmp := dst + ":rebuild"

	members := make([]redis.Z, 0, len(totals))
	for id, pts := range totals {
		members = append(members, redis.Z{Member: id, Score: -float64(pts)})
	}

	err := l.cache.do(ctx, func(ctx context.Context) error {
		pipe := l.cache.client.TxPipeline()
		pipe.Del(ctx, tmp)
		if len(members) == 0 {
			pipe.Del(ctx, dst)
		} else {
			for start := 0; start < len(members); start += replaceBatch {
				end := min(start+replaceBatch, len(members))
				pipe.ZAdd(ctx, tmp, members[start:end]...)
			}
			pipe.Rename(ctx, tmp, dst)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("leaderboard_cache: replace: %w", err)
	}
	return nil
}

const replaceBatch = 500

func entriesFromZ(zs []redis.Z) []aggregate.Entry {
	out := make([]aggregate.Entry, 0, len(zs))
	for i, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, aggregate.Entry{
			Rank:   i + 1,
			UserID: id,
			Points: -int64(z.Score),
		})
	}
	return out
}

var _ aggregate.LeaderboardMirror = (*LeaderboardCache)(nil)
