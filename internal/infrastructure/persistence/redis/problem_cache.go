package redis

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROBLEM CACHE
// ══════════════════════════════════════════════════════════════════════════════

// TTLProblem is how long a cached problem definition lives.
const TTLProblem = 10 * time.Minute

// jsonStore is the part of Cache the catalog needs.
type jsonStore interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CachedCatalog is a read-through cache in front of a problem.Repository.
// Concurrent misses for one problem share a single load. Any cache failure
// falls back to the repository.
type CachedCatalog struct {
	repo   problem.Repository
	store  jsonStore
	keys   Keys
	ttl    time.Duration
	flight singleflight.Group
	log    *logger.Logger
}

// NewCachedCatalog wraps repo with cache.
func NewCachedCatalog(repo problem.Repository, cache *Cache, ttl time.Duration, log *logger.Logger) *CachedCatalog {
	return newCachedCatalog(repo, cache, cache.Keys(), ttl, log)
}

func newCachedCatalog(repo problem.Repository, store jsonStore, keys Keys, ttl time.Duration, log *logger.Logger) *CachedCatalog {
	if ttl <= 0 {
		ttl = TTLProblem
	}
	if log == nil {
		log = logger.Default()
	}
	return &CachedCatalog{
		repo:  repo,
		store: store,
		keys:  keys,
		ttl:   ttl,
		log:   log.With(logger.Component("problem_cache")),
	}
}

// GetProblem returns the problem from cache, loading it on a miss.
func (c *CachedCatalog) GetProblem(ctx context.Context, id string) (*problem.Problem, error) {
	key := c.keys.Problem(id)

	var cached problem.Problem
	err := c.store.GetJSON(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		c.log.Debug("problem cache read failed", logger.ProblemID(id), logger.Err(err))
	}

	v, err, _ := c.flight.Do(id, func() (any, error) {
		p, err := c.repo.GetProblem(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := c.store.SetJSON(ctx, key, p, c.ttl); err != nil {
			c.log.Debug("problem cache write failed", logger.ProblemID(id), logger.Err(err))
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*problem.Problem).Clone(), nil
}

// GetActiveProblem returns ErrProblemNotFound for unknown or inactive problems.
func (c *CachedCatalog) GetActiveProblem(ctx context.Context, id string) (*problem.Problem, error) {
	p, err := c.GetProblem(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, problem.ErrProblemNotFound
	}
	return p, nil
}

// ListProblems is not cached.
func (c *CachedCatalog) ListProblems(ctx context.Context, activeOnly bool) ([]*problem.Problem, error) {
	return c.repo.ListProblems(ctx, activeOnly)
}

// Save writes through and drops the cached copy.
func (c *CachedCatalog) Save(ctx context.Context, p *problem.Problem) error {
	if err := c.repo.Save(ctx, p); err != nil {
		return err
	}
	c.Invalidate(ctx, p.ID)
	return nil
}

// SetActive writes through and drops the cached copy.
func (c *CachedCatalog) SetActive(ctx context.Context, id string, active bool) error {
	if err := c.repo.SetActive(ctx, id, active); err != nil {
		return err
	}
	c.Invalidate(ctx, id)
	return nil
}

// SetQualityThreshold writes through and drops the cached copy.
func (c *CachedCatalog) SetQualityThreshold(ctx context.Context, id string, threshold float64) error {
	if err := c.repo.SetQualityThreshold(ctx, id, threshold); err != nil {
		return err
	}
	c.Invalidate(ctx, id)
	return nil
}

// Invalidate removes the cached problem. Failures are logged; the entry
// expires on its own.
func (c *CachedCatalog) Invalidate(ctx context.Context, id string) {
	if err := c.store.Delete(ctx, c.keys.Problem(id)); err != nil {
		c.log.Warn("problem cache invalidation failed", logger.ProblemID(id), logger.Err(err))
	}
}

var _ problem.Repository = (*CachedCatalog)(nil)
