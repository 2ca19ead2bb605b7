// Package memory provides in-process implementations of every repository.
// They back tests and single-node runs without Postgres or Redis. All values
// are copied on the way in and out.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alem-hub/research-pipeline/internal/domain/aggregate"
	"github.com/alem-hub/research-pipeline/internal/domain/contribution"
	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/progress"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROBLEMS
// ══════════════════════════════════════════════════════════════════════════════

// ProblemRepository implements problem.Repository.
type ProblemRepository struct {
	mu       sync.RWMutex
	problems map[string]*problem.Problem
	counters *CounterStore
	now      func() time.Time
}

// NewProblemRepository creates an empty repository.
func NewProblemRepository() *ProblemRepository {
	return &ProblemRepository{
		problems: make(map[string]*problem.Problem),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithCounters fills TotalContributions from counters on every read.
func (r *ProblemRepository) WithCounters(counters *CounterStore) *ProblemRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = counters
	return r
}

func (r *ProblemRepository) GetProblem(ctx context.Context, id string) (*problem.Problem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.problems[id]
	if !ok {
		return nil, problem.ErrProblemNotFound
	}
	return r.view(p), nil
}

func (r *ProblemRepository) view(p *problem.Problem) *problem.Problem {
	cp := p.Clone()
	if r.counters != nil {
		cp.TotalContributions = r.counters.total(p.ID)
	}
	return cp
}

func (r *ProblemRepository) GetActiveProblem(ctx context.Context, id string) (*problem.Problem, error) {
	p, err := r.GetProblem(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, problem.ErrProblemNotFound
	}
	return p, nil
}

func (r *ProblemRepository) ListProblems(ctx context.Context, activeOnly bool) ([]*problem.Problem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*problem.Problem, 0, len(r.problems))
	for _, p := range r.problems {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, r.view(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *ProblemRepository) Save(ctx context.Context, p *problem.Problem) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := p.Clone()
	now := r.now()
	if old, ok := r.problems[p.ID]; ok {
		cp.CreatedAt = old.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.problems[p.ID] = cp
	return nil
}

func (r *ProblemRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.update(id, func(p *problem.Problem) error {
		p.Active = active
		return nil
	})
}

func (r *ProblemRepository) SetQualityThreshold(ctx context.Context, id string, threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("quality threshold %.3f outside [0,1]", threshold)
	}
	return r.update(id, func(p *problem.Problem) error {
		p.QualityThreshold = threshold
		return nil
	})
}

func (r *ProblemRepository) update(id string, fn func(*problem.Problem) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.problems[id]
	if !ok {
		return problem.ErrProblemNotFound
	}
	if err := fn(p); err != nil {
		return err
	}
	p.UpdatedAt = r.now()
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CONTRIBUTIONS
// ══════════════════════════════════════════════════════════════════════════════

// ContributionRepository implements contribution.Repository.
type ContributionRepository struct {
	mu     sync.RWMutex
	byID   map[string]*contribution.Contribution
	byPair map[string][]string
	outbox *Outbox
}

// NewContributionRepository creates an empty repository.
func NewContributionRepository() *ContributionRepository {
	return &ContributionRepository{
		byID:   make(map[string]*contribution.Contribution),
		byPair: make(map[string][]string),
	}
}

// WithOutbox stores events passed to PersistContribution in o.
func (r *ContributionRepository) WithOutbox(o *Outbox) *ContributionRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbox = o
	return r
}

func pairKey(userID, problemID string) string { return userID + "\x00" + problemID }

func (r *ContributionRepository) FindExistingContribution(ctx context.Context, userID, problemID string) (*contribution.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byPair[pairKey(userID, problemID)]
	cs := make([]*contribution.Contribution, 0, len(ids))
	for _, id := range ids {
		cs = append(cs, r.byID[id])
	}
	best := contribution.MostRelevant(cs)
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

func (r *ContributionRepository) PersistContribution(ctx context.Context, c *contribution.Contribution, events ...shared.Event) error {
	envs, err := shared.OutboxEnvelopes(events)
	if err != nil {
		return fmt.Errorf("encode outbox events: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.byID[c.ID]
	if exists {
		if stored.Status != contribution.StatusPending {
			return contribution.ErrContributionConflict
		}
		r.byID[c.ID] = c.Clone()
		r.outbox.add(envs)
		return nil
	}

	key := pairKey(c.UserID, c.ProblemID)
	if c.Status.Blocks() {
		for _, id := range r.byPair[key] {
			if r.byID[id].Status.Blocks() {
				return contribution.ErrContributionConflict
			}
		}
	}
	r.byID[c.ID] = c.Clone()
	r.byPair[key] = append(r.byPair[key], c.ID)
	r.outbox.add(envs)
	return nil
}

func (r *ContributionRepository) GetContribution(ctx context.Context, id string) (*contribution.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byID[id]
	if !ok {
		return nil, contribution.ErrContributionNotFound
	}
	return c.Clone(), nil
}

func (r *ContributionRepository) ListPending(ctx context.Context, before time.Time, limit int) ([]*contribution.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*contribution.Contribution
	for _, c := range r.byID {
		if c.Status == contribution.StatusPending && c.SubmittedAt.Before(before) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored contributions.
func (r *ContributionRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// ProgressRepository implements progress.Repository with a version check
// under a mutex.
type ProgressRepository struct {
	mu     sync.RWMutex
	users  map[string]*progress.UserProgress
	outbox *Outbox
}

// NewProgressRepository creates an empty repository.
func NewProgressRepository() *ProgressRepository {
	return &ProgressRepository{users: make(map[string]*progress.UserProgress)}
}

// WithOutbox stores events passed to CompareAndSwapUserProgress in o.
func (r *ProgressRepository) WithOutbox(o *Outbox) *ProgressRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbox = o
	return r
}

func (r *ProgressRepository) GetUserProgress(ctx context.Context, userID string) (*progress.UserProgress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if u, ok := r.users[userID]; ok {
		return u.Clone(), nil
	}
	return progress.NewUserProgress(userID), nil
}

func (r *ProgressRepository) CompareAndSwapUserProgress(ctx context.Context, userID string, expectedVersion int64, next *progress.UserProgress, events ...shared.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	envs, err := shared.OutboxEnvelopes(events)
	if err != nil {
		return fmt.Errorf("encode outbox events: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var current int64
	if u, ok := r.users[userID]; ok {
		current = u.Version
	}
	if current != expectedVersion {
		return progress.ErrVersionMismatch
	}

	next.UserID = userID
	next.Version = expectedVersion + 1
	r.users[userID] = next.Clone()
	r.outbox.add(envs)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// COUNTERS
// ══════════════════════════════════════════════════════════════════════════════

// CounterStore implements aggregate.CounterStore.
type CounterStore struct {
	mu     sync.Mutex
	seen   map[string]map[string]struct{}
	totals map[string]int64
}

// NewCounterStore creates an empty store.
func NewCounterStore() *CounterStore {
	return &CounterStore{
		seen:   make(map[string]map[string]struct{}),
		totals: make(map[string]int64),
	}
}

func (s *CounterStore) IncrementProblemCounter(ctx context.Context, problemID, contributionID string) (bool, error) {
	if strings.TrimSpace(problemID) == "" || strings.TrimSpace(contributionID) == "" {
		return false, aggregate.ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.seen[problemID]
	if !ok {
		ids = make(map[string]struct{})
		s.seen[problemID] = ids
	}
	if _, dup := ids[contributionID]; dup {
		return false, nil
	}
	ids[contributionID] = struct{}{}
	s.totals[problemID]++
	return true, nil
}

func (s *CounterStore) ProblemTotal(ctx context.Context, problemID string) (int64, error) {
	return s.total(problemID), nil
}

func (s *CounterStore) total(problemID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[problemID]
}

// Leaderboard implements aggregate.PointsLedger and aggregate.LeaderboardMirror.
type Leaderboard struct {
	mu       sync.Mutex
	credited map[string]struct{}
	totals   map[string]int64
}

// NewLeaderboard creates an empty leaderboard.
func NewLeaderboard() *Leaderboard {
	return &Leaderboard{
		credited: make(map[string]struct{}),
		totals:   make(map[string]int64),
	}
}

func (l *Leaderboard) AddPoints(ctx context.Context, userID, contributionID string, points int64) (bool, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(contributionID) == "" {
		return false, aggregate.ErrEmptyKey
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.credited[contributionID]; dup {
		return false, nil
	}
	l.credited[contributionID] = struct{}{}
	l.totals[userID] += points
	return true, nil
}

func (l *Leaderboard) UserTotal(ctx context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals[userID], nil
}

func (l *Leaderboard) Top(ctx context.Context, limit int) ([]aggregate.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return rank(l.totals, limit), nil
}

func (l *Leaderboard) AllTotals(ctx context.Context) (map[string]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int64, len(l.totals))
	for k, v := range l.totals {
		out[k] = v
	}
	return out, nil
}

// Replace drops the dedup set; the ledger it is rebuilt from already holds it.
func (l *Leaderboard) Replace(ctx context.Context, totals map[string]int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totals = make(map[string]int64, len(totals))
	for k, v := range totals {
		l.totals[k] = v
	}
	return nil
}

func rank(totals map[string]int64, limit int) []aggregate.Entry {
	out := make([]aggregate.Entry, 0, len(totals))
	for id, pts := range totals {
		out = append(out, aggregate.Entry{UserID: id, Points: pts})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// OUTBOX
// ══════════════════════════════════════════════════════════════════════════════

// Outbox implements shared.Outbox. Repositories add to it while holding their
// own lock, so an entry exists exactly when the write it belongs to does.
type Outbox struct {
	mu      sync.Mutex
	entries map[string]*shared.OutboxEntry
	now     func() time.Time
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{
		entries: make(map[string]*shared.OutboxEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// add is a no-op on a nil outbox.
func (o *Outbox) add(envs []shared.EventEnvelope) {
	if o == nil || len(envs) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	for _, env := range envs {
		if _, ok := o.entries[env.ID]; ok {
			continue
		}
		o.entries[env.ID] = &shared.OutboxEntry{Envelope: env, CreatedAt: now}
	}
}

func (o *Outbox) PendingEvents(ctx context.Context, olderThan time.Time, limit int) ([]shared.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]shared.OutboxEntry, 0, len(o.entries))
	for _, e := range o.entries {
		if e.CreatedAt.Before(olderThan) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Envelope.ID < out[j].Envelope.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *Outbox) MarkDelivered(ctx context.Context, eventID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, eventID)
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, eventID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[eventID]; ok {
		e.Attempts++
	}
	return nil
}

// Len returns the number of undelivered entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

var (
	_ problem.Repository          = (*ProblemRepository)(nil)
	_ contribution.Repository     = (*ContributionRepository)(nil)
	_ progress.Repository         = (*ProgressRepository)(nil)
	_ aggregate.CounterStore      = (*CounterStore)(nil)
	_ aggregate.PointsLedger      = (*Leaderboard)(nil)
	_ aggregate.LeaderboardMirror = (*Leaderboard)(nil)
	_ shared.Outbox               = (*Outbox)(nil)
)
