// Package scheduler runs the worker's background jobs on cron schedules:
// reconciling the leaderboard mirror and resuming stalled contributions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alem-hub/research-pipeline/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job defines the interface that all scheduled jobs must implement.
type Job interface {
	// Name returns the unique name of the job.
	Name() string

	// Run executes the job. The context is cancelled when the scheduler stops.
	Run(ctx context.Context) error

	Description() string
}

// JobResult contains the result of a job execution.
type JobResult struct {
	JobName     string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Success     bool
	Error       error
}

var (
	// ErrJobNotFound is returned for unknown job names.
	ErrJobNotFound = errors.New("scheduler: job not found")

	// ErrJobExists is returned when registering a name twice.
	ErrJobExists = errors.New("scheduler: job already registered")
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Scheduler runs registered jobs on cron specs. A job never overlaps itself:
// a tick that arrives while the previous run is active is skipped.
type Scheduler struct {
	mu sync.RWMutex

	cron *cron.Cron
	log  *logger.Logger

	jobs       map[string]*scheduledJob
	runHistory []JobResult
	maxHistory int

	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	onJobComplete func(result JobResult)
}

type scheduledJob struct {
	job      Job
	spec     string
	entryID  cron.EntryID
	running  sync.Mutex
	lastRun  *JobResult
	runCount int64
	failures int64
}

// SchedulerConfig contains configuration for the Scheduler.
type SchedulerConfig struct {
	Logger         *logger.Logger
	Timezone       *time.Location
	MaxHistorySize int
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Timezone:       time.UTC,
		MaxHistorySize: 200,
	}
}

// NewScheduler creates a new Scheduler with the given configuration.
func NewScheduler(config SchedulerConfig) *Scheduler {
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	if config.Timezone == nil {
		config.Timezone = time.UTC
	}
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 200
	}
	log := config.Logger.With(logger.Component("scheduler"))

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(config.Timezone),
			cron.WithParser(specParser),
			cron.WithLogger(cronLogger{log: log}),
		),
		log:        log,
		jobs:       make(map[string]*scheduledJob),
		maxHistory: config.MaxHistorySize,
	}
}

// Register adds a job under its name with a cron spec.
func (s *Scheduler) Register(job Job, spec string) error {
	if _, err := ParseSpec(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name())
	}
	sj := &scheduledJob{job: job, spec: spec}

	id, err := s.cron.AddFunc(spec, func() { s.tick(sj) })
	if err != nil {
		return fmt.Errorf("scheduler: add %s: %w", job.Name(), err)
	}
	sj.entryID = id
	s.jobs[job.Name()] = sj

	s.log.Info("job registered",
		logger.String("job", job.Name()),
		logger.String("spec", spec),
	)
	return nil
}

// OnJobComplete sets a hook called after every run.
func (s *Scheduler) OnJobComplete(fn func(result JobResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onJobComplete = fn
}

// Start begins firing jobs. ctx bounds every run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler: already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()

	s.log.Info("scheduler started", logger.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) tick(sj *scheduledJob) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if !sj.running.TryLock() {
		s.log.Warn("previous run still active, skipping", logger.String("job", sj.job.Name()))
		return
	}
	defer sj.running.Unlock()

	s.execute(ctx, sj)
}

// RunNow runs a job immediately and waits for it, regardless of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, jobName string) (*JobResult, error) {
	s.mu.RLock()
	sj, ok := s.jobs[jobName]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}

	sj.running.Lock()
	defer sj.running.Unlock()

	result := s.execute(ctx, sj)
	return &result, nil
}

func (s *Scheduler) execute(ctx context.Context, sj *scheduledJob) (result JobResult) {
	name := sj.job.Name()
	result = JobResult{JobName: name, StartedAt: time.Now().UTC()}

	defer func() {
		if r := recover(); r != nil {
			result.Error = fmt.Errorf("job panic: %v", r)
		}
		result.CompletedAt = time.Now().UTC()
		result.Duration = result.CompletedAt.Sub(result.StartedAt)
		result.Success = result.Error == nil
		s.record(sj, result)
	}()

	result.Error = sj.job.Run(ctx)
	return result
}

func (s *Scheduler) record(sj *scheduledJob, result JobResult) {
	s.mu.Lock()
	sj.runCount++
	if !result.Success {
		sj.failures++
	}
	r := result
	sj.lastRun = &r
	s.runHistory = append(s.runHistory, result)
	if len(s.runHistory) > s.maxHistory {
		s.runHistory = s.runHistory[len(s.runHistory)-s.maxHistory:]
	}
	hook := s.onJobComplete
	s.mu.Unlock()

	if result.Success {
		s.log.Info("job completed",
			logger.String("job", result.JobName),
			logger.Duration("duration", result.Duration),
		)
	} else {
		s.log.Error("job failed",
			logger.String("job", result.JobName),
			logger.Duration("duration", result.Duration),
			logger.Err(result.Error),
		)
	}
	if hook != nil {
		hook(result)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// INTROSPECTION
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo describes a registered job.
type JobInfo struct {
	Name        string
	Description string
	Spec        string
	NextRun     time.Time
	LastRun     *JobResult
	RunCount    int64
	FailCount   int64
}

// ListJobs returns registered jobs sorted by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for name, sj := range s.jobs {
		out = append(out, JobInfo{
			Name:        name,
			Description: sj.job.Description(),
			Spec:        sj.spec,
			NextRun:     s.cron.Entry(sj.entryID).Next,
			LastRun:     sj.lastRun,
			RunCount:    sj.runCount,
			FailCount:   sj.failures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// History returns up to limit most recent results, newest last.
func (s *Scheduler) History(limit int) []JobResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.runHistory) {
		limit = len(s.runHistory)
	}
	return append([]JobResult(nil), s.runHistory[len(s.runHistory)-limit:]...)
}
