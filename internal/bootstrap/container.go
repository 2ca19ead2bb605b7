// Package bootstrap wires configuration into the running pipeline. Both the
// API server and the worker build their dependencies through Build.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alem-hub/research-pipeline/config"
	"github.com/alem-hub/research-pipeline/internal/application"
	"github.com/alem-hub/research-pipeline/internal/application/aggregation"
	"github.com/alem-hub/research-pipeline/internal/application/command"
	"github.com/alem-hub/research-pipeline/internal/application/query"
	"github.com/alem-hub/research-pipeline/internal/application/saga"
	"github.com/alem-hub/research-pipeline/internal/domain/achievement"
	"github.com/alem-hub/research-pipeline/internal/domain/aggregate"
	"github.com/alem-hub/research-pipeline/internal/domain/contribution"
	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/progress"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
	"github.com/alem-hub/research-pipeline/internal/infrastructure/catalog"
	"github.com/alem-hub/research-pipeline/internal/infrastructure/messaging"
	"github.com/alem-hub/research-pipeline/internal/infrastructure/metrics"
	"github.com/alem-hub/research-pipeline/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/research-pipeline/internal/infrastructure/persistence/postgres"
	rediscache "github.com/alem-hub/research-pipeline/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/research-pipeline/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/research-pipeline/internal/interface/http/handlers"
	"github.com/alem-hub/research-pipeline/pkg/circuitbreaker"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

// ContributionStore is the contribution repository plus the listing the
// resume job needs.
type ContributionStore interface {
	contribution.Repository
	ListPending(ctx context.Context, before time.Time, limit int) ([]*contribution.Contribution, error)
}

// Container holds the wired pipeline.
type Container struct {
	Config  *config.Config
	Log     *logger.Logger
	Metrics *metrics.Prometheus

	// DB is nil when running on in-memory stores.
	DB *postgres.Connection
	// Cache is nil when Redis is disabled or unreachable.
	Cache *rediscache.Cache

	Problems      problem.Repository
	Contributions ContributionStore
	Progress      progress.Repository
	Aggregates    *aggregation.Service
	Rules         *achievement.RuleSet
	Params        progress.Params

	// Outbox holds events written with the state they describe until a
	// publish succeeds.
	Outbox shared.Outbox
	Events *application.EventSink
	Submit *command.SubmitSolutionHandler

	Leaderboard  *query.GetLeaderboardHandler
	UserProgress *query.GetUserProgressHandler
	ProblemStats *query.GetProblemStatsHandler

	// Subscriber is set when the event backend can deliver locally
	// (memory or Redis). NATS consumers live outside this process.
	Subscriber shared.EventSubscriber

	natsPub  *messaging.NATSPublisher
	redisBus *messaging.RedisEventBus
	closers  []func()
}

// NewLogger builds the process logger from observability settings.
func NewLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Options{
		Output:    os.Stdout,
		Level:     logger.ParseLevel(cfg.Observability.LogLevel),
		Format:    cfg.Observability.LogFormat,
		AddCaller: true,
	}).With(
		logger.String("service", cfg.App.Name),
		logger.String("version", cfg.App.Version),
		logger.String("env", string(cfg.App.Environment)),
	)
}

// Build connects to the configured stores and wires every component.
// Call Close when done, even after an error.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Container, error) {
	c := &Container{
		Config:  cfg,
		Log:     log,
		Metrics: metrics.New(),
		Params:  cfg.Pipeline.ProgressParams(),
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 1. ХРАНИЛИЩЕ
	// ─────────────────────────────────────────────────────────────────────────
	var (
		counters aggregate.CounterStore
		ledger   aggregate.PointsLedger
	)
	if cfg.UsesPostgres() {
		pgCfg := postgres.DefaultConfig()
		pgCfg.URL = cfg.Database.URL
		pgCfg.MaxConns = cfg.Database.MaxConns
		pgCfg.MinConns = cfg.Database.MinConns
		pgCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		pgCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

		breaker := circuitbreaker.StorageBreaker(postgres.IsInfrastructureError, c.Metrics.BreakerStateChanged)
		conn, err := postgres.NewConnection(ctx, pgCfg, breaker)
		if err != nil {
			return c, fmt.Errorf("connect postgres: %w", err)
		}
		c.DB = conn
		c.closers = append(c.closers, conn.Close)

		c.Problems = postgres.NewProblemRepository(conn)
		c.Contributions = postgres.NewContributionRepository(conn)
		c.Progress = postgres.NewProgressRepository(conn)
		c.Outbox = postgres.NewOutboxRepository(conn)
		counterRepo := postgres.NewCounterRepository(conn)
		counters, ledger = counterRepo, counterRepo
		log.Info("using postgres storage")
	} else {
		outbox := memory.NewOutbox()
		counterStore := memory.NewCounterStore()
		problems := memory.NewProblemRepository().WithCounters(counterStore)
		c.Problems = problems
		c.Contributions = memory.NewContributionRepository().WithOutbox(outbox)
		c.Progress = memory.NewProgressRepository().WithOutbox(outbox)
		c.Outbox = outbox
		counters = counterStore
		ledger = memory.NewLeaderboard()

		seed, err := LoadCatalog(cfg.Pipeline.ProblemsFile)
		if err != nil {
			return c, err
		}
		if _, err := catalog.Seed(ctx, problems, seed, log); err != nil {
			return c, fmt.Errorf("seed catalog: %w", err)
		}
		log.Warn("DATABASE_URL not set, using in-memory storage")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. REDIS (опционально)
	// ─────────────────────────────────────────────────────────────────────────
	var mirror aggregate.LeaderboardMirror
	if !cfg.Redis.Disabled {
		rCfg := rediscache.DefaultConfig()
		rCfg.Addr = cfg.Redis.Addr
		rCfg.Password = cfg.Redis.Password
		rCfg.DB = cfg.Redis.DB
		rCfg.PoolSize = cfg.Redis.PoolSize
		rCfg.MinIdleConns = cfg.Redis.MinIdleConns
		rCfg.DialTimeout = cfg.Redis.DialTimeout
		rCfg.ReadTimeout = cfg.Redis.ReadTimeout
		rCfg.WriteTimeout = cfg.Redis.WriteTimeout
		rCfg.KeyPrefix = cfg.Redis.KeyPrefix

		cache, err := rediscache.NewCache(ctx, rCfg, circuitbreaker.CacheBreaker(c.Metrics.BreakerStateChanged))
		if err != nil {
			if cfg.Events.Backend == config.EventsRedis {
				return c, fmt.Errorf("connect redis: %w", err)
			}
			log.Warn("redis unavailable, mirror and catalog cache disabled", logger.Err(err))
		} else {
			c.Cache = cache
			c.closers = append(c.closers, func() { _ = cache.Close() })

			if cfg.Features.IsEnabled(config.FeatureLeaderboardMirror) {
				mirror = rediscache.NewLeaderboardCache(cache)
			}
			if cfg.Features.IsEnabled(config.FeatureCatalogCache) {
				c.Problems = rediscache.NewCachedCatalog(c.Problems, cache, cfg.Redis.CatalogTTL, log)
			}
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. СОБЫТИЯ
	// ─────────────────────────────────────────────────────────────────────────
	publisher, err := c.buildPublisher()
	if err != nil {
		return c, err
	}
	c.Events = application.NewEventSink(publisher, log, c.Metrics).WithOutbox(c.Outbox)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. APPLICATION LAYER
	// ─────────────────────────────────────────────────────────────────────────
	if cfg.Pipeline.AchievementsFile != "" {
		c.Rules, err = achievement.LoadRulesFile(cfg.Pipeline.AchievementsFile)
	} else {
		c.Rules, err = achievement.DefaultRules()
	}
	if err != nil {
		return c, fmt.Errorf("load achievement rules: %w", err)
	}

	c.Aggregates = aggregation.NewService(counters, ledger, mirror, log, c.Metrics)

	tracker, err := command.NewProgressionTracker(c.Progress, command.ProgressionConfig{
		Params:     c.Params,
		MaxRetries: cfg.Pipeline.MaxProgressionRetries,
		RetryDelay: cfg.Pipeline.RetryBaseDelay,
	}, log, c.Metrics)
	if err != nil {
		return c, err
	}

	flow := saga.DefaultAchievementFlowConfig()
	flow.MaxRetries = cfg.Pipeline.MaxProgressionRetries
	flow.RetryDelay = cfg.Pipeline.RetryBaseDelay
	evaluator := saga.NewAchievementEvaluator(c.Rules, c.Progress, c.Events, flow, log, c.Metrics)

	c.Submit = command.NewSubmitSolutionHandler(command.SubmitSolutionDeps{
		Problems:      c.Problems,
		Contributions: c.Contributions,
		Validator:     contribution.NewValidator(),
		Scoring:       contribution.NewScoringEngine(cfg.Pipeline.BaseMultiplier),
		Tracker:       tracker,
		Achievements:  evaluator,
		Aggregates:    c.Aggregates,
		Events:        c.Events,
		Log:           log,
		Metrics:       c.Metrics,
	}, command.DefaultSubmitSolutionConfig())

	c.Leaderboard = query.NewGetLeaderboardHandler(c.Aggregates)
	c.UserProgress = query.NewGetUserProgressHandler(c.Progress, c.Rules, c.Params)
	c.ProblemStats = query.NewGetProblemStatsHandler(c.Problems, c.Aggregates)

	return c, nil
}

func (c *Container) buildPublisher() (shared.EventPublisher, error) {
	cfg := c.Config
	if !cfg.Features.IsEnabled(config.FeatureEventPublishing) {
		c.Log.Info("event publishing disabled")
		return shared.NopPublisher{}, nil
	}

	switch cfg.Events.Backend {
	case config.EventsNATS:
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.Events.NATSURL
		natsCfg.SubjectPrefix = cfg.Events.SubjectPrefix
		natsCfg.Source = cfg.Events.Source
		natsCfg.Name = cfg.App.Name
		natsCfg.Logger = c.Log
		pub, err := messaging.NewNATSPublisher(natsCfg)
		if err != nil {
			return nil, err
		}
		c.natsPub = pub
		c.closers = append(c.closers, func() { _ = pub.Close() })
		return pub, nil

	case config.EventsRedis:
		if c.Cache == nil {
			return nil, fmt.Errorf("events backend %q needs redis", config.EventsRedis)
		}
		bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
			Cache:  c.Cache,
			Source: cfg.Events.Source,
			Logger: c.Log,
		})
		if err != nil {
			return nil, err
		}
		c.redisBus = bus
		c.Subscriber = bus
		c.closers = append(c.closers, func() { _ = bus.Close() })
		return bus, nil

	default:
		busCfg := messaging.DefaultInMemoryEventBusConfig()
		busCfg.AsyncMode = true
		busCfg.Logger = c.Log
		bus := messaging.NewInMemoryEventBus(busCfg)
		c.Subscriber = bus
		c.closers = append(c.closers, func() { _ = bus.Close() })
		return bus, nil
	}
}

// RelayJob returns the scheduled job that delivers outbox events the
// immediate publish missed.
func (c *Container) RelayJob() *jobs.RelayOutboxJob {
	return jobs.NewRelayOutboxJob(c.Events, jobs.RelayOutboxConfig{
		MinAge:    c.Config.Scheduler.OutboxMinAge,
		BatchSize: c.Config.Scheduler.OutboxBatchSize,
		Timeout:   c.Config.Scheduler.JobTimeout,
	}, c.Log)
}

// EnableEventAudit logs every delivered event through a dispatcher. It is a
// no-op when the backend has no local subscriber.
func (c *Container) EnableEventAudit(ctx context.Context) (*messaging.Dispatcher, error) {
	if c.Subscriber == nil {
		return nil, nil
	}
	dcfg := messaging.DefaultDispatcherConfig(c.Subscriber)
	dcfg.Logger = c.Log
	d := messaging.NewDispatcher(dcfg)

	audit := c.Log.With(logger.Component("event_audit"))
	err := d.RegisterAll("audit", func(ctx context.Context, e shared.Event) error {
		audit.Info("event",
			logger.String("event_id", e.EventID()),
			logger.String("event_type", string(e.EventType())),
			logger.String("aggregate_id", e.AggregateID()),
			logger.Time("occurred_at", e.OccurredAt()),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.redisBus != nil {
		if err := c.redisBus.Start(ctx); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// HealthChecker returns readiness checks for the wired backends. Postgres is
// critical; Redis and NATS degrade the service without failing it.
func (c *Container) HealthChecker() *handlers.CompositeHealthChecker {
	hc := handlers.NewCompositeHealthChecker(c.Config.App.Version)
	if c.DB != nil {
		hc.AddCheck("postgres", handlers.NewPingCheck(c.DB))
	}
	if c.Cache != nil {
		hc.AddOptionalCheck("redis", handlers.NewPingCheck(c.Cache))
	}
	if c.natsPub != nil {
		hc.AddOptionalCheck("nats", handlers.NewPingCheck(c.natsPub))
	}
	return hc
}

// Close releases connections in reverse order of creation.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
	_ = c.Log.Sync()
}

// LoadCatalog returns the seed problems: the file at path, or the embedded defaults.
func LoadCatalog(path string) ([]*problem.Problem, error) {
	if path == "" {
		return catalog.Defaults()
	}
	problems, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return problems, nil
}
