// Package main - точка входа для HTTP API исследовательского пайплайна.
//
// Сервер принимает решения задач, прогоняет их через валидацию, скоринг,
// прогрессию и достижения, и отдаёт прогресс, каталог и лидерборд.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alem-hub/research-pipeline/config"
	"github.com/alem-hub/research-pipeline/internal/bootstrap"
	"github.com/alem-hub/research-pipeline/internal/infrastructure/scheduler"
	httpserver "github.com/alem-hub/research-pipeline/internal/interface/http"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. КОНФИГУРАЦИЯ И ЛОГИРОВАНИЕ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := bootstrap.NewLogger(cfg)
	log.Info("starting research pipeline API",
		logger.String("events", cfg.Events.Backend),
		logger.Bool("postgres", cfg.UsesPostgres()),
		logger.Bool("redis", !cfg.Redis.Disabled),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. ЗАВИСИМОСТИ
	// ─────────────────────────────────────────────────────────────────────────
	c, err := bootstrap.Build(ctx, cfg, log)
	defer c.Close()
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	if cfg.Features.IsEnabled(config.FeatureEventAudit) {
		if _, err := c.EnableEventAudit(ctx); err != nil {
			return fmt.Errorf("failed to enable event audit: %w", err)
		}
	}

	// Без Postgres outbox живёт в памяти процесса, и доставлять его некому, кроме сервера.
	if !cfg.UsesPostgres() && cfg.Scheduler.Enabled && cfg.Features.IsEnabled(config.FeatureOutboxRelay) {
		sched := scheduler.NewScheduler(scheduler.SchedulerConfig{Logger: log, Timezone: cfg.App.Location})
		if err := sched.Register(c.RelayJob(), cfg.Scheduler.OutboxSpec); err != nil {
			return fmt.Errorf("failed to register outbox relay: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	httpCfg := httpserver.DefaultConfig()
	httpCfg.Host = cfg.HTTP.Host
	httpCfg.Port = cfg.HTTP.Port
	httpCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	httpCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	httpCfg.RequestTimeout = cfg.HTTP.RequestTimeout
	httpCfg.MaxBodyBytes = cfg.HTTP.MaxBodyBytes
	httpCfg.AllowedOrigins = cfg.HTTP.AllowedOrigins
	httpCfg.EnableMetrics = cfg.Observability.MetricsEnabled

	server := httpserver.NewServer(httpCfg, httpserver.Dependencies{
		Submit:        c.Submit,
		Progress:      c.UserProgress,
		Problems:      c.ProblemStats,
		Leaderboard:   c.Leaderboard,
		HealthChecker: c.HealthChecker(),
		Metrics:       c.Metrics.Handler(),
		Logger:        log,
	})

	errCh := server.StartAsync()
	log.Info("research pipeline API is running", logger.String("address", httpCfg.Address()))

	// ─────────────────────────────────────────────────────────────────────────
	// 4. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err, ok := <-errCh:
		if ok && err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop HTTP server gracefully", logger.Err(err))
		return err
	}
	log.Info("shutdown completed")
	return nil
}
