// Package main - точка входа для фоновых процессов (Worker) исследовательского пайплайна.
//
// Worker отвечает за:
// - миграции схемы и засев каталога задач;
// - периодическую сверку зеркала лидерборда с Postgres;
// - доставку событий из outbox, которые не ушли сразу после коммита;
// - дообработку вкладов, застрявших в статусе pending (только по команде оператора).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alem-hub/research-pipeline/config"
	"github.com/alem-hub/research-pipeline/internal/bootstrap"
	"github.com/alem-hub/research-pipeline/internal/infrastructure/catalog"
	"github.com/alem-hub/research-pipeline/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/research-pipeline/internal/infrastructure/scheduler"
	"github.com/alem-hub/research-pipeline/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/research-pipeline/pkg/circuitbreaker"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ══════════════════════════════════════════════════════════════════════════════

var (
	envFile string

	migrateRollback bool
	migrateStatus   bool

	rootCmd = &cobra.Command{
		Use:           "worker",
		Short:         "Background jobs and maintenance for the research pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run scheduled jobs until interrupted",
		RunE:  runScheduler,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE:  runMigrate,
	}

	seedCmd = &cobra.Command{
		Use:   "seed [problems.yaml]",
		Short: "Load problems into the catalog (embedded samples when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSeed,
	}

	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild the Redis leaderboard from the Postgres ledger once",
		RunE:  runReconcile,
	}

	resumeCmd = &cobra.Command{
		Use:   "resume",
		Short: "Finish contributions stuck in pending (operator-run, never scheduled)",
		RunE:  runResume,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	migrateCmd.Flags().BoolVar(&migrateRollback, "rollback", false, "roll back the latest applied migration")
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "print migration status and exit")

	rootCmd.AddCommand(runCmd, migrateCmd, seedCmd, reconcileCmd, resumeCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func loadConfig(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := bootstrap.NewLogger(cfg).With(logger.Component("worker"), logger.Operation(cmd.Name()))
	return cfg, log, nil
}

func requirePostgres(cfg *config.Config) error {
	if !cfg.UsesPostgres() {
		return errors.New("DATABASE_URL is required for the worker")
	}
	return nil
}

func build(cmd *cobra.Command) (*bootstrap.Container, error) {
	ctx := cmd.Context()
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := requirePostgres(cfg); err != nil {
		return nil, err
	}
	c, err := bootstrap.Build(ctx, cfg, log)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	return c, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if err := requirePostgres(cfg); err != nil {
		return err
	}

	pgCfg := postgres.DefaultConfig()
	pgCfg.URL = cfg.Database.URL
	conn, err := postgres.NewConnection(ctx, pgCfg, circuitbreaker.StorageBreaker(postgres.IsInfrastructureError, nil))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	migrator := postgres.NewMigrator(conn)
	switch {
	case migrateStatus:
		status, err := migrator.Status(ctx)
		if err != nil {
			return err
		}
		for _, m := range status {
			state := "pending"
			if m.IsApplied {
				state = "applied " + m.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%03d %-40s %s\n", m.Version, m.Name, state)
		}
		return nil
	case migrateRollback:
		if err := migrator.Rollback(ctx); err != nil {
			return err
		}
		log.Info("rolled back latest migration")
		return nil
	}

	applied, err := migrator.Migrate(ctx)
	if err != nil {
		return err
	}
	log.Info("migrations completed", logger.Int("applied", applied))
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := build(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	path := c.Config.Pipeline.ProblemsFile
	if len(args) == 1 {
		path = args[0]
	}
	problems, err := bootstrap.LoadCatalog(path)
	if err != nil {
		return err
	}
	n, err := catalog.Seed(ctx, c.Problems, problems, c.Log)
	if err != nil {
		return err
	}
	c.Log.Info("catalog seeded", logger.Int("problems", n))
	return nil
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	c, err := build(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if c.Cache == nil {
		c.Log.Warn("no leaderboard mirror configured, nothing to reconcile")
		return nil
	}
	users, err := c.Aggregates.Reconcile(ctx)
	if err != nil {
		return err
	}
	c.Log.Info("leaderboard reconciled", logger.Int("users", users))
	return nil
}

func runResume(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	c, err := build(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	return resumeJob(c).Run(ctx)
}

func resumeJob(c *bootstrap.Container) *jobs.ResumePendingJob {
	return jobs.NewResumePendingJob(c.Contributions, c.Submit, jobs.ResumePendingConfig{
		MinAge:    c.Config.Scheduler.ResumeMinAge,
		BatchSize: c.Config.Scheduler.ResumeBatchSize,
	}, c.Log)
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	c, err := build(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	cfg := c.Config
	log := c.Log

	if cfg.Features.IsEnabled(config.FeatureEventAudit) {
		d, err := c.EnableEventAudit(ctx)
		if err != nil {
			return fmt.Errorf("failed to enable event audit: %w", err)
		}
		if d == nil {
			log.Warn("event audit needs the memory or redis events backend")
		}
	}

	if !cfg.Scheduler.Enabled {
		log.Info("scheduler disabled, waiting for shutdown")
		<-ctx.Done()
		return nil
	}

	sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:   log,
		Timezone: cfg.App.Location,
	})

	if c.Cache != nil && cfg.Features.IsEnabled(config.FeatureLeaderboardMirror) {
		job := jobs.NewReconcileLeaderboardJob(c.Aggregates, cfg.Scheduler.JobTimeout, log)
		if err := sched.Register(job, cfg.Scheduler.ReconcileSpec); err != nil {
			return err
		}
	}
	if cfg.Features.IsEnabled(config.FeatureOutboxRelay) {
		if err := sched.Register(c.RelayJob(), cfg.Scheduler.OutboxSpec); err != nil {
			return err
		}
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	log.Info("worker is running", logger.Int("jobs", len(sched.ListJobs())))

	<-ctx.Done()
	log.Info("received shutdown signal")
	sched.Stop()
	log.Info("shutdown completed")
	return nil
}
