package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "research-pipeline", cfg.App.Name)
	assert.False(t, cfg.UsesPostgres())
	assert.Equal(t, EventsMemory, cfg.Events.Backend)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, []string{"*"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "@every 10m", cfg.Scheduler.ReconcileSpec)
	assert.Equal(t, "@every 30s", cfg.Scheduler.OutboxSpec)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.OutboxMinAge)
	assert.True(t, cfg.Features.IsEnabled(FeatureOutboxRelay))

	params := cfg.Pipeline.ProgressParams()
	assert.Equal(t, []int64{0, 100, 250, 500, 1000, 2000, 3500, 5500, 8000, 11000}, params.LevelBreakpoints)
	assert.Equal(t, 24*time.Hour, params.StreakWindow)
	assert.InDelta(t, 0.2, params.ProficiencyAlpha, 1e-12)
	assert.InDelta(t, 10.0, cfg.Pipeline.BaseMultiplier, 1e-12)
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_PORT=9191\nEVENTS_BACKEND=nats\n"), 0o600))
	t.Setenv("EVENTS_BACKEND", "memory")
	t.Cleanup(func() { os.Unsetenv("HTTP_PORT") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.HTTP.Port)
	assert.Equal(t, EventsMemory, cfg.Events.Backend)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_USER", "rp")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("PIPELINE_LEVEL_BREAKPOINTS", "0, 50, 150")
	t.Setenv("PIPELINE_STREAK_WINDOW", "36h")
	t.Setenv("HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)

	assert.Equal(t, "postgres://rp:secret@db:5432/research?sslmode=disable", cfg.Database.URL)
	assert.True(t, cfg.UsesPostgres())
	assert.Equal(t, []int64{0, 50, 150}, cfg.Pipeline.LevelBreakpoints)
	assert.Equal(t, 36*time.Hour, cfg.Pipeline.StreakWindow)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
}

func TestValidate_CollectsErrors(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("EVENTS_BACKEND", "kafka")
	t.Setenv("PIPELINE_LEVEL_BREAKPOINTS", "10,5")
	t.Setenv("HTTP_PORT", "0")

	_, err := Load(filepath.Join(t.TempDir(), "none"))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "DATABASE_URL is required in production")
	assert.Contains(t, msg, "EVENTS_BACKEND must be one of")
	assert.Contains(t, msg, "level breakpoints must start at 0")
	assert.Contains(t, msg, "HTTP_PORT")
}

func TestValidate_RedisEventsNeedRedis(t *testing.T) {
	t.Setenv("EVENTS_BACKEND", "redis")
	t.Setenv("REDIS_DISABLED", "true")

	_, err := Load(filepath.Join(t.TempDir(), "none"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires Redis")
}

func TestFeatureFlags(t *testing.T) {
	t.Setenv("FEATURE_CATALOG_CACHE", "false")
	t.Setenv("FEATURE_WORKER_EVENT_AUDIT", "yes-please")

	ff := LoadFeatureFlags()
	assert.False(t, ff.IsEnabled(FeatureCatalogCache))
	assert.True(t, ff.IsEnabled(FeatureEventPublishing))
	assert.False(t, ff.IsEnabled(FeatureEventAudit))
	assert.False(t, ff.IsEnabled("no.such.feature"))

	require.NoError(t, ff.SetEnabled(FeatureEventAudit, true))
	assert.True(t, ff.IsEnabled(FeatureEventAudit))
	assert.ErrorIs(t, ff.SetEnabled("no.such.feature", true), ErrFeatureNotFound)

	all := ff.All()
	require.Len(t, all, 5)
	assert.Equal(t, FeatureCatalogCache, all[0].Name)
}
