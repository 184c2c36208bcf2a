package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "research.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "tavily", cfg.Search.Provider)
	assert.Equal(t, 50, cfg.Pipeline.MaxSteps)
	assert.Equal(t, 300, cfg.Tracker.StatusTTLSecs)
	assert.Equal(t, 3600, cfg.Tracker.ResultTTLSecs)
	assert.Equal(t, 100, cfg.Billing.InitialCredits)
	assert.Equal(t, 1000, cfg.Billing.MonthlyLimit)
	assert.Equal(t, 900, cfg.Billing.BalanceCacheTTLSecs)
	assert.Equal(t, PhaseCredits{Search: 3, Extract: 3}, cfg.Billing.Credits["basic"])
	assert.Equal(t, PhaseCredits{Search: 6, Extract: 6}, cfg.Billing.Credits["standard"])
	assert.Equal(t, PhaseCredits{Search: 6, Extract: 12}, cfg.Billing.Credits["comprehensive"])
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "local", cfg.Worker.Backend)
	assert.Equal(t, "market-research", cfg.Worker.TaskQueue)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/research
search:
  provider: jina
pipeline:
  max_steps: 20
billing:
  initial_credits: 40
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/research", cfg.Store.DatabaseURL)
	assert.Equal(t, "jina", cfg.Search.Provider)
	assert.Equal(t, 20, cfg.Pipeline.MaxSteps)
	assert.Equal(t, 40, cfg.Billing.InitialCredits)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3600, cfg.Tracker.CheckpointTTLSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log:\n  level: warn\n"), 0o644))
	t.Setenv("RESEARCH_LOG_LEVEL", "error")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("RESEARCH_ANTHROPIC_KEY", "sk-ant-test")
	t.Setenv("RESEARCH_TAVILY_KEY", "tvly-test")
	t.Setenv("RESEARCH_WORKER_BACKEND", "temporal")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
	assert.Equal(t, "tvly-test", cfg.Tavily.Key)
	assert.Equal(t, "temporal", cfg.Worker.Backend)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLogger(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
		assert.NotNil(t, zap.L())
	})

	t.Run("console", func(t *testing.T) {
		require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
		assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))
	})

	t.Run("bad level", func(t *testing.T) {
		err := InitLogger(LogConfig{Level: "loud", Format: "json"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse log level")
	})
}

func validDefaults(t *testing.T) *Config {
	t.Helper()
	chdirTemp(t)
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Anthropic.Key = "sk-ant"
	cfg.Tavily.Key = "tvly"
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("all modes pass with keys", func(t *testing.T) {
		cfg := validDefaults(t)
		for _, mode := range []string{"serve", "worker", "run", "migrate", "tasks", "credits"} {
			assert.NoError(t, cfg.Validate(mode), mode)
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		cfg := validDefaults(t)
		err := cfg.Validate("dance")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown mode")
	})

	t.Run("run requires model and search keys", func(t *testing.T) {
		cfg := validDefaults(t)
		cfg.Anthropic.Key = ""
		cfg.Tavily.Key = ""
		err := cfg.Validate("run")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "anthropic.key is required")
		assert.Contains(t, err.Error(), "tavily.key is required")
	})

	t.Run("jina provider checks jina key", func(t *testing.T) {
		cfg := validDefaults(t)
		cfg.Search.Provider = "jina"
		err := cfg.Validate("worker")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jina.key is required")
	})

	t.Run("mock pipeline needs no keys", func(t *testing.T) {
		cfg := validDefaults(t)
		cfg.Pipeline.Mock = true
		cfg.Anthropic.Key = ""
		cfg.Tavily.Key = ""
		assert.NoError(t, cfg.Validate("run"))

		cfg.Pipeline.MaxSteps = 0
		err := cfg.Validate("run")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipeline.max_steps")
	})

	t.Run("migrate ignores pipeline keys", func(t *testing.T) {
		cfg := validDefaults(t)
		cfg.Anthropic.Key = ""
		assert.NoError(t, cfg.Validate("migrate"))
	})

	t.Run("serve with temporal backend skips pipeline keys", func(t *testing.T) {
		cfg := validDefaults(t)
		cfg.Worker.Backend = "temporal"
		cfg.Anthropic.Key = ""
		assert.NoError(t, cfg.Validate("serve"))
	})

	t.Run("bad store driver", func(t *testing.T) {
		cfg := validDefaults(t)
		cfg.Store.Driver = "mysql"
		err := cfg.Validate("tasks")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
	})

	t.Run("missing depth price", func(t *testing.T) {
		cfg := validDefaults(t)
		delete(cfg.Billing.Credits, "comprehensive")
		err := cfg.Validate("credits")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "billing.credits.comprehensive")
	})

	t.Run("bad backend", func(t *testing.T) {
		cfg := validDefaults(t)
		cfg.Worker.Backend = "lambda"
		err := cfg.Validate("worker")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "worker.backend")
	})
}
