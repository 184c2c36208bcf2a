package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Search    SearchConfig    `yaml:"search" mapstructure:"search"`
	Tavily    TavilyConfig    `yaml:"tavily" mapstructure:"tavily"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Tracker   TrackerConfig   `yaml:"tracker" mapstructure:"tracker"`
	Billing   BillingConfig   `yaml:"billing" mapstructure:"billing"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the durable store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the status/balance cache.
type RedisConfig struct {
	URL              string `yaml:"url" mapstructure:"url"`
	ReadTimeoutSecs  int    `yaml:"read_timeout_secs" mapstructure:"read_timeout_secs"`
	WriteTimeoutSecs int    `yaml:"write_timeout_secs" mapstructure:"write_timeout_secs"`
	DialTimeoutSecs  int    `yaml:"dial_timeout_secs" mapstructure:"dial_timeout_secs"`
}

// AnthropicConfig holds the structured-analysis model settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SearchConfig selects the search/extraction provider.
type SearchConfig struct {
	Provider              string `yaml:"provider" mapstructure:"provider"` // "tavily" or "jina"
	CircuitThreshold      int    `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs      int    `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	ExtractMaxConcurrency int    `yaml:"extract_max_concurrency" mapstructure:"extract_max_concurrency"`
}

// TavilyConfig holds Tavily API settings.
type TavilyConfig struct {
	Key        string  `yaml:"key" mapstructure:"key"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// JinaConfig holds Jina AI settings.
type JinaConfig struct {
	Key           string  `yaml:"key" mapstructure:"key"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string  `yaml:"search_base_url" mapstructure:"search_base_url"`
	RatePerSec    float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// PipelineConfig tunes the workflow supervisor and workers.
type PipelineConfig struct {
	AnalysisTimeoutSecs int `yaml:"analysis_timeout_secs" mapstructure:"analysis_timeout_secs"`
	SearchTimeoutSecs   int `yaml:"search_timeout_secs" mapstructure:"search_timeout_secs"`
	ExtractTimeoutSecs  int `yaml:"extract_timeout_secs" mapstructure:"extract_timeout_secs"`
	LLMTimeoutSecs      int `yaml:"llm_timeout_secs" mapstructure:"llm_timeout_secs"`
	MaxSteps            int `yaml:"max_steps" mapstructure:"max_steps"`
	// Mock replaces the model and search provider with canned offline
	// responses.
	Mock bool `yaml:"mock" mapstructure:"mock"`
}

// TrackerConfig sets cache retention and persistence retries.
type TrackerConfig struct {
	StatusTTLSecs     int `yaml:"status_ttl_secs" mapstructure:"status_ttl_secs"`
	ResultTTLSecs     int `yaml:"result_ttl_secs" mapstructure:"result_ttl_secs"`
	CheckpointTTLSecs int `yaml:"checkpoint_ttl_secs" mapstructure:"checkpoint_ttl_secs"`
	RetryAttempts     int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs    int `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RetryMaxBackoffMs int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
}

// BillingConfig holds account defaults and per-depth credit prices.
type BillingConfig struct {
	InitialCredits      int                     `yaml:"initial_credits" mapstructure:"initial_credits"`
	MonthlyLimit        int                     `yaml:"monthly_limit" mapstructure:"monthly_limit"`
	BalanceCacheTTLSecs int                     `yaml:"balance_cache_ttl_secs" mapstructure:"balance_cache_ttl_secs"`
	Credits             map[string]PhaseCredits `yaml:"credits" mapstructure:"credits"`
}

// PhaseCredits is the credit price of each billable phase at one depth.
type PhaseCredits struct {
	Search  int `yaml:"search" mapstructure:"search"`
	Extract int `yaml:"extract" mapstructure:"extract"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	MaxInFlight int      `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// WorkerConfig selects and configures the background execution backend.
type WorkerConfig struct {
	Backend             string `yaml:"backend" mapstructure:"backend"` // "local" or "temporal"
	TemporalHost        string `yaml:"temporal_host" mapstructure:"temporal_host"`
	TemporalNamespace   string `yaml:"temporal_namespace" mapstructure:"temporal_namespace"`
	TaskQueue           string `yaml:"task_queue" mapstructure:"task_queue"`
	ActivityTimeoutMins int    `yaml:"activity_timeout_mins" mapstructure:"activity_timeout_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "research.db")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.read_timeout_secs", 3)
	v.SetDefault("redis.write_timeout_secs", 3)
	v.SetDefault("redis.dial_timeout_secs", 5)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("search.provider", "tavily")
	v.SetDefault("search.circuit_threshold", 5)
	v.SetDefault("search.circuit_reset_secs", 30)
	v.SetDefault("search.extract_max_concurrency", 5)
	v.SetDefault("tavily.base_url", "https://api.tavily.com")
	v.SetDefault("tavily.rate_per_sec", 5)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("jina.rate_per_sec", 5)
	v.SetDefault("pipeline.analysis_timeout_secs", 300)
	v.SetDefault("pipeline.search_timeout_secs", 30)
	v.SetDefault("pipeline.extract_timeout_secs", 60)
	v.SetDefault("pipeline.llm_timeout_secs", 120)
	v.SetDefault("pipeline.max_steps", 50)
	v.SetDefault("pipeline.mock", false)
	v.SetDefault("tracker.status_ttl_secs", 300)
	v.SetDefault("tracker.result_ttl_secs", 3600)
	v.SetDefault("tracker.checkpoint_ttl_secs", 3600)
	v.SetDefault("tracker.retry_attempts", 3)
	v.SetDefault("tracker.retry_backoff_ms", 200)
	v.SetDefault("tracker.retry_max_backoff_ms", 2000)
	v.SetDefault("billing.initial_credits", 100)
	v.SetDefault("billing.monthly_limit", 1000)
	v.SetDefault("billing.balance_cache_ttl_secs", 900)
	v.SetDefault("billing.credits.basic.search", 3)
	v.SetDefault("billing.credits.basic.extract", 3)
	v.SetDefault("billing.credits.standard.search", 6)
	v.SetDefault("billing.credits.standard.extract", 6)
	v.SetDefault("billing.credits.comprehensive.search", 6)
	v.SetDefault("billing.credits.comprehensive.extract", 12)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_in_flight", 64)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("worker.backend", "local")
	v.SetDefault("worker.temporal_host", "localhost:7233")
	v.SetDefault("worker.temporal_namespace", "default")
	v.SetDefault("worker.task_queue", "market-research")
	v.SetDefault("worker.activity_timeout_mins", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs before it starts. mode is
// one of serve, worker, run, migrate, tasks, credits.
func (c *Config) Validate(mode string) error {
	var errs []string
	require := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	needsStore := true
	needsCache := false
	needsPipeline := false

	switch mode {
	case "serve":
		needsCache = true
		needsPipeline = c.Worker.Backend == "local"
		require(c.Server.Port > 0, "server.port must be > 0")
		require(c.Server.MaxInFlight > 0, "server.max_in_flight must be > 0")
	case "worker", "run":
		needsCache = true
		needsPipeline = true
	case "credits":
		needsCache = true
	case "migrate", "tasks":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if needsStore {
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, "store.driver must be sqlite or postgres")
		}
		require(c.Store.DatabaseURL != "", "store.database_url is required")
	}
	if needsCache {
		require(c.Redis.URL != "", "redis.url is required")
	}
	if needsPipeline && !c.Pipeline.Mock {
		require(c.Anthropic.Key != "", "anthropic.key is required")
		switch c.Search.Provider {
		case "tavily":
			require(c.Tavily.Key != "", "tavily.key is required")
		case "jina":
			require(c.Jina.Key != "", "jina.key is required")
		default:
			errs = append(errs, "search.provider must be tavily or jina")
		}
	}
	if needsPipeline {
		require(c.Pipeline.MaxSteps > 0, "pipeline.max_steps must be > 0")
	}
	switch c.Worker.Backend {
	case "local", "temporal":
	default:
		errs = append(errs, "worker.backend must be local or temporal")
	}
	for _, depth := range []string{"basic", "standard", "comprehensive"} {
		pc, ok := c.Billing.Credits[depth]
		require(ok && pc.Search >= 0 && pc.Extract >= 0, "billing.credits."+depth+" must be set and non-negative")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
