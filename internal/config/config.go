// Package config loads pmassist's configuration from YAML or JSON5 files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/pmassist/internal/agent"
	"github.com/haasonsaas/pmassist/internal/observability"
	"github.com/haasonsaas/pmassist/internal/ratelimit"
	"github.com/haasonsaas/pmassist/internal/scope"
	"github.com/haasonsaas/pmassist/internal/storage"
)

// Config is the main configuration structure for pmassist.
type Config struct {
	Version      int                       `yaml:"version"`
	Server       ServerConfig              `yaml:"server"`
	Database     storage.Config            `yaml:"database"`
	Store        StoreConfig               `yaml:"store"`
	LLM          LLMConfig                 `yaml:"llm"`
	Agent        AgentConfig               `yaml:"agent"`
	Confirm      ConfirmConfig             `yaml:"confirm"`
	Cache        CacheConfig               `yaml:"cache"`
	RateLimit    ratelimit.Config          `yaml:"rate_limit"`
	Retry        RetryConfig               `yaml:"retry"`
	Permissions  PermissionsConfig         `yaml:"permissions"`
	Logging      observability.LogConfig   `yaml:"logging"`
	Tracing      observability.TraceConfig `yaml:"tracing"`
	Housekeeping HousekeepingConfig        `yaml:"housekeeping"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RequestTimeout bounds one /v1/chat request end to end.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	MetricsEnabled *bool         `yaml:"metrics_enabled"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Metrics reports whether /metrics is served. Defaults to true.
func (s ServerConfig) Metrics() bool {
	return s.MetricsEnabled == nil || *s.MetricsEnabled
}

// StoreConfig selects the record store and the key-value backend used for
// the cache, rate limiter, and pending confirmations.
type StoreConfig struct {
	// Backend is memory or sql.
	Backend string `yaml:"backend"`
	// KV is memory or sql. Multi-instance deployments need sql.
	KV string `yaml:"kv"`
	// SeedFile loads records into the memory backend at startup.
	SeedFile string `yaml:"seed_file"`
}

type LLMConfig struct {
	// Provider is anthropic, openai, or scripted.
	Provider  string                 `yaml:"provider"`
	Anthropic LLMProviderConfig      `yaml:"anthropic"`
	OpenAI    LLMProviderConfig      `yaml:"openai"`
	Scripted  ScriptedConfig         `yaml:"scripted"`
	Prices    map[string]agent.Price `yaml:"prices"`
}

type LLMProviderConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	// MaxRetries re-sends a failed completion. Zero, the default, surfaces
	// the first failure to the caller.
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// ScriptedConfig configures the offline provider, which always answers with
// Reply. It lets the HTTP surface run without LLM credentials.
type ScriptedConfig struct {
	Reply string `yaml:"reply"`
}

type AgentConfig struct {
	Model             string `yaml:"model"`
	SystemPrompt      string `yaml:"system_prompt"`
	MaxIterations     int    `yaml:"max_iterations"`
	MaxTokens         int    `yaml:"max_tokens"`
	HistoryLimit      int    `yaml:"history_limit"`
	MaxParallelReads  int    `yaml:"max_parallel_reads"`
	ExposeDiagnostics bool   `yaml:"expose_diagnostics"`
}

type ConfirmConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// PermissionsConfig overrides the built-in role matrix, either inline or
// from a separate file that can be watched for changes.
type PermissionsConfig struct {
	File   string       `yaml:"file"`
	Watch  bool         `yaml:"watch"`
	Matrix scope.Matrix `yaml:"matrix"`
}

// HousekeepingConfig schedules pruning of expired rows in the SQL key-value
// table.
type HousekeepingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{RateLimit: ratelimit.DefaultConfig()}
	applyDefaults(cfg)
	return cfg
}

// Load reads, merges, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 90 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}

	dbDefaults := storage.DefaultConfig()
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = dbDefaults.Driver
	}
	if cfg.Database.DSN == "" && strings.EqualFold(cfg.Database.Driver, dbDefaults.Driver) {
		cfg.Database.DSN = dbDefaults.DSN
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = dbDefaults.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = dbDefaults.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = dbDefaults.ConnMaxLifetime
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = dbDefaults.ConnMaxIdleTime
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = dbDefaults.ConnectTimeout
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.KV == "" {
		cfg.Store.KV = "memory"
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Scripted.Reply == "" {
		cfg.LLM.Scripted.Reply = "The assistant is running without a language model."
	}
	prices := agent.DefaultPrices()
	for model, price := range cfg.LLM.Prices {
		prices[model] = price
	}
	cfg.LLM.Prices = prices

	agentDefaults := agent.DefaultConfig()
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = agentDefaults.MaxIterations
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = agentDefaults.MaxTokens
	}
	if cfg.Agent.HistoryLimit == 0 {
		cfg.Agent.HistoryLimit = agentDefaults.HistoryLimit
	}
	if cfg.Agent.MaxParallelReads == 0 {
		cfg.Agent.MaxParallelReads = agentDefaults.MaxParallelReads
	}

	if cfg.Confirm.TTL == 0 {
		cfg.Confirm.TTL = 15 * time.Minute
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 10000
	}

	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = ratelimit.DefaultConfig().Requests
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = ratelimit.DefaultConfig().Window
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 2 * time.Second
	}
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = 0.2
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "pmassist"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}

	if cfg.Housekeeping.Schedule == "" {
		cfg.Housekeeping.Schedule = "@every 10m"
	}
}
