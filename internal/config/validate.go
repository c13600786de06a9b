package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/pmassist/internal/housekeeping"
	"github.com/haasonsaas/pmassist/internal/storage"
)

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes must not be negative")
	}

	switch strings.ToLower(c.Store.Backend) {
	case "memory", "sql":
	default:
		add("store.backend must be memory or sql, got %q", c.Store.Backend)
	}
	switch strings.ToLower(c.Store.KV) {
	case "memory", "sql":
	default:
		add("store.kv must be memory or sql, got %q", c.Store.KV)
	}
	if c.usesSQL() {
		if _, err := storage.ParseDialect(c.Database.Driver); err != nil {
			add("database.driver: %v", err)
		}
		if strings.TrimSpace(c.Database.DSN) == "" {
			add("database.dsn is required when a sql backend is selected")
		}
	}
	if c.Store.SeedFile != "" && !strings.EqualFold(c.Store.Backend, "memory") {
		add("store.seed_file only applies to the memory backend")
	}

	switch c.LLM.Provider {
	case "anthropic":
		if strings.TrimSpace(c.LLM.Anthropic.APIKey) == "" {
			add("llm.anthropic.api_key is required when llm.provider is anthropic")
		}
	case "openai":
		if strings.TrimSpace(c.LLM.OpenAI.APIKey) == "" {
			add("llm.openai.api_key is required when llm.provider is openai")
		}
	case "scripted":
	default:
		add("llm.provider must be anthropic, openai, or scripted, got %q", c.LLM.Provider)
	}
	for model, price := range c.LLM.Prices {
		if price.InputPerMTok < 0 || price.OutputPerMTok < 0 {
			add("llm.prices.%s must not be negative", model)
		}
	}

	if c.Agent.MaxIterations < 1 {
		add("agent.max_iterations must be at least 1")
	}
	if c.Agent.HistoryLimit < 1 {
		add("agent.history_limit must be at least 1")
	}
	if c.Agent.MaxParallelReads < 1 {
		add("agent.max_parallel_reads must be at least 1")
	}

	if c.Confirm.TTL <= 0 {
		add("confirm.ttl must be positive")
	}
	if c.Cache.TTL < 0 {
		add("cache.ttl must not be negative")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0) {
		add("rate_limit.requests and rate_limit.window must be positive when enabled")
	}
	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		add("retry.jitter must be between 0 and 1")
	}

	if len(c.Permissions.Matrix) > 0 && c.Permissions.File != "" {
		add("permissions.matrix and permissions.file are mutually exclusive")
	}
	if len(c.Permissions.Matrix) > 0 {
		if err := c.Permissions.Matrix.Normalize().Validate(); err != nil {
			add("permissions.matrix: %v", err)
		}
	}
	if c.Permissions.Watch && c.Permissions.File == "" {
		add("permissions.watch requires permissions.file")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if c.Housekeeping.Enabled {
		if _, err := housekeeping.ParseSchedule(c.Housekeeping.Schedule); err != nil {
			add("housekeeping.schedule: %v", err)
		}
	}

	return errors.Join(errs...)
}

func (c *Config) usesSQL() bool {
	return strings.EqualFold(c.Store.Backend, "sql") || strings.EqualFold(c.Store.KV, "sql")
}
