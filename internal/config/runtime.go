package config

import (
	"github.com/haasonsaas/pmassist/internal/agent"
	"github.com/haasonsaas/pmassist/internal/retry"
)

// LoopConfig returns the dialogue loop settings.
func (c *Config) LoopConfig() agent.Config {
	return agent.Config{
		Model:             c.Agent.Model,
		System:            c.Agent.SystemPrompt,
		MaxIterations:     c.Agent.MaxIterations,
		MaxTokens:         c.Agent.MaxTokens,
		HistoryLimit:      c.Agent.HistoryLimit,
		MaxParallelReads:  c.Agent.MaxParallelReads,
		Prices:            c.LLM.Prices,
		ExposeDiagnostics: c.Agent.ExposeDiagnostics,
	}
}

// RetryPolicy returns the data store retry settings.
func (c *Config) RetryPolicy() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.Retry.MaxAttempts
	cfg.BaseDelay = c.Retry.BaseDelay
	cfg.MaxDelay = c.Retry.MaxDelay
	cfg.Jitter = c.Retry.Jitter
	return cfg
}
