// Package app assembles the assistant from configuration: storage, policy,
// tools, the confirmation gate, the LLM provider, and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/pmassist/internal/agent"
	"github.com/haasonsaas/pmassist/internal/agent/providers"
	"github.com/haasonsaas/pmassist/internal/cache"
	"github.com/haasonsaas/pmassist/internal/config"
	"github.com/haasonsaas/pmassist/internal/confirm"
	"github.com/haasonsaas/pmassist/internal/datastore"
	"github.com/haasonsaas/pmassist/internal/housekeeping"
	"github.com/haasonsaas/pmassist/internal/kv"
	"github.com/haasonsaas/pmassist/internal/observability"
	"github.com/haasonsaas/pmassist/internal/ratelimit"
	"github.com/haasonsaas/pmassist/internal/resolver"
	"github.com/haasonsaas/pmassist/internal/scope"
	"github.com/haasonsaas/pmassist/internal/server"
	"github.com/haasonsaas/pmassist/internal/storage"
	"github.com/haasonsaas/pmassist/internal/tools"
	"github.com/haasonsaas/pmassist/internal/tools/pm"
)

// Options overrides pieces of the assembly, mainly for tests.
type Options struct {
	Logger *slog.Logger
	// Provider replaces the provider selected by llm.provider.
	Provider agent.LLMProvider
	// Registry receives metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
	// Clock drives TTLs and rate-limit windows.
	Clock kv.Clock
}

// App is a fully wired assistant.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Registry   *prometheus.Registry
	Store      datastore.Store
	Enforcer   *scope.Enforcer
	Tools      *tools.Registry
	Gate       *confirm.Gate
	Controller *agent.Controller
	Server     *server.Server

	db            *storage.DB
	housekeeping  *housekeeping.Scheduler
	watcher       *config.MatrixWatcher
	traceShutdown func(context.Context) error
}

// New builds the application. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(cfg.Logging)
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  observability.NewMetrics(reg),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	tracer, shutdown := observability.NewTracer(cfg.Tracing)
	a.traceShutdown = shutdown

	matrix, err := cfg.PermissionMatrix()
	if err != nil {
		return nil, err
	}
	a.Enforcer = scope.NewEnforcer(matrix)

	if cfg.Store.Backend == "sql" || cfg.Store.KV == "sql" {
		if err := a.openDatabase(ctx); err != nil {
			return nil, err
		}
	}

	if err := a.buildStore(ctx); err != nil {
		return nil, err
	}
	cacheKV, stateKV := a.buildKV(opts.Clock)

	retryCfg := cfg.RetryPolicy()
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("retrying data store call", "attempt", attempt, "delay", delay, "error", err)
	}

	a.Tools = tools.NewRegistry(tools.Options{
		Enforcer: a.Enforcer,
		Cache:    cache.New(cacheKV, cache.Options{TTL: cfg.Cache.TTL, Clock: opts.Clock}),
		Retry:    retryCfg,
		Logger:   logger,
		Metrics:  a.Metrics,
		Tracer:   tracer,
	})
	a.Gate = confirm.NewGate(a.Tools, confirm.Options{
		Store:    stateKV,
		Enforcer: a.Enforcer,
		TTL:      cfg.Confirm.TTL,
		Retry:    retryCfg,
		Clock:    opts.Clock,
		Logger:   logger,
		Metrics:  a.Metrics,
	})
	a.Tools.UseProposer(a.Gate)

	res := resolver.New(a.Store, a.Enforcer, retryCfg, logger)
	if err := pm.New(a.Store, res, a.Enforcer).Register(a.Tools); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	provider := opts.Provider
	if provider == nil {
		provider, err = newProvider(cfg.LLM)
		if err != nil {
			return nil, err
		}
	}
	loopCfg := cfg.LoopConfig()
	if loopCfg.Model == "" {
		loopCfg.Model = defaultModel(cfg.LLM)
	}
	a.Controller = agent.NewController(provider, a.Tools, a.Gate, agent.Options{
		Config:  loopCfg,
		Logger:  logger,
		Metrics: a.Metrics,
		Tracer:  tracer,
	})

	var gatherer prometheus.Gatherer
	if cfg.Server.Metrics() {
		gatherer = reg
	}
	var limiter server.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(stateKV, cfg.RateLimit, opts.Clock)
	}
	a.Server = server.New(server.Options{
		Config:   cfg.Server,
		Runner:   a.Controller,
		Limiter:  limiter,
		Gatherer: gatherer,
		Logger:   logger,
		Metrics:  a.Metrics,
		Tracer:   tracer,
	})

	if err := a.buildHousekeeping(cacheKV, stateKV); err != nil {
		return nil, err
	}
	if cfg.Permissions.Watch {
		a.watcher = &config.MatrixWatcher{
			Path:   cfg.Permissions.File,
			Apply:  a.Enforcer.Swap,
			Logger: logger,
		}
	}
	return a, nil
}

func (a *App) openDatabase(ctx context.Context) error {
	db, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.db = db

	migrator, err := storage.NewMigrator(db)
	if err != nil {
		return err
	}
	applied, err := migrator.Up(ctx, 0)
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	for _, id := range applied {
		a.Logger.Info("applied migration", "id", id)
	}
	return nil
}

func (a *App) buildStore(ctx context.Context) error {
	if a.Config.Store.Backend == "sql" {
		a.Store = datastore.NewSQL(a.db)
		return nil
	}
	mem := datastore.NewMemory()
	a.Store = mem
	if a.Config.Store.SeedFile == "" {
		return nil
	}
	n, err := datastore.LoadSeed(ctx, mem, a.Config.Store.SeedFile)
	if err != nil {
		return fmt.Errorf("load seed: %w", err)
	}
	a.Logger.Info("seed data loaded", "path", a.Config.Store.SeedFile, "records", n)
	return nil
}

// buildKV returns the backend for the read cache and the backend for
// pending confirmations and rate-limit counters. In memory they are kept
// apart so cache eviction never drops a pending proposal.
func (a *App) buildKV(clock kv.Clock) (kv.Backend, kv.Backend) {
	if a.Config.Store.KV == "sql" {
		shared := kv.NewSQL(a.db, clock)
		return shared, shared
	}
	return kv.NewMemory(kv.MemoryOptions{MaxEntries: a.Config.Cache.MaxEntries, Clock: clock}),
		kv.NewMemory(kv.MemoryOptions{Clock: clock})
}

func (a *App) buildHousekeeping(cacheKV, stateKV kv.Backend) error {
	if !a.Config.Housekeeping.Enabled {
		return nil
	}
	var jobs []housekeeping.Job
	if store, ok := stateKV.(*kv.SQL); ok {
		// The SQL backend is shared by the cache and confirmation state.
		jobs = append(jobs, housekeeping.Job{Name: "kv-sql", Run: store.PruneExpired})
	}
	for name, b := range map[string]kv.Backend{"kv-cache": cacheKV, "kv-state": stateKV} {
		if store, ok := b.(*kv.Memory); ok {
			jobs = append(jobs, housekeeping.Job{Name: name, Run: func(context.Context) (int64, error) {
				return int64(store.Prune()), nil
			}})
		}
	}
	if len(jobs) == 0 {
		return nil
	}
	s, err := housekeeping.New(a.Config.Housekeeping.Schedule, a.Logger, jobs...)
	if err != nil {
		return err
	}
	a.housekeeping = s
	return nil
}

func newProvider(cfg config.LLMConfig) (agent.LLMProvider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.Anthropic.APIKey,
			BaseURL:      cfg.Anthropic.BaseURL,
			DefaultModel: cfg.Anthropic.DefaultModel,
			MaxRetries:   cfg.Anthropic.MaxRetries,
			RetryDelay:   cfg.Anthropic.RetryDelay,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			DefaultModel: cfg.OpenAI.DefaultModel,
			MaxRetries:   cfg.OpenAI.MaxRetries,
			RetryDelay:   cfg.OpenAI.RetryDelay,
		})
	case "scripted":
		return providers.NewScriptedProvider(providers.ScriptedStep{Text: cfg.Scripted.Reply}), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func defaultModel(cfg config.LLMConfig) string {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		return cfg.Anthropic.DefaultModel
	case "openai":
		return cfg.OpenAI.DefaultModel
	}
	return ""
}

// Start begins serving HTTP, scheduled housekeeping, and matrix reloads.
func (a *App) Start(ctx context.Context) error {
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			return fmt.Errorf("watch permissions: %w", err)
		}
	}
	if a.housekeeping != nil {
		a.housekeeping.Start()
	}
	return a.Server.Start(ctx)
}

// Close stops every component, in reverse start order, and releases the
// database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	if a.housekeeping != nil {
		if err := a.housekeeping.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("housekeeping: %w", err))
		}
	}
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("permissions watcher: %w", err))
		}
	}
	if a.traceShutdown != nil {
		if err := a.traceShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
		a.db = nil
	}
	return errors.Join(errs...)
}
