package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/pmassist/internal/app"
	"github.com/haasonsaas/pmassist/internal/config"
	"github.com/haasonsaas/pmassist/internal/observability"
	"github.com/haasonsaas/pmassist/internal/storage"
)

// runServe loads configuration, starts the application, and blocks until
// a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting pmassist",
		"version", version,
		"commit", commit,
		"config", configPath,
		"llm_provider", cfg.LLM.Provider,
		"store", cfg.Store.Backend,
		"kv", cfg.Store.KV,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Close(context.Background())
		return err
	}
	logger.Info("pmassist started", "addr", a.Server.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := a.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("pmassist stopped gracefully")
	return nil
}

func openMigrator(ctx context.Context, configPath string) (*storage.Migrator, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := storage.NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return migrator, func() { _ = db.Close() }, nil
}

// runMigrateUp handles the migrate up command.
func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	slog.Info("running database migrations", "config", configPath, "steps", steps)
	migrator, closeDB, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(applied) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
		return nil
	}
	for _, id := range applied {
		fmt.Fprintf(out, "Applied %s\n", id)
	}
	return nil
}

// runMigrateDown handles the migrate down command.
func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	slog.Warn("rolling back migrations", "config", configPath, "steps", steps)
	migrator, closeDB, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	rolled, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(rolled) == 0 {
		fmt.Fprintln(out, "No migrations to roll back.")
		return nil
	}
	for _, id := range rolled {
		fmt.Fprintf(out, "Rolled back %s\n", id)
	}
	return nil
}

// runMigrateStatus handles the migrate status command.
func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	migrator, closeDB, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Applied migrations:")
	if len(applied) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, entry := range applied {
		fmt.Fprintf(out, "  - %s (%s)\n", entry.ID, entry.AppliedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out, "Pending migrations:")
	if len(pending) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, entry := range pending {
		fmt.Fprintf(out, "  - %s\n", entry.ID)
	}
	return nil
}

// runConfigValidate reports whether a configuration file loads cleanly.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if _, err := cfg.PermissionMatrix(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (provider %s, store %s, kv %s)\n",
		configPath, cfg.LLM.Provider, cfg.Store.Backend, cfg.Store.KV)
	return nil
}

// runConfigSchema prints the configuration JSON Schema.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(schema); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}
