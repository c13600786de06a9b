// Package main provides the CLI entry point for pmassist, a conversational
// assistant for project management data.
//
// # Basic Usage
//
// Start the server:
//
//	pmassist serve --config pmassist.yaml
//
// Manage database migrations:
//
//	pmassist migrate up
//	pmassist migrate status
//
// Inspect configuration:
//
//	pmassist config validate --config pmassist.yaml
//	pmassist config schema
//
// # Environment Variables
//
//   - PMASSIST_CONFIG: path to the configuration file (default: pmassist.yaml)
//
// Configuration files may reference any environment variable with ${NAME},
// which is how API keys are usually supplied.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "pmassist.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pmassist",
		Short: "pmassist - conversational assistant for project data",
		Long: `pmassist answers questions about milestones, tasks, timesheets, expenses and
RAID items, and proposes changes that only take effect after the user confirms
them. Every request is scoped to the caller's role and project.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("PMASSIST_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}
