// Package main provides the CLI entry point for the loom agent runtime.
//
// Loom runs coding-assistant sessions backed by an append-only event log.
// Sessions talk to configured LLM provider instances (Anthropic, OpenAI,
// Ollama) and execute tools in a workspace directory.
//
// # Basic Usage
//
// Start an interactive chat:
//
//	loom chat
//
// Resume a previous session:
//
//	loom chat --session <id>
//
// Inspect configured providers:
//
//	loom providers list
//	loom providers doctor ollama
//
// # Environment Variables
//
//   - LOOM_HOME: Home directory for config, credentials, and the database
//     (default: ~/.loom)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// homeDir overrides LOOM_HOME when set via --home.
var homeDir string

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - agent runtime over an append-only event log",
		Long: `Loom runs coding-assistant sessions with durable conversation history.

Every user message, model response, and tool execution is recorded in an
append-only event log; sessions can be resumed at any point from the log
alone. Provider instances are configured under the home directory
(default ~/.loom, override with LOOM_HOME or --home).`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "Home directory (default: $LOOM_HOME or ~/.loom)")

	rootCmd.AddCommand(
		buildChatCmd(),
		buildSessionsCmd(),
		buildProvidersCmd(),
		buildModelsCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
