package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Chat Command
// =============================================================================

// buildChatCmd creates the "chat" command, an interactive REPL against a
// session's coordinator agent.
func buildChatCmd() *cobra.Command {
	var (
		sessionID    string
		instanceID   string
		modelID      string
		name         string
		showThinking bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively with a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, sessionID, instanceID, modelID, name, showThinking)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Resume an existing session by id")
	cmd.Flags().StringVar(&instanceID, "instance", "", "Provider instance for a new session")
	cmd.Flags().StringVar(&modelID, "model", "", "Model for a new session")
	cmd.Flags().StringVar(&name, "name", "chat", "Display name for a new session")
	cmd.Flags().BoolVar(&showThinking, "show-thinking", false, "Print model reasoning deltas")
	return cmd
}

// =============================================================================
// Sessions Commands
// =============================================================================

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsShowCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, projectID)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Filter by project id")
	return cmd
}

func buildSessionsShowCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, args[0], raw)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Show the full log instead of the effective (post-compaction) view")
	return cmd
}

// =============================================================================
// Providers Commands
// =============================================================================

func buildProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Manage provider instances",
	}
	cmd.AddCommand(buildProvidersListCmd(), buildProvidersDoctorCmd())
	return cmd
}

func buildProvidersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured provider instances",
		RunE:  runProvidersList,
	}
}

func buildProvidersDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor [instance-id]",
		Short: "Probe provider instances and suggest fixes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instanceID := ""
			if len(args) == 1 {
				instanceID = args[0]
			}
			return runProvidersDoctor(cmd, instanceID)
		},
	}
}

// =============================================================================
// Models Command
// =============================================================================

func buildModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List catalog models per provider instance",
		RunE:  runModels,
	}
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect runtime configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE:  runConfigShow,
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration file JSON schema",
			RunE:  runConfigSchema,
		},
	)
	return cmd
}
