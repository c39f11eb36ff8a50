package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/internal/session"
	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/internal/threads"
	"github.com/haasonsaas/loom/pkg/models"
)

// runtime bundles everything a command needs: home layout, configuration,
// store, provider registry, and the session manager.
type runtime struct {
	home     *config.Home
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.SQLite
	registry *registry.Registry
	sessions *session.Manager
}

func openRuntime() (*runtime, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	if err := home.EnsureLayout(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	st, err := store.OpenSQLite(home.DatabasePath(), logger)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(home, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	sessions := session.NewManager(st, reg, cfg, logger)
	sessions.SetObservability(observability.NewMetrics(nil), observability.NewTracer("loom"))

	return &runtime{
		home:     home,
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: reg,
		sessions: sessions,
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("closing store", "error", err)
	}
}

func resolveHome() (*config.Home, error) {
	if homeDir != "" {
		return &config.Home{BaseDir: homeDir}, nil
	}
	return config.ResolveHome()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Chat Handler
// =============================================================================

func runChat(cmd *cobra.Command, sessionID, instanceID, modelID, name string, showThinking bool) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	if err := rt.registry.Watch(ctx); err != nil {
		rt.logger.Warn("provider instance watch unavailable", "error", err)
	}

	var s *session.Session
	if sessionID != "" {
		s, err = rt.sessions.Open(ctx, sessionID)
	} else {
		s, err = rt.sessions.Create(ctx, name, instanceID, modelID, "")
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())

	var streamed bool
	s.SetListener(agent.Listener{
		OnText: func(delta string) {
			streamed = true
			fmt.Fprint(out, delta)
		},
		OnThinking: func(delta string) {
			if showThinking {
				fmt.Fprint(out, delta)
			}
		},
	})
	s.SetApprover(func(ctx context.Context, call models.ToolCall) (bool, error) {
		fmt.Fprintf(out, "\nApprove tool %s with arguments %s? [y/N] ", call.Name, call.Arguments)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false, err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	})

	fmt.Fprintf(out, "session %s (model %s). /quit to exit, Ctrl+C cancels a turn.\n",
		s.ID(), s.Record().Configuration.ModelID)

	for {
		fmt.Fprint(out, "> ")
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		text := strings.TrimSpace(line)
		switch text {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		streamed = false
		result, err := sendWithInterrupt(ctx, s, text)
		switch {
		case errors.Is(err, agent.ErrCancelled):
			fmt.Fprintln(out, "\n(cancelled)")
			continue
		case err != nil:
			fmt.Fprintf(out, "\nturn failed: %v\n", err)
			continue
		}
		if !streamed {
			fmt.Fprint(out, result.Text)
		}
		fmt.Fprintln(out)
	}
}

// sendWithInterrupt runs one coordinator turn. SIGINT during the turn cancels
// the turn rather than the process.
func sendWithInterrupt(ctx context.Context, s *session.Session, text string) (*agent.TurnResult, error) {
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigch:
			s.Coordinator().Cancel()
		case <-done:
		}
	}()
	defer func() {
		signal.Stop(sigch)
		close(done)
	}()
	return s.SendMessage(ctx, "", text)
}

// =============================================================================
// Sessions Handlers
// =============================================================================

func runSessionsList(cmd *cobra.Command, projectID string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	records, err := rt.sessions.List(cmd.Context(), projectID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "no sessions")
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(out, "%s  %-8s  %-20s  %s/%s\n",
			r.ID, r.Status, r.Name,
			r.Configuration.ProviderInstanceID, r.Configuration.ModelID)
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, sessionID string, raw bool) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	var events []models.ThreadEvent
	if raw {
		events, err = rt.store.ListEvents(ctx, sessionID, 0)
	} else {
		events, err = threads.NewManager(rt.store, rt.logger).EffectiveEvents(ctx, sessionID)
	}
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for i := range events {
		printEvent(out, &events[i])
	}
	return nil
}

func printEvent(w io.Writer, ev *models.ThreadEvent) {
	switch ev.Type {
	case models.EventUserMessage:
		if data, err := ev.UserMessage(); err == nil {
			fmt.Fprintf(w, "[user] %s\n", data.Text)
		}
	case models.EventAgentMessage:
		if data, err := ev.AgentMessage(); err == nil {
			fmt.Fprintf(w, "[agent] %s\n", data.Text)
		}
	case models.EventThinking:
		if data, err := ev.Thinking(); err == nil {
			fmt.Fprintf(w, "[thinking] %s\n", data.Text)
		}
	case models.EventToolCall:
		if data, err := ev.ToolCall(); err == nil {
			fmt.Fprintf(w, "[tool call %s] %s %s\n", data.CallID, data.Name, data.Arguments)
		}
	case models.EventToolResult:
		if data, err := ev.ToolResult(); err == nil {
			status := "ok"
			if data.IsError {
				status = "error"
			}
			fmt.Fprintf(w, "[tool result %s %s] %s\n", data.CallID, status, models.BlocksText(data.Content))
		}
	case models.EventLocalSystemMessage, models.EventSystemPrompt:
		if data, err := ev.SystemMessage(); err == nil {
			fmt.Fprintf(w, "[%s] %s\n", ev.Type, data.Text)
		}
	case models.EventCompaction:
		if data, err := ev.Compaction(); err == nil {
			fmt.Fprintf(w, "[compaction] shadow %s\n", data.ShadowThreadID)
		}
	default:
		fmt.Fprintf(w, "[%s]\n", ev.Type)
	}
}

// =============================================================================
// Providers Handlers
// =============================================================================

func runProvidersList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	for _, inst := range rt.registry.Instances() {
		endpoint := inst.Endpoint
		if endpoint == "" {
			endpoint = "(default)"
		}
		fmt.Fprintf(out, "%-16s  %-10s  %s\n", inst.ID, inst.CatalogProviderID, endpoint)
	}
	return nil
}

func runProvidersDoctor(cmd *cobra.Command, instanceID string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ids := []string{instanceID}
	if instanceID == "" {
		ids = ids[:0]
		for _, inst := range rt.registry.Instances() {
			ids = append(ids, inst.ID)
		}
	}

	out := cmd.OutOrStdout()
	failed := false
	for _, id := range ids {
		d := rt.registry.Diagnose(cmd.Context(), id)
		status := "ok"
		if !d.OK {
			status = "FAIL"
			failed = true
		}
		fmt.Fprintf(out, "%-16s  %-4s  %s\n", d.InstanceID, status, d.Detail)
		if d.Remediation != "" {
			fmt.Fprintf(out, "%-16s        fix: %s\n", "", d.Remediation)
		}
		for _, m := range d.Models {
			fmt.Fprintf(out, "%-16s        model: %s\n", "", m)
		}
	}
	if failed {
		return errors.New("one or more provider instances are unhealthy")
	}
	return nil
}

// =============================================================================
// Models Handler
// =============================================================================

func runModels(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	for _, inst := range rt.registry.Instances() {
		catalog, err := rt.registry.Catalog(inst.CatalogProviderID)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", inst.ID, err)
			continue
		}
		fmt.Fprintf(out, "%s (%s):\n", inst.ID, catalog.DisplayName)
		for _, m := range catalog.Models {
			fmt.Fprintf(out, "  %-28s  context %d, max output %d\n",
				m.ID, m.ContextWindow, m.DefaultMaxTokens)
		}
	}
	return nil
}

// =============================================================================
// Config Handlers
// =============================================================================

func runConfigShow(cmd *cobra.Command, args []string) error {
	home, err := resolveHome()
	if err != nil {
		return err
	}
	cfg, err := config.Load(home)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", home.ConfigPath(), data)
	return nil
}

func runConfigSchema(cmd *cobra.Command, args []string) error {
	fmt.Fprintln(cmd.OutOrStdout(), string(config.Schema()))
	return nil
}
