package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"chat", "sessions", "providers", "models", "config"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"config", "schema"})

	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"default_provider_instance", "default_model", "log_level"} {
		if !strings.Contains(out.String(), field) {
			t.Errorf("schema output missing %q", field)
		}
	}
}

func TestSessionsListWithEmptyHome(t *testing.T) {
	homeDir = t.TempDir()
	t.Cleanup(func() { homeDir = "" })

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"sessions", "list"})

	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "no sessions") {
		t.Errorf("output = %q", out.String())
	}
}
