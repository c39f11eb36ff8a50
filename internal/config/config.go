package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/loom/internal/tools"
)

// Config is the runtime configuration, read from config.yaml under the home
// directory. Every field has a usable zero or default value; a missing file
// is not an error.
type Config struct {
	// DefaultProviderInstance is the instance used when a session does not
	// name one.
	DefaultProviderInstance string `yaml:"default_provider_instance" json:"default_provider_instance"`

	// DefaultModel is the model used when a session does not name one.
	DefaultModel string `yaml:"default_model" json:"default_model"`

	// SystemPrompt seeds new coordinator agents.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	// Workspace is the directory builtin tools operate in. Empty means the
	// process working directory.
	Workspace string `yaml:"workspace" json:"workspace"`

	// ParallelTools runs a turn's tool calls concurrently.
	ParallelTools bool `yaml:"parallel_tools" json:"parallel_tools"`

	// MaxDelegateDepth bounds delegation nesting. Zero means 3.
	MaxDelegateDepth int `yaml:"max_delegate_depth" json:"max_delegate_depth"`

	// Approval gates tool execution. Nil means the builtin default policy.
	Approval *tools.ApprovalPolicy `yaml:"approval" json:"approval"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// Default returns the configuration used when config.yaml is absent.
func Default() *Config {
	return &Config{
		MaxDelegateDepth: 3,
		Approval:         tools.DefaultApprovalPolicy(),
		LogLevel:         "info",
	}
}

// Load reads config.yaml under the home directory, falling back to defaults
// for a missing file and for unset fields.
func Load(h *Home) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(h.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", h.ConfigPath(), err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", h.ConfigPath(), err)
	}
	cfg.sanitize()
	return cfg, nil
}

func (c *Config) sanitize() {
	if c.MaxDelegateDepth <= 0 {
		c.MaxDelegateDepth = 3
	}
	if c.Approval == nil {
		c.Approval = tools.DefaultApprovalPolicy()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Schema returns the JSON schema of the configuration file, for tooling and
// documentation.
func Schema() json.RawMessage {
	r := &jsonschema.Reflector{DoNotReference: true}
	schema := r.Reflect(&Config{})
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		panic("config: marshal schema: " + err.Error())
	}
	return data
}
