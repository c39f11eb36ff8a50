package models

import "time"

// StopReason is the normalized reason a model stopped generating.
type StopReason string

const (
	// StopEndTurn means the model finished its response.
	StopEndTurn StopReason = "stop"

	// StopMaxTokens means the completion hit the output token cap.
	StopMaxTokens StopReason = "max_tokens"

	// StopToolUse means the model is waiting on tool results.
	StopToolUse StopReason = "tool_use"

	// StopFiltered means a safety filter truncated the response.
	StopFiltered StopReason = "filtered"
)

// Terminal reports whether the stop reason ends the turn. StopToolUse is the
// only non-terminal reason: the engine executes the requested tools and calls
// the model again.
func (r StopReason) Terminal() bool {
	return r != StopToolUse
}

// TokenUsage is cumulative token accounting for one provider call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Estimated is true while counts are derived from character-length
	// heuristics rather than reported by the backend.
	Estimated bool `json:"estimated,omitempty"`
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ProviderInstance is a named configuration of a provider family: endpoint,
// timeout, and a reference to a separately stored credential.
type ProviderInstance struct {
	ID                string `json:"id"`
	DisplayName       string `json:"display_name"`
	CatalogProviderID string `json:"catalog_provider_id"`
	Endpoint          string `json:"endpoint,omitempty"`

	// TimeoutSeconds bounds each provider call. Zero means the default.
	TimeoutSeconds int `json:"timeout,omitempty"`
}

// Timeout returns the configured timeout as a duration, or zero.
func (p *ProviderInstance) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Credential is an instance's secret, stored one-per-file with 0600
// permissions, keyed by instance id.
type Credential struct {
	APIKey string `json:"api_key"`
}

// CatalogModel describes one model in a provider catalog.
type CatalogModel struct {
	ID               string `json:"id"`
	DisplayName      string `json:"display_name,omitempty"`
	ContextWindow    int    `json:"context_window"`
	DefaultMaxTokens int    `json:"default_max_tokens"`
}

// CatalogEntry enumerates the models a provider family supports.
type CatalogEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`

	// Family selects the adapter implementation: "anthropic", "openai",
	// "openai-compatible", or "ollama".
	Family string `json:"family"`

	Models []CatalogModel `json:"models"`
}

// Model returns the catalog model with the given id.
func (c *CatalogEntry) Model(id string) (*CatalogModel, bool) {
	for i := range c.Models {
		if c.Models[i].ID == id {
			return &c.Models[i], true
		}
	}
	return nil, false
}
