package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/loom/pkg/models"
)

// builtinCatalogs ships a working model list per provider family. A document
// in user-catalog/<id>.json replaces the builtin entry wholesale.
var builtinCatalogs = map[string]models.CatalogEntry{
	"anthropic": {
		ID:          "anthropic",
		DisplayName: "Anthropic",
		Family:      "anthropic",
		Models: []models.CatalogModel{
			{ID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4", ContextWindow: 200000, DefaultMaxTokens: 8192},
			{ID: "claude-opus-4-20250514", DisplayName: "Claude Opus 4", ContextWindow: 200000, DefaultMaxTokens: 8192},
			{ID: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku", ContextWindow: 200000, DefaultMaxTokens: 8192},
		},
	},
	"openai": {
		ID:          "openai",
		DisplayName: "OpenAI",
		Family:      "openai",
		Models: []models.CatalogModel{
			{ID: "gpt-4o", DisplayName: "GPT-4o", ContextWindow: 128000, DefaultMaxTokens: 16384},
			{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", ContextWindow: 128000, DefaultMaxTokens: 16384},
			{ID: "o3-mini", DisplayName: "o3-mini", ContextWindow: 200000, DefaultMaxTokens: 100000},
		},
	},
	"ollama": {
		ID:          "ollama",
		DisplayName: "Ollama",
		Family:      "ollama",
		Models: []models.CatalogModel{
			{ID: "llama3.2", DisplayName: "Llama 3.2", ContextWindow: 131072, DefaultMaxTokens: 4096},
			{ID: "qwen2.5-coder", DisplayName: "Qwen 2.5 Coder", ContextWindow: 32768, DefaultMaxTokens: 4096},
		},
	},
}

// Catalog returns the catalog entry for a provider id, preferring a user
// document over the builtin set.
func (r *Registry) Catalog(catalogProviderID string) (*models.CatalogEntry, error) {
	path := filepath.Join(r.home.UserCatalogDir(), catalogProviderID+".json")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var entry models.CatalogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("registry: parse %s: %w", path, err)
		}
		if entry.ID == "" {
			entry.ID = catalogProviderID
		}
		return &entry, nil
	case errors.Is(err, os.ErrNotExist):
		if entry, ok := builtinCatalogs[catalogProviderID]; ok {
			return &entry, nil
		}
		return nil, fmt.Errorf("%w: no builtin or user catalog for %q; add %s",
			ErrCatalogMissing, catalogProviderID, path)
	default:
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
}
