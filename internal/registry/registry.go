// Package registry resolves named provider instances to live provider
// handles: instance configuration, credentials, and model catalogs.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/loom/internal/agent/providers"
	"github.com/haasonsaas/loom/internal/backoff"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/pkg/models"
)

var (
	// ErrInstanceNotFound means no provider instance has the given id.
	ErrInstanceNotFound = errors.New("registry: provider instance not found")

	// ErrMissingCredentials means the instance exists but its credential
	// file does not.
	ErrMissingCredentials = errors.New("registry: missing credentials")

	// ErrCatalogMissing means the instance references a catalog provider id
	// with no builtin or user catalog document.
	ErrCatalogMissing = errors.New("registry: catalog missing")

	// ErrModelNotInCatalog means the requested model is not listed in the
	// instance's catalog.
	ErrModelNotInCatalog = errors.New("registry: model not in catalog")
)

// instancesSchema validates provider-instances.json on load.
const instancesSchema = `{
  "type": "object",
  "required": ["version", "instances"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "instances": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["catalog_provider_id"],
        "properties": {
          "display_name": {"type": "string"},
          "catalog_provider_id": {"type": "string", "minLength": 1},
          "endpoint": {"type": "string"},
          "timeout": {"type": "integer", "minimum": 0}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var compiledInstancesSchema = jsonschema.MustCompileString("provider-instances.schema.json", instancesSchema)

type instancesDocument struct {
	Version   int                       `json:"version"`
	Instances map[string]instanceRecord `json:"instances"`
}

type instanceRecord struct {
	DisplayName       string `json:"display_name,omitempty"`
	CatalogProviderID string `json:"catalog_provider_id"`
	Endpoint          string `json:"endpoint,omitempty"`
	Timeout           int    `json:"timeout,omitempty"`
}

// Registry loads provider instances from disk and builds provider handles.
// Safe for concurrent use; Watch reloads the instance document when it
// changes on disk.
type Registry struct {
	home   *config.Home
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[string]models.ProviderInstance
}

// Open loads the instance document. A missing file yields the default set: a
// single local ollama instance, so a fresh install works without any
// configuration.
func Open(home *config.Home, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{home: home, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads provider-instances.json, validating it against the schema.
// On failure the previously loaded instances stay in effect.
func (r *Registry) Reload() error {
	path := r.home.ProviderInstancesPath()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		r.swap(defaultInstances())
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", path, err)
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("registry: parse %s: %w", path, err)
	}
	if err := compiledInstancesSchema.Validate(decoded); err != nil {
		return fmt.Errorf("registry: %s invalid: %w", path, err)
	}

	var doc instancesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("registry: parse %s: %w", path, err)
	}

	instances := make(map[string]models.ProviderInstance, len(doc.Instances))
	for id, rec := range doc.Instances {
		instances[id] = models.ProviderInstance{
			ID:                id,
			DisplayName:       rec.DisplayName,
			CatalogProviderID: rec.CatalogProviderID,
			Endpoint:          rec.Endpoint,
			TimeoutSeconds:    rec.Timeout,
		}
	}
	r.swap(instances)
	r.logger.Debug("registry: instances loaded", "count", len(instances))
	return nil
}

func (r *Registry) swap(instances map[string]models.ProviderInstance) {
	r.mu.Lock()
	r.instances = instances
	r.mu.Unlock()
}

func defaultInstances() map[string]models.ProviderInstance {
	return map[string]models.ProviderInstance{
		"ollama": {
			ID:                "ollama",
			DisplayName:       "Local Ollama",
			CatalogProviderID: "ollama",
		},
	}
}

// Instances returns all configured instances, sorted by id.
func (r *Registry) Instances() []models.ProviderInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProviderInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolved is a provider instance with its credential and catalog attached.
type Resolved struct {
	Instance   models.ProviderInstance
	Credential models.Credential
	Catalog    *models.CatalogEntry
}

// ResolveInstance loads the instance record, its credential, and its catalog
// entry. Families that talk to a local runner need no credential; everything
// else fails with ErrMissingCredentials when the credential file is absent.
func (r *Registry) ResolveInstance(instanceID string) (*Resolved, error) {
	r.mu.RLock()
	inst, ok := r.instances[instanceID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q; configured instances: %s; edit %s to add one",
			ErrInstanceNotFound, instanceID, r.instanceIDs(), r.home.ProviderInstancesPath())
	}

	catalog, err := r.Catalog(inst.CatalogProviderID)
	if err != nil {
		return nil, err
	}

	cred, err := r.credential(instanceID)
	if errors.Is(err, os.ErrNotExist) {
		if catalog.Family == "ollama" {
			cred = models.Credential{}
		} else {
			return nil, fmt.Errorf("%w for instance %q: write %s containing {\"api_key\": \"...\"}",
				ErrMissingCredentials, instanceID, r.home.CredentialPath(instanceID))
		}
	} else if err != nil {
		return nil, err
	}

	return &Resolved{Instance: inst, Credential: cred, Catalog: catalog}, nil
}

func (r *Registry) credential(instanceID string) (models.Credential, error) {
	path := r.home.CredentialPath(instanceID)
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Credential{}, err
	}
	var cred models.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return models.Credential{}, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	return cred, nil
}

// SaveCredential writes an instance's credential file with owner-only
// permissions.
func (r *Registry) SaveCredential(instanceID string, cred models.Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode credential: %w", err)
	}
	path := r.home.CredentialPath(instanceID)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("registry: write %s: %w", path, err)
	}
	return nil
}

func (r *Registry) instanceIDs() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return "(none)"
	}
	return strings.Join(ids, ", ")
}

// CreateProvider resolves the instance and returns a retry-wrapped provider
// bound to the given model. An empty modelID picks the catalog's first
// model; a modelID absent from the catalog fails with ErrModelNotInCatalog.
func (r *Registry) CreateProvider(instanceID, modelID string) (providers.Provider, string, error) {
	res, err := r.ResolveInstance(instanceID)
	if err != nil {
		return nil, "", err
	}

	if modelID == "" {
		if len(res.Catalog.Models) == 0 {
			return nil, "", fmt.Errorf("%w: catalog %q lists no models",
				ErrCatalogMissing, res.Instance.CatalogProviderID)
		}
		modelID = res.Catalog.Models[0].ID
	} else if _, ok := res.Catalog.Model(modelID); !ok {
		return nil, "", fmt.Errorf("%w: %q is not in catalog %q; available: %s",
			ErrModelNotInCatalog, modelID, res.Instance.CatalogProviderID, catalogModelIDs(res.Catalog))
	}

	cfg := providers.Config{
		APIKey:  res.Credential.APIKey,
		BaseURL: res.Instance.Endpoint,
		Model:   modelID,
		Timeout: res.Instance.Timeout(),
		Catalog: res.Catalog,
	}

	var p providers.Provider
	switch res.Catalog.Family {
	case "anthropic":
		p, err = providers.NewAnthropic(cfg)
	case "openai", "openai-compatible":
		p, err = providers.NewOpenAI(cfg)
	case "ollama":
		p = providers.NewOllama(cfg)
	default:
		err = fmt.Errorf("registry: unknown provider family %q", res.Catalog.Family)
	}
	if err != nil {
		return nil, "", err
	}
	return providers.WithRetry(p, backoff.DefaultPolicy(), r.logger), modelID, nil
}

func catalogModelIDs(c *models.CatalogEntry) string {
	ids := make([]string, len(c.Models))
	for i, m := range c.Models {
		ids[i] = m.ID
	}
	return strings.Join(ids, ", ")
}
