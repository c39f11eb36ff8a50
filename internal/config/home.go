// Package config resolves the on-disk layout and the runtime configuration
// file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvHome overrides the base directory. Everything the runtime persists
// lives under this one directory.
const EnvHome = "LOOM_HOME"

const defaultHomeDir = ".loom"

// Home is the resolved base directory and the paths derived from it.
type Home struct {
	BaseDir string
}

// ResolveHome picks the base directory: the LOOM_HOME environment variable
// when set, else ~/.loom.
func ResolveHome() (*Home, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return &Home{BaseDir: dir}, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("config: resolve home directory: %w", err)
	}
	return &Home{BaseDir: filepath.Join(userHome, defaultHomeDir)}, nil
}

// DatabasePath is the sqlite event store file.
func (h *Home) DatabasePath() string { return filepath.Join(h.BaseDir, "loom.db") }

// ProviderInstancesPath is the provider instance configuration document.
func (h *Home) ProviderInstancesPath() string {
	return filepath.Join(h.BaseDir, "provider-instances.json")
}

// CredentialsDir holds one credential file per provider instance.
func (h *Home) CredentialsDir() string { return filepath.Join(h.BaseDir, "credentials") }

// CredentialPath is the credential file for one instance id.
func (h *Home) CredentialPath(instanceID string) string {
	return filepath.Join(h.CredentialsDir(), instanceID+".json")
}

// UserCatalogDir holds user-supplied catalog documents, one per provider id,
// overriding the builtin catalog.
func (h *Home) UserCatalogDir() string { return filepath.Join(h.BaseDir, "user-catalog") }

// ConfigPath is the optional runtime configuration file.
func (h *Home) ConfigPath() string { return filepath.Join(h.BaseDir, "config.yaml") }

// EnsureLayout creates the directory tree. The credentials directory is
// restricted to the owner.
func (h *Home) EnsureLayout() error {
	if err := os.MkdirAll(h.BaseDir, 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", h.BaseDir, err)
	}
	if err := os.MkdirAll(h.CredentialsDir(), 0o700); err != nil {
		return fmt.Errorf("config: create %s: %w", h.CredentialsDir(), err)
	}
	if err := os.MkdirAll(h.UserCatalogDir(), 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", h.UserCatalogDir(), err)
	}
	return nil
}
