// Package config loads epicsync project configuration.
//
// Configuration lives in .epicsync/config.toml at the project root and is
// loaded once at startup into a Config struct that is passed by reference
// into the provider selector and the sync engine. Credentials are never
// stored in the file; they come from environment variables only.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ConfigDirName is the project configuration directory.
const ConfigDirName = ".epicsync"

// Credential environment variables, checked in order.
const (
	EnvGitHubToken         = "EPICSYNC_GITHUB_TOKEN"
	EnvGitHubTokenFallback = "GITHUB_TOKEN"
	EnvAzureToken          = "EPICSYNC_AZURE_TOKEN"
	EnvAzureTokenFallback  = "AZURE_DEVOPS_PAT"
)

// GitHub holds GitHub Issues settings.
type GitHub struct {
	Owner string `toml:"owner"`
	Repo  string `toml:"repo"`
	// BaseURL overrides the API endpoint, for GitHub Enterprise and tests.
	BaseURL string `toml:"base_url,omitempty"`
}

// Azure holds Azure DevOps settings.
type Azure struct {
	Organization string `toml:"organization"`
	Project      string `toml:"project"`
	BaseURL      string `toml:"base_url,omitempty"`
}

// Defaults holds engine tunables with sensible zero-value fallbacks.
type Defaults struct {
	Concurrency    int    `toml:"concurrency"`
	MaxAttempts    int    `toml:"max_attempts"`
	ConflictPolicy string `toml:"conflict_policy"`
}

// Config is the full project configuration.
type Config struct {
	Provider string   `toml:"provider"` // "github" or "azure"
	GitHub   GitHub   `toml:"github"`
	Azure    Azure    `toml:"azure"`
	Defaults Defaults `toml:"defaults"`

	// Dir is the absolute path of the .epicsync directory this config
	// was loaded from. Not serialized.
	Dir string `toml:"-"`
}

// Load reads config.toml from the given .epicsync directory and applies
// defaults for unset tunables.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "config.toml")
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	cfg.Dir = dir
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Defaults.Concurrency <= 0 {
		c.Defaults.Concurrency = 4
	}
	if c.Defaults.MaxAttempts <= 0 {
		c.Defaults.MaxAttempts = 4
	}
	if c.Defaults.ConflictPolicy == "" {
		c.Defaults.ConflictPolicy = "manual"
	}
}

// Validate checks provider selection and per-provider settings.
func (c *Config) Validate() error {
	switch c.Provider {
	case "github":
		if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
			return fmt.Errorf("github provider requires owner and repo")
		}
	case "azure":
		if c.Azure.Organization == "" || c.Azure.Project == "" {
			return fmt.Errorf("azure provider requires organization and project")
		}
	case "":
		return fmt.Errorf("provider is required")
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	switch c.Defaults.ConflictPolicy {
	case "local-wins", "remote-wins", "manual":
	default:
		return fmt.Errorf("unknown conflict policy %q", c.Defaults.ConflictPolicy)
	}
	return nil
}

// GitHubToken returns the configured GitHub credential from the
// environment, or an empty string when unset.
func (c *Config) GitHubToken() string {
	if v := os.Getenv(EnvGitHubToken); v != "" {
		return v
	}
	return os.Getenv(EnvGitHubTokenFallback)
}

// AzureToken returns the configured Azure DevOps credential from the
// environment, or an empty string when unset.
func (c *Config) AzureToken() string {
	if v := os.Getenv(EnvAzureToken); v != "" {
		return v
	}
	return os.Getenv(EnvAzureTokenFallback)
}

// MappingStorePath returns the path of the mapping store file.
func (c *Config) MappingStorePath() string {
	return filepath.Join(c.Dir, "mapping.json")
}

// LockPath returns the path of the advisory run lock.
func (c *Config) LockPath() string {
	return filepath.Join(c.Dir, "mapping.json.lock")
}

// SnapshotPath returns the path of the remote snapshot cache database.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.Dir, "snapshot.db")
}

// LogPath returns the path of the rotating debug log.
func (c *Config) LogPath() string {
	return filepath.Join(c.Dir, "epicsync.log")
}

// FindProjectDir walks up from start looking for a .epicsync directory.
// Returns the empty string if none is found before the filesystem root.
func FindProjectDir(start string) string {
	dir, err := filepath.Abs(start)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ConfigDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// WriteStarter writes a commented starter config.toml into dir, creating
// the directory if needed. It refuses to overwrite an existing file.
func WriteStarter(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config already exists at %s", path)
	}

	starter := `# epicsync project configuration.
# Credentials are read from the environment, never from this file:
#   EPICSYNC_GITHUB_TOKEN (or GITHUB_TOKEN)
#   EPICSYNC_AZURE_TOKEN  (or AZURE_DEVOPS_PAT)

provider = "github"

[github]
owner = ""
repo = ""

[azure]
organization = ""
project = ""

[defaults]
concurrency = 4
max_attempts = 4
conflict_policy = "manual"
`
	if err := os.WriteFile(path, []byte(starter), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
