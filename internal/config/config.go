// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config handles chatstream configuration loading and validation.
//
// Configuration is read from a TOML file, with environment variable
// overrides applied last. The model catalog section can be hot-reloaded at
// runtime (see Watch).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/morganforge/chatstream/internal/provider"
)

// =============================================================================
// CONFIGURATION TYPES
// =============================================================================

// Config is the root configuration.
type Config struct {
	Server    ServerConfig   `toml:"server" json:"server"`
	Storage   StorageConfig  `toml:"storage" json:"storage"`
	Providers ProviderConfig `toml:"providers" json:"providers"`
	Log       LogConfig      `toml:"log" json:"log"`
	Models    []ModelConfig  `toml:"models" json:"models"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// Host is the listen address.
	Host string `toml:"host" json:"host"`
	// Port is the listen port.
	Port int `toml:"port" json:"port"`
	// DrainTimeoutSecs bounds the background drain of an upstream stream
	// after the client disconnects.
	DrainTimeoutSecs int `toml:"drain_timeout_secs" json:"drain_timeout_secs"`
	// ShutdownTimeoutSecs bounds graceful shutdown.
	ShutdownTimeoutSecs int `toml:"shutdown_timeout_secs" json:"shutdown_timeout_secs"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	// DatabasePath is the SQLite database file.
	DatabasePath string `toml:"database_path" json:"database_path"`
}

// ProviderConfig contains upstream provider credentials.
type ProviderConfig struct {
	// OpenAIKey is the OpenAI API key. Overridden by OPENAI_API_KEY.
	OpenAIKey string `toml:"openai_key" json:"openai_key"`
	// OpenRouterKey is the OpenRouter API key. Overridden by OPENROUTER_API_KEY.
	OpenRouterKey string `toml:"openrouter_key" json:"openrouter_key"`
	// OpenRouterURL overrides the OpenRouter API base URL.
	OpenRouterURL string `toml:"openrouter_url" json:"openrouter_url"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level"`
	// Development switches zap to its development (console) encoding.
	Development bool `toml:"development" json:"development"`
}

// ModelConfig is one catalog entry mapping a public model identifier to a
// provider+model pair.
type ModelConfig struct {
	ID       string `toml:"id" json:"id"`
	Label    string `toml:"label" json:"label"`
	Provider string `toml:"provider" json:"provider"`
	Upstream string `toml:"upstream" json:"upstream"`
	Default  bool   `toml:"default" json:"default"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// DefaultPort is the default HTTP listen port.
const DefaultPort = 8791

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "127.0.0.1",
			Port:                DefaultPort,
			DrainTimeoutSecs:    30,
			ShutdownTimeoutSecs: 10,
		},
		Storage: StorageConfig{
			DatabasePath: "", // Resolved against the config dir by SetDefaults
		},
		Providers: ProviderConfig{},
		Log: LogConfig{
			Level: "info",
		},
		// An empty model list selects the built-in catalog
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the chatstream configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatstream"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD
// =============================================================================

// Load loads configuration from the given path. A missing file is not an
// error: defaults apply. Environment overrides are applied last, then the
// result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.SetDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAIKey = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		c.Providers.OpenRouterKey = v
	}
	if v := os.Getenv("CHATSTREAM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CHATSTREAM_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("CHATSTREAM_DB"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("CHATSTREAM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// SetDefaults fills in values that depend on the environment.
func (c *Config) SetDefaults() error {
	if c.Storage.DatabasePath == "" {
		dir, err := ConfigDir()
		if err != nil {
			return err
		}
		c.Storage.DatabasePath = filepath.Join(dir, "chat.db")
	}
	if c.Server.DrainTimeoutSecs <= 0 {
		c.Server.DrainTimeoutSecs = 30
	}
	if c.Server.ShutdownTimeoutSecs <= 0 {
		c.Server.ShutdownTimeoutSecs = 10
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// validLogLevels is the set of accepted log levels.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validProviders is the set of known provider names.
var validProviders = map[string]bool{
	"openai":     true,
	"openrouter": true,
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}

	defaults := 0
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("model %d has no id", i)
		}
		if !validProviders[m.Provider] {
			return fmt.Errorf("model %q has unknown provider %q", m.ID, m.Provider)
		}
		if m.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("more than one model marked default")
	}
	return nil
}

// =============================================================================
// CATALOG CONVERSION
// =============================================================================

// ModelInfos converts the configured model list to catalog entries. An
// empty list returns nil, which tells the catalog to use its built-in set.
func (c *Config) ModelInfos() []provider.ModelInfo {
	if len(c.Models) == 0 {
		return nil
	}
	out := make([]provider.ModelInfo, len(c.Models))
	for i, m := range c.Models {
		out[i] = provider.ModelInfo{
			ID:       m.ID,
			Label:    m.Label,
			Provider: m.Provider,
			Upstream: m.Upstream,
			Default:  m.Default,
		}
	}
	return out
}
