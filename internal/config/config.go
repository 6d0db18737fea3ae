// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/hfp-chat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Nodes    NodesConfig    `toml:"nodes"`
	Chat     ChatConfig     `toml:"chat"`
	Storage  StorageConfig  `toml:"storage"`
}

// ServerConfig contains the proxy server settings.
type ServerConfig struct {
	// Host is the listen address.
	Host string `toml:"host"`
	// Port is the listen port.
	Port int `toml:"port"`
	// RateLimitPerMinute caps requests per client IP. 0 disables.
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
	// RateLimitBurst is the per-IP burst allowance.
	RateLimitBurst int `toml:"rate_limit_burst"`
	// AllowedOrigins lists origins permitted by CORS. Empty disables
	// cross-origin access.
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UpstreamConfig contains the inference endpoint settings.
type UpstreamConfig struct {
	// BaseURL is the OpenAI-compatible endpoint, without the /v1 path.
	BaseURL string `toml:"base_url"`
	// APIKey authenticates against the upstream.
	APIKey string `toml:"api_key"`
	// SystemPrompt, when set, is injected as a system turn ahead of
	// every forwarded conversation.
	SystemPrompt string `toml:"system_prompt"`
}

// NodesConfig contains node discovery settings.
type NodesConfig struct {
	// DiscoveryURL is the endpoint listing the inference fleet.
	DiscoveryURL string `toml:"discovery_url"`
	// PollIntervalSecs is the discovery refresh cadence in seconds.
	PollIntervalSecs int `toml:"poll_interval_secs"`
	// DenyNodes lists node names excluded from automatic selection,
	// reserved for operational/backup use.
	DenyNodes []string `toml:"deny_nodes"`
}

// PollInterval returns the poll cadence as a duration.
func (c NodesConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// ChatConfig contains conversation settings.
type ChatConfig struct {
	// RegenerationCap is how many times one answer may be regenerated.
	RegenerationCap int `toml:"regeneration_cap"`
	// IdleTimeoutSecs bounds the gap between stream reads in seconds.
	IdleTimeoutSecs int `toml:"idle_timeout_secs"`
}

// IdleTimeout returns the stream idle timeout as a duration.
func (c ChatConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}

// StorageConfig contains session persistence settings.
type StorageConfig struct {
	// Backend selects the persistence backend: "file" or "sqlite".
	Backend string `toml:"backend"`
	// Path is the storage file location. Empty selects the default
	// under the config directory.
	Path string `toml:"path"`
}

// =============================================================================
// DEFAULTS AND PATHS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8090,
			RateLimitPerMinute: 60,
			RateLimitBurst:     20,
		},
		Upstream: UpstreamConfig{},
		Nodes: NodesConfig{
			PollIntervalSecs: 10,
			DenyNodes:        []string{"backup", "standby"},
		},
		Chat: ChatConfig{
			RegenerationCap: 2,
			IdleTimeoutSecs: 120,
		},
		Storage: StorageConfig{
			Backend: "file",
		},
	}
}

// ConfigDir returns the application configuration directory.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".hfp-chat"), nil
}

// ConfigPath returns the TOML configuration file path.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the configuration: defaults, then the config file if one
// exists, then environment overrides, then validation.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the configuration from an explicit file path. A
// missing file is not an error; defaults and environment apply.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variables on top of the loaded
// configuration. Supported variables:
//   - HFP_API_BASE_URL: overrides upstream.base_url
//   - HFP_API_KEY: overrides upstream.api_key
//   - HFP_SYSTEM_PROMPT: overrides upstream.system_prompt
//   - HFP_NODES_URL: overrides nodes.discovery_url
//   - HFP_STORAGE_PATH: overrides storage.path
//   - HFP_PORT: overrides server.port
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("HFP_API_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("HFP_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("HFP_SYSTEM_PROMPT"); v != "" {
		c.Upstream.SystemPrompt = v
	}
	if v := os.Getenv("HFP_NODES_URL"); v != "" {
		c.Nodes.DiscoveryURL = v
	}
	if v := os.Getenv("HFP_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("HFP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

// StoragePath resolves the session storage location, falling back to
// the default file under the config directory.
func (c *Config) StoragePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	name := "hfp-secure-storage.json"
	if c.Storage.Backend == "sqlite" {
		name = "hfp-sessions.db"
	}
	return filepath.Join(dir, name), nil
}

// Save writes the configuration to the default path atomically.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	// 0600: the file may hold the upstream API key.
	return util.AtomicWriteFile(path, buf.Bytes(), 0600)
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("invalid port %d, must be 1-65535", c.Server.Port),
		})
	}
	if c.Server.RateLimitPerMinute < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_limit_per_minute",
			Message: "must not be negative",
		})
	}

	if c.Upstream.BaseURL != "" {
		if _, err := url.Parse(c.Upstream.BaseURL); err != nil {
			errs = append(errs, ValidationError{
				Field:   "upstream.base_url",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
	}
	if c.Nodes.DiscoveryURL != "" {
		if _, err := url.Parse(c.Nodes.DiscoveryURL); err != nil {
			errs = append(errs, ValidationError{
				Field:   "nodes.discovery_url",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
	}

	if c.Nodes.PollIntervalSecs < 1 {
		errs = append(errs, ValidationError{
			Field:   "nodes.poll_interval_secs",
			Message: "must be at least 1 second",
		})
	}
	if c.Chat.RegenerationCap < 0 {
		errs = append(errs, ValidationError{
			Field:   "chat.regeneration_cap",
			Message: "must not be negative",
		})
	}
	if c.Chat.IdleTimeoutSecs < 1 {
		errs = append(errs, ValidationError{
			Field:   "chat.idle_timeout_secs",
			Message: "must be at least 1 second",
		})
	}

	if c.Storage.Backend != "file" && c.Storage.Backend != "sqlite" {
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: file, sqlite", c.Storage.Backend),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
