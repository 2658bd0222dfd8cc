// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// ropcode.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.ropcode/config.toml
//   - ~/.ropcode/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/RubinCarter/ropcode/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete ropcode configuration.
type Config struct {
	// General settings
	Version         string `toml:"version" json:"version"`
	DefaultModel    string `toml:"default_model" json:"default_model"`
	DefaultProvider string `toml:"default_provider" json:"default_provider"`

	// Backend (agent process) configuration
	Backend BackendConfig `toml:"backend" json:"backend"`

	// Stream/transcript configuration
	Stream StreamConfig `toml:"stream" json:"stream"`

	// Session persistence configuration
	Sessions SessionsConfig `toml:"sessions" json:"sessions"`

	// UI configuration
	UI UIConfig `toml:"ui" json:"ui"`
}

// BackendConfig configures the external agent processes.
type BackendConfig struct {
	// Binaries maps provider names to CLI binaries, e.g. claude = "claude".
	Binaries map[string]string `toml:"binaries" json:"binaries"`
	// HistoryDir is the directory holding provider JSONL transcripts
	// (empty = default ~/.ropcode/history).
	HistoryDir string `toml:"history_dir" json:"history_dir"`
	// APIConfigID selects a provider-side settings profile, passed through
	// verbatim on new-session submissions.
	APIConfigID string `toml:"api_config_id" json:"api_config_id"`
	// PendingTimeoutMS is the send-guard timeout before liveness polling
	// resumes even without an init acknowledgement.
	PendingTimeoutMS int `toml:"pending_timeout_ms" json:"pending_timeout_ms"`
	// PollIntervalMS is the fallback liveness poll interval while running.
	PollIntervalMS int `toml:"poll_interval_ms" json:"poll_interval_ms"`
	// SettleDelayMS is the pause before a queued prompt dispatches after the
	// backend is confirmed idle.
	SettleDelayMS int `toml:"settle_delay_ms" json:"settle_delay_ms"`
}

// StreamConfig configures transcript ingestion and display.
type StreamConfig struct {
	// FlushWindowMS bounds how long streamed text fragments are buffered
	// before they surface in the transcript.
	FlushWindowMS int `toml:"flush_window_ms" json:"flush_window_ms"`
	// MaxEntries caps the in-memory transcript length (0 = library default).
	MaxEntries int `toml:"max_entries" json:"max_entries"`
	// WidgetTools lists tool names rendered by dedicated widgets; user
	// entries that only echo those results are hidden from the transcript.
	WidgetTools []string `toml:"widget_tools" json:"widget_tools"`
	// AgentOutputTool is the tool name carrying nested sub-agent output.
	AgentOutputTool string `toml:"agent_output_tool" json:"agent_output_tool"`
}

// SessionsConfig configures durable session pointers.
type SessionsConfig struct {
	// DBPath is the SQLite database location (empty = default
	// ~/.ropcode/sessions.db).
	DBPath string `toml:"db_path" json:"db_path"`
	// RestoreOnStart re-opens the most recent session for the project on
	// startup.
	RestoreOnStart bool `toml:"restore_on_start" json:"restore_on_start"`
}

// UIConfig contains UI configuration.
type UIConfig struct {
	// Theme is the UI theme: "dark", "light", "auto"
	Theme string `toml:"theme" json:"theme"`
	// ShowTokens displays token counts in the UI
	ShowTokens bool `toml:"show_tokens" json:"show_tokens"`
	// CompactMode uses a more compact UI layout
	CompactMode bool `toml:"compact_mode" json:"compact_mode"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version:         "1.0.0",
		DefaultModel:    "",
		DefaultProvider: "claude",

		Backend: BackendConfig{
			Binaries: map[string]string{
				"claude": "claude",
				"codex":  "codex",
			},
			PendingTimeoutMS: 500,
			PollIntervalMS:   200,
			SettleDelayMS:    50,
		},

		Stream: StreamConfig{
			FlushWindowMS: 50,
			MaxEntries:    1000,
			WidgetTools: []string{
				"Read", "Write", "Edit", "Bash", "Grep", "Glob", "WebFetch",
				"AgentOutputTool",
			},
			AgentOutputTool: "AgentOutputTool",
		},

		Sessions: SessionsConfig{
			RestoreOnStart: true,
		},

		UI: UIConfig{
			Theme:      "dark",
			ShowTokens: true,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the ropcode configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".ropcode"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// Config files should be 0600 (owner read/write only).
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()
	var loadErr error

	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			if err := LoadTOML(cfg, tomlPath); err != nil {
				loadErr = fmt.Errorf("failed to load TOML config: %w", err)
			} else {
				return finalize(cfg)
			}
		}
	}

	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			if err := LoadJSON(cfg, jsonPath); err != nil {
				loadErr = fmt.Errorf("failed to load JSON config: %w", err)
			} else {
				return finalize(cfg)
			}
		}
	}

	cfg, err = finalize(cfg)
	if err != nil {
		return nil, err
	}
	return cfg, loadErr
}

// LoadTOML loads configuration from a TOML file.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return fillDefaults(cfg)
}

// LoadJSON loads configuration from a JSON file.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return fillDefaults(cfg)
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	return finalize(cfg)
}

// finalize applies env overrides, defaults, and validation.
func finalize(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	if err := fillDefaults(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills in any missing values with defaults.
func fillDefaults(cfg *Config) error {
	defaults := Default()

	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = defaults.DefaultProvider
	}

	if len(cfg.Backend.Binaries) == 0 {
		cfg.Backend.Binaries = defaults.Backend.Binaries
	}
	if cfg.Backend.PendingTimeoutMS == 0 {
		cfg.Backend.PendingTimeoutMS = defaults.Backend.PendingTimeoutMS
	}
	if cfg.Backend.PollIntervalMS == 0 {
		cfg.Backend.PollIntervalMS = defaults.Backend.PollIntervalMS
	}
	if cfg.Backend.SettleDelayMS == 0 {
		cfg.Backend.SettleDelayMS = defaults.Backend.SettleDelayMS
	}

	if cfg.Stream.FlushWindowMS == 0 {
		cfg.Stream.FlushWindowMS = defaults.Stream.FlushWindowMS
	}
	if cfg.Stream.MaxEntries == 0 {
		cfg.Stream.MaxEntries = defaults.Stream.MaxEntries
	}
	if len(cfg.Stream.WidgetTools) == 0 {
		cfg.Stream.WidgetTools = defaults.Stream.WidgetTools
	}
	if cfg.Stream.AgentOutputTool == "" {
		cfg.Stream.AgentOutputTool = defaults.Stream.AgentOutputTool
	}

	if cfg.UI.Theme == "" {
		cfg.UI.Theme = defaults.UI.Theme
	}

	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies ROPCODE_* environment variables on top of the
// loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ROPCODE_DEFAULT_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("ROPCODE_PROVIDER"); v != "" {
		c.DefaultProvider = v
	}
	if v := os.Getenv("ROPCODE_HISTORY_DIR"); v != "" {
		c.Backend.HistoryDir = v
	}
	if v := os.Getenv("ROPCODE_DB_PATH"); v != "" {
		c.Sessions.DBPath = v
	}
	if v := os.Getenv("ROPCODE_THEME"); v != "" {
		c.UI.Theme = v
	}
	if v := os.Getenv("ROPCODE_FLUSH_WINDOW_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Stream.FlushWindowMS = n
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.DefaultProvider != "" {
		if _, ok := c.Backend.Binaries[c.DefaultProvider]; !ok {
			return fmt.Errorf("default_provider %q has no binary configured", c.DefaultProvider)
		}
	}

	switch c.UI.Theme {
	case "dark", "light", "auto":
	default:
		return fmt.Errorf("invalid ui.theme %q (want dark, light, or auto)", c.UI.Theme)
	}

	if c.Stream.FlushWindowMS < 0 {
		return fmt.Errorf("stream.flush_window_ms must not be negative")
	}
	if c.Stream.MaxEntries < 0 {
		return fmt.Errorf("stream.max_entries must not be negative")
	}
	if c.Backend.PendingTimeoutMS < 0 || c.Backend.PollIntervalMS < 0 || c.Backend.SettleDelayMS < 0 {
		return fmt.Errorf("backend timings must not be negative")
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# ropcode configuration file")
	fmt.Fprintln(file, "# Generated by ropcode - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// SaveJSON saves the configuration to a JSON file. The write is atomic with
// fsync so a crash mid-save never leaves a truncated config behind.
func SaveJSON(cfg *Config, path string) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
