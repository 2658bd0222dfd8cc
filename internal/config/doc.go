// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for ropcode.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - BackendConfig: Agent process binaries and timing knobs
//   - StreamConfig: Transcript ingestion and display settings
//   - SessionsConfig: Durable session pointer storage
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (ROPCODE_*)
//   - ~/.ropcode/config.toml
//   - ~/.ropcode/config.json
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Watch for live changes:
//
//	w, err := config.Watch(path, cfg, func(c *config.Config) {
//	    // apply the reloaded config
//	})
package config
