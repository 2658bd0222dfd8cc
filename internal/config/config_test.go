// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// DEFAULTS AND VALIDATION TESTS
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "claude", cfg.DefaultProvider)
	require.Equal(t, 50, cfg.Stream.FlushWindowMS)
	require.Contains(t, cfg.Stream.WidgetTools, "Bash")
}

func TestValidate_RejectsUnknownProviderBinary(t *testing.T) {
	cfg := Default()
	cfg.DefaultProvider = "mystery"
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsBadTheme(t *testing.T) {
	cfg := Default()
	cfg.UI.Theme = "sepia"
	require.Error(t, cfg.Validate())
}

func TestFillDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Stream: StreamConfig{FlushWindowMS: 10, WidgetTools: []string{"Bash"}},
	}
	require.NoError(t, fillDefaults(cfg))

	require.Equal(t, 10, cfg.Stream.FlushWindowMS)
	require.Equal(t, []string{"Bash"}, cfg.Stream.WidgetTools)
	require.Equal(t, "claude", cfg.DefaultProvider)
	require.Equal(t, 500, cfg.Backend.PendingTimeoutMS)
}

// =============================================================================
// FILE ROUND-TRIP TESTS
// =============================================================================

func TestLoadFromPath_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_provider = "codex"

[backend.binaries]
codex = "/usr/local/bin/codex"

[stream]
flush_window_ms = 25
`), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "codex", cfg.DefaultProvider)
	require.Equal(t, "/usr/local/bin/codex", cfg.Backend.Binaries["codex"])
	require.Equal(t, 25, cfg.Stream.FlushWindowMS)
	// Unset sections picked up defaults.
	require.Equal(t, 200, cfg.Backend.PollIntervalMS)
}

func TestLoadFromPath_InvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_provider = "ghost"
`), 0600))

	_, err := LoadFromPath(path)
	require.Error(t, err)
}

func TestSaveTOML_RoundTripsAndRestrictsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.DefaultModel = "sonnet"
	require.NoError(t, SaveTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "sonnet", got.DefaultModel)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROPCODE_PROVIDER", "codex")
	t.Setenv("ROPCODE_FLUSH_WINDOW_MS", "30")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	require.Equal(t, "codex", cfg.DefaultProvider)
	require.Equal(t, 30, cfg.Stream.FlushWindowMS)
}

// =============================================================================
// LIVE RELOAD TESTS
// =============================================================================

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, SaveTOML(Default(), path))

	var mu sync.Mutex
	var reloaded *Config
	w, err := Watch(path, Default(), func(c *Config) {
		mu.Lock()
		defer mu.Unlock()
		reloaded = c
	})
	require.NoError(t, err)
	defer w.Close()

	cfg := Default()
	cfg.DefaultModel = "updated"
	require.NoError(t, SaveTOML(cfg, path))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := reloaded
		mu.Unlock()
		if got != nil && got.DefaultModel == "updated" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reload callback never observed the updated config")
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, "updated", w.Current().DefaultModel)
}

func TestWatch_SkipsInvalidIntermediateState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	initial := Default()
	require.NoError(t, SaveTOML(initial, path))

	w, err := Watch(path, initial, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`default_provider = "ghost"`), 0600))

	// The invalid write must not displace the last good config.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, initial.DefaultProvider, w.Current().DefaultProvider)
}
