// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RubinCarter/ropcode/internal/bus"
	"github.com/RubinCarter/ropcode/internal/stream"
)

// =============================================================================
// HISTORY LOADING TESTS
// =============================================================================

func writeHistory(t *testing.T, dir, provider, sessionID string, lines []string) {
	t.Helper()
	providerDir := filepath.Join(dir, provider)
	require.NoError(t, os.MkdirAll(providerDir, 0o755))
	var data []byte
	for _, l := range lines {
		data = append(data, l...)
		data = append(data, '\n')
	}
	require.NoError(t, os.WriteFile(filepath.Join(providerDir, sessionID+".jsonl"), data, 0o644))
}

func TestLoadHistory_ParsesTranscriptInOrder(t *testing.T) {
	dir := t.TempDir()
	writeHistory(t, dir, "claude", "S1", []string{
		`{"type":"system","subtype":"init","session_id":"S1"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
		`{"type":"result","result":"done"}`,
	})

	m := NewExecManager(bus.New(), nil, dir)
	events, err := m.LoadHistory(context.Background(), "S1", "p1", "claude")
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, stream.EventSystem, events[0].Type)
	require.Equal(t, "hi", events[1].Message.Content[0].Text)
	require.Equal(t, stream.EventResult, events[2].Type)
}

func TestLoadHistory_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	writeHistory(t, dir, "claude", "S1", []string{
		`{"type":"system","subtype":"init"}`,
		`{not json`,
		``,
		`{"type":"result"}`,
	})

	m := NewExecManager(bus.New(), nil, dir)
	events, err := m.LoadHistory(context.Background(), "S1", "p1", "claude")
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestLoadHistory_MissingTranscript(t *testing.T) {
	m := NewExecManager(bus.New(), nil, t.TempDir())
	_, err := m.LoadHistory(context.Background(), "ghost", "p1", "claude")
	require.Error(t, err)
}

// =============================================================================
// REGISTRY TESTS
// =============================================================================

func TestQueryIsRunning_EmptyRegistry(t *testing.T) {
	m := NewExecManager(bus.New(), nil, t.TempDir())
	running, err := m.QueryIsRunning(context.Background(), "/p", "claude")
	require.NoError(t, err)
	require.False(t, running)
}

func TestCancelSession_NotRunning(t *testing.T) {
	m := NewExecManager(bus.New(), nil, t.TempDir())
	require.ErrorIs(t, m.CancelSession(context.Background(), "/p"), ErrNotRunning)
}

func TestSubmit_UnknownProvider(t *testing.T) {
	m := NewExecManager(bus.New(), nil, t.TempDir())
	err := m.SubmitNewSession(context.Background(), "/p", "hi", "", "mystery", "")
	require.ErrorIs(t, err, ErrUnknownProvider)
}

// Resuming must spawn the session's own provider, never fall back to
// another agent's binary.
func TestResume_UnknownProvider(t *testing.T) {
	m := NewExecManager(bus.New(), Binaries{"codex": "codex"}, t.TempDir())
	err := m.ResumeSession(context.Background(), "/p", "S1", "continue", "", "claude")
	require.ErrorIs(t, err, ErrUnknownProvider)
}
