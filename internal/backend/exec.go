// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend manages the external agent processes behind the session
// orchestrator.
//
// This file implements the exec adapter: it spawns the provider CLI with a
// streaming JSON output mode, republishes each stdout line on the project's
// output channel, raw stderr on the error channel, and a completion or
// cancellation signal when the process exits.
package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/RubinCarter/ropcode/internal/bus"
	"github.com/RubinCarter/ropcode/internal/stream"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrAlreadyRunning  = errors.New("a session is already running for this project")
	ErrNotRunning      = errors.New("no session running for this project")
	ErrUnknownProvider = errors.New("unknown provider")
)

// scanBuffer caps a single stream-json line; large tool results can run to
// megabytes.
const scanBuffer = 4 * 1024 * 1024

// =============================================================================
// EXEC MANAGER
// =============================================================================

// Binaries maps provider names to their CLI binaries.
type Binaries map[string]string

// DefaultBinaries covers the providers shipped by default.
func DefaultBinaries() Binaries {
	return Binaries{
		"claude": "claude",
		"codex":  "codex",
	}
}

// ExecManager runs one agent process per project path and bridges its
// stdio onto the bus.
type ExecManager struct {
	bus        *bus.Bus
	binaries   Binaries
	historyDir string

	mu    sync.Mutex
	procs map[string]*proc
}

type proc struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	exited    bool
}

// NewExecManager creates an adapter publishing onto b. historyDir is where
// provider transcripts are read from on LoadHistory.
func NewExecManager(b *bus.Bus, binaries Binaries, historyDir string) *ExecManager {
	if binaries == nil {
		binaries = DefaultBinaries()
	}
	return &ExecManager{
		bus:        b,
		binaries:   binaries,
		historyDir: historyDir,
		procs:      make(map[string]*proc),
	}
}

// =============================================================================
// SUBMISSION
// =============================================================================

// SubmitNewSession implements Manager.
func (m *ExecManager) SubmitNewSession(ctx context.Context, projectPath, prompt, model, provider, apiConfigID string) error {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if apiConfigID != "" {
		args = append(args, "--settings", apiConfigID)
	}
	return m.spawn(ctx, projectPath, provider, args)
}

// ResumeSession implements Manager. The caller recovers the provider from
// the session pointer; resuming under a provider with no configured binary
// fails rather than silently switching agents.
func (m *ExecManager) ResumeSession(ctx context.Context, projectPath, sessionID, prompt, model, provider string) error {
	args := []string{"--resume", sessionID, "-p", prompt, "--output-format", "stream-json", "--verbose"}
	if model != "" {
		args = append(args, "--model", model)
	}
	return m.spawn(ctx, projectPath, provider, args)
}

func (m *ExecManager) spawn(ctx context.Context, projectPath, provider string, args []string) error {
	bin, ok := m.binaries[provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	m.mu.Lock()
	if p, ok := m.procs[projectPath]; ok && !p.done() {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = projectPath

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		m.mu.Unlock()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		m.mu.Unlock()
		return err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		m.mu.Unlock()
		return err
	}

	p := &proc{cmd: cmd, cancel: cancel}
	m.procs[projectPath] = p
	m.mu.Unlock()

	go m.pump(projectPath, stdout, bus.KindOutput)
	go m.pump(projectPath, stderr, bus.KindError)
	go m.reap(projectPath, p)
	return nil
}

// pump republishes process output lines onto the bus, one payload per line.
func (m *ExecManager) pump(projectPath string, r io.Reader, kind bus.Kind) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBuffer)
	channel := bus.Channel(kind, projectPath)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := make([]byte, len(line))
		copy(payload, line)
		m.bus.Publish(channel, payload)
	}
}

// reap waits for process exit and publishes the terminal signal.
func (m *ExecManager) reap(projectPath string, p *proc) {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	cancelled := p.cancelled
	p.mu.Unlock()
	p.cancel()

	m.mu.Lock()
	if m.procs[projectPath] == p {
		delete(m.procs, projectPath)
	}
	m.mu.Unlock()

	if cancelled {
		m.bus.Publish(bus.Channel(bus.KindCancelled, projectPath), []byte("true"))
		return
	}
	if err != nil {
		log.Printf("WARNING: agent process for %s exited: %v", projectPath, err)
	}
	m.bus.Publish(bus.Channel(bus.KindComplete, projectPath), []byte("true"))
}

func (p *proc) done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// =============================================================================
// CANCELLATION AND LIVENESS
// =============================================================================

// CancelSession implements Manager.
func (m *ExecManager) CancelSession(ctx context.Context, projectPath string) error {
	m.mu.Lock()
	p, ok := m.procs[projectPath]
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
	p.cancel()
	return nil
}

// QueryIsRunning implements Manager.
func (m *ExecManager) QueryIsRunning(ctx context.Context, projectPath, provider string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[projectPath]
	return ok && !p.done(), nil
}

// =============================================================================
// HISTORY
// =============================================================================

// LoadHistory implements Manager: it reads the provider's JSONL transcript
// for the session and returns the events in file order. Malformed lines are
// skipped, matching the drop-and-continue ingestion rule.
func (m *ExecManager) LoadHistory(ctx context.Context, sessionID, projectID, provider string) ([]*stream.StreamEvent, error) {
	path := filepath.Join(m.historyDir, provider, sessionID+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []*stream.StreamEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), scanBuffer)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := stream.Parse(line)
		if err != nil {
			log.Printf("WARNING: skipping malformed history line in %s: %v", path, err)
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
