// ropcode - a terminal client for external coding-agent CLIs.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/RubinCarter/ropcode/internal/backend"
	"github.com/RubinCarter/ropcode/internal/bus"
	"github.com/RubinCarter/ropcode/internal/cli"
	"github.com/RubinCarter/ropcode/internal/config"
	"github.com/RubinCarter/ropcode/internal/ledger"
	"github.com/RubinCarter/ropcode/internal/orchestrator"
	"github.com/RubinCarter/ropcode/internal/promptq"
	"github.com/RubinCarter/ropcode/internal/runstate"
	"github.com/RubinCarter/ropcode/internal/store"
	"github.com/RubinCarter/ropcode/internal/ui"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse()

	switch cmd {
	case cli.CmdTUI:
		if err := runTUI(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case cli.CmdSessions:
		cfg, _ := config.Load()
		dbPath := ""
		if cfg != nil {
			dbPath = cfg.Sessions.DBPath
		}
		if err := cli.HandleSessions(args, dbPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case cli.CmdConfig:
		if err := cli.HandleConfig(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case cli.CmdVersion:
		cli.PrintVersion()
	case cli.CmdHelp:
		cli.PrintUsage()
	}
}

// runTUI wires the full pipeline and runs the Bubble Tea program: config,
// session store, event bus, exec backend, one orchestrator for the project
// path, and the transcript UI on top.
func runTUI(args cli.Args) error {
	cfg, err := config.Load()
	if err != nil {
		// A broken config file falls back to defaults with a warning rather
		// than refusing to start.
		log.Printf("WARNING: %v (using defaults)", err)
		cfg = config.Default()
	}

	projectPath := args.ProjectPath
	if projectPath == "" {
		if projectPath, err = os.Getwd(); err != nil {
			return err
		}
	}
	if projectPath, err = filepath.Abs(projectPath); err != nil {
		return err
	}

	provider := cfg.DefaultProvider
	if args.Provider != "" {
		provider = args.Provider
	}
	model := cfg.DefaultModel
	if args.Model != "" {
		model = args.Model
	}

	if !args.Verbose {
		// Route stdlib logging away from the terminal the TUI owns.
		logPath := filepath.Join(os.TempDir(), "ropcode.log")
		if f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600); err == nil {
			log.SetOutput(f)
			defer f.Close()
		}
	}

	dbPath := cfg.Sessions.DBPath
	if dbPath == "" {
		if dbPath, err = store.DefaultPath(); err != nil {
			return err
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	historyDir := cfg.Backend.HistoryDir
	if historyDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		historyDir = filepath.Join(home, ".ropcode", "history")
	}

	b := bus.New()
	defer b.Close()
	mgr := backend.NewExecManager(b, cfg.Backend.Binaries, historyDir)

	orch := orchestrator.New(orchestrator.Config{
		ProjectPath:     projectPath,
		Provider:        provider,
		APIConfigID:     cfg.Backend.APIConfigID,
		AgentOutputTool: cfg.Stream.AgentOutputTool,
		Widgets:         ledger.NewAllowList(cfg.Stream.WidgetTools...),
		LedgerOpts: []ledger.Option{
			ledger.WithFlushWindow(time.Duration(cfg.Stream.FlushWindowMS) * time.Millisecond),
			ledger.WithMaxEntries(cfg.Stream.MaxEntries),
		},
		QueueOpts: []promptq.Option{
			promptq.WithSettleDelay(time.Duration(cfg.Backend.SettleDelayMS) * time.Millisecond),
		},
		RunstateOpts: []runstate.Option{
			runstate.WithPendingTimeout(time.Duration(cfg.Backend.PendingTimeoutMS) * time.Millisecond),
			runstate.WithPollInterval(time.Duration(cfg.Backend.PollIntervalMS) * time.Millisecond),
		},
	}, b, mgr, st)
	defer orch.Close()

	if cfg.Sessions.RestoreOnStart && !args.NoRestore {
		if err := orch.Restore(context.Background()); err != nil {
			log.Printf("WARNING: session restore failed: %v", err)
		}
	}

	p := tea.NewProgram(
		ui.New(orch, projectPath, model, cfg.UI.ShowTokens),
		tea.WithAltScreen(),
	)
	orch.SetOnUpdate(func() { p.Send(ui.RefreshMsg{}) })

	// Live config reload only touches logging-safe settings for now; a
	// restart picks up the rest.
	if tomlPath, err := config.ConfigPathTOML(); err == nil {
		if w, err := config.Watch(tomlPath, cfg, func(*config.Config) {
			log.Printf("config reloaded from %s", tomlPath)
		}); err == nil {
			defer w.Close()
		}
	}

	_, err = p.Run()
	return err
}
