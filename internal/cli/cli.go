// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - CLI parsing and command handlers for ropcode.
package cli

import (
	"fmt"
	"os"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdTUI Command = iota
	CmdSessions
	CmdConfig
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	ProjectPath string
	Model       string
	Provider    string
	NoRestore   bool
	Verbose     bool

	// Command-specific
	Subcommand string

	// Raw args (remaining after flag parsing)
	Raw []string
}

const usageText = `ropcode - terminal client for external coding agents

Ropcode drives provider CLIs (claude, codex) as subprocesses and renders
their streamed transcripts, with prompt queueing and session resume.

Usage:
  ropcode                              Start the TUI in the current directory
  ropcode sessions [list|delete <id>]  Manage persisted sessions
  ropcode config [show|init|path]      Configuration
  ropcode version                      Show version information
  ropcode help                         Show this help

Flags:
  -C, --project <dir>   Project directory (default: current directory)
  -m, --model <name>    Model to request from the provider
  -p, --provider <name> Provider to use (default from config)
      --no-restore      Do not restore the previous session on start
  -v, --verbose         Verbose logging
`

// Parse parses os.Args into a command and its arguments.
func Parse() (Command, Args) {
	args := Args{}
	rest := []string{}

	argv := os.Args[1:]
	for i := 0; i < len(argv); i++ {
		a := argv[i]
		switch a {
		case "-C", "--project":
			if i+1 < len(argv) {
				i++
				args.ProjectPath = argv[i]
			}
		case "-m", "--model":
			if i+1 < len(argv) {
				i++
				args.Model = argv[i]
			}
		case "-p", "--provider":
			if i+1 < len(argv) {
				i++
				args.Provider = argv[i]
			}
		case "--no-restore":
			args.NoRestore = true
		case "-v", "--verbose":
			args.Verbose = true
		case "-h", "--help":
			return CmdHelp, args
		default:
			rest = append(rest, a)
		}
	}

	if len(rest) == 0 {
		return CmdTUI, args
	}

	cmd := strings.ToLower(rest[0])
	args.Raw = rest[1:]
	if len(args.Raw) > 0 {
		args.Subcommand = args.Raw[0]
	}

	switch cmd {
	case "sessions", "session":
		return CmdSessions, args
	case "config":
		return CmdConfig, args
	case "version":
		return CmdVersion, args
	case "help":
		return CmdHelp, args
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		return CmdHelp, args
	}
}

// PrintUsage writes the top-level usage text.
func PrintUsage() {
	fmt.Print(usageText)
}

// PrintVersion writes version information.
func PrintVersion() {
	fmt.Printf("ropcode %s (%s, built %s)\n", Version, GitCommit, BuildDate)
}
