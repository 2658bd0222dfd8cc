// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides the terminal interface for ropcode: a transcript view
// over the session orchestrator with a prompt input and status line.
//
// All colors use Lip Gloss AdaptiveColor for automatic light/dark detection.
package ui

import "github.com/charmbracelet/lipgloss"

// =============================================================================
// COLORS
// =============================================================================

// Purple - Primary accent, assistant messages
var Purple = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#A78BFA"}

// Cyan - User messages, commands
var Cyan = lipgloss.AdaptiveColor{Light: "#0891B2", Dark: "#22D3EE"}

// Emerald - Success, idle state
var Emerald = lipgloss.AdaptiveColor{Light: "#059669", Dark: "#34D399"}

// Rose - Errors
var Rose = lipgloss.AdaptiveColor{Light: "#E11D48", Dark: "#FB7185"}

// Amber - Warnings, busy state, queued prompts
var Amber = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#FBBF24"}

// TextSecondary - Labels, less prominent text
var TextSecondary = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#A6ADC8"}

// TextMuted - Hints, timestamps, tool summaries
var TextMuted = lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#6C7086"}

// Overlay - Borders, separators
var Overlay = lipgloss.AdaptiveColor{Light: "#E5E5E5", Dark: "#313244"}

// =============================================================================
// STYLES
// =============================================================================

var (
	userStyle = lipgloss.NewStyle().
			Foreground(Cyan).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(Purple)

	errorStyle = lipgloss.NewStyle().
			Foreground(Rose).
			Bold(true)

	systemStyle = lipgloss.NewStyle().
			Foreground(TextMuted).
			Italic(true)

	toolStyle = lipgloss.NewStyle().
			Foreground(TextMuted)

	statusStyle = lipgloss.NewStyle().
			Foreground(TextSecondary).
			BorderStyle(lipgloss.NormalBorder()).
			BorderTop(true).
			BorderForeground(Overlay)

	phaseIdleStyle = lipgloss.NewStyle().
			Foreground(Emerald).
			Bold(true)

	phaseBusyStyle = lipgloss.NewStyle().
			Foreground(Amber).
			Bold(true)

	queueStyle = lipgloss.NewStyle().
			Foreground(Amber)
)
