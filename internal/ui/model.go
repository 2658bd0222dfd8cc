// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/RubinCarter/ropcode/internal/orchestrator"
	"github.com/RubinCarter/ropcode/internal/runstate"
	"github.com/RubinCarter/ropcode/internal/util"
)

// RefreshMsg asks the model to pull a fresh view from the orchestrator. The
// orchestrator's update callback sends it through the program.
type RefreshMsg struct{}

// =============================================================================
// MODEL
// =============================================================================

// Model is the Bubble Tea model for the transcript view.
type Model struct {
	orch *orchestrator.Orchestrator

	projectPath string
	modelName   string
	showTokens  bool

	// UI components
	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model

	width  int
	height int
	ready  bool

	statusMsg string
}

// New creates the transcript model over an orchestrator.
func New(orch *orchestrator.Orchestrator, projectPath, modelName string, showTokens bool) Model {
	input := textinput.New()
	input.Placeholder = "Send a prompt (Enter to submit, Esc to cancel the run)"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(Amber)

	return Model{
		orch:        orch,
		projectPath: projectPath,
		modelName:   modelName,
		showTokens:  showTokens,
		input:       input,
		spinner:     sp,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

// =============================================================================
// UPDATE
// =============================================================================

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		chrome := 4 // header, input, status, border
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-chrome)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - chrome
		}
		m.refresh()

	case RefreshMsg:
		m.refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit

		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text != "" {
				m.submit(text)
				m.input.Reset()
			}

		case tea.KeyEsc:
			if err := m.orch.Cancel(context.Background()); err != nil {
				m.statusMsg = "nothing to cancel"
			} else {
				m.statusMsg = "cancelling"
			}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// submit hands the prompt to the orchestrator, which queues it if a run is
// already in flight.
func (m *Model) submit(text string) {
	queued, err := m.orch.Submit(context.Background(), text, m.modelName)
	switch {
	case err != nil:
		m.statusMsg = "submission failed"
	case queued != nil:
		m.statusMsg = "queued"
	default:
		m.statusMsg = ""
	}
	m.refresh()
}

// refresh re-renders the transcript into the viewport, pinned to the bottom.
func (m *Model) refresh() {
	if !m.ready {
		return
	}
	view := m.orch.View()
	m.viewport.SetContent(renderEntries(view.Entries, view.Index, m.showTokens))
	m.viewport.GotoBottom()
}

// =============================================================================
// VIEW
// =============================================================================

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "starting..."
	}

	var sb strings.Builder
	sb.WriteString(m.headerView())
	sb.WriteString("\n")
	sb.WriteString(m.viewport.View())
	sb.WriteString("\n")
	sb.WriteString(m.input.View())
	sb.WriteString("\n")
	sb.WriteString(m.statusView())
	return sb.String()
}

func (m Model) headerView() string {
	session := m.orch.SessionID()
	if session == "" {
		session = "new session"
	}
	header := fmt.Sprintf("ropcode  %s  %s",
		util.TruncateRunes(m.projectPath, 40), session)
	return lipgloss.NewStyle().Foreground(TextSecondary).Render(header)
}

func (m Model) statusView() string {
	view := m.orch.View()

	var phase string
	switch view.State.Phase {
	case runstate.PhaseIdle:
		phase = phaseIdleStyle.Render("idle")
	case runstate.PhasePendingSend:
		phase = phaseBusyStyle.Render(m.spinner.View() + "sending")
	default:
		phase = phaseBusyStyle.Render(m.spinner.View() + "running")
	}

	parts := []string{phase}
	if n := len(view.Queued); n > 0 {
		parts = append(parts, queueStyle.Render(fmt.Sprintf("%d queued", n)))
	}
	parts = append(parts, fmt.Sprintf("%d messages", len(view.Entries)))
	if m.statusMsg != "" {
		parts = append(parts, m.statusMsg)
	}

	return statusStyle.Width(m.width).Render(strings.Join(parts, "  ·  "))
}
