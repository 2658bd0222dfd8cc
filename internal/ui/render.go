// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/RubinCarter/ropcode/internal/ledger"
	"github.com/RubinCarter/ropcode/internal/stream"
	"github.com/RubinCarter/ropcode/internal/util"
)

// toolSummaryWidth bounds the one-line tool invocation summaries.
const toolSummaryWidth = 80

// renderEntries renders the displayable transcript into viewport content.
func renderEntries(entries []*ledger.Entry, idx *ledger.Index, showTokens bool) string {
	var sb strings.Builder
	for i, entry := range entries {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(renderEntry(entry, idx, showTokens))
	}
	return sb.String()
}

func renderEntry(entry *ledger.Entry, idx *ledger.Index, showTokens bool) string {
	ev := entry.Event

	switch ev.Type {
	case stream.EventUser:
		return userStyle.Render("you") + "\n" + ev.DeltaText()

	case stream.EventAssistant:
		return renderAssistant(entry, idx, showTokens)

	case stream.EventError:
		return errorStyle.Render("error") + "\n" + ev.DeltaText()

	case stream.EventResult:
		text := string(ev.Result)
		if b, err := unquote(ev.Result); err == nil {
			text = b
		}
		return systemStyle.Render("result: " + util.TruncateRunes(text, toolSummaryWidth))

	case stream.EventSystem:
		if ev.IsInit() {
			return systemStyle.Render("session " + ev.SessionID)
		}
		return systemStyle.Render("system")

	default:
		return systemStyle.Render(util.TruncateRunes(ev.DeltaText(), toolSummaryWidth))
	}
}

func renderAssistant(entry *ledger.Entry, idx *ledger.Index, showTokens bool) string {
	ev := entry.Event
	var sb strings.Builder
	sb.WriteString(assistantStyle.Render("assistant"))

	for _, b := range ev.Blocks() {
		switch b.Type {
		case stream.BlockText:
			if b.Text != "" {
				sb.WriteString("\n")
				sb.WriteString(b.Text)
			}
		case stream.BlockThinking:
			if b.Thinking != "" {
				sb.WriteString("\n")
				sb.WriteString(systemStyle.Render(util.TruncateRunes(b.Thinking, toolSummaryWidth)))
			}
		case stream.BlockToolUse:
			sb.WriteString("\n")
			sb.WriteString(toolStyle.Render(toolSummary(&b, idx)))
		}
	}

	if showTokens {
		if u := ev.Usage(); u != nil {
			sb.WriteString("\n")
			sb.WriteString(systemStyle.Render(
				fmt.Sprintf("%d in / %d out", u.InputTokens, u.OutputTokens)))
		}
	}
	return sb.String()
}

// toolSummary renders one invocation line, marking whether its result has
// arrived yet.
func toolSummary(b *stream.ContentBlock, idx *ledger.Index) string {
	marker := "…"
	if idx != nil {
		if _, ok := idx.ResultFor(b.ID); ok {
			marker = "✓"
		}
	}
	// Width-aware: tool inputs carry file paths that may be CJK.
	input := util.TruncateWidth(string(b.Input), toolSummaryWidth)
	return fmt.Sprintf("%s %s %s", marker, b.Name, input)
}

func unquote(raw []byte) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}
