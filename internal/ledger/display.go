// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger maintains the ordered in-memory transcript of one agent
// session.
//
// This file implements the displayable view filter: the pure function that
// produces the renderable subset of a ledger snapshot.
package ledger

import "github.com/RubinCarter/ropcode/internal/stream"

// =============================================================================
// WIDGET ALLOW-LIST
// =============================================================================

// AllowList is the fixed set of tool names whose results are rendered by a
// dedicated widget; user entries that only echo those results are dropped
// from the transcript view.
type AllowList map[string]bool

// NewAllowList builds an AllowList from tool names.
func NewAllowList(names ...string) AllowList {
	al := make(AllowList, len(names))
	for _, n := range names {
		al[n] = true
	}
	return al
}

// DefaultAllowList covers the built-in tool widgets.
func DefaultAllowList() AllowList {
	return NewAllowList(
		"Read", "Write", "Edit", "Bash", "Grep", "Glob", "WebFetch",
		DefaultAgentOutputTool,
	)
}

// =============================================================================
// DISPLAYABLE VIEW FILTER
// =============================================================================

// Displayable returns the renderable subset of a ledger snapshot.
//
// It is deterministic and side-effect free: identical input always yields
// identical output, and neither the entries nor the index are mutated.
// Dropped are meta entries lacking a leaf marker, user entries whose only
// content is a tool_result already rendered by an allow-listed widget, and
// internal debug-tagged or stderr info entries.
func Displayable(entries []*Entry, idx *Index, widgets AllowList) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, entry := range entries {
		if renderable(entry, idx, widgets) {
			out = append(out, entry)
		}
	}
	return out
}

func renderable(entry *Entry, idx *Index, widgets AllowList) bool {
	ev := entry.Event

	if ev.Meta && !ev.Leaf {
		return false
	}

	if ev.Type == stream.EventInfo {
		if ev.Subtype == stream.SubtypeStderr || ev.Tag == "debug" {
			return false
		}
	}

	if ev.Type == stream.EventUser {
		if widgetOnly(ev, idx, widgets) {
			return false
		}
	}

	return true
}

// widgetOnly reports whether a user event consists solely of tool_result
// blocks whose tools are all covered by dedicated widgets.
func widgetOnly(ev *stream.StreamEvent, idx *Index, widgets AllowList) bool {
	blocks := ev.Blocks()
	if len(blocks) == 0 {
		return false
	}
	for _, b := range blocks {
		if b.Type != stream.BlockToolResult {
			return false
		}
		use, ok := idx.Uses[b.ToolUseID]
		if !ok || !widgets[use.Name] {
			return false
		}
	}
	return true
}
