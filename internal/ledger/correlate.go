// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger maintains the ordered in-memory transcript of one agent
// session.
//
// This file derives the tool correlation index: id → invocation,
// id → result content, and the second-order agentId → nested-result map fed
// by the designated agent-output tool.
package ledger

import (
	"encoding/json"

	"github.com/RubinCarter/ropcode/internal/stream"
)

// DefaultAgentOutputTool is the tool name whose invocations carry nested
// sub-agent output.
const DefaultAgentOutputTool = "AgentOutputTool"

// =============================================================================
// TOOL INDEX
// =============================================================================

// ToolUse records one tool invocation.
type ToolUse struct {
	Name  string
	Input json.RawMessage
}

// Index correlates tool invocations with their results. It is exposed
// read-only to the render collaborator; callers must not mutate the maps.
//
// The index is recomputed from a full ledger scan on every change rather
// than maintained incrementally, which makes it robust to out-of-order
// arrival: the result is a pure function of the snapshot. If two tool_use
// blocks reuse the same id within one session, the later one in scan order
// wins.
type Index struct {
	// Uses maps tool_use id → invocation.
	Uses map[string]ToolUse

	// Results maps tool_use id → result content. Results whose id never
	// resolves against a recorded invocation remain here unlinked; they are
	// not dropped.
	Results map[string]json.RawMessage

	// AgentOutputs maps agentId → the parsed nested result delivered
	// through the agent-output tool (two-hop: tool_use id → agentId →
	// payload).
	AgentOutputs map[string]json.RawMessage
}

// agentOutputInput is the input shape of the agent-output tool.
type agentOutputInput struct {
	AgentID string `json:"agentId"`
}

// BuildIndex scans a ledger snapshot and derives the correlation maps.
//
// Pass 1 records invocations from assistant entries and remembers which
// tool_use ids belong to the agent-output tool. Pass 2 resolves tool_result
// blocks from user entries, preferring a structured prior-result field on
// the event over best-effort parsing of embedded text. Parse failures are
// swallowed; the affected entry simply stays unresolved.
func BuildIndex(entries []*Entry, agentOutputTool string) *Index {
	if agentOutputTool == "" {
		agentOutputTool = DefaultAgentOutputTool
	}

	idx := &Index{
		Uses:         make(map[string]ToolUse),
		Results:      make(map[string]json.RawMessage),
		AgentOutputs: make(map[string]json.RawMessage),
	}

	// Pass 1: invocations and agent-output ids.
	agentByUse := make(map[string]string)
	for _, entry := range entries {
		ev := entry.Event
		if ev.Type != stream.EventAssistant {
			continue
		}
		for _, b := range ev.Blocks() {
			if b.Type != stream.BlockToolUse || b.ID == "" {
				continue
			}
			idx.Uses[b.ID] = ToolUse{Name: b.Name, Input: b.Input}

			if b.Name == agentOutputTool {
				var in agentOutputInput
				if err := json.Unmarshal(b.Input, &in); err == nil && in.AgentID != "" {
					agentByUse[b.ID] = in.AgentID
				}
			}
		}
	}

	// Pass 2: results.
	for _, entry := range entries {
		ev := entry.Event
		if ev.Type != stream.EventUser && ev.Type != stream.EventResult {
			continue
		}
		for i := range ev.Blocks() {
			b := &ev.Message.Content[i]
			if b.Type != stream.BlockToolResult || b.ToolUseID == "" {
				continue
			}

			content := b.Content
			if len(ev.ToolUseResult) > 0 {
				content = ev.ToolUseResult
			}
			idx.Results[b.ToolUseID] = content

			if agentID, ok := agentByUse[b.ToolUseID]; ok {
				if payload := parsePayload(ev.ToolUseResult, b); payload != nil {
					idx.AgentOutputs[agentID] = payload
				}
			}
		}
	}

	return idx
}

// parsePayload extracts the nested agent payload: the structured field when
// present, else the embedded content if it is (or contains) valid JSON.
func parsePayload(structured json.RawMessage, b *stream.ContentBlock) json.RawMessage {
	if len(structured) > 0 && json.Valid(structured) {
		return structured
	}
	// ContentText unwraps a bare string or text-block array and falls back
	// to the raw JSON for anything else.
	if text := b.ContentText(); text != "" && json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	return nil
}

// ResultFor returns the result content for a tool_use id.
func (idx *Index) ResultFor(id string) (json.RawMessage, bool) {
	r, ok := idx.Results[id]
	return r, ok
}

// AgentOutput returns the nested payload for an agent id.
func (idx *Index) AgentOutput(agentID string) (json.RawMessage, bool) {
	r, ok := idx.AgentOutputs[agentID]
	return r, ok
}
