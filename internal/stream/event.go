// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream defines the wire model for events emitted by external
// coding-agent processes.
//
// Agent binaries are treated as opaque producers of discrete JSON payloads.
// Arrival order is not guaranteed monotonic nor gap-free, and the type tag
// may be missing or ambiguous; Normalize applies the classification
// heuristics that downstream components rely on.
package stream

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// =============================================================================
// EVENT TYPE
// =============================================================================

// EventType is the tagged variant of a StreamEvent.
type EventType string

const (
	EventSystem    EventType = "system"
	EventAssistant EventType = "assistant"
	EventUser      EventType = "user"
	EventResult    EventType = "result"
	EventError     EventType = "error"
	EventInfo      EventType = "info"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// Valid reports whether t is one of the known variants.
func (t EventType) Valid() bool {
	switch t {
	case EventSystem, EventAssistant, EventUser, EventResult, EventError, EventInfo:
		return true
	}
	return false
}

// SubtypeInit marks the system event that announces a new agent session.
const SubtypeInit = "init"

// SubtypeStderr marks info events carrying raw process stderr.
const SubtypeStderr = "stderr"

// =============================================================================
// CONTENT BLOCKS
// =============================================================================

// Block type discriminators for ContentBlock.Type.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one unit inside a message content array. The populated
// fields depend on Type: text/thinking carry prose, tool_use carries an
// invocation (ID, Name, Input) and tool_result carries the outcome keyed by
// ToolUseID.
type ContentBlock struct {
	Type string `json:"type"`

	// text / thinking
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ContentText extracts a best-effort plain-text view of a tool_result
// content payload. The wire format allows a bare string, an array of
// text blocks, or arbitrary JSON; anything unrecognized comes back as the
// raw JSON string.
func (b *ContentBlock) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var sb strings.Builder
		for _, inner := range blocks {
			if inner.Type == BlockText {
				sb.WriteString(inner.Text)
			}
		}
		return sb.String()
	}

	return string(b.Content)
}

// =============================================================================
// MESSAGE AND USAGE
// =============================================================================

// Usage holds the token statistic that finalizes an assistant message.
// Once a usage arrives the ledger entry is frozen and never delta-merged.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Message is the content envelope inside assistant/user events.
type Message struct {
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// =============================================================================
// STREAM EVENT
// =============================================================================

// StreamEvent is one discrete message unit emitted by the agent process.
type StreamEvent struct {
	Type      EventType `json:"type,omitempty"`
	Subtype   string    `json:"subtype,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Message   *Message  `json:"message,omitempty"`

	// Result events
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`

	// ToolUseResult is the structured prior-result some providers attach to
	// tool_result user events. When present it is preferred over best-effort
	// parsing of embedded text content.
	ToolUseResult json.RawMessage `json:"tool_use_result,omitempty"`

	// Meta events are synthetic transcript glue; only those carrying a leaf
	// marker are displayable.
	Meta bool `json:"meta,omitempty"`
	Leaf bool `json:"leaf,omitempty"`

	// Tag carries internal diagnostic labels (e.g. "debug").
	Tag string `json:"tag,omitempty"`

	// ReceivedAt is stamped locally on arrival; it is not a wire field.
	ReceivedAt time.Time `json:"-"`
}

// ErrEmptyPayload is returned for zero-length event payloads.
var ErrEmptyPayload = errors.New("empty event payload")

// Parse decodes a serialized StreamEvent and normalizes its type tag.
func Parse(data []byte) (*StreamEvent, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	var ev StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}

	ev.ReceivedAt = time.Now()
	ev.Normalize()
	return &ev, nil
}

// Normalize fills in a missing or unknown type tag using arrival heuristics:
// an init subtype always means a system event, a message role wins next, and
// a bare session_id with no other signal is treated as system bookkeeping.
// Everything else degrades to info rather than being rejected.
func (e *StreamEvent) Normalize() {
	if e.Type.Valid() {
		return
	}

	switch {
	case e.Subtype == SubtypeInit:
		e.Type = EventSystem
	case e.Message != nil && EventType(e.Message.Role).Valid():
		e.Type = EventType(e.Message.Role)
	case e.SessionID != "":
		e.Type = EventSystem
	default:
		e.Type = EventInfo
	}
}

// IsInit reports whether this is the system event announcing a session.
func (e *StreamEvent) IsInit() bool {
	return e.Type == EventSystem && e.Subtype == SubtypeInit
}

// IsDelta reports whether the event is a partial fragment of an in-progress
// assistant response: an assistant event with no finalizing usage whose
// content is text only. Delta events are buffered and coalesced rather than
// appended directly.
func (e *StreamEvent) IsDelta() bool {
	if e.Type != EventAssistant || e.Message == nil || e.Message.Usage != nil {
		return false
	}
	if len(e.Message.Content) == 0 {
		return false
	}
	for _, b := range e.Message.Content {
		if b.Type != BlockText {
			return false
		}
	}
	return true
}

// DeltaText returns the concatenated text of a delta fragment.
func (e *StreamEvent) DeltaText() string {
	if e.Message == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range e.Message.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Usage returns the finalizing usage statistic, or nil if none arrived.
func (e *StreamEvent) Usage() *Usage {
	if e.Message == nil {
		return nil
	}
	return e.Message.Usage
}

// Blocks returns the content blocks of the event message (nil-safe).
func (e *StreamEvent) Blocks() []ContentBlock {
	if e.Message == nil {
		return nil
	}
	return e.Message.Content
}
