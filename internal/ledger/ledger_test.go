// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ledger

import (
	"testing"
	"time"

	"github.com/RubinCarter/ropcode/internal/stream"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func mustParse(t *testing.T, payload string) *stream.StreamEvent {
	t.Helper()
	ev, err := stream.Parse([]byte(payload))
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", payload, err)
	}
	return ev
}

func deltaEvent(t *testing.T, text string) *stream.StreamEvent {
	t.Helper()
	return &stream.StreamEvent{
		Type: stream.EventAssistant,
		Message: &stream.Message{
			Role:    "assistant",
			Content: []stream.ContentBlock{{Type: stream.BlockText, Text: text}},
		},
	}
}

// =============================================================================
// DELTA COALESCING TESTS
// =============================================================================

// Covers the init/delta/delta/usage sequence: fragments coalesce into a
// single assistant entry whose final text is the concatenation in arrival
// order, finalized by the usage statistic.
func TestIngest_DeltaCoalescing(t *testing.T) {
	l := New()
	defer l.Close()

	l.IngestEvent(mustParse(t, `{"type":"system","subtype":"init","session_id":"S1"}`))
	l.IngestEvent(deltaEvent(t, "Hel"))
	l.IngestEvent(deltaEvent(t, "lo"))
	l.IngestEvent(mustParse(t, `{"type":"assistant","message":{"role":"assistant","usage":{"input_tokens":5,"output_tokens":2}}}`))

	entries := l.Entries()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}

	if !entries[0].Event.IsInit() || entries[0].Event.SessionID != "S1" {
		t.Errorf("entries[0] should be the init event for S1, got %+v", entries[0].Event)
	}

	tail := entries[1]
	if got := tail.Text(); got != "Hello" {
		t.Errorf("coalesced text = %q, want %q", got, "Hello")
	}
	u := tail.Event.Usage()
	if u == nil || u.InputTokens != 5 || u.OutputTokens != 2 {
		t.Errorf("usage = %+v, want {5 2}", u)
	}
	if !tail.Frozen() {
		t.Error("entry with usage should be frozen")
	}
}

func TestIngest_FragmentOrderPreserved(t *testing.T) {
	l := New()
	defer l.Close()

	fragments := []string{"a", "b", "c", "d", "e"}
	for _, f := range fragments {
		l.IngestEvent(deltaEvent(t, f))
	}
	l.IngestEvent(mustParse(t, `{"type":"user","message":{"role":"user","content":[{"type":"text","text":"next"}]}}`))

	entries := l.Entries()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if got := entries[0].Text(); got != "abcde" {
		t.Errorf("coalesced text = %q, want %q", got, "abcde")
	}
}

// A non-delta arrival must flush buffered fragments synchronously so text
// cannot be reordered behind the later message.
func TestIngest_FlushBeforeAppend(t *testing.T) {
	l := New(WithFlushWindow(time.Hour)) // timer never fires during the test
	defer l.Close()

	l.IngestEvent(deltaEvent(t, "partial"))
	l.IngestEvent(mustParse(t, `{"type":"system","session_id":"S1"}`))

	entries := l.Entries()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Event.Type != stream.EventAssistant || entries[0].Text() != "partial" {
		t.Errorf("entries[0] should be the flushed delta text, got %+v", entries[0].Event)
	}
	if entries[1].Event.Type != stream.EventSystem {
		t.Errorf("entries[1].Type = %q, want system", entries[1].Event.Type)
	}
}

func TestIngest_TimerFlush(t *testing.T) {
	l := New(WithFlushWindow(5 * time.Millisecond))
	defer l.Close()

	l.IngestEvent(deltaEvent(t, "tick"))

	deadline := time.Now().Add(time.Second)
	for l.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	entries := l.Entries()
	if len(entries) != 1 || entries[0].Text() != "tick" {
		t.Fatalf("timer flush produced %d entries, want 1 with text %q", len(entries), "tick")
	}
	if !entries[0].Synthesized {
		t.Error("timer-flushed entry should be marked synthesized")
	}
}

func TestFlush_EmptyBufferIsNoop(t *testing.T) {
	l := New()
	defer l.Close()

	changes := 0
	l.SetOnChange(func([]*Entry) { changes++ })

	l.flushNow()
	l.flushNow()

	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
	if changes != 0 {
		t.Errorf("onChange fired %d times for empty flushes, want 0", changes)
	}
}

// A finalized message is never mutated: new delta text after a usage opens a
// fresh synthesized entry.
func TestIngest_FrozenTailNotMutated(t *testing.T) {
	l := New()
	defer l.Close()

	l.IngestEvent(mustParse(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"done"}],"usage":{"input_tokens":1,"output_tokens":1}}}`))
	l.IngestEvent(deltaEvent(t, "fresh"))
	l.IngestEvent(mustParse(t, `{"type":"system","session_id":"S9"}`))

	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if got := entries[0].Text(); got != "done" {
		t.Errorf("frozen entry text = %q, want %q (must not be mutated)", got, "done")
	}
	if got := entries[1].Text(); got != "fresh" {
		t.Errorf("new entry text = %q, want %q", got, "fresh")
	}
}

// =============================================================================
// INGEST ERROR TESTS
// =============================================================================

func TestIngest_MalformedPayloadDropped(t *testing.T) {
	l := New()
	defer l.Close()

	if err := l.Ingest([]byte(`{broken`)); err == nil {
		t.Error("Ingest() should report malformed payload")
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d after malformed payload, want 0", l.Len())
	}

	// The ledger continues accepting events afterwards.
	if err := l.Ingest([]byte(`{"type":"system","session_id":"S1"}`)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

// =============================================================================
// APPEND AND PRUNE TESTS
// =============================================================================

func TestIngest_AssistantToolUseMergesIntoOpenTail(t *testing.T) {
	l := New()
	defer l.Close()

	l.IngestEvent(deltaEvent(t, "let me check"))
	l.IngestEvent(mustParse(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`))

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1 (tool_use folds into open turn)", len(entries))
	}
	blocks := entries[0].Event.Blocks()
	if len(blocks) != 2 || blocks[0].Type != stream.BlockText || blocks[1].Type != stream.BlockToolUse {
		t.Errorf("blocks = %+v, want [text tool_use]", blocks)
	}
}

func TestPrune_CapsEntries(t *testing.T) {
	l := New(WithMaxEntries(10))
	defer l.Close()

	for i := 0; i < 25; i++ {
		l.IngestEvent(mustParse(t, `{"type":"system","session_id":"S1"}`))
	}

	if got := l.Len(); got != 10 {
		t.Errorf("Len() = %d, want 10", got)
	}
}

// =============================================================================
// SNAPSHOT ISOLATION TESTS
// =============================================================================

// A snapshot taken mid-stream must not change when later fragments merge
// into the open tail.
func TestEntries_SnapshotIsolatedFromLaterDeltas(t *testing.T) {
	l := New(WithFlushWindow(time.Hour))
	defer l.Close()

	l.IngestEvent(deltaEvent(t, "Hel"))
	l.flushNow()
	snap := l.Entries()

	l.IngestEvent(deltaEvent(t, "lo"))
	l.flushNow()

	if got := snap[0].Text(); got != "Hel" {
		t.Errorf("earlier snapshot text = %q, want %q (snapshot must be immutable)", got, "Hel")
	}
	if got := l.Entries()[0].Text(); got != "Hello" {
		t.Errorf("live text = %q, want %q", got, "Hello")
	}
}

// Reads of a snapshot race the timer-driven flush into the open tail; run
// with -race to catch any aliasing between the two.
func TestEntries_ConcurrentReadsDuringStreaming(t *testing.T) {
	l := New(WithFlushWindow(time.Millisecond))
	defer l.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			l.IngestEvent(deltaEvent(t, "x"))
			time.Sleep(100 * time.Microsecond)
		}
	}()

	for {
		for _, e := range l.Entries() {
			_ = e.Text()
		}
		if last := l.Last(); last != nil {
			_ = last.Text()
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

func TestOnChange_FiresWithSnapshot(t *testing.T) {
	l := New()
	defer l.Close()

	var lastLen int
	l.SetOnChange(func(snap []*Entry) { lastLen = len(snap) })

	l.IngestEvent(mustParse(t, `{"type":"system","session_id":"S1"}`))
	if lastLen != 1 {
		t.Errorf("onChange snapshot length = %d, want 1", lastLen)
	}
}
