// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger maintains the ordered in-memory transcript of one agent
// session: normalized event ingestion, delta coalescing, tool correlation
// and the displayable view filter.
package ledger

import (
	"log"
	"sync"
	"time"

	"github.com/RubinCarter/ropcode/internal/stream"
)

// MaxEntries is the maximum number of transcript entries to keep.
// When exceeded, the oldest entries are pruned to prevent unbounded memory
// growth. The open delta target is never pruned.
const MaxEntries = 1000

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// Entry is a StreamEvent placed in the ledger. An entry may be synthesized
// from coalesced delta fragments rather than a literal wire event.
//
// Lifecycle: created on arrival, mutated only while it is still the open
// delta target, frozen once a usage statistic arrives or a newer non-delta
// message appends behind it.
type Entry struct {
	Event       *stream.StreamEvent
	Synthesized bool
	AppendedAt  time.Time
}

// Frozen reports whether the entry may no longer be delta-merged.
func (e *Entry) Frozen() bool {
	return e.Event.Type != stream.EventAssistant || e.Event.Usage() != nil
}

// appendText merges delta text into the entry: appended to its last text
// block if present, else a new text block is created.
func (e *Entry) appendText(text string) {
	if text == "" {
		return
	}
	if e.Event.Message == nil {
		e.Event.Message = &stream.Message{Role: string(stream.EventAssistant)}
	}
	content := e.Event.Message.Content
	if n := len(content); n > 0 && content[n-1].Type == stream.BlockText {
		content[n-1].Text += text
		return
	}
	e.Event.Message.Content = append(content, stream.ContentBlock{
		Type: stream.BlockText,
		Text: text,
	})
}

// Text returns the concatenated text content of the entry.
func (e *Entry) Text() string {
	return e.Event.DeltaText()
}

// clone copies the entry deeply enough that later delta merges into the
// live entry cannot be observed through the copy. Frozen entries are never
// mutated and do not need cloning.
func (e *Entry) clone() *Entry {
	ev := *e.Event
	if e.Event.Message != nil {
		msg := *e.Event.Message
		msg.Content = append([]stream.ContentBlock(nil), e.Event.Message.Content...)
		ev.Message = &msg
	}
	return &Entry{Event: &ev, Synthesized: e.Synthesized, AppendedAt: e.AppendedAt}
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the append-only transcript for one project-path channel.
//
// The ledger is the single writer for its entry slice: every mutation
// funnels through Ingest/IngestEvent under one mutex. The only permitted
// mutation of past state is delta-merging into the most recent unfinished
// assistant entry.
type Ledger struct {
	mu      sync.Mutex
	entries []*Entry
	batcher *deltaBatcher

	maxEntries int

	// onChange is invoked (outside the lock) with a snapshot after every
	// mutation. The orchestrator uses it to recompute tool correlation and
	// trigger persistence.
	onChange func([]*Entry)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithFlushWindow overrides the bounded delta-flush window (default 50ms).
func WithFlushWindow(d time.Duration) Option {
	return func(l *Ledger) { l.batcher.window = d }
}

// WithMaxEntries overrides the transcript pruning cap.
func WithMaxEntries(n int) Option {
	return func(l *Ledger) { l.maxEntries = n }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		entries:    make([]*Entry, 0),
		maxEntries: MaxEntries,
	}
	l.batcher = newDeltaBatcher(l)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetOnChange registers the change callback. Must be called before ingestion
// starts; the callback receives a snapshot copy and may not mutate entries.
func (l *Ledger) SetOnChange(fn func([]*Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Close flushes any pending delta text and stops the flush timer.
func (l *Ledger) Close() {
	l.batcher.stop()
	l.mu.Lock()
	l.flushPendingLocked()
	l.mu.Unlock()
	l.notify()
}

// =============================================================================
// INGESTION
// =============================================================================

// Ingest decodes and applies a serialized event. Malformed payloads are
// logged, dropped, and reported; the ledger continues.
func (l *Ledger) Ingest(data []byte) error {
	ev, err := stream.Parse(data)
	if err != nil {
		log.Printf("WARNING: dropping malformed stream event: %v", err)
		return err
	}
	l.IngestEvent(ev)
	return nil
}

// IngestEvent applies a normalized event. Delta fragments are buffered for
// coalescing; everything else is appended after a synchronous flush of the
// buffer, so buffered text can never be reordered behind a later message.
func (l *Ledger) IngestEvent(ev *stream.StreamEvent) {
	if ev.IsDelta() {
		l.batcher.add(ev.DeltaText())
		return
	}

	l.mu.Lock()
	l.flushPendingLocked()
	l.applyCompleteLocked(ev)
	l.mu.Unlock()
	l.notify()
}

// applyCompleteLocked appends a non-delta event, merging trailing assistant
// state where the wire stream split one logical message across events.
func (l *Ledger) applyCompleteLocked(ev *stream.StreamEvent) {
	if ev.Type == stream.EventAssistant {
		if tail := l.tailLocked(); tail != nil && !tail.Frozen() {
			// Same logical assistant turn: fold content and the finalizing
			// usage into the open entry instead of appending a duplicate.
			for _, b := range ev.Blocks() {
				if b.Type == stream.BlockText {
					tail.appendText(b.Text)
				} else {
					tail.Event.Message.Content = append(tail.Event.Message.Content, b)
				}
			}
			if u := ev.Usage(); u != nil {
				if tail.Event.Message == nil {
					tail.Event.Message = &stream.Message{Role: string(stream.EventAssistant)}
				}
				tail.Event.Message.Usage = u
			}
			if ev.SessionID != "" {
				tail.Event.SessionID = ev.SessionID
			}
			return
		}
	}

	l.entries = append(l.entries, &Entry{Event: ev, AppendedAt: time.Now()})
	l.pruneLocked()
}

// flushPendingLocked merges buffered delta text into the trailing open
// assistant entry, or synthesizes a new one. Flushing an empty buffer is a
// no-op.
func (l *Ledger) flushPendingLocked() {
	text := l.batcher.takeLocked()
	if text == "" {
		return
	}

	if tail := l.tailLocked(); tail != nil && !tail.Frozen() {
		tail.appendText(text)
		return
	}

	// A finalized message is never mutated: start a fresh synthesized entry
	// even though the fragments were classified as delta.
	entry := &Entry{
		Event: &stream.StreamEvent{
			Type: stream.EventAssistant,
			Message: &stream.Message{
				Role:    string(stream.EventAssistant),
				Content: []stream.ContentBlock{{Type: stream.BlockText, Text: text}},
			},
		},
		Synthesized: true,
		AppendedAt:  time.Now(),
	}
	l.entries = append(l.entries, entry)
	l.pruneLocked()
}

// flushNow is the timer-driven flush path.
func (l *Ledger) flushNow() {
	l.mu.Lock()
	had := l.batcher.hasPendingLocked()
	l.flushPendingLocked()
	l.mu.Unlock()
	if had {
		l.notify()
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// Entries returns a snapshot copy of the transcript in arrival order.
func (l *Ledger) Entries() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Len returns the number of ledger entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Last returns the most recent entry, or nil if the ledger is empty.
func (l *Ledger) Last() *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	tail := l.tailLocked()
	if tail != nil && !tail.Frozen() {
		tail = tail.clone()
	}
	return tail
}

// Clear drops all entries and any buffered delta text.
func (l *Ledger) Clear() {
	l.mu.Lock()
	l.entries = make([]*Entry, 0)
	l.batcher.takeLocked()
	l.mu.Unlock()
	l.notify()
}

func (l *Ledger) tailLocked() *Entry {
	if len(l.entries) == 0 {
		return nil
	}
	return l.entries[len(l.entries)-1]
}

// snapshotLocked copies the entry slice and clones the open tail, so a
// snapshot never aliases state the next flush will mutate. Snapshot holders
// read without the ledger lock; they must see immutable entries.
func (l *Ledger) snapshotLocked() []*Entry {
	out := make([]*Entry, len(l.entries))
	copy(out, l.entries)
	if n := len(out); n > 0 && !out[n-1].Frozen() {
		out[n-1] = out[n-1].clone()
	}
	return out
}

func (l *Ledger) pruneLocked() {
	if l.maxEntries <= 0 || len(l.entries) <= l.maxEntries {
		return
	}
	excess := len(l.entries) - l.maxEntries
	l.entries = append([]*Entry(nil), l.entries[excess:]...)
}

func (l *Ledger) notify() {
	l.mu.Lock()
	fn := l.onChange
	var snap []*Entry
	if fn != nil {
		snap = l.snapshotLocked()
	}
	l.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
}
