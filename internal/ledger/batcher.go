// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger maintains the ordered in-memory transcript of one agent
// session.
//
// This file implements delta coalescing. High-frequency partial-text
// fragments are accumulated in a buffer and merged into the ledger's
// trailing assistant entry on a bounded flush window, so the render
// collaborator sees a handful of updates per second instead of one per
// token.
package ledger

import (
	"strings"
	"sync"
	"time"
)

// DefaultFlushWindow is the bounded coalescing window for delta fragments.
const DefaultFlushWindow = 50 * time.Millisecond

// =============================================================================
// DELTA BATCHER
// =============================================================================

// deltaBatcher accumulates delta text and schedules a single flush timer per
// burst. The buffer is drained on two paths: the timer firing, or a
// synchronous flush when a non-delta event arrives (which preserves original
// arrival order).
//
// The buffer itself is guarded by the owning ledger's mutex; only the timer
// bookkeeping has its own lock so that stop() cannot race a firing timer.
type deltaBatcher struct {
	ledger *Ledger
	window time.Duration

	buf strings.Builder // guarded by ledger.mu

	timerMu sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newDeltaBatcher(l *Ledger) *deltaBatcher {
	return &deltaBatcher{
		ledger: l,
		window: DefaultFlushWindow,
	}
}

// add buffers one fragment and arms the flush timer if it is not already
// pending.
func (b *deltaBatcher) add(text string) {
	if text == "" {
		return
	}

	b.ledger.mu.Lock()
	b.buf.WriteString(text)
	b.ledger.mu.Unlock()

	b.arm()
}

// arm schedules the flush timer for one window from now, unless a flush is
// already scheduled or the batcher has been stopped.
func (b *deltaBatcher) arm() {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()

	if b.stopped || b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(b.window, func() {
		b.timerMu.Lock()
		b.timer = nil
		b.timerMu.Unlock()
		b.ledger.flushNow()
	})
}

// stop cancels any pending flush timer. Buffered text is left for the owner
// to flush synchronously.
func (b *deltaBatcher) stop() {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()

	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// takeLocked drains and returns the buffered text. Caller must hold the
// ledger mutex.
func (b *deltaBatcher) takeLocked() string {
	if b.buf.Len() == 0 {
		return ""
	}
	text := b.buf.String()
	b.buf.Reset()
	return text
}

// hasPendingLocked reports whether any text is buffered. Caller must hold
// the ledger mutex.
func (b *deltaBatcher) hasPendingLocked() bool {
	return b.buf.Len() > 0
}
