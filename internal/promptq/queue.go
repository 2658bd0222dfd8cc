// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package promptq holds prompts submitted while the agent is busy and
// drains them one at a time when it goes idle.
//
// The invariant is single-flight: at most one prompt is in flight per
// project path, the rest wait in submission order. Draining is
// edge-triggered by the owner on the isLoading true->false transition; the
// queue itself never watches state.
package promptq

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSettleDelay is the pause between a confirmed-idle check and the
// actual dispatch, giving the backend a beat to finish tearing down the
// previous process.
const DefaultSettleDelay = 50 * time.Millisecond

// =============================================================================
// QUEUED PROMPT
// =============================================================================

// Prompt is one queued submission.
type Prompt struct {
	ID       string
	Text     string
	Model    string
	QueuedAt time.Time
}

// newPromptID generates a unique id: wall-clock millis plus a random
// suffix, so ids sort roughly by submission time but never collide.
func newPromptID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + uuid.NewString()[:8]
}

// =============================================================================
// QUEUE
// =============================================================================

// DispatchFunc submits the dequeued prompt to the backend. A returned error
// means the submission never reached the backend; the queue re-triggers the
// drain so later prompts are not stranded behind the failure.
type DispatchFunc func(p Prompt) error

// ConfirmFunc double-checks backend liveness; dispatch proceeds only on a
// confirmed-idle answer. Local state alone is never trusted.
type ConfirmFunc func(ctx context.Context) bool

// Queue is the FIFO prompt backlog for one project path. It is the single
// writer for its item slice; all mutation funnels through the exported
// methods under one mutex.
type Queue struct {
	mu    sync.Mutex
	items []Prompt

	// draining is the re-entrancy guard: a second drain trigger while one
	// dispatch is settling is a no-op.
	draining bool

	settleDelay time.Duration
	settleTimer *time.Timer

	dispatch DispatchFunc
	confirm  ConfirmFunc

	closed bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithSettleDelay overrides the pre-dispatch settle delay.
func WithSettleDelay(d time.Duration) Option {
	return func(q *Queue) { q.settleDelay = d }
}

// New creates an empty queue wired to its dispatch and confirmation
// callbacks.
func New(dispatch DispatchFunc, confirm ConfirmFunc, opts ...Option) *Queue {
	q := &Queue{
		items:       make([]Prompt, 0),
		settleDelay: DefaultSettleDelay,
		dispatch:    dispatch,
		confirm:     confirm,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Close cancels any pending settle timer. A prompt already dequeued but not
// yet dispatched is dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.settleTimer != nil {
		q.settleTimer.Stop()
		q.settleTimer = nil
	}
}

// =============================================================================
// QUEUE MUTATION
// =============================================================================

// Add appends a prompt and returns it with its generated id.
func (q *Queue) Add(text, model string) Prompt {
	p := Prompt{
		ID:       newPromptID(),
		Text:     text,
		Model:    model,
		QueuedAt: time.Now(),
	}

	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
	return p
}

// Remove deletes a queued prompt by id. Direct and synchronous.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.items {
		if p.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops all queued prompts. Direct and synchronous.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}

// =============================================================================
// QUEUE QUERIES
// =============================================================================

// Len returns the number of queued prompts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot copy in submission order.
func (q *Queue) Items() []Prompt {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Prompt, len(q.items))
	copy(out, q.items)
	return out
}

// =============================================================================
// DRAIN
// =============================================================================

// TryDispatch is the edge-triggered drain step. It fires on the owner's
// isLoading true->false transition and dispatches at most the head prompt:
// the guard is taken, backend idleness is double-checked, and the dispatch
// callback runs after the settle delay. The guard clears after dispatch, or
// immediately on a no-op or failed check.
//
// Returns true if a prompt was dequeued for dispatch.
func (q *Queue) TryDispatch(ctx context.Context) bool {
	q.mu.Lock()
	if q.closed || q.draining || len(q.items) == 0 {
		q.mu.Unlock()
		return false
	}
	q.draining = true
	q.mu.Unlock()

	// Do not trust local state alone: the backend may still be winding
	// down, or another trigger may have raced ahead.
	if !q.confirm(ctx) {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
		return false
	}

	q.mu.Lock()
	if q.closed || len(q.items) == 0 {
		q.draining = false
		q.mu.Unlock()
		return false
	}
	head := q.items[0]
	q.items = q.items[1:]
	dispatch := q.dispatch
	q.settleTimer = time.AfterFunc(q.settleDelay, func() {
		err := dispatch(head)

		q.mu.Lock()
		q.draining = false
		q.settleTimer = nil
		retry := err != nil && !q.closed && len(q.items) > 0
		q.mu.Unlock()

		// A failed dispatch consumed the idle edge without starting a run;
		// re-trigger so the rest of the backlog still drains.
		if retry {
			q.TryDispatch(ctx)
		}
	})
	q.mu.Unlock()
	return true
}
