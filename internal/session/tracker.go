// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session tracks the identity of the active agent session for one
// project path and keeps its durable pointer current.
//
// Identity arrives on init events. Repeated inits carrying the same id are
// absorbed silently; an actual id change schedules a debounced notification
// so a burst of session churn collapses into one downstream reconcile.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/RubinCarter/ropcode/internal/backend"
	"github.com/RubinCarter/ropcode/internal/store"
	"github.com/RubinCarter/ropcode/internal/stream"
)

// DefaultDebounce is how long a session id change is held before the change
// callback fires. Further changes inside the window re-arm the timer.
const DefaultDebounce = 100 * time.Millisecond

// Tracker owns session identity for one project path.
type Tracker struct {
	mu        sync.Mutex
	sessionID string
	projectID string

	projectPath string
	provider    string
	store       *store.Store

	debounce      time.Duration
	debounceTimer *time.Timer

	// onChange fires debounced, outside the lock, after the session id
	// settles on a new value.
	onChange func(sessionID string)

	closed bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithDebounce overrides the id-change debounce window.
func WithDebounce(d time.Duration) Option {
	return func(t *Tracker) { t.debounce = d }
}

// New creates a tracker with no active session. st may be nil, in which case
// pointers are tracked in memory only.
func New(projectPath, provider string, st *store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		projectPath: projectPath,
		provider:    provider,
		store:       st,
		debounce:    DefaultDebounce,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetOnChange registers the debounced id-change callback. Must be set before
// the first ObserveInit.
func (t *Tracker) SetOnChange(fn func(sessionID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Close stops any pending debounce timer.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
		t.debounceTimer = nil
	}
}

// SessionID returns the current session id, or "" before the first init.
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// =============================================================================
// OBSERVATIONS
// =============================================================================

// ObserveInit folds a session init event into the tracked identity. An init
// repeating the current id is a no-op; a changed id re-arms the debounce
// timer and persists the new pointer.
func (t *Tracker) ObserveInit(ctx context.Context, ev *stream.StreamEvent) {
	if !ev.IsInit() || ev.SessionID == "" {
		return
	}

	t.mu.Lock()
	if t.closed || ev.SessionID == t.sessionID {
		t.mu.Unlock()
		return
	}
	t.sessionID = ev.SessionID
	id := t.sessionID

	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
	}
	fn := t.onChange
	if fn != nil {
		t.debounceTimer = time.AfterFunc(t.debounce, func() {
			t.mu.Lock()
			stale := t.closed || t.sessionID != id
			t.mu.Unlock()
			if !stale {
				fn(id)
			}
		})
	}
	t.mu.Unlock()

	t.persist(ctx, id, 0)
}

// ObserveAssistant refreshes the durable pointer after an assistant message
// lands. messageCount is the current ledger length.
func (t *Tracker) ObserveAssistant(ctx context.Context, messageCount int) {
	t.mu.Lock()
	id := t.sessionID
	t.mu.Unlock()
	if id == "" {
		return
	}
	t.persist(ctx, id, messageCount)
}

// persist writes the session pointer. Persistence failures are logged, never
// surfaced: losing a pointer update must not disturb the live stream.
func (t *Tracker) persist(ctx context.Context, sessionID string, messageCount int) {
	if t.store == nil {
		return
	}
	ptr := store.SessionPointer{
		SessionID:    sessionID,
		ProjectID:    t.projectID,
		ProjectPath:  t.projectPath,
		Provider:     t.provider,
		MessageCount: messageCount,
		Timestamp:    time.Now(),
	}
	if err := t.store.Save(ctx, ptr); err != nil {
		log.Printf("WARNING: failed to persist session pointer %s: %v", sessionID, err)
	}
}

// =============================================================================
// RESTORATION
// =============================================================================

// Restore looks up the most recent session pointer for this tracker's
// (projectPath, provider) pair and loads its transcript from the backend.
// store.ErrSessionNotFound means there is nothing to restore.
func (t *Tracker) Restore(ctx context.Context, mgr backend.Manager) (*store.SessionPointer, []*stream.StreamEvent, error) {
	if t.store == nil {
		return nil, nil, store.ErrSessionNotFound
	}
	ptr, err := t.store.Latest(ctx, t.projectPath, t.provider)
	if err != nil {
		return nil, nil, err
	}

	events, err := mgr.LoadHistory(ctx, ptr.SessionID, ptr.ProjectID, ptr.Provider)
	if err != nil {
		return nil, nil, err
	}

	t.mu.Lock()
	t.sessionID = ptr.SessionID
	t.projectID = ptr.ProjectID
	t.mu.Unlock()
	return ptr, events, nil
}
