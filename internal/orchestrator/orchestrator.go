// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator owns the session stream pipeline for one project
// path: it subscribes to the agent event channels, feeds the transcript
// ledger, tracks session identity, reconciles process state and drains the
// prompt queue on the busy->idle edge.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/RubinCarter/ropcode/internal/backend"
	"github.com/RubinCarter/ropcode/internal/bus"
	"github.com/RubinCarter/ropcode/internal/ledger"
	"github.com/RubinCarter/ropcode/internal/promptq"
	"github.com/RubinCarter/ropcode/internal/runstate"
	"github.com/RubinCarter/ropcode/internal/session"
	"github.com/RubinCarter/ropcode/internal/store"
	"github.com/RubinCarter/ropcode/internal/stream"
)

// =============================================================================
// CONFIG
// =============================================================================

// Config carries the per-project wiring parameters.
type Config struct {
	ProjectPath string
	Provider    string
	APIConfigID string

	// AgentOutputTool overrides the tool name carrying nested sub-agent
	// output ("" uses the default).
	AgentOutputTool string

	// Widgets is the allow-list for the displayable view filter (nil uses
	// the default set).
	Widgets ledger.AllowList

	// Component options, mainly shortened timings for tests.
	LedgerOpts   []ledger.Option
	QueueOpts    []promptq.Option
	RunstateOpts []runstate.Option
	SessionOpts  []session.Option
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator is the per-project session pipeline. One instance exists per
// open project path; all its collaborators are private to it.
type Orchestrator struct {
	cfg Config
	bus *bus.Bus
	mgr backend.Manager

	ledger  *ledger.Ledger
	queue   *promptq.Queue
	state   *runstate.Synchronizer
	tracker *session.Tracker

	subs []*bus.Subscription

	mu    sync.Mutex
	index *ledger.Index

	// onUpdate pokes the render collaborator after any transcript or phase
	// change. It receives no payload; the renderer pulls a fresh view.
	onUpdate func()

	closed bool
}

// New wires an orchestrator onto the bus and backend. st may be nil to
// disable session persistence.
func New(cfg Config, b *bus.Bus, mgr backend.Manager, st *store.Store) *Orchestrator {
	if cfg.Widgets == nil {
		cfg.Widgets = ledger.DefaultAllowList()
	}

	o := &Orchestrator{
		cfg:    cfg,
		bus:    b,
		mgr:    mgr,
		ledger: ledger.New(cfg.LedgerOpts...),
		index:  ledger.BuildIndex(nil, cfg.AgentOutputTool),
	}

	o.tracker = session.New(cfg.ProjectPath, cfg.Provider, st, cfg.SessionOpts...)
	o.state = runstate.New(cfg.ProjectPath, cfg.Provider, mgr.QueryIsRunning, cfg.RunstateOpts...)
	o.queue = promptq.New(o.dispatchQueued, o.state.ConfirmIdle, cfg.QueueOpts...)

	o.ledger.SetOnChange(o.ledgerChanged)
	o.state.SetOnTransition(o.phaseChanged)
	o.tracker.SetOnChange(o.sessionChanged)

	o.subs = []*bus.Subscription{
		b.Subscribe(bus.Channel(bus.KindOutput, cfg.ProjectPath), o.handleOutput),
		b.Subscribe(bus.Channel(bus.KindError, cfg.ProjectPath), o.handleError),
		b.Subscribe(bus.Channel(bus.KindComplete, cfg.ProjectPath), o.handleStopped),
		b.Subscribe(bus.Channel(bus.KindCancelled, cfg.ProjectPath), o.handleStopped),
	}
	return o
}

// SetOnUpdate registers the render notification callback. Must be set before
// events start flowing.
func (o *Orchestrator) SetOnUpdate(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onUpdate = fn
}

// Close tears the pipeline down in dependency order: unsubscribe first so no
// new events arrive, then stop the queue, state machine and ledger timers.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	for _, sub := range o.subs {
		sub.Cancel()
	}
	o.queue.Close()
	o.state.Close()
	o.tracker.Close()
	o.ledger.Close()
}

// =============================================================================
// BUS HANDLERS
// =============================================================================

// handleOutput is the output-channel handler: parse, observe identity, and
// hand the event to the ledger. Malformed payloads are dropped with a
// warning and the stream continues.
func (o *Orchestrator) handleOutput(payload []byte) {
	ev, err := stream.Parse(payload)
	if err != nil {
		log.Printf("WARNING: dropping malformed stream event on %s: %v", o.cfg.ProjectPath, err)
		return
	}

	if ev.IsInit() {
		o.tracker.ObserveInit(context.Background(), ev)
		o.state.ObserveInit()
	}

	o.ledger.IngestEvent(ev)
}

// handleError synthesizes an error transcript entry from an error-channel
// payload: a serialized error object when it parses, the raw string
// otherwise. Errors do not stop the run; the terminal signal still arrives
// on the complete or cancelled channel.
func (o *Orchestrator) handleError(payload []byte) {
	text := string(payload)
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil {
		if obj.Message != "" {
			text = obj.Message
		} else if obj.Error != "" {
			text = obj.Error
		}
	}
	o.ledger.IngestEvent(errorEvent(text))
}

func (o *Orchestrator) handleStopped([]byte) {
	o.state.ObserveStopped()
}

// errorEvent wraps raw error text in an error-typed event carrying a single
// text block.
func errorEvent(text string) *stream.StreamEvent {
	return &stream.StreamEvent{
		Type:    stream.EventError,
		IsError: true,
		Message: &stream.Message{
			Content: []stream.ContentBlock{{Type: stream.BlockText, Text: text}},
		},
	}
}

// =============================================================================
// CALLBACKS
// =============================================================================

// ledgerChanged recomputes the tool index from the fresh snapshot, refreshes
// the session pointer when an assistant message finalized, and pokes the
// renderer.
func (o *Orchestrator) ledgerChanged(entries []*ledger.Entry) {
	idx := ledger.BuildIndex(entries, o.cfg.AgentOutputTool)

	o.mu.Lock()
	o.index = idx
	o.mu.Unlock()

	if n := len(entries); n > 0 {
		tail := entries[n-1]
		if tail.Event.Type == stream.EventAssistant && tail.Frozen() {
			o.tracker.ObserveAssistant(context.Background(), n)
		}
	}

	o.notifyUpdate()
}

// phaseChanged drains the prompt queue on the busy->idle edge and pokes the
// renderer on every edge.
func (o *Orchestrator) phaseChanged(from, to runstate.Phase) {
	if to == runstate.PhaseIdle {
		o.queue.TryDispatch(context.Background())
	}
	o.notifyUpdate()
}

// sessionChanged fires debounced after the session id settles on a new
// value; the belief may be stale across an identity change, so re-verify.
func (o *Orchestrator) sessionChanged(string) {
	o.state.Reconcile(context.Background())
}

func (o *Orchestrator) notifyUpdate() {
	o.mu.Lock()
	fn := o.onUpdate
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Submit sends a prompt, or queues it when a run is already in flight.
// Returns the queued prompt when it was enqueued rather than dispatched.
func (o *Orchestrator) Submit(ctx context.Context, text, model string) (*promptq.Prompt, error) {
	if o.state.Phase() == runstate.PhaseIdle && o.queue.Len() == 0 {
		return nil, o.dispatch(ctx, text, model)
	}

	p := o.queue.Add(text, model)
	// The phase may have flipped to idle between the check and the enqueue;
	// an extra drain trigger is harmless, the guard absorbs it.
	if o.state.Phase() == runstate.PhaseIdle {
		o.queue.TryDispatch(ctx)
	}
	return &p, nil
}

// dispatch performs the actual backend submission. New sessions and resumes
// share the same failure handling: a synthesized error entry, and the state
// forced back to idle so the pending-send guard never wedges the pipeline.
func (o *Orchestrator) dispatch(ctx context.Context, text, model string) error {
	o.state.BeginSend()
	o.ledger.IngestEvent(&stream.StreamEvent{
		Type: stream.EventUser,
		Message: &stream.Message{
			Role:    string(stream.EventUser),
			Content: []stream.ContentBlock{{Type: stream.BlockText, Text: text}},
		},
	})

	var err error
	if sessionID := o.tracker.SessionID(); sessionID != "" {
		err = o.mgr.ResumeSession(ctx, o.cfg.ProjectPath, sessionID, text, model, o.cfg.Provider)
	} else {
		err = o.mgr.SubmitNewSession(ctx, o.cfg.ProjectPath, text, model, o.cfg.Provider, o.cfg.APIConfigID)
	}
	if err != nil {
		log.Printf("WARNING: prompt submission failed for %s: %v", o.cfg.ProjectPath, err)
		o.ledger.IngestEvent(errorEvent("submission failed: " + err.Error()))
		o.state.ObserveStopped()
		return err
	}
	return nil
}

// dispatchQueued is the queue's dispatch callback. Failures are reported
// back so the queue re-triggers the drain for the rest of the backlog.
func (o *Orchestrator) dispatchQueued(p promptq.Prompt) error {
	return o.dispatch(context.Background(), p.Text, p.Model)
}

// Cancel stops the running agent process and optimistically forces the
// local state to idle. The cancelled signal arriving later (or a racing
// completion) collapses into the same single transition; a failed backend
// cancel is logged but still exits the running state locally.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	err := o.mgr.CancelSession(ctx, o.cfg.ProjectPath)
	if err != nil {
		log.Printf("WARNING: cancel failed for %s: %v", o.cfg.ProjectPath, err)
	}
	o.state.ObserveStopped()
	return err
}

// Restore rebuilds the transcript from the most recent persisted session for
// this project path. A missing pointer is not an error; there is simply
// nothing to restore.
func (o *Orchestrator) Restore(ctx context.Context) error {
	ptr, events, err := o.tracker.Restore(ctx, o.mgr)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil
		}
		return err
	}

	o.ledger.Clear()
	for _, ev := range events {
		o.ledger.IngestEvent(ev)
	}
	log.Printf("restored session %s (%d events)", ptr.SessionID, len(events))

	o.state.Reconcile(ctx)
	return nil
}

// RemoveQueued deletes a queued prompt by id.
func (o *Orchestrator) RemoveQueued(id string) bool {
	return o.queue.Remove(id)
}

// ClearQueue drops all queued prompts.
func (o *Orchestrator) ClearQueue() {
	o.queue.Clear()
}

// =============================================================================
// VIEWS
// =============================================================================

// View is a render-ready snapshot of the pipeline.
type View struct {
	Entries []*ledger.Entry
	Index   *ledger.Index
	State   runstate.State
	Queued  []promptq.Prompt
}

// View returns the displayable transcript plus the current process state and
// queue backlog.
func (o *Orchestrator) View() View {
	entries := o.ledger.Entries()

	o.mu.Lock()
	idx := o.index
	o.mu.Unlock()

	return View{
		Entries: ledger.Displayable(entries, idx, o.cfg.Widgets),
		Index:   idx,
		State:   o.state.Snapshot(),
		Queued:  o.queue.Items(),
	}
}

// SessionID returns the active session id, or "" before the first init.
func (o *Orchestrator) SessionID() string {
	return o.tracker.SessionID()
}

// State returns the transient process snapshot.
func (o *Orchestrator) State() runstate.State {
	return o.state.Snapshot()
}
