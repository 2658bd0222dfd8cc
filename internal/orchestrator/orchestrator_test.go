// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RubinCarter/ropcode/internal/bus"
	"github.com/RubinCarter/ropcode/internal/promptq"
	"github.com/RubinCarter/ropcode/internal/runstate"
	"github.com/RubinCarter/ropcode/internal/session"
	"github.com/RubinCarter/ropcode/internal/store"
	"github.com/RubinCarter/ropcode/internal/stream"
)

const testProject = "/work/proj"

// =============================================================================
// FAKE BACKEND
// =============================================================================

type fakeManager struct {
	mu        sync.Mutex
	running   bool
	submitErr error

	submits         []string
	resumes         []string
	resumeProviders []string
	cancels         int
	history         []*stream.StreamEvent
}

func (f *fakeManager) setRunning(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = v
}

func (f *fakeManager) SubmitNewSession(_ context.Context, _, prompt, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submits = append(f.submits, prompt)
	return nil
}

func (f *fakeManager) ResumeSession(_ context.Context, _, _, prompt, _, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.resumes = append(f.resumes, prompt)
	f.resumeProviders = append(f.resumeProviders, provider)
	return nil
}

func (f *fakeManager) CancelSession(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeManager) QueryIsRunning(context.Context, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeManager) LoadHistory(context.Context, string, string, string) ([]*stream.StreamEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeManager) got() (submits, resumes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submits...), append([]string(nil), f.resumes...)
}

// =============================================================================
// HELPERS
// =============================================================================

func newTestOrch(t *testing.T, mgr *fakeManager, st *store.Store) (*Orchestrator, *bus.Bus) {
	t.Helper()
	b := bus.New()
	o := New(Config{
		ProjectPath:  testProject,
		Provider:     "claude",
		RunstateOpts: []runstate.Option{runstate.WithPendingTimeout(20 * time.Millisecond), runstate.WithPollInterval(time.Hour)},
		QueueOpts:    []promptq.Option{promptq.WithSettleDelay(time.Millisecond)},
		SessionOpts:  []session.Option{session.WithDebounce(time.Millisecond)},
	}, b, mgr, st)
	t.Cleanup(func() {
		o.Close()
		b.Close()
	})
	return o, b
}

func publish(b *bus.Bus, kind bus.Kind, payload string) {
	b.Publish(bus.Channel(kind, testProject), []byte(payload))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

const initPayload = `{"type":"system","subtype":"init","session_id":"S1"}`

// =============================================================================
// SUBMISSION TESTS
// =============================================================================

func TestSubmit_IdleDispatchesImmediately(t *testing.T) {
	mgr := &fakeManager{}
	o, _ := newTestOrch(t, mgr, nil)

	p, err := o.Submit(context.Background(), "hello", "")
	require.NoError(t, err)
	require.Nil(t, p, "idle submit must dispatch, not queue")

	submits, _ := mgr.got()
	require.Equal(t, []string{"hello"}, submits)
	require.NotEqual(t, runstate.PhaseIdle, o.State().Phase)
}

func TestSubmit_KnownSessionResumes(t *testing.T) {
	mgr := &fakeManager{}
	o, b := newTestOrch(t, mgr, nil)

	publish(b, bus.KindOutput, initPayload)
	waitFor(t, "session id", func() bool { return o.SessionID() == "S1" })

	mgr.setRunning(false)
	publish(b, bus.KindComplete, "true")
	waitFor(t, "idle", func() bool { return o.State().Phase == runstate.PhaseIdle })

	_, err := o.Submit(context.Background(), "continue", "")
	require.NoError(t, err)

	submits, resumes := mgr.got()
	require.Empty(t, submits)
	require.Equal(t, []string{"continue"}, resumes)

	mgr.mu.Lock()
	providers := append([]string(nil), mgr.resumeProviders...)
	mgr.mu.Unlock()
	require.Equal(t, []string{"claude"}, providers, "resume must carry the configured provider")
}

func TestSubmit_PromptAppearsInTranscript(t *testing.T) {
	mgr := &fakeManager{}
	o, _ := newTestOrch(t, mgr, nil)

	_, err := o.Submit(context.Background(), "show me", "")
	require.NoError(t, err)

	view := o.View()
	require.Len(t, view.Entries, 1)
	require.Equal(t, stream.EventUser, view.Entries[0].Event.Type)
	require.Equal(t, "show me", view.Entries[0].Event.DeltaText())
}

func TestSubmit_FailureSynthesizesErrorAndRevertsToIdle(t *testing.T) {
	mgr := &fakeManager{submitErr: errors.New("spawn refused")}
	o, _ := newTestOrch(t, mgr, nil)

	_, err := o.Submit(context.Background(), "doomed", "")
	require.Error(t, err)
	require.Equal(t, runstate.PhaseIdle, o.State().Phase)

	var errEntry bool
	for _, e := range o.View().Entries {
		if e.Event.Type == stream.EventError && strings.Contains(e.Event.DeltaText(), "spawn refused") {
			errEntry = true
		}
	}
	require.True(t, errEntry, "failed submission must leave an error entry")
}

// =============================================================================
// QUEUE DRAIN TESTS
// =============================================================================

// A prompt submitted while a run is in flight waits in the queue and
// dispatches exactly once when the completion signal flips the state idle.
func TestSubmit_BusyQueuesAndDrainsOnIdleEdge(t *testing.T) {
	mgr := &fakeManager{running: true}
	o, b := newTestOrch(t, mgr, nil)

	_, err := o.Submit(context.Background(), "first", "")
	require.NoError(t, err)
	publish(b, bus.KindOutput, initPayload)
	waitFor(t, "running", func() bool { return o.State().Phase == runstate.PhaseRunning })

	p, err := o.Submit(context.Background(), "second", "")
	require.NoError(t, err)
	require.NotNil(t, p, "busy submit must queue")
	require.Len(t, o.View().Queued, 1)

	mgr.setRunning(false)
	publish(b, bus.KindComplete, "true")

	waitFor(t, "queued prompt dispatch", func() bool {
		_, resumes := mgr.got()
		return len(resumes) == 1
	})
	_, resumes := mgr.got()
	require.Equal(t, []string{"second"}, resumes)
	require.Empty(t, o.View().Queued)
}

func TestRemoveQueuedAndClearQueue(t *testing.T) {
	mgr := &fakeManager{running: true}
	o, b := newTestOrch(t, mgr, nil)

	publish(b, bus.KindOutput, initPayload)
	waitFor(t, "running", func() bool { return o.State().Phase == runstate.PhaseRunning })

	p1, _ := o.Submit(context.Background(), "a", "")
	o.Submit(context.Background(), "b", "")
	o.Submit(context.Background(), "c", "")
	require.Len(t, o.View().Queued, 3)

	require.True(t, o.RemoveQueued(p1.ID))
	require.Len(t, o.View().Queued, 2)

	o.ClearQueue()
	require.Empty(t, o.View().Queued)
}

// =============================================================================
// STREAM PIPELINE TESTS
// =============================================================================

func TestOutputChannel_FeedsTranscript(t *testing.T) {
	mgr := &fakeManager{}
	o, b := newTestOrch(t, mgr, nil)

	publish(b, bus.KindOutput, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hel"}]}}`)
	publish(b, bus.KindOutput, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"lo"}]}}`)
	publish(b, bus.KindOutput, `{"type":"assistant","message":{"role":"assistant","content":[],"usage":{"input_tokens":1,"output_tokens":2}}}`)

	waitFor(t, "coalesced assistant entry", func() bool {
		entries := o.View().Entries
		return len(entries) == 1 && entries[0].Event.DeltaText() == "Hello" && entries[0].Frozen()
	})
}

func TestErrorChannel_SynthesizesErrorEntry(t *testing.T) {
	mgr := &fakeManager{}
	o, b := newTestOrch(t, mgr, nil)

	publish(b, bus.KindError, "agent exploded")

	waitFor(t, "error entry", func() bool {
		for _, e := range o.View().Entries {
			if e.Event.Type == stream.EventError && e.Event.DeltaText() == "agent exploded" {
				return true
			}
		}
		return false
	})
}

func TestView_FiltersStderrNoise(t *testing.T) {
	mgr := &fakeManager{}
	o, b := newTestOrch(t, mgr, nil)

	publish(b, bus.KindOutput, `{"type":"info","subtype":"stderr"}`)
	publish(b, bus.KindOutput, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"kept"}],"usage":{"input_tokens":1,"output_tokens":1}}}`)

	waitFor(t, "filtered view", func() bool {
		entries := o.View().Entries
		return len(entries) == 1 && entries[0].Event.DeltaText() == "kept"
	})
}

func TestMalformedOutput_DroppedStreamContinues(t *testing.T) {
	mgr := &fakeManager{}
	o, b := newTestOrch(t, mgr, nil)

	publish(b, bus.KindOutput, `{garbage`)
	publish(b, bus.KindOutput, `{"type":"result","result":"done"}`)

	waitFor(t, "result entry", func() bool {
		entries := o.View().Entries
		return len(entries) == 1 && entries[0].Event.Type == stream.EventResult
	})
}

// =============================================================================
// CANCELLATION TESTS
// =============================================================================

// Cancel exits the running state locally without waiting for the backend;
// the cancelled signal arriving afterwards is absorbed without a second
// transition or extra ledger entries.
func TestCancel_OptimisticallyIdlesBeforeSignal(t *testing.T) {
	mgr := &fakeManager{running: true}
	o, b := newTestOrch(t, mgr, nil)

	publish(b, bus.KindOutput, initPayload)
	waitFor(t, "running", func() bool { return o.State().Phase == runstate.PhaseRunning })
	before := len(o.View().Entries)

	require.NoError(t, o.Cancel(context.Background()))
	require.Equal(t, runstate.PhaseIdle, o.State().Phase)

	mgr.setRunning(false)
	publish(b, bus.KindCancelled, "true")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, runstate.PhaseIdle, o.State().Phase)
	require.Len(t, o.View().Entries, before, "cancel must not append ledger entries")
}

func TestErrorChannel_PrefersStructuredMessage(t *testing.T) {
	mgr := &fakeManager{}
	o, b := newTestOrch(t, mgr, nil)

	publish(b, bus.KindError, `{"message":"rate limited"}`)

	waitFor(t, "structured error entry", func() bool {
		for _, e := range o.View().Entries {
			if e.Event.Type == stream.EventError && e.Event.DeltaText() == "rate limited" {
				return true
			}
		}
		return false
	})
}

// =============================================================================
// RESTORATION TESTS
// =============================================================================

func TestRestore_RebuildsTranscriptFromPointer(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.Save(context.Background(), store.SessionPointer{
		SessionID: "S9", ProjectPath: testProject, Provider: "claude",
	}))

	mgr := &fakeManager{history: []*stream.StreamEvent{
		{Type: stream.EventSystem, Subtype: stream.SubtypeInit, SessionID: "S9"},
		{Type: stream.EventAssistant, Message: &stream.Message{
			Role:    "assistant",
			Content: []stream.ContentBlock{{Type: stream.BlockText, Text: "welcome back"}},
			Usage:   &stream.Usage{InputTokens: 1, OutputTokens: 2},
		}},
	}}
	o, _ := newTestOrch(t, mgr, st)

	require.NoError(t, o.Restore(context.Background()))
	require.Equal(t, "S9", o.SessionID())

	entries := o.View().Entries
	require.Len(t, entries, 2)
	require.Equal(t, "welcome back", entries[1].Event.DeltaText())
}

func TestRestore_NothingPersistedIsNoOp(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr := &fakeManager{}
	o, _ := newTestOrch(t, mgr, st)

	require.NoError(t, o.Restore(context.Background()))
	require.Empty(t, o.View().Entries)
	require.Equal(t, "", o.SessionID())
}
