// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runstate reconciles the local belief about whether an agent
// process is running against authoritative backend state.
//
// The belief is a three-phase machine:
//
//	IDLE -> (submit) -> PENDING_SEND -> (init event or ~500ms timeout) ->
//	RUNNING -> (complete | cancel | error) -> IDLE
//
// While PENDING_SEND, liveness polling is suppressed: the backend may not
// have registered the new process yet, and a stale "not running" read would
// prematurely revert the state to idle. While RUNNING, a fallback poll
// re-queries backend liveness to reconcile against dropped completion or
// cancellation events.
package runstate

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// =============================================================================
// PHASES
// =============================================================================

// Phase is one state of the process belief machine.
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhasePendingSend Phase = "PENDING_SEND"
	PhaseRunning     Phase = "RUNNING"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// State is the transient process snapshot. It is never persisted.
type State struct {
	Phase            Phase
	IsLoading        bool
	IsPendingSend    bool
	HasActiveSession bool
}

// Defaults for the guard timeout and the fallback poll interval.
const (
	DefaultPendingTimeout = 500 * time.Millisecond
	DefaultPollInterval   = 200 * time.Millisecond
)

// LivenessFunc queries authoritative backend state for one project path.
type LivenessFunc func(ctx context.Context, projectPath, provider string) (bool, error)

// =============================================================================
// SYNCHRONIZER
// =============================================================================

// Synchronizer owns the process belief for one project path.
//
// All transitions funnel through one internal setter, so observers see each
// edge exactly once; racing completion events and optimistic cancels
// converge to a single IDLE transition.
type Synchronizer struct {
	mu    sync.Mutex
	phase Phase

	projectPath string
	provider    string
	query       LivenessFunc

	pendingTimeout time.Duration
	pollInterval   time.Duration

	pendingTimer *time.Timer

	// onTransition fires outside the lock on every phase edge.
	onTransition func(from, to Phase)

	// Concurrent reconciles collapse into one backend query, paced so the
	// fallback poll cannot stampede the backend.
	group   singleflight.Group
	limiter *rate.Limiter

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	closed     bool
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithPendingTimeout overrides the pending-send guard timeout.
func WithPendingTimeout(d time.Duration) Option {
	return func(s *Synchronizer) { s.pendingTimeout = d }
}

// WithPollInterval overrides the fallback liveness poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Synchronizer) { s.pollInterval = d }
}

// New creates a synchronizer in IDLE for one project path.
func New(projectPath, provider string, query LivenessFunc, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		phase:          PhaseIdle,
		projectPath:    projectPath,
		provider:       provider,
		query:          query,
		pendingTimeout: DefaultPendingTimeout,
		pollInterval:   DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	// One query per poll interval on average, small burst for reconciles
	// triggered by session changes.
	s.limiter = rate.NewLimiter(rate.Every(s.pollInterval), 2)
	return s
}

// SetOnTransition registers the phase-edge callback. Must be set before the
// first transition.
func (s *Synchronizer) SetOnTransition(fn func(from, to Phase)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransition = fn
}

// Close stops the guard timer and the fallback poll.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
		s.pendingTimer = nil
	}
	cancel := s.pollCancel
	done := s.pollDone
	s.pollCancel = nil
	s.pollDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// =============================================================================
// STATE QUERIES
// =============================================================================

// Phase returns the current phase.
func (s *Synchronizer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Snapshot returns the transient process state.
func (s *Synchronizer) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Phase:            s.phase,
		IsLoading:        s.phase != PhaseIdle,
		IsPendingSend:    s.phase == PhasePendingSend,
		HasActiveSession: s.phase == PhaseRunning,
	}
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// BeginSend enters PENDING_SEND and arms the guard timer. The guard
// auto-clears to RUNNING after the timeout even if the init event is lost,
// so liveness polling always eventually resumes.
func (s *Synchronizer) BeginSend() {
	s.mu.Lock()
	if s.closed || s.phase == PhasePendingSend {
		s.mu.Unlock()
		return
	}
	s.stopPendingTimerLocked()
	fire := s.setPhaseLocked(PhasePendingSend)
	s.pendingTimer = time.AfterFunc(s.pendingTimeout, s.pendingTimeoutFired)
	s.mu.Unlock()
	fire()
}

func (s *Synchronizer) pendingTimeoutFired() {
	s.mu.Lock()
	if s.closed || s.phase != PhasePendingSend {
		s.mu.Unlock()
		return
	}
	s.pendingTimer = nil
	fire := s.setPhaseLocked(PhaseRunning)
	s.startPollLocked()
	s.mu.Unlock()
	fire()
}

// ObserveInit records that the backend acknowledged the new process.
func (s *Synchronizer) ObserveInit() {
	s.mu.Lock()
	if s.closed || s.phase == PhaseRunning {
		s.mu.Unlock()
		return
	}
	s.stopPendingTimerLocked()
	fire := s.setPhaseLocked(PhaseRunning)
	s.startPollLocked()
	s.mu.Unlock()
	fire()
}

// ObserveStopped records a completion, cancellation, or error signal. Racing
// signals for the same run collapse into exactly one IDLE transition.
func (s *Synchronizer) ObserveStopped() {
	s.mu.Lock()
	if s.phase == PhaseIdle {
		s.mu.Unlock()
		return
	}
	s.stopPendingTimerLocked()
	s.stopPollLocked()
	fire := s.setPhaseLocked(PhaseIdle)
	s.mu.Unlock()
	fire()
}

// setPhaseLocked performs the single-setter transition and returns the
// deferred callback invocation. Caller must hold the lock and call the
// returned func after releasing it.
func (s *Synchronizer) setPhaseLocked(to Phase) func() {
	from := s.phase
	if from == to {
		return func() {}
	}
	s.phase = to
	fn := s.onTransition
	if fn == nil {
		return func() {}
	}
	return func() { fn(from, to) }
}

func (s *Synchronizer) stopPendingTimerLocked() {
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
		s.pendingTimer = nil
	}
}

// =============================================================================
// LIVENESS RECONCILIATION
// =============================================================================

// Reconcile queries backend liveness and folds the answer into the belief.
// Query failures retain the previous state (fail-open, no flapping).
// Reconciliation is suppressed while PENDING_SEND.
func (s *Synchronizer) Reconcile(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.phase == PhasePendingSend {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	running, err := s.queryLiveness(ctx)
	if err != nil {
		log.Printf("WARNING: liveness query failed for %s: %v (retaining state)", s.projectPath, err)
		return
	}

	s.mu.Lock()
	if s.closed || s.phase == PhasePendingSend {
		s.mu.Unlock()
		return
	}
	var fire func()
	switch {
	case running && s.phase == PhaseIdle:
		fire = s.setPhaseLocked(PhaseRunning)
		s.startPollLocked()
	case !running && s.phase == PhaseRunning:
		s.stopPollLocked()
		fire = s.setPhaseLocked(PhaseIdle)
	default:
		fire = func() {}
	}
	s.mu.Unlock()
	fire()
}

// ConfirmIdle double-checks the backend before a queued prompt dispatches.
// Returns true only on a confirmed "not running" answer; errors count as
// not confirmed.
func (s *Synchronizer) ConfirmIdle(ctx context.Context) bool {
	running, err := s.queryLiveness(ctx)
	if err != nil {
		log.Printf("WARNING: liveness double-check failed for %s: %v", s.projectPath, err)
		return false
	}
	return !running
}

// queryLiveness collapses concurrent callers into one paced backend query.
func (s *Synchronizer) queryLiveness(ctx context.Context) (bool, error) {
	v, err, _ := s.group.Do("live", func() (interface{}, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return false, err
		}
		return s.query(ctx, s.projectPath, s.provider)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// =============================================================================
// FALLBACK POLL
// =============================================================================

// startPollLocked launches the at-least-once reconciliation loop for the
// RUNNING phase. Caller must hold the lock.
func (s *Synchronizer) startPollLocked() {
	if s.pollCancel != nil || s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.pollCancel = cancel
	s.pollDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Reconcile(ctx)
			}
		}
	}()
}

// stopPollLocked tears down the poll loop. Caller must hold the lock.
func (s *Synchronizer) stopPollLocked() {
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
		s.pollDone = nil
	}
}
