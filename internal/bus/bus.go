// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus is the process-wide publish/subscribe channel between the
// agent process layer and the session orchestrators.
//
// Channels are keyed "<kind>:<projectPath>". Each subscription gets its own
// buffered lane drained by one goroutine, so payloads for a subscriber are
// delivered in publish order and a slow subscriber cannot block publishers.
package bus

import (
	"log"
	"sync"
)

// =============================================================================
// CHANNEL NAMES
// =============================================================================

// Kind is an event channel kind.
type Kind string

const (
	KindOutput    Kind = "output"
	KindError     Kind = "error"
	KindComplete  Kind = "complete"
	KindCancelled Kind = "cancelled"
)

// Channel builds the channel name for a kind and project path.
func Channel(kind Kind, projectPath string) string {
	return string(kind) + ":" + projectPath
}

// laneBuffer is the per-subscription backlog. Payloads past this are
// dropped with a warning rather than blocking the publisher.
const laneBuffer = 256

// =============================================================================
// BUS
// =============================================================================

// Handler consumes one published payload.
type Handler func(payload []byte)

// Bus routes payloads from publishers to channel subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscription is one active channel subscription.
type Subscription struct {
	bus     *Bus
	channel string
	lane    chan []byte
	done    chan struct{}
	once    sync.Once
}

// Subscribe registers a handler on a channel. The handler runs on the
// subscription's delivery goroutine.
func (b *Bus) Subscribe(channel string, h Handler) *Subscription {
	sub := &Subscription{
		bus:     b,
		channel: channel,
		lane:    make(chan []byte, laneBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return sub
	}
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case payload := <-sub.lane:
				h(payload)
			}
		}
	}()

	return sub
}

// Cancel removes the subscription and stops its delivery goroutine.
// Safe to call multiple times.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)
	})
}

// Publish delivers a payload to every subscriber of a channel. Payloads for
// subscribers with a full lane are dropped with a warning.
func (b *Bus) Publish(channel string, payload []byte) {
	b.mu.RLock()
	subs := b.subs[channel]
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.lane <- payload:
		default:
			log.Printf("WARNING: bus lane full, dropped payload on %s", channel)
		}
	}
}

// Close cancels every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.done) })
	}
}

func (b *Bus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target.channel]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
