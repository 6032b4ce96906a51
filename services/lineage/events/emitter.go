// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianLineage/services/lineage/history"
)

// DefaultBufferSize is the number of recent events an Emitter keeps.
const DefaultBufferSize = 1000

// Handler processes an event. Handlers run synchronously on the emitting
// goroutine and should return quickly.
type Handler func(event *Event)

// subscription is a registered handler.
type subscription struct {
	id      string
	handler Handler
	types   []Type
}

func (s *subscription) wants(t Type) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Emitter broadcasts events to subscribers and keeps a bounded buffer of
// recent events.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	order         []string
	buffer        *history.Ring[Event]
	bufferSize    int
	logger        *slog.Logger
	now           func() time.Time
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets the event buffer size.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		e.bufferSize = size
	}
}

// WithLogger sets the logger used to report handler panics.
func WithLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		e.logger = logger
	}
}

// WithClock sets the time source for event timestamps.
func WithClock(now func() time.Time) EmitterOption {
	return func(e *Emitter) {
		e.now = now
	}
}

// NewEmitter creates a new event emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*subscription),
		bufferSize:    DefaultBufferSize,
		logger:        slog.Default(),
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.buffer = history.NewRing[Event](e.bufferSize)
	return e
}

// Subscribe registers a handler for events.
//
// Inputs:
//
//	handler - Function to call for each event.
//	types - Event types to subscribe to (none = all types).
//
// Outputs:
//
//	string - Subscription ID for Unsubscribe.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
		types:   slices.Clone(types),
	}
	e.subscriptions[sub.id] = sub
	e.order = append(e.order, sub.id)
	return sub.id
}

// Unsubscribe removes a subscription.
//
// Outputs:
//
//	bool - True if the subscription was found and removed.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; !ok {
		return false
	}
	delete(e.subscriptions, id)
	e.order = slices.DeleteFunc(e.order, func(s string) bool { return s == id })
	return true
}

// Emit broadcasts an event to all matching subscribers.
//
// Description:
//
//	The event is buffered, then delivered to matching handlers in
//	subscription order. Handler panics are recovered and logged so one
//	failing handler neither crashes the caller nor starves the others.
//
// Inputs:
//
//	eventType - The type of event.
//	data - The result object the event describes.
//
// Thread Safety: This method is safe for concurrent use.
func (e *Emitter) Emit(eventType Type, data any) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: e.now(),
		Data:      data,
	}

	e.mu.Lock()
	e.buffer.Push(event)
	subs := make([]*subscription, 0, len(e.order))
	for _, id := range e.order {
		if sub := e.subscriptions[id]; sub.wants(eventType) {
			subs = append(subs, sub)
		}
	}
	e.mu.Unlock()

	for _, sub := range subs {
		e.safeInvoke(sub.handler, &event)
	}
}

// safeInvoke calls handler with panic recovery.
func (e *Emitter) safeInvoke(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	handler(event)
}

// Recent returns up to n buffered events, newest first.
func (e *Emitter) Recent(n int) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buffer.Last(n)
}

// Buffer returns a copy of buffered events, oldest first.
func (e *Emitter) Buffer() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buffer.Slice()
}

// BufferByType returns buffered events of a specific type, oldest first.
func (e *Emitter) BufferByType(eventType Type) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buffer.Filter(func(ev Event) bool { return ev.Type == eventType })
}

// BufferSince returns buffered events emitted after since, oldest first.
func (e *Emitter) BufferSince(since time.Time) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buffer.Filter(func(ev Event) bool { return ev.Timestamp.After(since) })
}

// ClearBuffer removes all buffered events.
func (e *Emitter) ClearBuffer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer.Clear()
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Recorder is a Publisher that records every event, for tests and for
// collaborators that poll instead of subscribing.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit records an event.
func (r *Recorder) Emit(eventType Type, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// Events returns all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// ByType returns recorded events of a specific type.
func (r *Recorder) ByType(eventType Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns the number of recorded events of eventType.
func (r *Recorder) Count(eventType Type) int {
	return len(r.ByType(eventType))
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
