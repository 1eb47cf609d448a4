/*
Copyright 2024 The Shellway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package events implements the Supervisor's outbound Event Bus (§4.7): a
// fan-out over unbounded, per-subscriber queues. Subsystems publish typed
// events tagged with a ConnectionId (or ShellId/TransferId/RuleId); the bus
// multiplexes to every subscriber. Ordering is guaranteed per (subsystem,
// id) and not globally, matching §5's ordering guarantees. Delivery is
// at-least-once for the lifetime of a subscription (§5): a subscriber that
// falls behind slows down the events queued for it, never loses one.
package events

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Event is one item published to the bus. Name identifies the event family
// (e.g. "ssh:status-change", "terminal:data", "sftp:transfer-update").
// ConnectionID, ShellID, TransferID and RuleID are populated as applicable;
// Payload is the event-specific body.
type Event struct {
	Name         string
	ConnectionID string
	ShellID      string
	TransferID   string
	RuleID       string
	Payload      any
}

// subscription is one registered listener. Publish never sends to ch
// directly: it appends to queue and signals cond, and a dedicated forward
// goroutine drains queue into ch one event at a time. That indirection is
// what makes Publish non-blocking for the caller while still guaranteeing
// every queued event eventually reaches ch, however far behind the reader
// falls — an unbounded buffer trades memory for the at-least-once
// guarantee §5 requires, rather than trading delivery for a memory bound.
type subscription struct {
	id    uint64
	names map[string]struct{} // empty == all names
	ch    chan Event

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

func newSubscription(id uint64, names map[string]struct{}, initialCap int) *subscription {
	s := &subscription{
		id:    id,
		names: names,
		ch:    make(chan Event),
		queue: make([]Event, 0, initialCap),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.forward()
	return s
}

// forward is the subscription's single owner goroutine: it's the only
// thing that ever sends on ch or reads queue, so neither needs further
// synchronization beyond the mutex guarding queue itself.
func (s *subscription) forward() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.ch <- evt
	}
}

func (s *subscription) enqueue(evt Event) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	s.cond.Signal()
}

// closeQueue marks the subscription closed. Anything already queued is
// still delivered by forward before ch is closed.
func (s *subscription) closeQueue() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()
}

// Bus is safe for concurrent Subscribe/Publish/Unsubscribe use, as required
// by §5 ("the Event Bus ... use internal synchronization such that
// subscribe/publish ... are safe for concurrent use").
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
	log    *log.Entry

	// initialQueueCap pre-sizes each subscriber's backing slice. It is a
	// capacity hint, not a bound: Publish never drops an event once a
	// subscriber is queued past this size, it just reallocates.
	initialQueueCap int
}

// New creates an Event Bus. initialQueueCap <= 0 defaults to 256.
func New(initialQueueCap int) *Bus {
	if initialQueueCap <= 0 {
		initialQueueCap = 256
	}
	return &Bus{
		subs:            make(map[uint64]*subscription),
		log:             log.WithField("component", "eventbus"),
		initialQueueCap: initialQueueCap,
	}
}

// Unsubscribe stops delivery to a previously subscribed channel.
type Unsubscribe func()

// Subscribe registers a listener. If names is empty, every event is
// delivered; otherwise only events whose Name is in names are delivered.
// The returned channel is closed, after draining anything already queued,
// when Unsubscribe is called.
func (b *Bus) Subscribe(names ...string) (<-chan Event, Unsubscribe) {
	filter := make(map[string]struct{}, len(names))
	for _, n := range names {
		filter[n] = struct{}{}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := newSubscription(id, filter, b.initialQueueCap)
	b.subs[id] = sub
	b.mu.Unlock()
	b.log.WithField("subscriber", id).Debug("Subscribed to event bus.")

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			s.closeQueue()
			b.log.WithField("subscriber", id).Debug("Unsubscribed from event bus.")
		}
	}
	return sub.ch, unsub
}

// Publish delivers evt to every matching subscriber. Calls from a single
// goroutine (as every subsystem owner does for its own id-space) are
// delivered to each subscriber in call order, preserving per-id ordering.
// Publish itself never blocks on a slow reader and never drops evt: it
// only appends to each matching subscriber's queue.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if len(sub.names) > 0 {
			if _, ok := sub.names[evt.Name]; !ok {
				continue
			}
		}
		sub.enqueue(evt)
	}
}

// Close unsubscribes and closes every outstanding subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		sub.closeQueue()
		delete(b.subs, id)
	}
}
