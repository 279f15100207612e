//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package runner

import (
	"sync"
	"time"

	"github.com/valuegraph/valuegraph/event"
	"github.com/valuegraph/valuegraph/log"
)

// Subscription is one attached consumer's view of a thread's event stream.
type Subscription struct {
	events chan event.Envelope
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err *event.ErrorInfo
}

// Events returns the subscriber's event queue. The channel is closed after
// the subscription ends; check Err for a terminal subscriber error.
func (s *Subscription) Events() <-chan event.Envelope { return s.events }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the terminal subscriber-local error (slow_consumer or
// replay_gap), or nil when the subscription ended normally.
func (s *Subscription) Err() *event.ErrorInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) close(errInfo *event.ErrorInfo) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = errInfo
		s.mu.Unlock()
		close(s.done)
		close(s.events)
	})
}

// broadcaster fans a thread's events out to its subscribers and keeps a ring
// buffer for late attach. Slow subscribers are dropped, never waited on.
type broadcaster struct {
	mu          sync.Mutex
	ring        []event.Envelope
	ringCap     int
	queueCap    int
	subs        map[*Subscription]struct{}
	lastPublish time.Time
}

func newBroadcaster(ringCap, queueCap int) *broadcaster {
	return &broadcaster{
		ringCap:  ringCap,
		queueCap: queueCap,
		subs:     make(map[*Subscription]struct{}),
	}
}

// publish builds the envelope under the broadcaster lock, buffers it and
// forwards it to every subscriber. The builder claims the envelope's seq id,
// so holding the lock across build and delivery keeps ring order and
// delivery order aligned with seq order even under concurrent publishers.
// A subscriber whose queue is full is dropped with a slow_consumer error.
func (b *broadcaster) publish(build func() event.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	env := build()
	b.lastPublish = time.Now()
	b.ring = append(b.ring, env)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}
	for sub := range b.subs {
		select {
		case sub.events <- env:
		default:
			delete(b.subs, sub)
			log.Warnf("dropping slow subscriber of thread %s at seq %d", env.ThreadID, env.SeqID)
			sub.close(&event.ErrorInfo{
				Kind:    "slow_consumer",
				Message: "subscriber queue overflowed; reattach with Last-Event-ID to catch up",
			})
		}
	}
}

// attach registers a subscriber, replaying buffered events newer than
// lastEventID first. When lastEventID predates the buffer — including a
// buffer already released after the execution ended — the subscription is
// returned already closed with a replay_gap error. A lastEventID at or
// ahead of the live sequence yields no replay.
func (b *broadcaster) attach(lastEventID, liveSeq int64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []event.Envelope
	for _, env := range b.ring {
		if env.SeqID > lastEventID {
			replay = append(replay, env)
		}
	}
	if lastEventID < liveSeq && (len(b.ring) == 0 || b.ring[0].SeqID > lastEventID+1) {
		sub := &Subscription{
			events: make(chan event.Envelope),
			done:   make(chan struct{}),
		}
		sub.close(&event.ErrorInfo{
			Kind:    "replay_gap",
			Message: "requested events are no longer buffered",
		})
		return sub
	}

	sub := &Subscription{
		events: make(chan event.Envelope, b.queueCap+len(replay)),
		done:   make(chan struct{}),
	}
	for _, env := range replay {
		sub.events <- env
	}
	b.subs[sub] = struct{}{}
	return sub
}

// attachFresh registers a subscriber that replays the buffer after
// lastEventID without gap detection, used by brand-new streams that follow
// the current execution from its start.
func (b *broadcaster) attachFresh(lastEventID int64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	var replay []event.Envelope
	for _, env := range b.ring {
		if env.SeqID > lastEventID {
			replay = append(replay, env)
		}
	}
	sub := &Subscription{
		events: make(chan event.Envelope, b.queueCap+len(replay)),
		done:   make(chan struct{}),
	}
	for _, env := range replay {
		sub.events <- env
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *broadcaster) detach(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close(nil)
}

func (b *broadcaster) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// reset clears the replay buffer for a new execution.
func (b *broadcaster) reset() {
	b.mu.Lock()
	b.ring = b.ring[:0]
	b.mu.Unlock()
}

// quietSince reports whether nothing was published since t.
func (b *broadcaster) quietSince(t time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPublish.Before(t)
}

// closeAll ends every subscription, used on thread deletion.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close(nil)
	}
}
