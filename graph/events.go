//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package graph

import "context"

// ExecEventType classifies internal runtime events. The runner translates
// them into wire envelopes.
type ExecEventType string

// Internal event types.
const (
	ExecEventNodeStart         ExecEventType = "node.start"
	ExecEventNodeEnd           ExecEventType = "node.end"
	ExecEventStateUpdate       ExecEventType = "state.update"
	ExecEventContentDelta      ExecEventType = "content.delta"
	ExecEventInterruptRequest  ExecEventType = "interrupt.request"
	ExecEventInterruptResolved ExecEventType = "interrupt.resolved"
	ExecEventError             ExecEventType = "error"
	ExecEventStepCommitted     ExecEventType = "step.committed"
)

// Node end statuses.
const (
	NodeStatusOK       = "ok"
	NodeStatusError    = "error"
	NodeStatusDegraded = "degraded"
)

// ExecEvent is one internal runtime event.
type ExecEvent struct {
	Type      ExecEventType
	Node      string
	Namespace string
	// Status is set on node end: ok, error or degraded.
	Status string
	// Channel and Value are set on state updates.
	Channel string
	Value   any
	// StreamID and Text are set on content deltas.
	StreamID string
	Text     string
	// Interrupt is set on interrupt request/resolved events.
	Interrupt *InterruptRecord
	// Err is set on error events.
	Err *Error
	// Step and CheckpointID are set when a superstep commits.
	Step         int
	CheckpointID string
	// ActiveNodes lists nodes running when the event was emitted.
	ActiveNodes []string
}

// EventSink receives internal runtime events. Emission must not block the
// superstep loop for long; the runner drains the sink promptly.
type EventSink func(ExecEvent)

// Emitter lets node bodies stream incremental output. The executor injects
// one into every node context; EmitterFrom retrieves it.
type Emitter struct {
	node      string
	namespace string
	sink      EventSink
}

// EmitText publishes one token fragment on the named stream.
func (e *Emitter) EmitText(streamID, text string) {
	if e == nil || e.sink == nil {
		return
	}
	e.sink(ExecEvent{
		Type:      ExecEventContentDelta,
		Node:      e.node,
		Namespace: e.namespace,
		StreamID:  streamID,
		Text:      text,
	})
}

type emitterKey struct{}

func withEmitter(ctx context.Context, e *Emitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, e)
}

// EmitterFrom returns the emitter of the current node execution. Outside a
// node execution it returns a no-op emitter.
func EmitterFrom(ctx context.Context) *Emitter {
	if e, ok := ctx.Value(emitterKey{}).(*Emitter); ok {
		return e
	}
	return &Emitter{}
}
