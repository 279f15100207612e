//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

// Package event defines the versioned wire envelope carried on the SSE
// stream. Every event of a thread gets a strictly increasing seq id; clients
// reattach with Last-Event-ID set to the last seq they saw.
package event

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the wire protocol version this build speaks. Clients
// presenting a different version are refused, not accommodated.
const ProtocolVersion = "v1"

// Event types.
const (
	TypeLifecycleStart    = "lifecycle.start"
	TypeLifecycleEnd      = "lifecycle.end"
	TypeNodeStart         = "node.start"
	TypeNodeEnd           = "node.end"
	TypeStateUpdate       = "state.update"
	TypeContentDelta      = "content.delta"
	TypeInterruptRequest  = "interrupt.request"
	TypeInterruptResolved = "interrupt.resolved"
	TypeError             = "error"
	TypeHeartbeat         = "heartbeat"
)

// Lifecycle end reasons.
const (
	ReasonComplete    = "complete"
	ReasonInterrupted = "interrupted"
	ReasonCancelled   = "cancelled"
	ReasonError       = "error"
)

// Envelope is the wire record for one event.
type Envelope struct {
	ProtocolVersion string          `json:"protocol_version"`
	SeqID           int64           `json:"seq_id"`
	ThreadID        string          `json:"thread_id"`
	RunID           string          `json:"run_id"`
	Timestamp       time.Time       `json:"timestamp"`
	Type            string          `json:"type"`
	Source          string          `json:"source,omitempty"`
	Data            json.RawMessage `json:"data"`
}

// LifecycleStart is the data payload of lifecycle.start.
type LifecycleStart struct {
	InputSummary string `json:"input_summary"`
}

// LifecycleEnd is the data payload of lifecycle.end. Exactly one is emitted
// per execution.
type LifecycleEnd struct {
	Reason string     `json:"reason"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// NodeStart is the data payload of node.start.
type NodeStart struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// NodeEnd is the data payload of node.end.
type NodeEnd struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Status    string `json:"status"`
}

// StateUpdate is the data payload of state.update. Value carries the
// normalized view the boundary mapper produced, never the internal shape.
type StateUpdate struct {
	Channel      string            `json:"channel"`
	Value        json.RawMessage   `json:"value"`
	NodeStatuses map[string]string `json:"node_statuses,omitempty"`
}

// ContentDelta is the data payload of content.delta: one token fragment.
type ContentDelta struct {
	StreamID string `json:"stream_id"`
	Text     string `json:"text"`
}

// InterruptRequest is the data payload of interrupt.request.
type InterruptRequest struct {
	InterruptID string          `json:"interrupt_id"`
	Payload     json.RawMessage `json:"payload"`
}

// InterruptResolved is the data payload of interrupt.resolved.
type InterruptResolved struct {
	InterruptID string `json:"interrupt_id"`
}

// ErrorInfo is the data payload of error events.
type ErrorInfo struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Node      string `json:"node,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

// Heartbeat is the data payload of heartbeat events.
type Heartbeat struct {
	ActiveNodes []string `json:"active_nodes"`
}

// New builds an envelope, marshalling data into the Data field. A data value
// that cannot be marshalled is a programming error and yields an error
// envelope instead of a partial one.
func New(seqID int64, threadID, runID, eventType, source string, data any) Envelope {
	env := Envelope{
		ProtocolVersion: ProtocolVersion,
		SeqID:           seqID,
		ThreadID:        threadID,
		RunID:           runID,
		Timestamp:       time.Now().UTC(),
		Type:            eventType,
		Source:          source,
	}
	blob, err := json.Marshal(data)
	if err != nil {
		env.Type = TypeError
		blob, _ = json.Marshal(ErrorInfo{Kind: "node_error", Message: "event payload not serializable: " + err.Error()})
	}
	env.Data = blob
	return env
}
