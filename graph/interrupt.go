//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// StateKeyResumeMap is the internal state channel carrying resume values,
// keyed by interrupt id. It is written by the resume path and read back by
// Interrupt when the suspending node re-executes.
const StateKeyResumeMap = "__resume_map__"

// InterruptRecord captures one suspension site. It is persisted with the
// checkpoint that triggered it.
type InterruptRecord struct {
	// ID is the deterministic interrupt id.
	ID string `json:"id"`
	// Namespace and Node locate the suspension site.
	Namespace string `json:"namespace"`
	Node      string `json:"node"`
	// Step is the superstep number the interrupt fired in.
	Step int `json:"step"`
	// Payload is the caller-visible JSON surfaced in interrupt.request.
	Payload any `json:"payload"`
	// ResumeChannel names the channel the resume value is routed through.
	ResumeChannel string `json:"resume_channel"`
}

// InterruptID derives the deterministic interrupt id from the suspension
// site. The same site suspending again on re-execution produces the same id,
// so a resume addressed before the re-run still lands.
func InterruptID(namespace, node string, step int, key string) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{'|'})
	h.Write([]byte(node))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(step)))
	if key != "" {
		h.Write([]byte{'|'})
		h.Write([]byte(key))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// InterruptError is returned by Interrupt to signal suspension. The executor
// converts it into a suspended checkpoint; it is not a failure.
type InterruptError struct {
	Record *InterruptRecord
}

// Error implements the error interface.
func (e *InterruptError) Error() string {
	return fmt.Sprintf("interrupt %s at %s/%s", e.Record.ID, e.Record.Namespace, e.Record.Node)
}

// Interrupt suspends the execution at the calling node and surfaces payload
// to the caller. On the first call it returns an *InterruptError that the
// runtime turns into a suspension; when the node is re-executed after a
// resume, the same call returns the caller-supplied resume value instead.
//
// The whole node body runs again on resume. Side effects performed before
// Interrupt must be guarded by a state flag the node sets afterwards.
func Interrupt(ctx context.Context, state State, key string, payload any) (any, error) {
	info, ok := execInfoFrom(ctx)
	if !ok {
		return nil, NewError(ErrKindNodeError, "interrupt called outside a node execution")
	}
	id := InterruptID(info.Namespace, info.Node, info.Step, key)
	if value, ok := resumeValueFor(state, id); ok {
		return value, nil
	}
	return nil, &InterruptError{Record: &InterruptRecord{
		ID:            id,
		Namespace:     info.Namespace,
		Node:          info.Node,
		Step:          info.Step,
		Payload:       payload,
		ResumeChannel: StateKeyResumeMap,
	}}
}

// resumeValueFor looks up a resume value for an interrupt id in the state's
// resume map.
func resumeValueFor(state State, id string) (any, bool) {
	raw, ok := state[StateKeyResumeMap]
	if !ok {
		return nil, false
	}
	resumeMap, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	value, ok := resumeMap[id]
	return value, ok
}

// AddResumeValue records a resume value for an interrupt id on the state.
func AddResumeValue(state State, id string, value any) {
	resumeMap, _ := state[StateKeyResumeMap].(map[string]any)
	if resumeMap == nil {
		resumeMap = make(map[string]any)
	}
	resumeMap[id] = value
	state[StateKeyResumeMap] = resumeMap
}

// execInfo locates a node execution: its namespace, node name and superstep.
type execInfo struct {
	Namespace string
	Node      string
	Step      int
}

type execInfoKey struct{}

func withExecInfo(ctx context.Context, info execInfo) context.Context {
	return context.WithValue(ctx, execInfoKey{}, info)
}

func execInfoFrom(ctx context.Context) (execInfo, bool) {
	info, ok := ctx.Value(execInfoKey{}).(execInfo)
	return info, ok
}
