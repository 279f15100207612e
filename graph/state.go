//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"fmt"
	"sort"
	"strings"
)

// State represents the state that flows through the graph. It is a mapping
// from named channels to values.
type State map[string]any

// Clone creates a shallow copy of the state. Channel values are shared;
// nodes must treat received state as read-only and return updates instead
// of mutating in place.
func (s State) Clone() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// Reducer determines how writes to a channel are combined within one
// superstep and with the previous value of the channel.
type Reducer int

const (
	// ReducerOverwrite replaces the previous value. Two concurrent writers
	// of the same channel in one superstep are a conflict error.
	ReducerOverwrite Reducer = iota
	// ReducerAppend concatenates written values onto the existing slice in
	// deterministic node-name order.
	ReducerAppend
)

// String returns the reducer name used in errors and metadata.
func (r Reducer) String() string {
	switch r {
	case ReducerOverwrite:
		return "overwrite"
	case ReducerAppend:
		return "append"
	default:
		return fmt.Sprintf("reducer(%d)", int(r))
	}
}

// ValueKind declares the serialized shape of a channel value. The codec uses
// it to restore extension-tagged values (decimals, timestamps, raw bytes)
// after a checkpoint round-trip.
type ValueKind string

const (
	// ValueKindJSON is any plain JSON value (default).
	ValueKindJSON ValueKind = "json"
	// ValueKindString is a string value.
	ValueKindString ValueKind = "string"
	// ValueKindNumber is a float64 value.
	ValueKindNumber ValueKind = "number"
	// ValueKindDecimal is a high-precision decimal, serialized as a string.
	ValueKindDecimal ValueKind = "decimal"
	// ValueKindTime is a timestamp, serialized as RFC 3339.
	ValueKindTime ValueKind = "time"
	// ValueKindBytes is a raw byte blob, serialized as base64.
	ValueKindBytes ValueKind = "bytes"
)

// StateField describes one channel of the state schema.
type StateField struct {
	// Kind is the serialized shape of the channel value.
	Kind ValueKind
	// Reducer combines writes to this channel.
	Reducer Reducer
	// Default, when non-nil, produces the initial value of the channel.
	Default func() any
	// Required marks channels the boundary mapper must always emit.
	Required bool
}

// StateSchema declares the channels of a graph state and their reducers.
// Reducers are always explicit; the runtime refuses to infer them.
type StateSchema struct {
	// Fields maps channel names to their declarations.
	Fields map[string]StateField
}

// NewStateSchema creates an empty state schema.
func NewStateSchema() *StateSchema {
	return &StateSchema{Fields: make(map[string]StateField)}
}

// AddField declares a channel. It returns the schema for chaining.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	if field.Kind == "" {
		field.Kind = ValueKindJSON
	}
	s.Fields[name] = field
	return s
}

// Init returns a fresh state populated with the declared defaults.
func (s *StateSchema) Init() State {
	state := make(State, len(s.Fields))
	for name, field := range s.Fields {
		if field.Default != nil {
			state[name] = field.Default()
		}
	}
	return state
}

// Validate checks that every non-internal key of the state is a declared
// channel.
func (s *StateSchema) Validate(state State) error {
	for key := range state {
		if isInternalStateKey(key) {
			continue
		}
		if _, ok := s.Fields[key]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownChannel, key)
		}
	}
	return nil
}

// channelWrite is a single write produced by one task during a superstep.
type channelWrite struct {
	TaskID  string
	Node    string
	Channel string
	Value   any
}

// applyWrites folds the writes of one superstep into state, respecting the
// per-channel reducer. Writes from concurrent tasks to the same overwrite
// channel produce a conflict error. Append channels concatenate in node-name
// order so replays are byte-identical.
func (s *StateSchema) applyWrites(state State, writes []channelWrite) (State, error) {
	byChannel := make(map[string][]channelWrite)
	for _, w := range writes {
		if isInternalStateKey(w.Channel) {
			state[w.Channel] = w.Value
			continue
		}
		byChannel[w.Channel] = append(byChannel[w.Channel], w)
	}

	channels := make([]string, 0, len(byChannel))
	for ch := range byChannel {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	for _, ch := range channels {
		field, ok := s.Fields[ch]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
		}
		group := byChannel[ch]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Node < group[j].Node
		})
		switch field.Reducer {
		case ReducerOverwrite:
			writers := distinctTasks(group)
			if len(writers) > 1 {
				return nil, &Error{
					Kind: ErrKindConflict,
					Message: fmt.Sprintf(
						"channel %q written by concurrent tasks %s",
						ch, strings.Join(writers, ", ")),
				}
			}
			state[ch] = group[len(group)-1].Value
		case ReducerAppend:
			state[ch] = appendValues(state[ch], group)
		default:
			return nil, fmt.Errorf("channel %q has unknown reducer %v", ch, field.Reducer)
		}
	}
	return state, nil
}

func distinctTasks(group []channelWrite) []string {
	seen := make(map[string]bool, len(group))
	var nodes []string
	for _, w := range group {
		if !seen[w.TaskID] {
			seen[w.TaskID] = true
			nodes = append(nodes, w.Node)
		}
	}
	sort.Strings(nodes)
	return nodes
}

func appendValues(existing any, group []channelWrite) []any {
	var out []any
	switch prev := existing.(type) {
	case nil:
	case []any:
		out = append(out, prev...)
	default:
		out = append(out, prev)
	}
	for _, w := range group {
		if items, ok := w.Value.([]any); ok {
			out = append(out, items...)
			continue
		}
		out = append(out, w.Value)
	}
	return out
}

// GetStateValue retrieves a typed value from the state.
func GetStateValue[T any](state State, key string) (T, bool) {
	var zero T
	raw, ok := state[key]
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

func isInternalStateKey(key string) bool {
	return strings.HasPrefix(key, "__")
}
