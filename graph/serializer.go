//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Extension type tags used by the strict JSON serializer. Values that JSON
// cannot carry faithfully are wrapped as {"__type": tag, "value": string}.
// There is deliberately no binary fallback encoding: a value that cannot be
// expressed this way fails the commit.
const (
	typeTagKey   = "__type"
	typeValueKey = "value"

	typeTagDecimal = "decimal"
	typeTagTime    = "time"
	typeTagBytes   = "bytes"
)

// MarshalState serializes a state object as a self-describing JSON document.
func MarshalState(state State) ([]byte, error) {
	tree, err := encodeValue(map[string]any(state))
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return json.Marshal(tree)
}

// UnmarshalState restores a state object, re-typing extension-tagged values.
func UnmarshalState(data []byte) (State, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	decoded, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	state, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode state: not an object")
	}
	return State(state), nil
}

// MarshalCheckpoint serializes a checkpoint blob.
func MarshalCheckpoint(c *Checkpoint) ([]byte, error) {
	clone := c.Clone()
	tree, err := encodeValue(map[string]any(clone.ChannelValues))
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", c.ID, err)
	}
	encoded, ok := tree.(map[string]any)
	if !ok {
		encoded = map[string]any{}
	}
	clone.ChannelValues = State(encoded)
	return json.Marshal(clone)
}

// UnmarshalCheckpoint restores a checkpoint blob.
func UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	decoded, err := decodeValue(map[string]any(c.ChannelValues))
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", c.ID, err)
	}
	c.ChannelValues = State(decoded.(map[string]any))
	return &c, nil
}

// MarshalValue serializes one channel value, used for pending writes.
func MarshalValue(v any) ([]byte, error) {
	tree, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

// UnmarshalValue restores one channel value.
func UnmarshalValue(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return decodeValue(raw)
}

// encodeValue converts v into a JSON-safe tree, wrapping decimals,
// timestamps and byte blobs in extension tags. Unknown struct values are
// flattened through their JSON encoding; anything json refuses is an error.
func encodeValue(v any) (any, error) {
	switch value := v.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number:
		return value, nil
	case decimal.Decimal:
		return map[string]any{typeTagKey: typeTagDecimal, typeValueKey: value.String()}, nil
	case *decimal.Decimal:
		if value == nil {
			return nil, nil
		}
		return map[string]any{typeTagKey: typeTagDecimal, typeValueKey: value.String()}, nil
	case time.Time:
		return map[string]any{typeTagKey: typeTagTime, typeValueKey: value.UTC().Format(time.RFC3339Nano)}, nil
	case []byte:
		return map[string]any{typeTagKey: typeTagBytes, typeValueKey: base64.StdEncoding.EncodeToString(value)}, nil
	case json.RawMessage:
		var raw any
		if err := json.Unmarshal(value, &raw); err != nil {
			return nil, fmt.Errorf("raw message: %w", err)
		}
		return raw, nil
	case State:
		return encodeMap(map[string]any(value))
	case map[string]any:
		return encodeMap(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			encoded, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = encoded
		}
		return out, nil
	default:
		// Structs and typed containers round-trip through their JSON form.
		// json.Marshal rejects channels, funcs and cycles, which is the
		// loud failure this codec wants.
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("value of type %T is not serializable: %w", v, err)
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, err
		}
		return encodeValue(generic)
	}
}

func encodeMap(m map[string]any) (any, error) {
	out := make(map[string]any, len(m))
	for k, item := range m {
		encoded, err := encodeValue(item)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = encoded
	}
	return out, nil
}

// decodeValue walks a decoded JSON tree and re-types extension-tagged
// wrappers back into their native values.
func decodeValue(v any) (any, error) {
	switch value := v.(type) {
	case map[string]any:
		if tag, ok := value[typeTagKey].(string); ok && len(value) == 2 {
			if encoded, ok := value[typeValueKey].(string); ok {
				return decodeTagged(tag, encoded)
			}
		}
		out := make(map[string]any, len(value))
		for k, item := range value {
			decoded, err := decodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			decoded, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	default:
		return value, nil
	}
}

func decodeTagged(tag, encoded string) (any, error) {
	switch tag {
	case typeTagDecimal:
		d, err := decimal.NewFromString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decimal tag: %w", err)
		}
		return d, nil
	case typeTagTime:
		t, err := time.Parse(time.RFC3339Nano, encoded)
		if err != nil {
			return nil, fmt.Errorf("time tag: %w", err)
		}
		return t, nil
	case typeTagBytes:
		b, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("bytes tag: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown extension tag %q", tag)
	}
}

// BlobCodec transforms serialized checkpoint blobs before storage and after
// retrieval. The default passes blobs through unchanged; the sealed codec
// encrypts them.
type BlobCodec interface {
	// Seal prepares a serialized blob for storage.
	Seal(plain []byte) ([]byte, error)
	// Open restores a stored blob.
	Open(stored []byte) ([]byte, error)
}

// PlainBlobCodec stores blobs as-is.
type PlainBlobCodec struct{}

// Seal returns the blob unchanged.
func (PlainBlobCodec) Seal(plain []byte) ([]byte, error) { return plain, nil }

// Open returns the blob unchanged.
func (PlainBlobCodec) Open(stored []byte) ([]byte, error) { return stored, nil }
