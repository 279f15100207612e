//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory checkpoint saver for tests and
// development. Checkpoints round-trip through the strict serializer so the
// saver catches non-serializable state exactly like the durable backends.
package inmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/valuegraph/valuegraph/graph"
)

type entry struct {
	checkpointBlob []byte
	metadataBlob   []byte
	parentID       string
	ts             time.Time
	writes         []storedWrite
}

type storedWrite struct {
	taskID    string
	channel   string
	valueBlob []byte
	sequence  int64
}

// Saver keeps checkpoints in process memory.
type Saver struct {
	mu sync.RWMutex
	// threads maps thread id -> namespace -> insertion-ordered entries.
	threads map[string]map[string][]*entry
}

var _ graph.Saver = (*Saver)(nil)

// NewSaver creates an empty in-memory saver.
func NewSaver() *Saver {
	return &Saver{threads: make(map[string]map[string][]*entry)}
}

// Get returns the checkpoint for the config, or nil when none exists.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple returns the addressed checkpoint with metadata and writes.
func (s *Saver) GetTuple(_ context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := s.find(threadID, graph.GetNamespace(config), graph.GetCheckpointID(config))
	if found == nil {
		return nil, nil
	}
	return s.tuple(threadID, graph.GetNamespace(config), found)
}

func (s *Saver) find(threadID, namespace, checkpointID string) *entry {
	entries := s.threads[threadID][namespace]
	if len(entries) == 0 {
		return nil
	}
	if checkpointID == "" {
		return entries[len(entries)-1]
	}
	for _, e := range entries {
		ckpt, err := graph.UnmarshalCheckpoint(e.checkpointBlob)
		if err == nil && ckpt.ID == checkpointID {
			return e
		}
	}
	return nil
}

func (s *Saver) tuple(threadID, namespace string, e *entry) (*graph.CheckpointTuple, error) {
	ckpt, err := graph.UnmarshalCheckpoint(e.checkpointBlob)
	if err != nil {
		return nil, err
	}
	var meta graph.CheckpointMetadata
	if err := json.Unmarshal(e.metadataBlob, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	tuple := &graph.CheckpointTuple{
		Config:     graph.CreateCheckpointConfig(threadID, ckpt.ID, namespace),
		Checkpoint: ckpt,
		Metadata:   &meta,
	}
	if e.parentID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(threadID, e.parentID, namespace)
	}
	for _, w := range e.writes {
		value, err := graph.UnmarshalValue(w.valueBlob)
		if err != nil {
			return nil, err
		}
		tuple.PendingWrites = append(tuple.PendingWrites, graph.PendingWrite{
			TaskID: w.taskID, Channel: w.channel, Value: value, Sequence: w.sequence,
		})
	}
	return tuple, nil
}

// List returns the thread's checkpoints in the config's namespace, newest
// first.
func (s *Saver) List(_ context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(config)

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.threads[threadID][namespace]
	tuples := make([]*graph.CheckpointTuple, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		tuple, err := s.tuple(threadID, namespace, entries[i])
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, tuple)
	}
	sort.SliceStable(tuples, func(i, j int) bool {
		return tuples[i].Checkpoint.Ts.After(tuples[j].Checkpoint.Ts)
	})
	return applyFilter(tuples, filter), nil
}

func applyFilter(tuples []*graph.CheckpointTuple, filter *graph.CheckpointFilter) []*graph.CheckpointTuple {
	if filter == nil {
		return tuples
	}
	out := tuples
	if filter.Before != nil {
		beforeID := graph.GetCheckpointID(filter.Before)
		for i, tuple := range out {
			if tuple.Checkpoint.ID == beforeID {
				out = out[i+1:]
				break
			}
		}
	}
	if len(filter.Metadata) > 0 {
		filtered := out[:0:0]
		for _, tuple := range out {
			if metadataMatches(tuple.Metadata, filter.Metadata) {
				filtered = append(filtered, tuple)
			}
		}
		out = filtered
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func metadataMatches(meta *graph.CheckpointMetadata, want map[string]any) bool {
	if meta == nil {
		return false
	}
	for key, value := range want {
		switch key {
		case "source":
			if meta.Source != value {
				return false
			}
		case "step":
			if meta.Step != value {
				return false
			}
		default:
			if meta.Extra == nil || meta.Extra[key] != value {
				return false
			}
		}
	}
	return true
}

// Put stores one checkpoint.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	return s.PutFull(ctx, graph.PutFullRequest{
		Config: req.Config, Checkpoint: req.Checkpoint, Metadata: req.Metadata,
	})
}

// PutWrites attaches pending writes to an existing checkpoint.
func (s *Saver) PutWrites(_ context.Context, req graph.PutWritesRequest) error {
	threadID := graph.GetThreadID(req.Config)
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	stored, err := encodeWrites(req.Writes)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.find(threadID, graph.GetNamespace(req.Config), graph.GetCheckpointID(req.Config))
	if found == nil {
		return graph.ErrCheckpointNotFound
	}
	found.writes = append(found.writes, stored...)
	return nil
}

// PutFull stores a checkpoint together with its pending writes.
func (s *Saver) PutFull(_ context.Context, req graph.PutFullRequest) (map[string]any, error) {
	threadID := graph.GetThreadID(req.Config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(req.Config)

	checkpointBlob, err := graph.MarshalCheckpoint(req.Checkpoint)
	if err != nil {
		return nil, err
	}
	metadataBlob, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	writes, err := encodeWrites(req.PendingWrites)
	if err != nil {
		return nil, err
	}
	parentID := ""
	if req.Metadata != nil {
		parentID = req.Metadata.Parents[namespace]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threads[threadID] == nil {
		s.threads[threadID] = make(map[string][]*entry)
	}
	// Idempotent on re-insertion of the same checkpoint id.
	if existing := s.find(threadID, namespace, req.Checkpoint.ID); existing != nil {
		existing.checkpointBlob = checkpointBlob
		existing.metadataBlob = metadataBlob
		existing.writes = writes
	} else {
		s.threads[threadID][namespace] = append(s.threads[threadID][namespace], &entry{
			checkpointBlob: checkpointBlob,
			metadataBlob:   metadataBlob,
			parentID:       parentID,
			ts:             req.Checkpoint.Ts,
			writes:         writes,
		})
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace), nil
}

func encodeWrites(writes []graph.PendingWrite) ([]storedWrite, error) {
	out := make([]storedWrite, 0, len(writes))
	for _, w := range writes {
		blob, err := graph.MarshalValue(w.Value)
		if err != nil {
			return nil, fmt.Errorf("encode write %s/%s: %w", w.TaskID, w.Channel, err)
		}
		out = append(out, storedWrite{taskID: w.TaskID, channel: w.Channel, valueBlob: blob, sequence: w.Sequence})
	}
	return out, nil
}

// DeleteThread removes all checkpoints of a thread.
func (s *Saver) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// Close releases nothing; the saver is memory only.
func (s *Saver) Close() error { return nil }
