//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a Redis-backed checkpoint saver. Each checkpoint is
// a hash; a sorted set per (thread, namespace) keeps the timeline; a second
// hash holds the pending writes. PutFull commits through one transactional
// pipeline.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/valuegraph/valuegraph/graph"
)

const (
	checkpointKeyFmt = "vg:ckpt:%s:%s:%s"   // thread, namespace, checkpoint id
	timelineKeyFmt   = "vg:ckpt_ts:%s:%s"   // thread, namespace
	writesKeyFmt     = "vg:writes:%s:%s:%s" // thread, namespace, checkpoint id
	namespacesKeyFmt = "vg:ns:%s"           // thread

	fieldCheckpoint = "checkpoint"
	fieldMetadata   = "metadata"
	fieldParent     = "parent_id"
)

// Saver persists checkpoints in Redis.
type Saver struct {
	client redisv9.UniversalClient
	codec  graph.BlobCodec
}

var _ graph.Saver = (*Saver)(nil)

// Option configures the saver.
type Option func(*Saver)

// WithBlobCodec transforms blobs before storage, typically for encryption.
func WithBlobCodec(codec graph.BlobCodec) Option {
	return func(s *Saver) { s.codec = codec }
}

// NewSaver creates a saver over an established Redis client.
func NewSaver(client redisv9.UniversalClient, opts ...Option) *Saver {
	s := &Saver{client: client, codec: graph.PlainBlobCodec{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type storedWrite struct {
	TaskID   string `json:"task_id"`
	Channel  string `json:"channel"`
	Value    []byte `json:"value"`
	Sequence int64  `json:"sequence"`
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
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)
	if checkpointID == "" {
		latest, err := s.latestID(ctx, threadID, namespace)
		if err != nil || latest == "" {
			return nil, err
		}
		checkpointID = latest
	}
	return s.loadTuple(ctx, threadID, namespace, checkpointID)
}

func (s *Saver) latestID(ctx context.Context, threadID, namespace string) (string, error) {
	ids, err := s.client.ZRevRange(ctx, fmt.Sprintf(timelineKeyFmt, threadID, namespace), 0, 0).Result()
	if err != nil {
		return "", fmt.Errorf("query timeline: %w", err)
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

func (s *Saver) loadTuple(ctx context.Context, threadID, namespace, checkpointID string) (*graph.CheckpointTuple, error) {
	fields, err := s.client.HGetAll(ctx, fmt.Sprintf(checkpointKeyFmt, threadID, namespace, checkpointID)).Result()
	if err != nil {
		if errors.Is(err, redisv9.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	plainCkpt, err := s.codec.Open([]byte(fields[fieldCheckpoint]))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint blob: %w", err)
	}
	ckpt, err := graph.UnmarshalCheckpoint(plainCkpt)
	if err != nil {
		return nil, err
	}
	plainMeta, err := s.codec.Open([]byte(fields[fieldMetadata]))
	if err != nil {
		return nil, fmt.Errorf("open metadata blob: %w", err)
	}
	var meta graph.CheckpointMetadata
	if err := json.Unmarshal(plainMeta, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	tuple := &graph.CheckpointTuple{
		Config:     graph.CreateCheckpointConfig(threadID, checkpointID, namespace),
		Checkpoint: ckpt,
		Metadata:   &meta,
	}
	if parent := fields[fieldParent]; parent != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(threadID, parent, namespace)
	}

	raw, err := s.client.HVals(ctx, fmt.Sprintf(writesKeyFmt, threadID, namespace, checkpointID)).Result()
	if err != nil && !errors.Is(err, redisv9.Nil) {
		return nil, fmt.Errorf("load writes: %w", err)
	}
	for _, item := range raw {
		var w storedWrite
		if err := json.Unmarshal([]byte(item), &w); err != nil {
			return nil, fmt.Errorf("decode write: %w", err)
		}
		plain, err := s.codec.Open(w.Value)
		if err != nil {
			return nil, fmt.Errorf("open write blob: %w", err)
		}
		value, err := graph.UnmarshalValue(plain)
		if err != nil {
			return nil, err
		}
		tuple.PendingWrites = append(tuple.PendingWrites, graph.PendingWrite{
			TaskID: w.TaskID, Channel: w.Channel, Value: value, Sequence: w.Sequence,
		})
	}
	sort.Slice(tuple.PendingWrites, func(i, j int) bool {
		a, b := tuple.PendingWrites[i], tuple.PendingWrites[j]
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		return a.Sequence < b.Sequence
	})
	return tuple, nil
}

// List returns the thread's checkpoints in the config's namespace, newest
// first.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(config)
	ids, err := s.client.ZRevRange(ctx, fmt.Sprintf(timelineKeyFmt, threadID, namespace), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}

	var tuples []*graph.CheckpointTuple
	for _, id := range ids {
		tuple, err := s.loadTuple(ctx, threadID, namespace, id)
		if err != nil {
			return nil, err
		}
		if tuple != nil {
			tuples = append(tuples, tuple)
		}
	}
	if filter != nil && filter.Before != nil {
		beforeID := graph.GetCheckpointID(filter.Before)
		for i, tuple := range tuples {
			if tuple.Checkpoint.ID == beforeID {
				tuples = tuples[i+1:]
				break
			}
		}
	}
	if filter != nil && filter.Limit > 0 && len(tuples) > filter.Limit {
		tuples = tuples[:filter.Limit]
	}
	return tuples, nil
}

// Put stores one checkpoint.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	return s.PutFull(ctx, graph.PutFullRequest{
		Config: req.Config, Checkpoint: req.Checkpoint, Metadata: req.Metadata,
	})
}

// PutWrites stores pending writes linked to a checkpoint.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	threadID := graph.GetThreadID(req.Config)
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)

	entries, err := s.encodeWrites(req.Writes)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	return s.client.HSet(ctx, fmt.Sprintf(writesKeyFmt, threadID, namespace, checkpointID), entries).Err()
}

// PutFull stores a checkpoint and its pending writes in one transactional
// pipeline.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
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
	sealedCkpt, err := s.codec.Seal(checkpointBlob)
	if err != nil {
		return nil, fmt.Errorf("seal checkpoint blob: %w", err)
	}
	sealedMeta, err := s.codec.Seal(metadataBlob)
	if err != nil {
		return nil, fmt.Errorf("seal metadata blob: %w", err)
	}
	parentID := ""
	if req.Metadata != nil {
		parentID = req.Metadata.Parents[namespace]
	}
	entries, err := s.encodeWrites(req.PendingWrites)
	if err != nil {
		return nil, err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, fmt.Sprintf(checkpointKeyFmt, threadID, namespace, req.Checkpoint.ID), map[string]any{
		fieldCheckpoint: sealedCkpt,
		fieldMetadata:   sealedMeta,
		fieldParent:     parentID,
	})
	pipe.ZAdd(ctx, fmt.Sprintf(timelineKeyFmt, threadID, namespace), redisv9.Z{
		Score:  float64(req.Checkpoint.Ts.UnixNano()),
		Member: req.Checkpoint.ID,
	})
	pipe.SAdd(ctx, fmt.Sprintf(namespacesKeyFmt, threadID), namespace)
	if len(entries) > 0 {
		pipe.HSet(ctx, fmt.Sprintf(writesKeyFmt, threadID, namespace, req.Checkpoint.ID), entries)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("commit checkpoint: %w", err)
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace), nil
}

func (s *Saver) encodeWrites(writes []graph.PendingWrite) (map[string]any, error) {
	if len(writes) == 0 {
		return nil, nil
	}
	entries := make(map[string]any, len(writes))
	for _, w := range writes {
		blob, err := graph.MarshalValue(w.Value)
		if err != nil {
			return nil, fmt.Errorf("encode write %s/%s: %w", w.TaskID, w.Channel, err)
		}
		sealed, err := s.codec.Seal(blob)
		if err != nil {
			return nil, fmt.Errorf("seal write blob: %w", err)
		}
		item, err := json.Marshal(storedWrite{TaskID: w.TaskID, Channel: w.Channel, Value: sealed, Sequence: w.Sequence})
		if err != nil {
			return nil, err
		}
		entries[fmt.Sprintf("%s:%d", w.TaskID, w.Sequence)] = item
	}
	return entries, nil
}

// DeleteThread removes all checkpoints and writes of a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	namespaces, err := s.client.SMembers(ctx, fmt.Sprintf(namespacesKeyFmt, threadID)).Result()
	if err != nil && !errors.Is(err, redisv9.Nil) {
		return fmt.Errorf("load namespaces: %w", err)
	}
	pipe := s.client.TxPipeline()
	for _, namespace := range namespaces {
		timelineKey := fmt.Sprintf(timelineKeyFmt, threadID, namespace)
		ids, err := s.client.ZRange(ctx, timelineKey, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("load timeline: %w", err)
		}
		for _, id := range ids {
			pipe.Del(ctx, fmt.Sprintf(checkpointKeyFmt, threadID, namespace, id))
			pipe.Del(ctx, fmt.Sprintf(writesKeyFmt, threadID, namespace, id))
		}
		pipe.Del(ctx, timelineKey)
	}
	pipe.Del(ctx, fmt.Sprintf(namespacesKeyFmt, threadID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Saver) Close() error { return s.client.Close() }
