//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"fmt"
)

// CheckpointRef addresses one checkpoint in a thread's history. An empty
// CheckpointID means the latest; an empty Namespace means the root graph.
type CheckpointRef struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
}

// UpdateState forks a new checkpoint off the referenced one, applying values
// through the channel reducers as if node asNode had written them. The
// target checkpoint is untouched; re-running the thread afterwards starts a
// new branch rooted at the fork.
func (e *Executor) UpdateState(ctx context.Context, ref CheckpointRef, values State, asNode string) (map[string]any, error) {
	cfg := CreateCheckpointConfig(ref.ThreadID, ref.CheckpointID, ref.Namespace)
	tuple, err := e.saver.GetTuple(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if tuple == nil || tuple.Checkpoint == nil {
		return nil, &Error{Kind: ErrKindNotFound, Message: fmt.Sprintf("thread %s has no checkpoint", ref.ThreadID)}
	}
	if asNode == "" {
		asNode = Start
	}

	base := tuple.Checkpoint.Clone()
	writes := make([]channelWrite, 0, len(values))
	for channel, value := range values {
		writes = append(writes, channelWrite{TaskID: "update", Node: asNode, Channel: channel, Value: value})
	}
	state, err := e.graph.schema.applyWrites(base.ChannelValues, writes)
	if err != nil {
		return nil, err
	}
	versions := cloneVersions(base.ChannelVersions)
	for channel := range values {
		if !isInternalStateKey(channel) {
			versions[channel]++
		}
	}

	fork := NewCheckpoint(state.Clone(), versions, base.NextNodes)
	fork.InterruptsPending = base.InterruptsPending
	meta := e.metadata(ctx, CheckpointSourceUpdate, tupleStep(tuple)+1,
		map[string]string{ref.Namespace: base.ID})
	return e.saver.PutFull(ctx, PutFullRequest{
		Config:     CreateCheckpointConfig(ref.ThreadID, "", ref.Namespace),
		Checkpoint: fork,
		Metadata:   meta,
	})
}

// StateAt returns the state recorded at the referenced checkpoint.
func (e *Executor) StateAt(ctx context.Context, ref CheckpointRef) (State, error) {
	cfg := CreateCheckpointConfig(ref.ThreadID, ref.CheckpointID, ref.Namespace)
	ckpt, err := e.saver.Get(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if ckpt == nil {
		return nil, &Error{Kind: ErrKindNotFound, Message: fmt.Sprintf("thread %s has no checkpoint", ref.ThreadID)}
	}
	return ckpt.ChannelValues, nil
}

// History returns the thread's checkpoint tuples, newest first. A non-empty
// before restricts results to checkpoints older than the given id; limit
// caps the page size.
func (e *Executor) History(ctx context.Context, threadID string, limit int, before string) ([]*CheckpointTuple, error) {
	filter := &CheckpointFilter{Limit: limit}
	if before != "" {
		filter.Before = CreateCheckpointConfig(threadID, before, "")
	}
	return e.saver.List(ctx, CreateCheckpointConfig(threadID, "", ""), filter)
}
