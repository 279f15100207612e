//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Checkpoint sources recorded in metadata.
const (
	// CheckpointSourceInput marks the checkpoint created from caller input.
	CheckpointSourceInput = "input"
	// CheckpointSourceLoop marks a checkpoint written at a superstep boundary.
	CheckpointSourceLoop = "loop"
	// CheckpointSourceInterrupt marks the checkpoint finalized by an interrupt.
	CheckpointSourceInterrupt = "interrupt"
	// CheckpointSourceUpdate marks a checkpoint forked by UpdateState.
	CheckpointSourceUpdate = "update"
	// CheckpointSourceFork marks a checkpoint created by branching a run off
	// an earlier checkpoint.
	CheckpointSourceFork = "fork"
	// CheckpointSourceCancelled marks the terminal checkpoint of a cancelled
	// execution.
	CheckpointSourceCancelled = "cancelled"
)

// Configuration keys used in checkpoint config maps.
const (
	CfgKeyConfigurable = "configurable"
	CfgKeyThreadID     = "thread_id"
	CfgKeyCheckpointNS = "checkpoint_ns"
	CfgKeyCheckpointID = "checkpoint_id"
)

// MetaKeyLastSeqID is the metadata Extra key carrying the thread's event
// sequence high-water mark, so sequencing stays monotonic across restarts.
const MetaKeyLastSeqID = "last_seq_id"

// Checkpoint is an immutable snapshot of the graph state after a superstep.
type Checkpoint struct {
	// ID uniquely identifies the checkpoint within its (thread, namespace).
	ID string `json:"id"`
	// Ts is the creation timestamp.
	Ts time.Time `json:"ts"`
	// ChannelValues holds the state channels at this step.
	ChannelValues State `json:"channel_values"`
	// ChannelVersions tracks the write version of each channel; a node is
	// active in the next step when a channel it triggers on advanced.
	ChannelVersions map[string]int64 `json:"channel_versions"`
	// NextNodes lists the nodes scheduled for the following superstep.
	NextNodes []string `json:"next_nodes"`
	// InterruptsPending holds the unresolved interrupts recorded at this
	// checkpoint, keyed by interrupt id.
	InterruptsPending map[string]*InterruptRecord `json:"interrupts_pending,omitempty"`
}

// Clone creates a deep-enough copy of the checkpoint for safe mutation of
// the top-level containers. Channel values themselves are shared.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	clone := &Checkpoint{
		ID:              c.ID,
		Ts:              c.Ts,
		ChannelValues:   c.ChannelValues.Clone(),
		ChannelVersions: make(map[string]int64, len(c.ChannelVersions)),
		NextNodes:       append([]string(nil), c.NextNodes...),
	}
	for k, v := range c.ChannelVersions {
		clone.ChannelVersions[k] = v
	}
	if c.InterruptsPending != nil {
		clone.InterruptsPending = make(map[string]*InterruptRecord, len(c.InterruptsPending))
		for k, v := range c.InterruptsPending {
			clone.InterruptsPending[k] = v
		}
	}
	return clone
}

// Suspended reports whether the checkpoint has unresolved interrupts.
func (c *Checkpoint) Suspended() bool {
	return c != nil && len(c.InterruptsPending) > 0
}

// NewCheckpoint creates a checkpoint with a fresh id and timestamp.
func NewCheckpoint(values State, versions map[string]int64, next []string) *Checkpoint {
	if versions == nil {
		versions = make(map[string]int64)
	}
	return &Checkpoint{
		ID:              uuid.NewString(),
		Ts:              time.Now().UTC(),
		ChannelValues:   values,
		ChannelVersions: versions,
		NextNodes:       next,
	}
}

// CheckpointMetadata describes how a checkpoint came to be.
type CheckpointMetadata struct {
	// Source is one of the CheckpointSource constants.
	Source string `json:"source"`
	// Step is the superstep number, -1 for the input checkpoint.
	Step int `json:"step"`
	// Parents maps namespace to the parent checkpoint id in that namespace.
	Parents map[string]string `json:"parents,omitempty"`
	// Extra carries engine bookkeeping such as the seq high-water mark.
	Extra map[string]any `json:"extra,omitempty"`
}

// PendingWrite is a channel write produced during a superstep but not yet
// folded into a checkpoint. Persisting it with the checkpoint lets an
// interrupted superstep replay without repeating completed sibling tasks.
type PendingWrite struct {
	// TaskID identifies the task that produced the write.
	TaskID string `json:"task_id"`
	// Channel is the state channel written.
	Channel string `json:"channel"`
	// Value is the written value.
	Value any `json:"value"`
	// Sequence preserves the order of writes from one task.
	Sequence int64 `json:"sequence"`
}

// CheckpointTuple bundles a checkpoint with its config, metadata, parent
// linkage and pending writes.
type CheckpointTuple struct {
	Config        map[string]any
	Checkpoint    *Checkpoint
	Metadata      *CheckpointMetadata
	ParentConfig  map[string]any
	PendingWrites []PendingWrite
}

// CheckpointFilter narrows a List call.
type CheckpointFilter struct {
	// Before restricts results to checkpoints created before the one the
	// config refers to.
	Before map[string]any
	// Limit caps the number of results; zero means no cap.
	Limit int
	// Metadata filters on metadata field equality.
	Metadata map[string]any
}

// PutRequest writes one checkpoint.
type PutRequest struct {
	Config     map[string]any
	Checkpoint *Checkpoint
	Metadata   *CheckpointMetadata
}

// PutWritesRequest persists the pending writes of one task.
type PutWritesRequest struct {
	Config map[string]any
	TaskID string
	Writes []PendingWrite
}

// PutFullRequest persists a checkpoint together with its pending writes in
// one transaction.
type PutFullRequest struct {
	Config        map[string]any
	Checkpoint    *Checkpoint
	Metadata      *CheckpointMetadata
	PendingWrites []PendingWrite
}

// Saver persists checkpoints. Implementations must commit a checkpoint and
// its pending writes atomically in PutFull.
type Saver interface {
	// Get returns the checkpoint for the config, or nil when none exists.
	Get(ctx context.Context, config map[string]any) (*Checkpoint, error)
	// GetTuple returns the checkpoint together with metadata, parent config
	// and pending writes, or nil when none exists.
	GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error)
	// List returns checkpoint tuples for a thread ordered by descending
	// creation time.
	List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// Put stores a checkpoint and returns the config pinned to it.
	Put(ctx context.Context, req PutRequest) (map[string]any, error)
	// PutWrites stores intermediate writes linked to a checkpoint.
	PutWrites(ctx context.Context, req PutWritesRequest) error
	// PutFull stores a checkpoint and its pending writes atomically and
	// returns the config pinned to it.
	PutFull(ctx context.Context, req PutFullRequest) (map[string]any, error)
	// DeleteThread removes all checkpoints and writes of a thread.
	DeleteThread(ctx context.Context, threadID string) error
	// Close releases the saver's resources.
	Close() error
}

// CreateCheckpointConfig builds a config map addressing a checkpoint.
func CreateCheckpointConfig(threadID, checkpointID, namespace string) map[string]any {
	cfg := map[string]any{
		CfgKeyThreadID:     threadID,
		CfgKeyCheckpointNS: namespace,
	}
	if checkpointID != "" {
		cfg[CfgKeyCheckpointID] = checkpointID
	}
	return map[string]any{CfgKeyConfigurable: cfg}
}

func configString(config map[string]any, key string) string {
	configurable, ok := config[CfgKeyConfigurable].(map[string]any)
	if !ok {
		return ""
	}
	value, _ := configurable[key].(string)
	return value
}

// GetThreadID extracts the thread id from a checkpoint config.
func GetThreadID(config map[string]any) string {
	return configString(config, CfgKeyThreadID)
}

// GetNamespace extracts the checkpoint namespace from a config.
func GetNamespace(config map[string]any) string {
	return configString(config, CfgKeyCheckpointNS)
}

// GetCheckpointID extracts the pinned checkpoint id from a config, empty
// when the config addresses the latest checkpoint.
func GetCheckpointID(config map[string]any) string {
	return configString(config, CfgKeyCheckpointID)
}

// WithCheckpointID returns a copy of config pinned to the given checkpoint.
func WithCheckpointID(config map[string]any, checkpointID string) map[string]any {
	return CreateCheckpointConfig(GetThreadID(config), checkpointID, GetNamespace(config))
}

// ChildNamespace derives the namespace of a subgraph invoked from node within
// parent. The root graph uses the empty namespace.
func ChildNamespace(parent, node string) string {
	if parent == "" {
		return node
	}
	return parent + ":" + node
}

// NamespacePath splits a namespace back into its parent node names.
func NamespacePath(namespace string) []string {
	if namespace == "" {
		return nil
	}
	return strings.Split(namespace, ":")
}
