//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valuegraph/valuegraph/graph"
	"github.com/valuegraph/valuegraph/graph/checkpoint/sealed"
)

func newTestSaver(t *testing.T, opts ...Option) *Saver {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	s := NewSaver(client, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func put(t *testing.T, s *Saver, threadID, ns string, ckpt *graph.Checkpoint, meta *graph.CheckpointMetadata, writes ...graph.PendingWrite) {
	t.Helper()
	_, err := s.PutFull(context.Background(), graph.PutFullRequest{
		Config:        graph.CreateCheckpointConfig(threadID, "", ns),
		Checkpoint:    ckpt,
		Metadata:      meta,
		PendingWrites: writes,
	})
	require.NoError(t, err)
}

func stamped(state graph.State, ts time.Time, next ...string) *graph.Checkpoint {
	ckpt := graph.NewCheckpoint(state, nil, next)
	ckpt.Ts = ts
	return ckpt
}

func TestPutFullAndGetTupleLatest(t *testing.T) {
	s := newTestSaver(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := stamped(graph.State{"n": float64(1)}, base)
	second := stamped(graph.State{"n": float64(2)}, base.Add(time.Second), "approval")
	put(t, s, "t1", "", first, &graph.CheckpointMetadata{Source: graph.CheckpointSourceInput, Step: -1})
	put(t, s, "t1", "", second, &graph.CheckpointMetadata{
		Source:  graph.CheckpointSourceLoop,
		Step:    0,
		Parents: map[string]string{"": first.ID},
	})

	latest, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.Checkpoint.ID)
	assert.Equal(t, []string{"approval"}, latest.Checkpoint.NextNodes)
	require.NotNil(t, latest.ParentConfig)
	assert.Equal(t, first.ID, graph.GetCheckpointID(latest.ParentConfig))

	pinned, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", first.ID, ""))
	require.NoError(t, err)
	assert.Equal(t, graph.CheckpointSourceInput, pinned.Metadata.Source)
	assert.Nil(t, pinned.ParentConfig)
}

func TestPendingWritesSortedByTaskAndSequence(t *testing.T) {
	s := newTestSaver(t)
	ckpt := stamped(graph.State{}, time.Now(), "approval")
	put(t, s, "t1", "", ckpt,
		&graph.CheckpointMetadata{Source: graph.CheckpointSourceInterrupt, Step: 1},
		graph.PendingWrite{TaskID: "1:zulu", Channel: "findings", Value: "z", Sequence: 0},
		graph.PendingWrite{TaskID: "1:alpha", Channel: "fair_value", Value: decimal.RequireFromString("42.10"), Sequence: 1},
		graph.PendingWrite{TaskID: "1:alpha", Channel: "findings", Value: "a", Sequence: 0},
	)

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 3)
	assert.Equal(t, "1:alpha", tuple.PendingWrites[0].TaskID)
	assert.Equal(t, "findings", tuple.PendingWrites[0].Channel)
	assert.Equal(t, "fair_value", tuple.PendingWrites[1].Channel)
	assert.Equal(t, "1:zulu", tuple.PendingWrites[2].TaskID)

	d, ok := tuple.PendingWrites[1].Value.(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, d.Equal(decimal.RequireFromString("42.10")))
}

func TestListNewestFirstWithPagination(t *testing.T) {
	s := newTestSaver(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		ckpt := stamped(graph.State{"step": i}, base.Add(time.Duration(i)*time.Second))
		put(t, s, "t1", "", ckpt, &graph.CheckpointMetadata{Source: graph.CheckpointSourceLoop, Step: i})
		ids = append(ids, ckpt.ID)
	}

	all, err := s.List(context.Background(), graph.CreateCheckpointConfig("t1", "", ""), nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].Checkpoint.ID)

	page, err := s.List(context.Background(), graph.CreateCheckpointConfig("t1", "", ""), &graph.CheckpointFilter{
		Before: graph.CreateCheckpointConfig("t1", ids[2], ""),
		Limit:  1,
	})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].Checkpoint.ID)
}

func TestNamespaceIsolation(t *testing.T) {
	s := newTestSaver(t)
	now := time.Now()
	put(t, s, "t1", "", stamped(graph.State{"n": "root"}, now), &graph.CheckpointMetadata{Source: graph.CheckpointSourceLoop})
	put(t, s, "t1", "review", stamped(graph.State{"n": "sub"}, now), &graph.CheckpointMetadata{Source: graph.CheckpointSourceInput})

	root, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	assert.Equal(t, "root", root.Checkpoint.ChannelValues["n"])

	sub, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", "review"))
	require.NoError(t, err)
	assert.Equal(t, "sub", sub.Checkpoint.ChannelValues["n"])
}

func TestDeleteThreadCoversAllNamespaces(t *testing.T) {
	s := newTestSaver(t)
	now := time.Now()
	put(t, s, "t1", "", stamped(graph.State{}, now), &graph.CheckpointMetadata{Source: graph.CheckpointSourceLoop},
		graph.PendingWrite{TaskID: "1:a", Channel: "findings", Value: "x", Sequence: 0})
	put(t, s, "t1", "review", stamped(graph.State{}, now), &graph.CheckpointMetadata{Source: graph.CheckpointSourceLoop})
	put(t, s, "t2", "", stamped(graph.State{}, now), &graph.CheckpointMetadata{Source: graph.CheckpointSourceLoop})

	require.NoError(t, s.DeleteThread(context.Background(), "t1"))

	gone, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", "review"))
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t2", "", ""))
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestMissingThreadReturnsNil(t *testing.T) {
	s := newTestSaver(t)
	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("ghost", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)

	_, err = s.GetTuple(context.Background(), graph.CreateCheckpointConfig("", "", ""))
	require.ErrorIs(t, err, graph.ErrThreadIDRequired)
}

func TestSealedBlobsRoundTrip(t *testing.T) {
	key := make([]byte, sealed.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	codec, err := sealed.NewCodec(key)
	require.NoError(t, err)

	s := newTestSaver(t, WithBlobCodec(codec))
	ckpt := stamped(graph.State{"secret": "valuation draft"}, time.Now())
	put(t, s, "t1", "", ckpt, &graph.CheckpointMetadata{Source: graph.CheckpointSourceLoop})

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	assert.Equal(t, "valuation draft", tuple.Checkpoint.ChannelValues["secret"])
}
