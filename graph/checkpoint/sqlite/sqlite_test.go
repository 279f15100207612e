//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package sqlite

import (
	"context"
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/valuegraph/valuegraph/graph"
	"github.com/valuegraph/valuegraph/graph/checkpoint/sealed"
)

func newTestSaver(t *testing.T, opts ...Option) *Saver {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// The in-memory database vanishes with its single connection.
	db.SetMaxOpenConns(1)
	s, err := NewSaver(db, opts...)
	require.NoError(t, err)
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

func TestPutFullAndGetTuple(t *testing.T) {
	s := newTestSaver(t)

	ckpt := graph.NewCheckpoint(graph.State{
		"fair_value": decimal.RequireFromString("31.41"),
		"ticker":     "ACME",
	}, map[string]int64{"fair_value": 1}, []string{"approval"})
	put(t, s, "t1", "", ckpt, &graph.CheckpointMetadata{
		Source: graph.CheckpointSourceLoop,
		Step:   2,
		Extra:  map[string]any{graph.MetaKeyLastSeqID: int64(9)},
	})

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, ckpt.ID, tuple.Checkpoint.ID)
	assert.Equal(t, []string{"approval"}, tuple.Checkpoint.NextNodes)
	assert.Equal(t, 2, tuple.Metadata.Step)
	assert.EqualValues(t, 9, tuple.Metadata.Extra[graph.MetaKeyLastSeqID])

	d, ok := tuple.Checkpoint.ChannelValues["fair_value"].(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, d.Equal(decimal.RequireFromString("31.41")))
}

func TestLatestWinsAcrossInserts(t *testing.T) {
	s := newTestSaver(t)
	first := graph.NewCheckpoint(graph.State{"n": float64(1)}, nil, nil)
	second := graph.NewCheckpoint(graph.State{"n": float64(2)}, nil, nil)
	put(t, s, "t1", "", first, &graph.CheckpointMetadata{Source: graph.CheckpointSourceInput, Step: -1})
	put(t, s, "t1", "", second, &graph.CheckpointMetadata{
		Source:  graph.CheckpointSourceLoop,
		Step:    0,
		Parents: map[string]string{"": first.ID},
	})

	latest, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.Checkpoint.ID)
	require.NotNil(t, latest.ParentConfig)
	assert.Equal(t, first.ID, graph.GetCheckpointID(latest.ParentConfig))

	pinned, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", first.ID, ""))
	require.NoError(t, err)
	assert.Equal(t, first.ID, pinned.Checkpoint.ID)
}

func TestPutFullIdempotentUpsert(t *testing.T) {
	s := newTestSaver(t)
	ckpt := graph.NewCheckpoint(graph.State{"n": float64(1)}, nil, nil)
	meta := &graph.CheckpointMetadata{Source: graph.CheckpointSourceLoop, Step: 0}
	put(t, s, "t1", "", ckpt, meta)

	meta.Extra = map[string]any{graph.MetaKeyLastSeqID: int64(42)}
	put(t, s, "t1", "", ckpt, meta)

	all, err := s.List(context.Background(), graph.CreateCheckpointConfig("t1", "", ""), nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.EqualValues(t, 42, all[0].Metadata.Extra[graph.MetaKeyLastSeqID])
}

func TestPendingWritesOrderedBySequence(t *testing.T) {
	s := newTestSaver(t)
	ckpt := graph.NewCheckpoint(graph.State{}, nil, []string{"approval"})
	put(t, s, "t1", "", ckpt,
		&graph.CheckpointMetadata{Source: graph.CheckpointSourceInterrupt, Step: 1},
		graph.PendingWrite{TaskID: "1:sibling", Channel: "findings", Value: "first", Sequence: 0},
		graph.PendingWrite{TaskID: "1:sibling", Channel: "result", Value: "second", Sequence: 1},
	)

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	assert.Equal(t, "findings", tuple.PendingWrites[0].Channel)
	assert.Equal(t, "result", tuple.PendingWrites[1].Channel)
}

func TestListPagination(t *testing.T) {
	s := newTestSaver(t)
	var ids []string
	for i := 0; i < 3; i++ {
		ckpt := graph.NewCheckpoint(graph.State{"step": i}, nil, nil)
		put(t, s, "t1", "", ckpt, &graph.CheckpointMetadata{Source: graph.CheckpointSourceLoop, Step: i})
		ids = append(ids, ckpt.ID)
	}

	page, err := s.List(context.Background(), graph.CreateCheckpointConfig("t1", "", ""), &graph.CheckpointFilter{
		Before: graph.CreateCheckpointConfig("t1", ids[2], ""),
		Limit:  1,
	})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].Checkpoint.ID)
}

func TestNamespaceIsolationAndDeleteThread(t *testing.T) {
	s := newTestSaver(t)
	put(t, s, "t1", "", graph.NewCheckpoint(graph.State{"n": "root"}, nil, nil),
		&graph.CheckpointMetadata{Source: graph.CheckpointSourceLoop})
	put(t, s, "t1", "review", graph.NewCheckpoint(graph.State{"n": "sub"}, nil, nil),
		&graph.CheckpointMetadata{Source: graph.CheckpointSourceInput})
	put(t, s, "t2", "", graph.NewCheckpoint(graph.State{"n": "other"}, nil, nil),
		&graph.CheckpointMetadata{Source: graph.CheckpointSourceLoop})

	sub, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", "review"))
	require.NoError(t, err)
	assert.Equal(t, "sub", sub.Checkpoint.ChannelValues["n"])

	require.NoError(t, s.DeleteThread(context.Background(), "t1"))
	gone, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", "review"))
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t2", "", ""))
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestSealedBlobsRoundTrip(t *testing.T) {
	key := make([]byte, sealed.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	codec, err := sealed.NewCodec(key)
	require.NoError(t, err)

	s := newTestSaver(t, WithBlobCodec(codec))
	ckpt := graph.NewCheckpoint(graph.State{"secret": "valuation draft"}, nil, nil)
	put(t, s, "t1", "", ckpt, &graph.CheckpointMetadata{Source: graph.CheckpointSourceLoop})

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	assert.Equal(t, "valuation draft", tuple.Checkpoint.ChannelValues["secret"])

	// Rows on disk never carry the plaintext.
	var blob []byte
	row := s.db.QueryRow(`SELECT checkpoint_blob FROM checkpoints WHERE thread_id = 't1'`)
	require.NoError(t, row.Scan(&blob))
	assert.NotContains(t, string(blob), "valuation draft")
}

func TestMissingThreadReturnsNil(t *testing.T) {
	s := newTestSaver(t)
	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("ghost", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)

	_, err = s.GetTuple(context.Background(), graph.CreateCheckpointConfig("", "", ""))
	require.ErrorIs(t, err, graph.ErrThreadIDRequired)
}
