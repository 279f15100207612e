//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

// Package postgres provides a PostgreSQL checkpoint saver on pgx/v5. The
// saver takes a small DB interface so it runs against a pgxpool.Pool in
// production and a pgxmock pool in tests.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/valuegraph/valuegraph/graph"
)

const (
	createCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id            TEXT NOT NULL,
	checkpoint_ns        TEXT NOT NULL DEFAULT '',
	checkpoint_id        TEXT NOT NULL,
	parent_checkpoint_id TEXT,
	created_at           TIMESTAMPTZ NOT NULL,
	checkpoint_blob      BYTEA NOT NULL,
	metadata_blob        BYTEA NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
);`

	createWritesTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoint_writes (
	thread_id     TEXT NOT NULL,
	checkpoint_ns TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	idx           BIGINT NOT NULL,
	channel       TEXT NOT NULL,
	value_blob    BYTEA NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
);`

	createTimelineIndexSQL = `
CREATE INDEX IF NOT EXISTS checkpoints_timeline
	ON checkpoints (thread_id, checkpoint_ns, created_at DESC);`

	insertCheckpointSQL = `
INSERT INTO checkpoints
	(thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, created_at, checkpoint_blob, metadata_blob)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
	checkpoint_blob = EXCLUDED.checkpoint_blob,
	metadata_blob   = EXCLUDED.metadata_blob`

	insertWriteSQL = `
INSERT INTO checkpoint_writes
	(thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value_blob)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO UPDATE SET
	channel    = EXCLUDED.channel,
	value_blob = EXCLUDED.value_blob`

	selectLatestSQL = `
SELECT checkpoint_id, parent_checkpoint_id, checkpoint_blob, metadata_blob
FROM checkpoints
WHERE thread_id = $1 AND checkpoint_ns = $2
ORDER BY created_at DESC
LIMIT 1`

	selectByIDSQL = `
SELECT checkpoint_id, parent_checkpoint_id, checkpoint_blob, metadata_blob
FROM checkpoints
WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3`

	selectWritesSQL = `
SELECT task_id, idx, channel, value_blob
FROM checkpoint_writes
WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3
ORDER BY task_id, idx`

	selectListSQL = `
SELECT checkpoint_id, parent_checkpoint_id, checkpoint_blob, metadata_blob
FROM checkpoints
WHERE thread_id = $1 AND checkpoint_ns = $2
ORDER BY created_at DESC`

	deleteCheckpointsSQL = `DELETE FROM checkpoints WHERE thread_id = $1`
	deleteWritesSQL      = `DELETE FROM checkpoint_writes WHERE thread_id = $1`
)

// DB is the subset of pgxpool.Pool the saver needs. pgxmock satisfies it in
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Saver persists checkpoints in PostgreSQL.
type Saver struct {
	db    DB
	codec graph.BlobCodec
}

var _ graph.Saver = (*Saver)(nil)

// Option configures the saver.
type Option func(*Saver)

// WithBlobCodec transforms blobs before storage, typically for encryption.
func WithBlobCodec(codec graph.BlobCodec) Option {
	return func(s *Saver) { s.codec = codec }
}

// NewSaver creates a saver over db and runs the schema migration.
func NewSaver(ctx context.Context, db DB, opts ...Option) (*Saver, error) {
	s := &Saver{db: db, codec: graph.PlainBlobCodec{}}
	for _, opt := range opts {
		opt(s)
	}
	for _, stmt := range []string{createCheckpointsTableSQL, createWritesTableSQL, createTimelineIndexSQL} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate checkpoint schema: %w", err)
		}
	}
	return s, nil
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

	var row pgx.Row
	if id := graph.GetCheckpointID(config); id != "" {
		row = s.db.QueryRow(ctx, selectByIDSQL, threadID, namespace, id)
	} else {
		row = s.db.QueryRow(ctx, selectLatestSQL, threadID, namespace)
	}
	tuple, err := s.scanTuple(row, threadID, namespace)
	if err != nil || tuple == nil {
		return tuple, err
	}

	rows, err := s.db.Query(ctx, selectWritesSQL, threadID, namespace, tuple.Checkpoint.ID)
	if err != nil {
		return nil, fmt.Errorf("query writes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			taskID, channel string
			idx             int64
			blob            []byte
		)
		if err := rows.Scan(&taskID, &idx, &channel, &blob); err != nil {
			return nil, err
		}
		plain, err := s.codec.Open(blob)
		if err != nil {
			return nil, fmt.Errorf("open write blob: %w", err)
		}
		value, err := graph.UnmarshalValue(plain)
		if err != nil {
			return nil, err
		}
		tuple.PendingWrites = append(tuple.PendingWrites, graph.PendingWrite{
			TaskID: taskID, Channel: channel, Value: value, Sequence: idx,
		})
	}
	return tuple, rows.Err()
}

func (s *Saver) scanTuple(row pgx.Row, threadID, namespace string) (*graph.CheckpointTuple, error) {
	var (
		checkpointID   string
		parentID       *string
		checkpointBlob []byte
		metadataBlob   []byte
	)
	if err := row.Scan(&checkpointID, &parentID, &checkpointBlob, &metadataBlob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	plainCkpt, err := s.codec.Open(checkpointBlob)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint blob: %w", err)
	}
	ckpt, err := graph.UnmarshalCheckpoint(plainCkpt)
	if err != nil {
		return nil, err
	}
	plainMeta, err := s.codec.Open(metadataBlob)
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
	if parentID != nil && *parentID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(threadID, *parentID, namespace)
	}
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

	rows, err := s.db.Query(ctx, selectListSQL, threadID, namespace)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var tuples []*graph.CheckpointTuple
	for rows.Next() {
		tuple, err := s.scanTuple(rows, threadID, namespace)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, tuple)
	}
	if err := rows.Err(); err != nil {
		return nil, err
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
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := s.insertWrites(ctx, tx, threadID,
		graph.GetNamespace(req.Config), graph.GetCheckpointID(req.Config), req.Writes); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// PutFull stores a checkpoint and its pending writes in one transaction.
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
	var parentID *string
	if req.Metadata != nil {
		if parent := req.Metadata.Parents[namespace]; parent != "" {
			parentID = &parent
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, insertCheckpointSQL,
		threadID, namespace, req.Checkpoint.ID, parentID,
		req.Checkpoint.Ts.UTC().Truncate(time.Microsecond),
		sealedCkpt, sealedMeta); err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := s.insertWrites(ctx, tx, threadID, namespace, req.Checkpoint.ID, req.PendingWrites); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit checkpoint: %w", err)
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace), nil
}

func (s *Saver) insertWrites(ctx context.Context, tx pgx.Tx, threadID, namespace, checkpointID string, writes []graph.PendingWrite) error {
	for _, w := range writes {
		blob, err := graph.MarshalValue(w.Value)
		if err != nil {
			return fmt.Errorf("encode write %s/%s: %w", w.TaskID, w.Channel, err)
		}
		sealed, err := s.codec.Seal(blob)
		if err != nil {
			return fmt.Errorf("seal write blob: %w", err)
		}
		if _, err := tx.Exec(ctx, insertWriteSQL,
			threadID, namespace, checkpointID, w.TaskID, w.Sequence, w.Channel, sealed); err != nil {
			return fmt.Errorf("insert write: %w", err)
		}
	}
	return nil
}

// DeleteThread removes all checkpoints and writes of a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, deleteWritesSQL, threadID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	if _, err := tx.Exec(ctx, deleteCheckpointsSQL, threadID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return tx.Commit(ctx)
}

// Close is a no-op; the caller owns the pool.
func (s *Saver) Close() error { return nil }
