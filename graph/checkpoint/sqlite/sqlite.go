//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a SQLite-backed checkpoint saver via database/sql.
// Callers supply the *sql.DB; tests and the server binary open it with the
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valuegraph/valuegraph/graph"
)

const (
	createCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id            TEXT NOT NULL,
	checkpoint_ns        TEXT NOT NULL DEFAULT '',
	checkpoint_id        TEXT NOT NULL,
	parent_checkpoint_id TEXT,
	created_at           TEXT NOT NULL,
	checkpoint_blob      BLOB NOT NULL,
	metadata_blob        BLOB NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
);`

	createWritesTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoint_writes (
	thread_id     TEXT NOT NULL,
	checkpoint_ns TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	idx           INTEGER NOT NULL,
	channel       TEXT NOT NULL,
	value_blob    BLOB NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
);`

	createTimelineIndexSQL = `
CREATE INDEX IF NOT EXISTS checkpoints_timeline
	ON checkpoints (thread_id, checkpoint_ns, created_at DESC);`

	insertCheckpointSQL = `
INSERT INTO checkpoints
	(thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, created_at, checkpoint_blob, metadata_blob)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
	checkpoint_blob = excluded.checkpoint_blob,
	metadata_blob   = excluded.metadata_blob;`

	insertWriteSQL = `
INSERT INTO checkpoint_writes
	(thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value_blob)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO UPDATE SET
	channel    = excluded.channel,
	value_blob = excluded.value_blob;`

	selectLatestSQL = `
SELECT checkpoint_id, parent_checkpoint_id, checkpoint_blob, metadata_blob
FROM checkpoints
WHERE thread_id = ? AND checkpoint_ns = ?
ORDER BY created_at DESC, rowid DESC
LIMIT 1;`

	selectByIDSQL = `
SELECT checkpoint_id, parent_checkpoint_id, checkpoint_blob, metadata_blob
FROM checkpoints
WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?;`

	selectWritesSQL = `
SELECT task_id, idx, channel, value_blob
FROM checkpoint_writes
WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
ORDER BY task_id, idx;`

	selectListSQL = `
SELECT checkpoint_id, parent_checkpoint_id, checkpoint_blob, metadata_blob
FROM checkpoints
WHERE thread_id = ? AND checkpoint_ns = ?
ORDER BY created_at DESC, rowid DESC;`

	deleteCheckpointsSQL = `DELETE FROM checkpoints WHERE thread_id = ?;`
	deleteWritesSQL      = `DELETE FROM checkpoint_writes WHERE thread_id = ?;`
)

// Saver persists checkpoints in SQLite.
type Saver struct {
	db    *sql.DB
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
func NewSaver(db *sql.DB, opts ...Option) (*Saver, error) {
	s := &Saver{db: db, codec: graph.PlainBlobCodec{}}
	for _, opt := range opts {
		opt(s)
	}
	for _, stmt := range []string{createCheckpointsTableSQL, createWritesTableSQL, createTimelineIndexSQL} {
		if _, err := db.Exec(stmt); err != nil {
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

	var row *sql.Row
	if id := graph.GetCheckpointID(config); id != "" {
		row = s.db.QueryRowContext(ctx, selectByIDSQL, threadID, namespace, id)
	} else {
		row = s.db.QueryRowContext(ctx, selectLatestSQL, threadID, namespace)
	}
	tuple, err := s.scanTuple(row, threadID, namespace)
	if err != nil || tuple == nil {
		return tuple, err
	}

	rows, err := s.db.QueryContext(ctx, selectWritesSQL, threadID, namespace, tuple.Checkpoint.ID)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Saver) scanTuple(row rowScanner, threadID, namespace string) (*graph.CheckpointTuple, error) {
	var (
		checkpointID   string
		parentID       sql.NullString
		checkpointBlob []byte
		metadataBlob   []byte
	)
	if err := row.Scan(&checkpointID, &parentID, &checkpointBlob, &metadataBlob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	if parentID.Valid && parentID.String != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(threadID, parentID.String, namespace)
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

	rows, err := s.db.QueryContext(ctx, selectListSQL, threadID, namespace)
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
	namespace := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := s.insertWrites(ctx, tx, threadID, namespace, checkpointID, req.Writes); err != nil {
		return err
	}
	return tx.Commit()
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
	var parentID any
	if req.Metadata != nil && req.Metadata.Parents[namespace] != "" {
		parentID = req.Metadata.Parents[namespace]
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, insertCheckpointSQL,
		threadID, namespace, req.Checkpoint.ID, parentID,
		req.Checkpoint.Ts.UTC().Format(time.RFC3339Nano),
		sealedCkpt, sealedMeta); err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := s.insertWrites(ctx, tx, threadID, namespace, req.Checkpoint.ID, req.PendingWrites); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit checkpoint: %w", err)
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace), nil
}

func (s *Saver) insertWrites(ctx context.Context, tx *sql.Tx, threadID, namespace, checkpointID string, writes []graph.PendingWrite) error {
	for i, w := range writes {
		blob, err := graph.MarshalValue(w.Value)
		if err != nil {
			return fmt.Errorf("encode write %s/%s: %w", w.TaskID, w.Channel, err)
		}
		sealed, err := s.codec.Seal(blob)
		if err != nil {
			return fmt.Errorf("seal write blob: %w", err)
		}
		idx := w.Sequence
		if idx == 0 {
			idx = int64(i)
		}
		if _, err := tx.ExecContext(ctx, insertWriteSQL,
			threadID, namespace, checkpointID, w.TaskID, idx, w.Channel, sealed); err != nil {
			return fmt.Errorf("insert write: %w", err)
		}
	}
	return nil
}

// DeleteThread removes all checkpoints and writes of a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, deleteWritesSQL, threadID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, deleteCheckpointsSQL, threadID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying database handle.
func (s *Saver) Close() error { return s.db.Close() }
