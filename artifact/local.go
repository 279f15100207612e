//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalService stores artifacts on the local filesystem under
// <root>/<thread_id>/<artifact_id>. A sidecar .meta.json file next to each
// blob carries type, summary and creation time.
type LocalService struct {
	root string
}

var (
	_ Service = (*LocalService)(nil)
	_ Sweeper = (*LocalService)(nil)
)

const metaSuffix = ".meta.json"

type localMeta struct {
	Type      string    `json:"type"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewLocalService creates a filesystem store rooted at root.
func NewLocalService(root string) (*LocalService, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &LocalService{root: root}, nil
}

func (s *LocalService) blobPath(threadID, artifactID string) string {
	return filepath.Join(s.root, threadID, artifactID)
}

// Save stores the artifact and returns its reference.
func (s *LocalService) Save(_ context.Context, threadID string, a *Artifact) (*Ref, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}
	dir := filepath.Join(s.root, threadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create thread dir: %w", err)
	}
	meta := localMeta{Type: a.Type, Summary: a.Summary, CreatedAt: time.Now().UTC()}
	metaBlob, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.blobPath(threadID, id), a.Data, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	if err := os.WriteFile(s.blobPath(threadID, id)+metaSuffix, metaBlob, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact metadata: %w", err)
	}
	return &Ref{ArtifactID: id, Type: a.Type, Summary: a.Summary}, nil
}

// Load retrieves one artifact.
func (s *LocalService) Load(_ context.Context, threadID, artifactID string) (*Artifact, error) {
	data, err := os.ReadFile(s.blobPath(threadID, artifactID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("artifact %s/%s not found", threadID, artifactID)
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var meta localMeta
	if metaBlob, err := os.ReadFile(s.blobPath(threadID, artifactID) + metaSuffix); err == nil {
		_ = json.Unmarshal(metaBlob, &meta)
	}
	return &Artifact{
		ID: artifactID, Type: meta.Type, Summary: meta.Summary,
		Data: data, CreatedAt: meta.CreatedAt,
	}, nil
}

// Delete removes one artifact and its metadata.
func (s *LocalService) Delete(_ context.Context, threadID, artifactID string) error {
	if err := os.Remove(s.blobPath(threadID, artifactID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(s.blobPath(threadID, artifactID) + metaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the references of all artifacts of a thread, oldest first.
func (s *LocalService) List(_ context.Context, threadID string) ([]*Ref, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, threadID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	type item struct {
		ref Ref
		ts  time.Time
	}
	var items []item
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, metaSuffix) {
			continue
		}
		var meta localMeta
		if metaBlob, err := os.ReadFile(s.blobPath(threadID, name) + metaSuffix); err == nil {
			_ = json.Unmarshal(metaBlob, &meta)
		}
		items = append(items, item{
			ref: Ref{ArtifactID: name, Type: meta.Type, Summary: meta.Summary},
			ts:  meta.CreatedAt,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ts.Before(items[j].ts) })
	refs := make([]*Ref, 0, len(items))
	for i := range items {
		refs = append(refs, &items[i].ref)
	}
	return refs, nil
}

// Sweep removes artifacts older than the retention window. Blobs newer than
// the window are never touched even when their owning thread is gone.
func (s *LocalService) Sweep(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	threads, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}
	for _, thread := range threads {
		if !thread.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := filepath.Join(s.root, thread.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		remaining := 0
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasSuffix(name, metaSuffix) {
				continue
			}
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				remaining++
				continue
			}
			_ = os.Remove(filepath.Join(dir, name))
			_ = os.Remove(filepath.Join(dir, name) + metaSuffix)
		}
		if remaining == 0 {
			_ = os.Remove(dir)
		}
	}
	return nil
}
