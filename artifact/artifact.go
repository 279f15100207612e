//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

// Package artifact stores large payloads out of band. Graph state and wire
// events carry only a small reference; the blob itself lives in a store
// keyed by (thread id, artifact id).
package artifact

import (
	"context"
	"time"
)

// Ref is the in-state and on-wire reference to a stored artifact.
type Ref struct {
	ArtifactID string `json:"artifact_id"`
	Type       string `json:"type"`
	Summary    string `json:"summary,omitempty"`
}

// Artifact is one stored payload.
type Artifact struct {
	// ID is assigned by the service on save when empty.
	ID string
	// Type is a caller-chosen content type such as "price_series" or
	// "report".
	Type string
	// Summary is a short human-readable description carried on the Ref.
	Summary string
	// Data is the payload.
	Data []byte
	// CreatedAt is set by the service on save.
	CreatedAt time.Time
}

// Service stores and retrieves artifacts. Artifacts are owned by the thread
// that created them and must outlive the thread by the deployment's
// retention window.
type Service interface {
	// Save stores the artifact under the thread, assigning an id when the
	// artifact has none, and returns its reference.
	Save(ctx context.Context, threadID string, a *Artifact) (*Ref, error)
	// Load retrieves one artifact.
	Load(ctx context.Context, threadID, artifactID string) (*Artifact, error)
	// Delete removes one artifact.
	Delete(ctx context.Context, threadID, artifactID string) error
	// List returns the references of all artifacts of a thread.
	List(ctx context.Context, threadID string) ([]*Ref, error)
}

// Sweeper is implemented by services that can reclaim storage. Sweep removes
// artifacts older than the retention window and never touches newer ones.
type Sweeper interface {
	Sweep(ctx context.Context, retention time.Duration) error
}
