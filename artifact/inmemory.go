//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package artifact

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryService keeps artifacts in process memory, for tests and
// development.
type InMemoryService struct {
	mu      sync.RWMutex
	threads map[string]map[string]*Artifact
}

var (
	_ Service = (*InMemoryService)(nil)
	_ Sweeper = (*InMemoryService)(nil)
)

// NewInMemoryService creates an empty in-memory artifact store.
func NewInMemoryService() *InMemoryService {
	return &InMemoryService{threads: make(map[string]map[string]*Artifact)}
}

// Save stores the artifact and returns its reference.
func (s *InMemoryService) Save(_ context.Context, threadID string, a *Artifact) (*Ref, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	stored := *a
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = time.Now().UTC()
	stored.Data = append([]byte(nil), a.Data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threads[threadID] == nil {
		s.threads[threadID] = make(map[string]*Artifact)
	}
	s.threads[threadID][stored.ID] = &stored
	return &Ref{ArtifactID: stored.ID, Type: stored.Type, Summary: stored.Summary}, nil
}

// Load retrieves one artifact.
func (s *InMemoryService) Load(_ context.Context, threadID, artifactID string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.threads[threadID][artifactID]
	if !ok {
		return nil, fmt.Errorf("artifact %s/%s not found", threadID, artifactID)
	}
	clone := *a
	clone.Data = append([]byte(nil), a.Data...)
	return &clone, nil
}

// Delete removes one artifact.
func (s *InMemoryService) Delete(_ context.Context, threadID, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads[threadID], artifactID)
	return nil
}

// List returns the references of all artifacts of a thread, oldest first.
func (s *InMemoryService) List(_ context.Context, threadID string) ([]*Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifacts := make([]*Artifact, 0, len(s.threads[threadID]))
	for _, a := range s.threads[threadID] {
		artifacts = append(artifacts, a)
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})
	refs := make([]*Ref, 0, len(artifacts))
	for _, a := range artifacts {
		refs = append(refs, &Ref{ArtifactID: a.ID, Type: a.Type, Summary: a.Summary})
	}
	return refs, nil
}

// Sweep drops artifacts older than the retention window.
func (s *InMemoryService) Sweep(_ context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for threadID, artifacts := range s.threads {
		for id, a := range artifacts {
			if a.CreatedAt.Before(cutoff) {
				delete(artifacts, id)
			}
		}
		if len(artifacts) == 0 {
			delete(s.threads, threadID)
		}
	}
	return nil
}
