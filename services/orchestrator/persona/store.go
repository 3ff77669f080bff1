// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persona

import (
	"context"
	"sort"
	"sync"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
)

// Snapshot is the complete persisted persona state.
type Snapshot struct {
	Personas []datatypes.Persona `yaml:"personas" json:"personas"`

	// Bindings maps conversation id to persona id.
	Bindings map[string]string `yaml:"bindings" json:"bindings"`
}

// Store persists persona definitions and bindings as one unit.
//
// # Description
//
// Stores are deliberately coarse: the resolver loads everything at start
// and writes everything on each mutation. Persona sets are small and change
// rarely, so whole-snapshot writes keep backends trivial to reason about.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the persisted snapshot. A store that has never been
	// written returns an empty snapshot and no error.
	Load(ctx context.Context) (Snapshot, error)

	// Save replaces the persisted snapshot.
	Save(ctx context.Context, snap Snapshot) error
}

// normalize sorts personas by id and ensures Bindings is non-nil.
func (s Snapshot) normalize() Snapshot {
	out := Snapshot{
		Personas: append([]datatypes.Persona(nil), s.Personas...),
		Bindings: make(map[string]string, len(s.Bindings)),
	}
	sort.Slice(out.Personas, func(i, j int) bool { return out.Personas[i].ID < out.Personas[j].ID })
	for k, v := range s.Bindings {
		out.Bindings[k] = v
	}
	return out
}

// =============================================================================
// Memory Store
// =============================================================================

// MemoryStore keeps the snapshot in process memory. Used when no persona
// path is configured and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	snap    Snapshot
	saveErr error
}

// NewMemoryStore creates a store holding snap.
func NewMemoryStore(snap Snapshot) *MemoryStore {
	return &MemoryStore{snap: snap.normalize()}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.normalize(), nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.snap = snap.normalize()
	return nil
}

// FailSaves makes every later Save return err. Nil restores normal saves.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

var _ Store = (*MemoryStore)(nil)
