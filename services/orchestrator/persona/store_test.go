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
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/tavern/pkg/storage/badger"
	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Personas: []datatypes.Persona{
			bard(),
			{ID: "default", Name: "Default", Description: "Be helpful."},
		},
		Bindings: map[string]string{"group_7": "bard"},
	}
}

func assertSampleSnapshot(t *testing.T, snap Snapshot) {
	t.Helper()
	require.Len(t, snap.Personas, 2)
	assert.Equal(t, "bard", snap.Personas[0].ID, "personas come back sorted")
	assert.Equal(t, "default", snap.Personas[1].ID)
	assert.Equal(t, map[string]string{"group_7": "bard"}, snap.Bindings)
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "personas.yaml"))

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Personas)
	assert.NotNil(t, snap.Bindings)
}

func TestFileStore_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "personas.yaml")
	store := NewFileStore(path)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleSnapshot()))
	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assertSampleSnapshot(t, snap)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("personas: [unclosed"), 0600))

	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}

func TestBadgerStore_SaveLoadReplaces(t *testing.T) {
	db, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	store := NewBadgerStore(db)
	ctx := context.Background()

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty.Personas)

	require.NoError(t, store.Save(ctx, sampleSnapshot()))
	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assertSampleSnapshot(t, snap)

	// A smaller snapshot removes stale keys.
	require.NoError(t, store.Save(ctx, Snapshot{Personas: []datatypes.Persona{bard()}}))
	snap, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Personas, 1)
	assert.Empty(t, snap.Bindings)
}

func TestResolver_OverBadgerStore(t *testing.T) {
	db, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	r, err := NewResolver(ctx, NewBadgerStore(db), "")
	require.NoError(t, err)
	require.NoError(t, r.AddPersona(ctx, bard()))
	require.NoError(t, r.SetPersona(ctx, "c", "bard", nil))

	// A second resolver over the same DB sees the persisted state.
	r2, err := NewResolver(ctx, NewBadgerStore(db), "")
	require.NoError(t, err)
	assert.Equal(t, "bard", r2.ActiveID("c"))
	assert.Len(t, r2.List("c").Personas, 2)
}
