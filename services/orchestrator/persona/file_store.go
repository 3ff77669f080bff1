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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore keeps the snapshot in a YAML file.
//
// # Description
//
// Writes go to a temporary file in the same directory which is then renamed
// over the target, so readers and the watcher never observe a torn file.
//
// Example file:
//
//	personas:
//	  - id: default
//	    name: Default
//	    description: You are a friendly assistant at a tabletop RPG session.
//	bindings:
//	  group_42: default
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by path. The file need not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: filepath.Clean(path)}
}

// Path returns the backing file.
func (f *FileStore) Path() string {
	return f.path
}

// Load implements Store.
func (f *FileStore) Load(_ context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{Bindings: map[string]string{}}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read persona file %s: %w", f.path, err)
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse persona file %s: %w", f.path, err)
	}
	return snap.normalize(), nil
}

// Save implements Store.
func (f *FileStore) Save(_ context.Context, snap Snapshot) error {
	data, err := yaml.Marshal(snap.normalize())
	if err != nil {
		return fmt.Errorf("marshal personas: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create persona directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".personas-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp persona file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp persona file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp persona file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace persona file: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
