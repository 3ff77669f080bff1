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
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce collapses the burst of events an editor save produces.
const defaultDebounce = 200 * time.Millisecond

// Reloader is satisfied by *Resolver.
type Reloader interface {
	Reload(ctx context.Context) error
}

// FileWatcher reloads personas when their YAML file changes.
//
// # Description
//
// The parent directory is watched rather than the file itself, because
// FileStore replaces the file by rename and editors commonly do the same;
// a watch on the old inode would go silent after the first save.
//
// # Thread Safety
//
// Run must be called once. Close may be called from any goroutine.
type FileWatcher struct {
	path     string
	target   Reloader
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// NewFileWatcher creates a watcher for path that reloads target.
func NewFileWatcher(path string, target Reloader) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("resolve persona path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &FileWatcher{path: abs, target: target, watcher: w, debounce: defaultDebounce}, nil
}

// Run dispatches reloads until ctx is done or the watcher is closed.
func (w *FileWatcher) Run(ctx context.Context) {
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	slog.Debug("Watching persona file", "path", w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			if err := w.target.Reload(ctx); err != nil {
				slog.Warn("Persona reload failed, keeping previous set", "path", w.path, "error", err)
				continue
			}
			slog.Info("Personas reloaded from file", "path", w.path)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Persona watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// Close releases the underlying watcher.
func (w *FileWatcher) Close() error {
	return w.watcher.Close()
}

func (w *FileWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}
