// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyedLocker serializes work per key while letting distinct keys run in parallel.
//
// # Description
//
// Each key maps to a weight-1 semaphore so acquisition can be abandoned when
// the caller's context ends. Entries are reference counted and dropped once
// no holder or waiter remains, so idle conversations cost nothing.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Examples
//
//	unlock, err := locker.Lock(ctx, "group_42")
//	if err != nil {
//	    return err // ctx expired while another turn held the conversation
//	}
//	defer unlock()
type KeyedLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyedLocker creates an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{entries: make(map[string]*lockEntry)}
}

// Lock acquires key, waiting until it is free or ctx is done.
//
// # Outputs
//
//   - func(): Releases the key. Must be called exactly once.
//   - error: ctx.Err() if the wait was abandoned.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		l.release(key, entry, false)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, entry, true) })
	}, nil
}

func (l *KeyedLocker) release(key string, entry *lockEntry, held bool) {
	if held {
		entry.sem.Release(1)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
