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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/tavern/pkg/storage/badger"
	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	badgerdb "github.com/dgraph-io/badger/v4"
)

const (
	personaPrefix = "persona/"
	bindingPrefix = "binding/"
)

// BadgerStore keeps personas and bindings in BadgerDB.
//
// Layout:
//
//	persona/<id>            -> JSON datatypes.Persona
//	binding/<conversation>  -> JSON string persona id
//
// Save rewrites both prefixes in a single transaction.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open database. The caller owns db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Load implements Store.
func (b *BadgerStore) Load(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Bindings: map[string]string{}}
	err := b.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		if err := badger.ScanPrefix(txn, personaPrefix, func(key string, value []byte) error {
			var p datatypes.Persona
			if err := json.Unmarshal(value, &p); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			snap.Personas = append(snap.Personas, p)
			return nil
		}); err != nil {
			return err
		}
		return badger.ScanPrefix(txn, bindingPrefix, func(key string, value []byte) error {
			var personaID string
			if err := json.Unmarshal(value, &personaID); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			snap.Bindings[strings.TrimPrefix(key, bindingPrefix)] = personaID
			return nil
		})
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("load personas from badger: %w", err)
	}
	return snap.normalize(), nil
}

// Save implements Store.
func (b *BadgerStore) Save(ctx context.Context, snap Snapshot) error {
	err := b.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		if err := badger.DeletePrefix(txn, personaPrefix); err != nil {
			return err
		}
		if err := badger.DeletePrefix(txn, bindingPrefix); err != nil {
			return err
		}
		for _, p := range snap.Personas {
			if err := badger.PutJSON(txn, personaPrefix+p.ID, p); err != nil {
				return err
			}
		}
		for conv, personaID := range snap.Bindings {
			if err := badger.PutJSON(txn, bindingPrefix+conv, personaID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save personas to badger: %w", err)
	}
	return nil
}

var _ Store = (*BadgerStore)(nil)
