// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

package reconciler

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/cadencehq/eventsync/internal/logging"
	"github.com/cadencehq/eventsync/internal/models"
)

// syncStateKey is the single key holding the persisted reconciler state.
var syncStateKey = []byte("sync_state")

// BadgerStateStore persists SyncState in a Badger database so progress
// accounting survives restarts.
type BadgerStateStore struct {
	db *badger.DB
}

// OpenStateStore opens (creating if necessary) the state database at path.
func OpenStateStore(path string) (*BadgerStateStore, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithCompactL0OnClose(true)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open sync state store: %w", err)
	}
	logging.Debug().Str("path", path).Msg("Sync state store opened")
	return &BadgerStateStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BadgerStateStore) Close() error {
	return s.db.Close()
}

// Load returns the persisted state. A store with no state yet returns the
// zero value, not an error.
func (s *BadgerStateStore) Load() (models.SyncState, error) {
	var state models.SyncState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(syncStateKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &state)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.SyncState{}, nil
	}
	if err != nil {
		return models.SyncState{}, fmt.Errorf("load sync state: %w", err)
	}
	return state, nil
}

// Save persists the state, replacing whatever was there.
func (s *BadgerStateStore) Save(state models.SyncState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal sync state: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(syncStateKey, data)
	})
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}
