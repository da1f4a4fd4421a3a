// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/mqttlab/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.RetainedStore = (*Store)(nil)

// retainedKey holds the whole retained set as one JSON value.
var retainedKey = []byte("retained:set")

// Config holds BadgerDB configuration.
type Config struct {
	Dir     string // Directory for BadgerDB data
	OnError storage.ErrorHandler
}

// Store implements storage.RetainedStore using BadgerDB.
type Store struct {
	db      *badger.DB
	onError storage.ErrorHandler
	closed  bool
	mu      sync.RWMutex
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// The set is rewritten rarely and must survive a crash right after Save.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	onError := cfg.OnError
	if onError == nil {
		onError = storage.IgnoreErrors
	}

	return &Store{
		db:      db,
		onError: onError,
	}, nil
}

// Load reads the retained set. Loading from a closed store reports
// storage.ErrClosed to the error handler.
func (s *Store) Load() []storage.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.onError(storage.ErrClosed)
		return []storage.Message{}
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(retainedKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			s.onError(fmt.Errorf("%w: %w", storage.ErrUnreadable, err))
		}
		return []storage.Message{}
	}

	var msgs []storage.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		s.onError(fmt.Errorf("%w: %w", storage.ErrCorrupt, err))
		return []storage.Message{}
	}
	if msgs == nil {
		msgs = []storage.Message{}
	}
	return msgs
}

// Save replaces the retained set in a single transaction.
func (s *Store) Save(msgs []storage.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}

	if msgs == nil {
		msgs = []storage.Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to marshal retained set: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(retainedKey, data)
	})
}

// Clear deletes the retained set.
func (s *Store) Clear() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(retainedKey)
	})
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
