// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/absmach/mqttlab/storage"
)

var _ storage.RetainedStore = (*Store)(nil)

// Store is an in-memory implementation of storage.RetainedStore.
// Contents do not survive the process.
type Store struct {
	mu     sync.RWMutex
	msgs   []storage.Message
	exists bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{}
}

// Load returns a copy of the saved sequence.
func (s *Store) Load() []storage.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.exists {
		return []storage.Message{}
	}
	return storage.CopyMessages(s.msgs)
}

// Save replaces the saved sequence.
func (s *Store) Save(msgs []storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = storage.CopyMessages(msgs)
	s.exists = true
	return nil
}

// Clear drops the saved sequence.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = nil
	s.exists = false
	return nil
}

// Close does nothing.
func (s *Store) Close() error {
	return nil
}

// Exists reports whether a sequence has been saved and not cleared.
func (s *Store) Exists() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exists
}
