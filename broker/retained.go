// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"sync"

	"github.com/absmach/mqttlab/storage"
)

// RetainedSet is the broker's view of retained messages, one per topic, in
// first-retained order. Every change is written through to the store.
type RetainedSet struct {
	mu    sync.Mutex
	msgs  []storage.Message
	store storage.RetainedStore
}

// NewRetainedSet creates a set backed by store, seeded with msgs. Seeding
// applies the same rules as Apply without saving.
func NewRetainedSet(store storage.RetainedStore, msgs []storage.Message) *RetainedSet {
	s := &RetainedSet{store: store}
	for _, m := range msgs {
		s.apply(m)
	}
	return s
}

// Apply records a retained message. A message for a known topic replaces it
// in place and an empty payload removes the topic. When the set changes it
// is saved and changed is true.
func (s *RetainedSet) Apply(msg storage.Message) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.apply(msg) {
		return false, nil
	}
	if err := s.store.Save(s.msgs); err != nil {
		return true, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return true, nil
}

func (s *RetainedSet) apply(msg storage.Message) bool {
	if msg.Topic == "" {
		return false
	}
	i := s.index(msg.Topic)
	if len(msg.Payload) == 0 {
		if i < 0 {
			return false
		}
		s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
		return true
	}

	msg = storage.CopyMessage(msg)
	msg.Retain = true
	if i < 0 {
		s.msgs = append(s.msgs, msg)
	} else {
		s.msgs[i] = msg
	}
	return true
}

func (s *RetainedSet) index(topic string) int {
	for i, m := range s.msgs {
		if m.Topic == topic {
			return i
		}
	}
	return -1
}

// Save writes the current set to the store.
func (s *RetainedSet) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Save(s.msgs); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// Clear empties the set and removes the durable representation.
func (s *RetainedSet) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = nil
	if err := s.store.Clear(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// Snapshot returns a copy of the set.
func (s *RetainedSet) Snapshot() []storage.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storage.CopyMessages(s.msgs)
}

// Topics returns the retained topics in order.
func (s *RetainedSet) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		topics[i] = m.Topic
	}
	return topics
}

// Len returns the number of retained topics.
func (s *RetainedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}
