// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"testing"

	"github.com/absmach/mqttlab/storage"
	"github.com/absmach/mqttlab/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	memory.Store
}

var errDisk = errors.New("disk full")

func (s *failingStore) Save([]storage.Message) error { return errDisk }
func (s *failingStore) Clear() error                 { return errDisk }

func msg(topic, payload string) storage.Message {
	return storage.Message{Topic: topic, Payload: []byte(payload), QoS: storage.AtLeastOnce, Retain: true}
}

func TestRetainedSetApply(t *testing.T) {
	store := memory.New()
	set := NewRetainedSet(store, nil)

	changed, err := set.Apply(msg("a", "1"))
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = set.Apply(msg("b", "2"))
	require.NoError(t, err)
	_, err = set.Apply(msg("a", "3"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, set.Topics(), "replacement keeps position")
	assert.Equal(t, []byte("3"), set.Snapshot()[0].Payload)
	assert.Equal(t, set.Snapshot(), store.Load(), "every change is saved")

	changed, err = set.Apply(storage.Message{Topic: "a"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"b"}, set.Topics())
	assert.Equal(t, 1, len(store.Load()))

	changed, err = set.Apply(storage.Message{Topic: "missing"})
	require.NoError(t, err)
	assert.False(t, changed, "deleting an unknown topic is not a change")
}

func TestRetainedSetForcesRetainFlag(t *testing.T) {
	set := NewRetainedSet(memory.New(), nil)
	_, err := set.Apply(storage.Message{Topic: "a", Payload: []byte("x")})
	require.NoError(t, err)
	assert.True(t, set.Snapshot()[0].Retain)
}

func TestRetainedSetSeed(t *testing.T) {
	set := NewRetainedSet(memory.New(), []storage.Message{
		msg("a", "1"),
		msg("b", "2"),
		msg("a", "3"),
		{Topic: "b"},
		{Topic: "", Payload: []byte("orphan")},
	})

	snap := set.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].Topic)
	assert.Equal(t, []byte("3"), snap[0].Payload)
}

func TestRetainedSetSnapshotIsCopy(t *testing.T) {
	set := NewRetainedSet(memory.New(), []storage.Message{msg("a", "1")})
	snap := set.Snapshot()
	snap[0].Payload[0] = 'X'
	assert.Equal(t, []byte("1"), set.Snapshot()[0].Payload)
}

func TestRetainedSetClear(t *testing.T) {
	store := memory.New()
	set := NewRetainedSet(store, nil)
	_, err := set.Apply(msg("a", "1"))
	require.NoError(t, err)

	require.NoError(t, set.Clear())
	assert.Equal(t, 0, set.Len())
	assert.False(t, store.Exists())
	assert.Empty(t, store.Load())
}

func TestRetainedSetSaveFailure(t *testing.T) {
	set := NewRetainedSet(&failingStore{}, nil)

	changed, err := set.Apply(msg("a", "1"))
	assert.True(t, changed, "the set changes even when saving fails")
	assert.ErrorIs(t, err, ErrPersist)
	assert.ErrorIs(t, err, errDisk)

	assert.ErrorIs(t, set.Save(), errDisk)
	assert.ErrorIs(t, set.Clear(), errDisk)
}
