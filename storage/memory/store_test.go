// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"

	"github.com/absmach/mqttlab/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	s := New()
	assert.Empty(t, s.Load())
	assert.False(t, s.Exists())

	msgs := []storage.Message{
		{Topic: "demo/x", Payload: []byte("héllo \xff"), QoS: storage.AtLeastOnce, Retain: true},
	}
	require.NoError(t, s.Save(msgs))
	assert.True(t, s.Exists())
	assert.Equal(t, msgs, s.Load())

	// Mutating the caller's slice must not leak into the store.
	msgs[0].Payload[0] = 'X'
	assert.Equal(t, byte('h'), s.Load()[0].Payload[0])

	require.NoError(t, s.Save([]storage.Message{}))
	got := s.Load()
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestStore_Clear(t *testing.T) {
	s := New()
	require.NoError(t, s.Save([]storage.Message{{Topic: "a", Payload: []byte("1"), Retain: true}}))
	require.NoError(t, s.Clear())

	assert.False(t, s.Exists())
	assert.Empty(t, s.Load())
	require.NoError(t, s.Close())
}
