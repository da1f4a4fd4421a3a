// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrCorrupt    = errors.New("retained set is corrupt")
	ErrUnreadable = errors.New("retained set is unreadable")
	ErrClosed     = errors.New("store is closed")
)

// QoS is the MQTT delivery guarantee of a message.
type QoS byte

// QoS levels.
const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

// String returns the QoS name.
func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "AtMostOnce"
	case AtLeastOnce:
		return "AtLeastOnce"
	case ExactlyOnce:
		return "ExactlyOnce"
	default:
		return fmt.Sprintf("QoS(%d)", byte(q))
	}
}

// Valid reports whether q is a defined QoS level.
func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

// Message is an MQTT application message.
type Message struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	QoS     QoS    `json:"qos"`
	Retain  bool   `json:"retain"`
}

// CopyMessage creates a deep copy of a message.
func CopyMessage(msg Message) Message {
	cp := msg
	if msg.Payload != nil {
		cp.Payload = make([]byte, len(msg.Payload))
		copy(cp.Payload, msg.Payload)
	}
	return cp
}

// CopyMessages creates a deep copy of a message sequence.
// The result is never nil.
func CopyMessages(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, CopyMessage(m))
	}
	return out
}

// RetainedStore persists the broker's retained message set as one list.
//
// The store does not deduplicate or order messages; it keeps exactly the
// sequence it was last given. Implementations keep no cache between calls,
// and callers must not run Save or Clear concurrently on the same location.
type RetainedStore interface {
	// Load returns the persisted sequence. A missing, unreadable or corrupt
	// representation yields an empty sequence; read and parse failures are
	// passed to the store's ErrorHandler instead of being returned.
	Load() []Message

	// Save atomically replaces the persisted sequence.
	Save(msgs []Message) error

	// Clear removes the persisted sequence. Clearing an absent one succeeds.
	Clear() error

	// Close releases backend resources.
	Close() error
}

// ErrorHandler receives failures a store downgrades instead of returning.
type ErrorHandler func(err error)

// IgnoreErrors is an ErrorHandler that drops every error.
func IgnoreErrors(error) {}
