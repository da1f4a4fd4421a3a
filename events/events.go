// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events carries lifecycle, connection, message and failure
// notifications from the core to whatever renders them.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies an event.
type Type string

// Event type constants.
const (
	TypeComponentStarted   Type = "component.started"
	TypeComponentStopped   Type = "component.stopped"
	TypeStartFailed        Type = "component.start_failed"
	TypeClientConnected    Type = "client.connected"
	TypeClientDisconnected Type = "client.disconnected"
	TypeClientSubscribed   Type = "client.subscribed"
	TypeMessageReceived    Type = "message.received"
	TypeMessagePublished   Type = "message.published"
	TypeClientAccepted     Type = "broker.client_accepted"
	TypeClientRejected     Type = "broker.client_rejected"
	TypeClientLeft         Type = "broker.client_disconnected"
	TypeRetainedChanged    Type = "broker.retained_changed"
	TypeRetainedCleared    Type = "broker.retained_cleared"
	TypePersistenceFailure Type = "persistence.failure"
	TypeConfigRejected     Type = "config.rejected"
	TypeOperationFailed    Type = "operation.failed"
)

// Failure reports whether events of this type describe a failure.
func (t Type) Failure() bool {
	switch t {
	case TypeStartFailed, TypeClientRejected, TypePersistenceFailure, TypeConfigRejected, TypeOperationFailed:
		return true
	default:
		return false
	}
}

// Component names.
const (
	Broker     = "broker"
	Publisher  = "publisher"
	Subscriber = "subscriber"
	Supervisor = "supervisor"
)

// Event is a single notification.
type Event struct {
	ID        string    `json:"event_id"`
	Type      Type      `json:"event_type"`
	Component string    `json:"component"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	QoS       byte      `json:"qos,omitempty"`
	Retain    bool      `json:"retain,omitempty"`
	Count     int       `json:"count,omitempty"`
}

// New creates an event with a fresh ID and the current time.
func New(typ Type, component string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Component: component,
		Timestamp: time.Now().UTC(),
	}
}

// Failed creates a failure event of the given type carrying err.
func Failed(typ Type, component string, err error) Event {
	ev := New(typ, component)
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Sink receives events. Implementations must not block for long and must be
// safe for concurrent use.
type Sink interface {
	Notify(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

// Notify calls f(ev).
func (f SinkFunc) Notify(ev Event) {
	f(ev)
}

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks in order.
type Multi []Sink

// Notify forwards ev to every sink.
func (m Multi) Notify(ev Event) {
	for _, s := range m {
		s.Notify(ev)
	}
}
