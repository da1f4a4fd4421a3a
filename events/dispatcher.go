// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"log/slog"
	"sync"
)

// DefaultQueueSize is the dispatcher buffer used when none is configured.
const DefaultQueueSize = 1024

var _ Sink = (*Dispatcher)(nil)

// Dispatcher delivers events to its sinks from a single goroutine, in the
// order Notify was called. Notify blocks while the queue is full rather than
// dropping, so every event accepted before Close reaches every sink.
type Dispatcher struct {
	queue  chan Event
	sinks  []Sink
	logger *slog.Logger
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a dispatcher feeding the given sinks.
func NewDispatcher(queueSize int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	d := &Dispatcher{
		queue:  make(chan Event, queueSize),
		sinks:  sinks,
		logger: logger,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify queues ev for delivery. Events arriving after Close are dropped.
func (d *Dispatcher) Notify(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Debug("event dropped after dispatcher close",
			slog.String("event_type", string(ev.Type)),
			slog.String("component", ev.Component))
		return
	}
	d.queue <- ev
}

// Close stops accepting events and waits until queued ones are delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for ev := range d.queue {
		for _, s := range d.sinks {
			d.deliver(s, ev)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event sink panic recovered",
				slog.String("event_type", string(ev.Type)),
				slog.Any("panic", r))
		}
	}()
	s.Notify(ev)
}
