// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/absmach/mqttlab/events"
)

var _ events.Sink = (*Recorder)(nil)

// Recorder is an events.Sink that keeps every event for inspection.
type Recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

// Notify records ev.
func (r *Recorder) Notify(ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

// Of returns the recorded events of the given type.
func (r *Recorder) Of(typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []events.Event
	for _, ev := range r.evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many events of the given type were recorded.
func (r *Recorder) Count(typ events.Type) int {
	return len(r.Of(typ))
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.evs = nil
	r.mu.Unlock()
}

// WaitFor waits until an event of the given type matching match has been
// recorded and returns the first one. A nil match accepts any event.
func (r *Recorder) WaitFor(t testing.TB, typ events.Type, match func(events.Event) bool, timeout time.Duration) events.Event {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		for _, ev := range r.Of(typ) {
			if match == nil || match(ev) {
				return ev
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s event", typ)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
