// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "sync/atomic"

// State is the lifecycle state of a component.
type State uint32

// Component states. Starting and Stopping are transient.
const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Observable folds transient states into the two states callers act on:
// a component that is still starting is not yet usable, and one that is
// stopping still holds its handle.
func (s State) Observable() State {
	switch s {
	case Starting:
		return Stopped
	case Stopping:
		return Running
	default:
		return s
	}
}

// stateManager handles atomic state reads and transitions.
type stateManager struct {
	state atomic.Uint32
}

func (sm *stateManager) get() State {
	return State(sm.state.Load())
}

func (sm *stateManager) set(s State) {
	sm.state.Store(uint32(s))
}

// transition moves from one state to another. Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return sm.state.CompareAndSwap(uint32(from), uint32(to))
}
