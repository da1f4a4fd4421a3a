// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package supervisor

import "errors"

// Supervisor errors.
var (
	ErrNotRunning    = errors.New("component is not running")
	ErrBrokerRunning = errors.New("port cannot change while the broker is running")
	ErrNoStore       = errors.New("retained store is required")
	ErrUnknown       = errors.New("unknown component")
)
