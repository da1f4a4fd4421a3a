// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

// Broker errors.
var (
	ErrNoStore = errors.New("retained store is required")
	ErrListen  = errors.New("failed to listen")
	ErrServe   = errors.New("failed to serve")
	ErrPersist = errors.New("failed to persist retained messages")
	ErrClosed  = errors.New("broker is closed")
)
