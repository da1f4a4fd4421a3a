// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"errors"
	"fmt"
)

// Lifecycle errors.
var (
	ErrStartup  = errors.New("component failed to start")
	ErrAborted  = errors.New("start aborted by stop")
	ErrNoHandle = errors.New("opener returned no handle")
	ErrStop     = errors.New("component failed to stop cleanly")
	ErrStopping = errors.New("component is stopping")
)

// StartupError reports why a component could not start. It matches
// ErrStartup with errors.Is and unwraps to the cause.
type StartupError struct {
	Component string
	Err       error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s: start failed: %v", e.Component, e.Err)
}

// Unwrap returns the cause.
func (e *StartupError) Unwrap() error {
	return e.Err
}

// Is matches ErrStartup.
func (e *StartupError) Is(target error) bool {
	return target == ErrStartup
}
