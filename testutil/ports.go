// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	portsMu sync.Mutex
	used    = map[int]struct{}{}
)

// FreePort returns a local TCP port that was free a moment ago and has not
// been handed out before in this process.
func FreePort(t testing.TB) int {
	t.Helper()

	portsMu.Lock()
	defer portsMu.Unlock()

	for {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		_ = ln.Close()

		if _, ok := used[port]; ok {
			continue
		}
		used[port] = struct{}{}
		return port
	}
}

// FreeAddr returns "127.0.0.1:<FreePort>".
func FreeAddr(t testing.TB) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(FreePort(t)))
}
