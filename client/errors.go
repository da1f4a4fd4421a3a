// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"

	"github.com/absmach/mqttlab/topics"
)

// Client errors.
var (
	// Configuration errors.
	ErrNoHost          = errors.New("broker host cannot be empty")
	ErrInvalidPort     = errors.New("broker port must be between 1 and 65535")
	ErrEmptyClientID   = errors.New("client ID cannot be empty")
	ErrInvalidProtocol = errors.New("invalid protocol version (must be 3 or 4)")

	// Connection errors.
	ErrConnectFailed = errors.New("connection failed")
	ErrNotConnected  = errors.New("client not connected")
	ErrClientClosed  = errors.New("client has been closed")

	// Operation errors.
	ErrInvalidQoS      = errors.New("invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic    = topics.ErrInvalid
	ErrSubscribeFailed = errors.New("subscription failed")
	ErrPublishFailed   = errors.New("publish failed")
)
