// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package admission decides whether an inbound MQTT connection may proceed.
package admission

import "unicode/utf8"

// DefaultMinClientIDLength is the shortest client identifier the broker accepts.
const DefaultMinClientIDLength = 10

// Credentials are the identity fields a client presents in its CONNECT packet.
type Credentials struct {
	ClientID string
	Username string
	Password []byte
}

// Decision is the outcome of an admission check.
type Decision uint8

// Admission decisions.
const (
	Accepted Decision = iota
	RejectedInvalidClientID
	RejectedBadCredentials
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case RejectedInvalidClientID:
		return "rejected_invalid_client_id"
	case RejectedBadCredentials:
		return "rejected_bad_credentials"
	default:
		return "unknown"
	}
}

// MQTT CONNACK reason codes for each decision.
const (
	CodeSuccess                 byte = 0x00
	CodeV3IdentifierRejected    byte = 0x02
	CodeV3BadUsernameOrPassword byte = 0x04
	CodeClientIDNotValid        byte = 0x85
	CodeBadUsernameOrPassword   byte = 0x86
)

// ReasonCode returns the MQTT v5 CONNACK reason code for the decision.
func (d Decision) ReasonCode() byte {
	switch d {
	case RejectedInvalidClientID:
		return CodeClientIDNotValid
	case RejectedBadCredentials:
		return CodeBadUsernameOrPassword
	default:
		return CodeSuccess
	}
}

// V3ReturnCode returns the MQTT 3.1.1 CONNACK return code for the decision.
func (d Decision) V3ReturnCode() byte {
	switch d {
	case RejectedInvalidClientID:
		return CodeV3IdentifierRejected
	case RejectedBadCredentials:
		return CodeV3BadUsernameOrPassword
	default:
		return CodeSuccess
	}
}

// Gate holds the static credential configuration used to admit clients.
// It is a value type and safe for concurrent use.
type Gate struct {
	Username          string
	Password          []byte
	MinClientIDLength int
}

// NewGate creates a gate for the given credentials with the default
// minimum client id length.
func NewGate(username, password string) Gate {
	return Gate{
		Username:          username,
		Password:          []byte(password),
		MinClientIDLength: DefaultMinClientIDLength,
	}
}

// Decide evaluates the admission rules in order; the first match wins.
// Client id length counts characters. Values are compared byte for byte:
// no trimming and no case folding.
func (g Gate) Decide(c Credentials) Decision {
	if utf8.RuneCountInString(c.ClientID) < g.MinClientIDLength {
		return RejectedInvalidClientID
	}
	if c.Username != g.Username {
		return RejectedBadCredentials
	}
	if string(c.Password) != string(g.Password) {
		return RejectedBadCredentials
	}
	return Accepted
}
