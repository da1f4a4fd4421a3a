// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// DefaultConnectTimeout bounds a connect probe.
const DefaultConnectTimeout = 5 * time.Second

// Protocol levels understood by the probe.
const (
	ProtocolV31  byte = 3
	ProtocolV311 byte = 4
	ProtocolV5   byte = 5
)

// ErrNotConnack is returned when the broker answers with something other
// than a CONNACK.
var ErrNotConnack = errors.New("expected CONNACK")

// ConnectRequest describes a single CONNECT packet.
type ConnectRequest struct {
	ProtocolLevel byte // defaults to 3.1.1
	ClientID      string
	Username      *string
	Password      *string
	KeepAlive     uint16
}

// Credentials returns pointers for the username and password fields.
func Credentials(username, password string) (*string, *string) {
	return &username, &password
}

// Connack dials addr, sends one CONNECT and returns the CONNACK return code
// (3.x) or reason code (5). The connection is always closed afterwards.
func Connack(addr string, req ConnectRequest) (byte, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultConnectTimeout)
	if err != nil {
		return 0, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(BuildConnect(req)); err != nil {
		return 0, fmt.Errorf("failed to send CONNECT: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(DefaultConnectTimeout))
	header := make([]byte, 1)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, fmt.Errorf("failed to read CONNACK: %w", err)
	}
	if header[0] != 0x20 {
		return 0, fmt.Errorf("%w, got packet type %d", ErrNotConnack, header[0]>>4)
	}
	length, err := readRemainingLength(conn)
	if err != nil {
		return 0, fmt.Errorf("failed to read CONNACK: %w", err)
	}
	if length < 2 {
		return 0, fmt.Errorf("%w: short packet", ErrNotConnack)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return 0, fmt.Errorf("failed to read CONNACK: %w", err)
	}
	return body[1], nil
}

// BuildConnect encodes a CONNECT packet.
func BuildConnect(req ConnectRequest) []byte {
	level := req.ProtocolLevel
	if level == 0 {
		level = ProtocolV311
	}

	var buf bytes.Buffer
	if level == ProtocolV31 {
		writeString(&buf, "MQIsdp")
	} else {
		writeString(&buf, "MQTT")
	}
	buf.WriteByte(level)

	flags := byte(0x02) // clean session
	if req.Username != nil {
		flags |= 0x80
	}
	if req.Password != nil {
		flags |= 0x40
	}
	buf.WriteByte(flags)

	keepAlive := req.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30
	}
	buf.WriteByte(byte(keepAlive >> 8))
	buf.WriteByte(byte(keepAlive))

	if level == ProtocolV5 {
		buf.WriteByte(0x00) // no properties
	}

	writeString(&buf, req.ClientID)
	if req.Username != nil {
		writeString(&buf, *req.Username)
	}
	if req.Password != nil {
		writeString(&buf, *req.Password)
	}

	var packet bytes.Buffer
	packet.WriteByte(0x10)
	writeRemainingLength(&packet, buf.Len())
	packet.Write(buf.Bytes())
	return packet.Bytes()
}

func readRemainingLength(r io.Reader) (int, error) {
	multiplier := 1
	value := 0
	b := make([]byte, 1)
	for i := 0; i < 4; i++ {
		if _, err := io.ReadFull(r, b); err != nil {
			return 0, err
		}
		value += int(b[0]&0x7F) * multiplier
		if b[0]&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, errors.New("malformed remaining length")
}

func writeRemainingLength(buf *bytes.Buffer, length int) {
	for {
		encoded := byte(length % 128)
		length /= 128
		if length > 0 {
			encoded |= 128
		}
		buf.WriteByte(encoded)
		if length == 0 {
			return
		}
	}
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte(byte(len(s) >> 8))
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}
